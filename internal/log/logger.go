// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Standard field keys for structured logging.
// These constants ensure consistent field naming across the codebase.
const (
	// WorkflowKey is the field key for batch config names.
	WorkflowKey = "workflow"
	// StepKey is the field key for workflow step names.
	StepKey = "step"
	// StepIDKey is the field key for workflow step identifiers.
	StepIDKey = "step_id"
	// EngineKey is the field key for engine names.
	EngineKey = "engine"
	// DatabaseKey is the field key for database names.
	DatabaseKey = "database"
	// RelationKey is the field key for source relation names.
	RelationKey = "relation"
	// TransactionKey is the field key for remote transaction identifiers.
	TransactionKey = "txn_id"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
)

// prohibitedFileNameSymbols matches symbols not allowed in a log file name.
var prohibitedFileNameSymbols = regexp.MustCompile(`[\\/:*?"<>|]`)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: text
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// FileName is an optional log file name (without extension). When set,
	// logs are written to "<FileName>.log" in addition to Output.
	FileName string

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatText,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// ValidateFileName rejects log file names containing path separators or
// other symbols that are unsafe across platforms.
func ValidateFileName(name string) error {
	if prohibitedFileNameSymbols.MatchString(name) {
		return fmt.Errorf("log file name contains prohibited symbols: %s", prohibitedFileNameSymbols.String())
	}
	return nil
}

// New creates a new structured logger from the given configuration.
// When cfg.FileName is set the log file is opened in append mode and log
// records are duplicated to it.
func New(cfg *Config) (*slog.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.FileName != "" {
		if err := ValidateFileName(cfg.FileName); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.FileName+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, f)
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	case FormatText:
		fallthrough
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), nil
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a new logger with a component name field.
// Component names help identify which part of the system generated the log.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

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

// Package shared holds the flag set and runtime bootstrap common to the
// init and run commands.
package shared

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/batchflow/internal/config"
	"github.com/tombee/batchflow/internal/log"
	"github.com/tombee/batchflow/internal/metrics"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/resources"
	"github.com/tombee/batchflow/pkg/workflow"
)

// Flags is the common flag set of the batchflow commands.
type Flags struct {
	BatchConfig     string
	BatchConfigName string
	Database        string
	SourceDatabase  string
	Engine          string
	EngineSize      string

	StartDate                        string
	EndDate                          string
	ForceReimport                    bool
	ForceReimportNotChunkPartitioned bool
	CollapsePartitionsOnLoad         bool

	RelConfigDir  string
	EnvConfigPath string

	DropDB     bool
	DisableIVM bool

	Recover       bool
	RecoverStep   string
	SelectedSteps []string
	StepTimeout   string

	RaiSDKHTTPRetries int

	CleanupResources bool
	CleanupDB        bool
	CleanupEngine    bool

	LogLevel    string
	LogFormat   string
	LogFileName string

	MetricsAddr string

	// StepTimeouts is the parsed form of StepTimeout, filled by Validate.
	StepTimeouts map[string]int
}

// Register registers the common flags on a command.
func Register(cmd *cobra.Command, f *Flags) {
	flags := cmd.Flags()
	flags.StringVar(&f.BatchConfig, "batch-config", "", "Relative path to the batch configuration (JSON or YAML)")
	flags.StringVar(&f.BatchConfigName, "batch-config-name", "default", "The name of the batch configuration")
	flags.StringVar(&f.Database, "database", "", "RAI database")
	flags.StringVar(&f.SourceDatabase, "source-database", "", "RAI database to clone from")
	flags.StringVar(&f.Engine, "engine", "", "RAI engine")
	flags.StringVar(&f.EngineSize, "engine-size", "XS", "Size of the RAI engine")
	flags.StringVar(&f.StartDate, "start-date", "", "Start date for model data. Format: 'YYYYMMDD'")
	flags.StringVar(&f.EndDate, "end-date", "", "End date for model data. Format: 'YYYYMMDD'")
	flags.BoolVar(&f.ForceReimport, "force-reimport", false,
		"Force reimport of date-partitioned sources within the date range and all sources which are not date-partitioned")
	flags.BoolVar(&f.ForceReimportNotChunkPartitioned, "force-reimport-not-chunk-partitioned", false,
		"Force reimport of sources which are not chunk-partitioned")
	flags.BoolVar(&f.CollapsePartitionsOnLoad, "collapse-partitions-on-load", true,
		"Load all partitions (and shards) of each multi-part source in one transaction")
	flags.StringVar(&f.RelConfigDir, "rel-config-dir", "../rel", "Directory containing rel config files to install")
	flags.StringVar(&f.EnvConfigPath, "env-config", "../config/loader.toml", "Path to the environment TOML file")
	flags.BoolVar(&f.DropDB, "drop-db", false, "Drop the RAI database before the run")
	flags.BoolVar(&f.DisableIVM, "disable-ivm", true, "Disable IVM for the RAI database")
	flags.BoolVar(&f.Recover, "recover", false, "Recover a batch run starting from a FAILED step")
	flags.StringVar(&f.RecoverStep, "recover-step", "", "Recover a batch run starting from the specified step")
	flags.StringSliceVar(&f.SelectedSteps, "selected-steps", nil, "Steps from the batch config to run")
	flags.StringVar(&f.StepTimeout, "step-timeout", "", "Per-step timeouts in seconds, e.g. 'step1=10,step2=20'")
	flags.IntVar(&f.RaiSDKHTTPRetries, "rai-sdk-http-retries", config.DefaultHTTPRetries, "HTTP retries for the RAI client")
	flags.BoolVar(&f.CleanupResources, "cleanup-resources", false, "Remove the RAI engine and database after the run")
	flags.BoolVar(&f.CleanupDB, "cleanup-db", false, "Remove the RAI database after the run")
	flags.BoolVar(&f.CleanupEngine, "cleanup-engine", false, "Remove the RAI engine after the run")
	flags.StringVar(&f.LogLevel, "log-level", "info", "Log level")
	flags.StringVar(&f.LogFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVar(&f.LogFileName, "log-file-name", "", "Log file name (without extension)")
	flags.StringVar(&f.MetricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (disabled when empty)")

	_ = cmd.MarkFlagRequired("batch-config")
	_ = cmd.MarkFlagRequired("database")
	_ = cmd.MarkFlagRequired("engine")
}

// Validate checks flag combinations and parses compound flags.
func (f *Flags) Validate() error {
	if len(f.SelectedSteps) > 0 && f.RecoverStep != "" {
		return &errors.ConfigError{Key: "recover-step", Reason: "'--recover-step' can't be used when selected steps are specified"}
	}
	if f.Recover && f.RecoverStep != "" {
		return &errors.ConfigError{Key: "recover", Reason: "'--recover' and '--recover-step' options are mutually exclusive"}
	}
	if f.RaiSDKHTTPRetries < 0 {
		return &errors.ConfigError{Key: "rai-sdk-http-retries", Reason: "must be >= 0"}
	}
	if f.LogFileName != "" {
		if err := log.ValidateFileName(f.LogFileName); err != nil {
			return &errors.ConfigError{Key: "log-file-name", Reason: err.Error()}
		}
	}
	timeouts, err := workflow.ParseStepTimeouts(f.StepTimeout)
	if err != nil {
		return &errors.ConfigError{Key: "step-timeout", Reason: err.Error()}
	}
	f.StepTimeouts = timeouts
	return nil
}

// Runtime is everything a command needs to talk to the remote service.
type Runtime struct {
	Logger  *slog.Logger
	Env     *config.EnvConfig
	Client  *rai.Client
	Manager *resources.Manager
	Batch   workflow.BatchConfig

	metricsServer *http.Server
}

// Bootstrap builds the runtime from validated flags: logger, environment
// config, remote client, resource manager and the loaded batch config.
func Bootstrap(f *Flags) (*Runtime, error) {
	logger, err := log.New(&log.Config{
		Level:    f.LogLevel,
		Format:   log.Format(f.LogFormat),
		FileName: f.LogFileName,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	env, err := config.Load(f.EnvConfigPath)
	if err != nil {
		return nil, err
	}
	env.RaiSDKHTTPRetries = f.RaiSDKHTTPRetries

	profile, err := rai.LoadProfile(env.RaiProfilePath, env.RaiProfile)
	if err != nil {
		return nil, err
	}
	client, err := rai.NewClient(profile, rai.Options{
		HTTPRetries:                    env.RaiSDKHTTPRetries,
		FailOnMultipleWriteTxnInFlight: env.FailOnMultipleWriteTxnInFlight,
		Logger:                         logger,
	})
	if err != nil {
		return nil, err
	}

	batch, err := workflow.ReadBatchConfig(f.BatchConfig, f.BatchConfigName)
	if err != nil {
		return nil, err
	}

	base := rai.Config{Client: client, Engine: f.Engine, Database: f.Database}
	rt := &Runtime{
		Logger:  logger,
		Env:     env,
		Client:  client,
		Manager: resources.NewManager(logger, client, base),
		Batch:   batch,
	}
	if f.MetricsAddr != "" {
		rt.metricsServer = metrics.Serve(f.MetricsAddr)
	}
	return rt, nil
}

// WorkflowConfig assembles the workflow run configuration from the flags.
func (r *Runtime) WorkflowConfig(f *Flags) *workflow.Config {
	return &workflow.Config{
		Env:           r.Env,
		Batch:         r.Batch,
		Recover:       f.Recover,
		RecoverStep:   f.RecoverStep,
		SelectedSteps: f.SelectedSteps,
		Params: workflow.StepParams{
			RelConfigDir:                     f.RelConfigDir,
			StartDate:                        f.StartDate,
			EndDate:                          f.EndDate,
			ForceReimport:                    f.ForceReimport,
			ForceReimportNotChunkPartitioned: f.ForceReimportNotChunkPartitioned,
			CollapsePartitionsOnLoad:         f.CollapsePartitionsOnLoad,
		},
		StepTimeouts: f.StepTimeouts,
	}
}

// Cleanup honors the cleanup flags regardless of the run outcome and shuts
// down the metrics endpoint.
func (r *Runtime) Cleanup(ctx context.Context, f *Flags) {
	switch {
	case f.CleanupResources:
		if err := r.Manager.CleanupResources(ctx); err != nil {
			r.Logger.Warn("resource cleanup failed", "error", err)
		}
	default:
		if f.CleanupDB {
			if err := r.Manager.DeleteDatabaseIfExists(ctx); err != nil {
				r.Logger.Warn("database cleanup failed", "error", err)
			}
		}
		if f.CleanupEngine {
			if err := r.Manager.CleanupEngines(ctx); err != nil {
				r.Logger.Warn("engine cleanup failed", "error", err)
			}
		}
	}

	if r.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.metricsServer.Shutdown(shutdownCtx)
	}
}

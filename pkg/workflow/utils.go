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

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/batchflow/pkg/errors"
)

// ParseDate parses a calendar day in the system date format.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return time.Time{}, &errors.ConfigError{Reason: fmt.Sprintf("invalid date %q, expected YYYYMMDD", s), Cause: err}
	}
	return t, nil
}

// ExtractDateRange returns the ordered calendar days of a source's load
// window, formatted YYYYMMDD.
//
// The window ends at end-offset. With numberOfDays set, the window starts no
// earlier than end-offset-(numberOfDays-1); a later startDate narrows it
// further. Without a start bound the window is exactly the adjusted end day.
// An inverted window yields an empty range.
func ExtractDateRange(startDate, endDate string, numberOfDays, offsetDays int) ([]string, error) {
	end, err := ParseDate(endDate)
	if err != nil {
		return nil, err
	}
	end = end.AddDate(0, 0, -offsetDays)

	var start time.Time
	haveStart := false
	if numberOfDays > 0 {
		start = end.AddDate(0, 0, -(numberOfDays - 1))
		haveStart = true
	}
	if startDate != "" {
		s, err := ParseDate(startDate)
		if err != nil {
			return nil, err
		}
		if !haveStart || s.After(start) {
			start = s
			haveStart = true
		}
	}
	if !haveStart {
		start = end
	}

	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(DateFormat))
	}
	return days, nil
}

// FormatDuration renders a duration the way run logs report step timings.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours != 0:
		return fmt.Sprintf("[%dh %dm %ds]", hours, minutes, seconds)
	case minutes != 0:
		return fmt.Sprintf("[%dm %ds]", minutes, seconds)
	default:
		return fmt.Sprintf("[%ds]", seconds)
	}
}

// BuildModels reads the given model files relative to root and returns them
// keyed by their relative name.
func BuildModels(filenames []string, root string) (map[string]string, error) {
	models := make(map[string]string, len(filenames))
	for _, name := range filenames {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			return nil, errors.Wrapf(err, "reading model file %s", name)
		}
		models[name] = string(data)
	}
	return models, nil
}

// ToGoLayout converts a strftime-style date format from a batch config into
// a Go time layout. Only the directives used by batch configs are supported.
func ToGoLayout(format string) string {
	r := strings.NewReplacer("%Y", "2006", "%m", "01", "%d", "02")
	return r.Replace(format)
}

// ToRaiDateFormat converts a strftime-style date format into the remote rule
// language's date format.
func ToRaiDateFormat(format string) string {
	r := strings.NewReplacer("%Y", "YYYY", "%m", "mm", "%d", "dd")
	return r.Replace(format)
}

// ParseStepTimeouts parses the "name=seconds,name=seconds" CLI argument.
func ParseStepTimeouts(argument string) (map[string]int, error) {
	result := make(map[string]int)
	if argument == "" {
		return result, nil
	}
	for _, pair := range strings.Split(argument, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid step timeout %q, expected name=seconds", pair)
		}
		var seconds int
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &seconds); err != nil {
			return nil, fmt.Errorf("invalid step timeout value %q: %w", value, err)
		}
		result[strings.TrimSpace(key)] = seconds
	}
	return result, nil
}

// SaveCSVOutputs writes query CSV outputs as files under root. Meta-export
// relation names contain "/:" separators which are normalized to "_".
func SaveCSVOutputs(outputs map[string]string, root string) error {
	for name, content := range outputs {
		fileName := strings.ReplaceAll(name, "/:", "_") + ".csv"
		if err := os.WriteFile(filepath.Join(root, fileName), []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "writing export %s", fileName)
		}
	}
	return nil
}

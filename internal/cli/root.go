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

// Package cli provides the root command and exit handling for the batchflow
// CLI. Individual commands live in the internal/commands subpackages.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// NewRootCommand creates the root Cobra command for batchflow.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batchflow",
		Short: "Batchflow - batch workflow manager for the RAI compute service",
		Long: `Batchflow drives a declarative batch configuration through a sequence of
stateful steps against a remote relational compute service: configuring and
loading sources, installing rule models, materializing and exporting
relations.

Run 'batchflow init' to create the database and register a workflow.
Run 'batchflow run' to execute it.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
	}
	return cmd
}

// HandleExitError logs a fatal error and exits with code 1.
func HandleExitError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

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

// Package run implements the 'batchflow run' command: execute a workflow
// with the simple sequential executor or the coordinator-driven concurrent
// executor.
package run

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/batchflow/internal/commands/shared"
	"github.com/tombee/batchflow/pkg/coordinator"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/workflow"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// Executor modes.
const (
	executorSimple     = "simple"
	executorConcurrent = "concurrent"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	flags := &shared.Flags{}
	var executorMode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(); err != nil {
				return err
			}
			if executorMode != executorSimple && executorMode != executorConcurrent {
				return &errors.ConfigError{Key: "executor", Reason: "must be 'simple' or 'concurrent'"}
			}
			return run(cmd.Context(), flags, executorMode)
		},
	}
	shared.Register(cmd, flags)
	cmd.Flags().StringVar(&executorMode, "executor", executorSimple, "Executor variant (simple, concurrent)")
	return cmd
}

func run(ctx context.Context, flags *shared.Flags, executorMode string) error {
	rt, err := shared.Bootstrap(flags)
	if err != nil {
		return err
	}
	defer rt.Cleanup(ctx, flags)

	rt.Logger.Info("activating batch",
		"batch_config", flags.BatchConfig,
		"workflow", flags.BatchConfigName,
		"database", flags.Database,
		"engine", flags.Engine,
	)
	setupStart := time.Now()

	if err := rt.Manager.AddEngine(ctx, flags.EngineSize); err != nil {
		return err
	}
	// Infrastructure setup is skipped during recovery.
	if !flags.Recover && flags.RecoverStep == "" {
		if err := rt.Manager.CreateDatabase(ctx, flags.DropDB, flags.DisableIVM, flags.SourceDatabase); err != nil {
			return err
		}
	}

	cfg := rt.WorkflowConfig(flags)
	executor, err := workflow.Init(ctx, rt.Logger, cfg, rt.Client, rt.Manager, nil, nil)
	if err != nil {
		return err
	}
	rt.Logger.Info("infrastructure setup finished", "duration", workflow.FormatDuration(time.Since(setupStart)))

	switch executorMode {
	case executorConcurrent:
		err = runConcurrent(ctx, rt, cfg, executor)
	default:
		err = executor.Run(ctx)
	}
	if err != nil {
		return err
	}

	executor.PrintTimings(ctx)
	return nil
}

// runConcurrent resolves the registered workflow identity and hands the
// prepared steps to the coordinator-driven executor.
func runConcurrent(ctx context.Context, rt *shared.Runtime, cfg *workflow.Config, executor *workflow.Executor) error {
	if rt.Env.SemanticSearchBaseURL == "" {
		return &errors.ConfigError{Key: "sematic_search_base_url", Reason: "required for the concurrent executor"}
	}

	raiCfg := rt.Manager.RaiConfig("")
	v, err := rt.Client.ExecuteTakeSingle(ctx, raiCfg, query.WorkflowID(rt.Batch.Name), true)
	if err != nil {
		return err
	}
	workflowID, ok := v.(string)
	if !ok || workflowID == "" {
		return &errors.ConfigError{
			Key:    "batch-config-name",
			Reason: "workflow '" + rt.Batch.Name + "' is not registered with the coordinator, run 'batchflow init' first",
		}
	}

	coord, err := coordinator.New(rt.Env.SemanticSearchBaseURL, rt.Env.RaiCloudAccount,
		rt.Env.SemanticSearchPodPrefix, rt.Client, rt.Env.RaiSDKHTTPRetries, rt.Logger)
	if err != nil {
		return err
	}
	return workflow.NewConcurrent(executor, coord, workflowID).Run(ctx)
}

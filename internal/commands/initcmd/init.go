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

// Package initcmd implements the 'batchflow init' command: create the
// database, install the common rules, load the batch config and register
// the workflow with the remote coordinator.
package initcmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tombee/batchflow/internal/commands/shared"
	"github.com/tombee/batchflow/pkg/coordinator"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/workflow"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// NewCommand creates the init command.
func NewCommand() *cobra.Command {
	flags := &shared.Flags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and register a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), flags)
		},
	}
	shared.Register(cmd, flags)
	return cmd
}

func run(ctx context.Context, flags *shared.Flags) error {
	rt, err := shared.Bootstrap(flags)
	if err != nil {
		return err
	}
	defer rt.Cleanup(ctx, flags)

	if err := rt.Manager.AddEngine(ctx, flags.EngineSize); err != nil {
		return err
	}
	if err := rt.Manager.CreateDatabase(ctx, flags.DropDB, flags.DisableIVM, flags.SourceDatabase); err != nil {
		return err
	}

	// Install the common models, load the batch config and reset step state.
	cfg := rt.WorkflowConfig(flags)
	if _, err := workflow.Init(ctx, rt.Logger, cfg, rt.Client, rt.Manager, nil, nil); err != nil {
		return err
	}

	if rt.Env.SemanticSearchBaseURL == "" {
		rt.Logger.Info("no coordinator configured, workflow registration skipped")
		return nil
	}

	coord, err := coordinator.New(rt.Env.SemanticSearchBaseURL, rt.Env.RaiCloudAccount,
		rt.Env.SemanticSearchPodPrefix, rt.Client, rt.Env.RaiSDKHTTPRetries, rt.Logger)
	if err != nil {
		return err
	}
	if err := coord.Startup(ctx); err != nil {
		return err
	}
	workflowID, err := coord.CreateWorkflow(ctx, rt.Batch.Content)
	if err != nil {
		return err
	}

	raiCfg := rt.Manager.RaiConfig("")
	updateQuery := query.UpdateWorkflowID(rt.Batch.Name, workflowID)
	if _, err := rt.Client.Execute(ctx, raiCfg, updateQuery, rai.ExecOptions{ReadOnly: false}); err != nil {
		return err
	}
	rt.Logger.Info("workflow registered", "workflow", rt.Batch.Name, "workflow_id", workflowID)
	return nil
}

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
	"context"
	"log/slog"
	"time"

	"github.com/tombee/batchflow/internal/metrics"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// CommonModelFiles are the rule files of the workflow manager itself,
// installed into every workflow database at initialization.
var CommonModelFiles = []string{
	"source_configs/config.rel",
	"source_configs/data_reload.rel",
	"batch_config/batch_config.rel",
	"batch_config/workflow/workflow.rel",
	"batch_config/workflow/steps/configure_sources.rel",
	"batch_config/workflow/steps/export.rel",
	"batch_config/workflow/steps/install_models.rel",
	"batch_config/workflow/steps/load_data.rel",
	"batch_config/workflow/steps/materialize.rel",
	"batch_config/workflow/steps/execute_command.rel",
}

// ResourceProvider is the slice of the resource manager the executor uses to
// bind compute contexts and manage per-size engines.
type ResourceProvider interface {
	AddEngine(ctx context.Context, size string) error
	RemoveEngine(ctx context.Context, size string) error
	RaiConfig(size string) rai.Config
}

// Executor walks the workflow steps in declaration order. Authoritative step
// state lives in the remote database; the executor never mirrors it beyond
// the current step.
type Executor struct {
	logger    *slog.Logger
	cfg       *Config
	rai       Querier
	resources ResourceProvider
	steps     []Step
}

// Init prepares a workflow run: on a fresh run it installs the common
// models, loads the batch config and resets the remote step states, then it
// reads the workflow description back and constructs the runtime steps.
// Factories extend (or override) the default step factories; models extend
// the common models.
func Init(ctx context.Context, logger *slog.Logger, cfg *Config, querier Querier, resources ResourceProvider, factories map[string]Factory, models map[string]string) (*Executor, error) {
	logger = logger.With(slog.String("workflow", cfg.Batch.Name))
	raiCfg := resources.RaiConfig("")

	if !cfg.Recover && cfg.RecoverStep == "" {
		common, err := BuildModels(CommonModelFiles, cfg.Params.RelConfigDir)
		if err != nil {
			return nil, err
		}
		for name, content := range models {
			common[name] = content
		}
		if err := querier.InstallModels(ctx, raiCfg, common); err != nil {
			return nil, err
		}

		relation := query.BuildRelationPath(ConfigBaseRelation, cfg.Batch.Name)
		if err := querier.LoadJSON(ctx, raiCfg, relation, string(cfg.Batch.Content)); err != nil {
			return nil, err
		}

		if _, err := querier.Execute(ctx, raiCfg, query.InitWorkflowSteps(cfg.Batch.Name), rai.ExecOptions{ReadOnly: false}); err != nil {
			return nil, err
		}
	}

	allFactories := DefaultFactories()
	for stepType, factory := range factories {
		allFactories[stepType] = factory
	}

	var description workflowDescription
	relation := query.BuildRelationPath(WorkflowJSONRelation, cfg.Batch.Name)
	if err := querier.ExecuteRelationJSON(ctx, raiCfg, relation, true, &description); err != nil {
		return nil, err
	}
	if len(description.Steps) == 0 {
		return nil, &errors.ConfigError{
			Key:    "batch-config",
			Reason: "config '" + cfg.Batch.Name + "' doesn't have workflow steps",
		}
	}

	steps, err := buildSteps(logger, cfg, allFactories, description.Steps)
	if err != nil {
		return nil, err
	}

	return &Executor{
		logger:    logger,
		cfg:       cfg,
		rai:       querier,
		resources: resources,
		steps:     steps,
	}, nil
}

// Steps exposes the constructed runtime steps.
func (e *Executor) Steps() []Step { return e.steps }

// Run executes the workflow sequentially. Three mutually exclusive modes
// narrow the eligible steps: selected-steps runs only the named steps,
// recover-step skips until the named step, and recover skips steps whose
// persisted state is already SUCCESS.
func (e *Executor) Run(ctx context.Context) error {
	recoverStepReached := false
	baseCfg := e.resources.RaiConfig("")

	for i, step := range e.steps {
		if len(e.cfg.SelectedSteps) > 0 {
			if !contains(e.cfg.SelectedSteps, step.Name()) {
				e.logger.Info("step is not selected, skipping", "step", step.Name(), "step_id", step.ID())
				continue
			}
		} else if e.cfg.RecoverStep != "" && !recoverStepReached {
			// recover-step has priority over recover.
			if step.Name() == e.cfg.RecoverStep {
				recoverStepReached = true
			} else {
				e.logger.Info("recovery, skipping step until recovery step is reached", "step", step.Name(), "step_id", step.ID())
				continue
			}
		} else if e.cfg.Recover && step.State() == StateSuccess {
			e.logger.Info("recovery, skipping successful step", "step", step.Name(), "step_id", step.ID())
			continue
		}

		if err := e.runStep(ctx, baseCfg, step, e.nextStep(i)); err != nil {
			return err
		}
	}
	return nil
}

// nextStep returns the step after index i, or nil.
func (e *Executor) nextStep(i int) Step {
	if i+1 < len(e.steps) {
		return e.steps[i+1]
	}
	return nil
}

// runStep drives one step through its state transitions.
func (e *Executor) runStep(ctx context.Context, baseCfg rai.Config, step Step, next Step) error {
	start := time.Now()

	// A failure to record IN_PROGRESS never blocks the step.
	e.writeState(ctx, baseCfg, step, StateInProgress)

	stepCfg := baseCfg
	size := step.EngineSize()
	if size != "" {
		if err := e.resources.AddEngine(ctx, size); err != nil {
			return e.failStep(ctx, baseCfg, step, size, err)
		}
		stepCfg = e.resources.RaiConfig(size)
	}

	env := &Environment{Env: e.cfg.Env, Rai: e.rai, Cfg: stepCfg}
	err := e.executeWithTimeout(ctx, step, env)
	duration := time.Since(start)
	metrics.StepDuration.WithLabelValues(step.Name()).Observe(duration.Seconds())

	var timeoutErr *errors.StepTimeoutError
	if errors.As(err, &timeoutErr) {
		// The in-flight write transaction may still hold the database, so
		// no state is written here.
		metrics.StepsTotal.WithLabelValues(step.Name(), string(StateFailed)).Inc()
		if size != "" {
			e.removeEngine(ctx, size)
		}
		return err
	}
	if err != nil {
		return e.failStep(ctx, baseCfg, step, size, err)
	}

	// Release the engine before the next step when it needs a different size.
	if size != "" && (next == nil || next.EngineSize() != size) {
		e.removeEngine(ctx, size)
	}

	stateQuery := query.UpdateStepState(step.ID(), string(StateSuccess)) + "\n" +
		query.UpdateExecutionTime(step.ID(), duration.Seconds())
	if _, err := e.rai.Execute(ctx, baseCfg, stateQuery, rai.ExecOptions{ReadOnly: false}); err != nil {
		return err
	}

	metrics.StepsTotal.WithLabelValues(step.Name(), string(StateSuccess)).Inc()
	e.logger.Info("step finished", "step", step.Name(), "step_id", step.ID(), "duration", FormatDuration(duration))
	return nil
}

// failStep records the failure best-effort and propagates the error.
func (e *Executor) failStep(ctx context.Context, baseCfg rai.Config, step Step, size string, err error) error {
	e.writeState(ctx, baseCfg, step, StateFailed)
	metrics.StepsTotal.WithLabelValues(step.Name(), string(StateFailed)).Inc()
	if size != "" {
		e.removeEngine(ctx, size)
	}
	return err
}

// executeWithTimeout races the step body against its configured deadline.
func (e *Executor) executeWithTimeout(ctx context.Context, step Step, env *Environment) error {
	timeout := time.Duration(e.cfg.StepTimeouts[step.Name()]) * time.Second
	return executeStepWithTimeout(ctx, step, env, timeout)
}

// executeStepWithTimeout runs one step invocation, racing it against the
// given deadline when one is set. On timeout the step is signalled to stop
// and abandoned; its goroutine drains once it reaches the next cooperative
// boundary.
func executeStepWithTimeout(ctx context.Context, step Step, env *Environment, timeout time.Duration) error {
	if timeout <= 0 {
		return step.Execute(ctx, env)
	}

	done := make(chan error, 1)
	go func() {
		done <- step.Execute(ctx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		step.Signal().Stop()
		return &errors.StepTimeoutError{Step: step.Name(), Timeout: timeout}
	case <-ctx.Done():
		step.Signal().Stop()
		return ctx.Err()
	}
}

// writeState records a step state transition, tolerating failures.
func (e *Executor) writeState(ctx context.Context, cfg rai.Config, step Step, state StepState) {
	q := query.UpdateStepState(step.ID(), string(state))
	if _, err := e.rai.Execute(ctx, cfg, q, rai.ExecOptions{ReadOnly: false, IgnoreProblems: true}); err != nil {
		e.logger.Warn("failed to update step state", "step", step.Name(), "state", state, "error", err)
	}
}

// removeEngine releases a sized engine, tolerating failures.
func (e *Executor) removeEngine(ctx context.Context, size string) {
	if err := e.resources.RemoveEngine(ctx, size); err != nil {
		e.logger.Warn("failed to remove engine", "size", size, "error", err)
	}
}

// PrintTimings reads the persisted step timings back and logs them.
func (e *Executor) PrintTimings(ctx context.Context) {
	baseCfg := e.resources.RaiConfig("")

	var description struct {
		Steps []struct {
			IDT           string  `json:"idt"`
			Name          string  `json:"name"`
			ExecutionTime float64 `json:"executionTime"`
		} `json:"steps"`
		TotalTime float64 `json:"totalTime"`
	}
	relation := query.BuildRelationPath(WorkflowJSONRelation, e.cfg.Batch.Name)
	if err := e.rai.ExecuteRelationJSON(ctx, baseCfg, relation, true, &description); err != nil {
		e.logger.Warn("failed to read workflow timings", "error", err)
		return
	}
	for _, step := range description.Steps {
		e.logger.Info("step timing",
			"step", step.Name,
			"step_id", step.IDT,
			"duration", FormatDuration(time.Duration(step.ExecutionTime*float64(time.Second))),
		)
	}
	e.logger.Info("total workflow execution time",
		"duration", FormatDuration(time.Duration(description.TotalTime*float64(time.Second))))
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

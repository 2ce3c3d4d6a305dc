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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tombee/batchflow/internal/metrics"
	"github.com/tombee/batchflow/pkg/coordinator"
	"github.com/tombee/batchflow/pkg/rai"
)

// CoordinatorAPI is the slice of the coordinator client the concurrent
// executor depends on. The coordinator is the single source of truth for
// which transitions are legal; the executor never fabricates transitions.
type CoordinatorAPI interface {
	ActivateWorkflow(ctx context.Context, workflowID string) error
	GetEnabledTransitions(ctx context.Context, workflowID string) ([]coordinator.Transition, error)
	FireTransitions(ctx context.Context, workflowID string, transitions []coordinator.Transition) ([]coordinator.Transition, error)
}

// ConcurrentExecutor runs workflow steps in parallel, driven by Petri-net
// transitions held by the remote coordinator. Steps enabled together run
// concurrently; a step's own query submissions remain sequential within the
// step.
type ConcurrentExecutor struct {
	logger     *slog.Logger
	cfg        *Config
	rai        Querier
	resources  ResourceProvider
	coord      CoordinatorAPI
	workflowID string
	steps      map[string]Step

	// engineRefs counts running steps per engine size so an engine is only
	// released once its last user completed. Mutated by the main loop only.
	engineRefs map[string]int
}

// NewConcurrent wraps an initialized executor with a coordinator-driven
// scheduling loop for the given workflow identity.
func NewConcurrent(e *Executor, coord CoordinatorAPI, workflowID string) *ConcurrentExecutor {
	steps := make(map[string]Step, len(e.steps))
	for _, step := range e.steps {
		steps[step.Name()] = step
	}
	return &ConcurrentExecutor{
		logger:     e.logger,
		cfg:        e.cfg,
		rai:        e.rai,
		resources:  e.resources,
		coord:      coord,
		workflowID: workflowID,
		steps:      steps,
		engineRefs: make(map[string]int),
	}
}

// completion is one finished step invocation.
type completion struct {
	step Step
	err  error
}

// Run drives the workflow to quiescence. A fresh run activates the workflow;
// a recovery first fires every enabled Retry transition. When any step
// fails, all running steps are signalled to stop and the run ends with a
// summary error listing the failed step names.
func (c *ConcurrentExecutor) Run(ctx context.Context) error {
	enabled, err := c.enterWorkflow(ctx)
	if err != nil {
		return err
	}

	completions := make(chan completion)
	running := 0
	failing := false
	var failedSteps []string

	for {
		if !failing {
			var started int
			enabled, started, err = c.startEnabled(ctx, enabled, completions)
			if err != nil {
				// Stop everything in flight before surfacing the error.
				failing = true
				failedSteps = append(failedSteps, fmt.Sprintf("(dispatch: %v)", err))
				c.stopAll()
			}
			running += started
		}
		if running == 0 {
			break
		}

		// Completions observed in one wait cycle are batched into a single
		// fire call, in completion order.
		batch := []completion{<-completions}
		running--
	drain:
		for {
			select {
			case done := <-completions:
				batch = append(batch, done)
				running--
			default:
				break drain
			}
		}

		transitions := make([]coordinator.Transition, 0, len(batch))
		for _, done := range batch {
			c.releaseEngine(ctx, done.step)
			transitionType := coordinator.TransitionConfirm
			state := StateSuccess
			if done.err != nil {
				transitionType = coordinator.TransitionFail
				state = StateFailed
				failedSteps = append(failedSteps, done.step.Name())
				c.logger.Error("step failed", "step", done.step.Name(), "error", done.err)
				if !failing {
					failing = true
					c.stopAll()
				}
			}
			metrics.StepsTotal.WithLabelValues(done.step.Name(), string(state)).Inc()
			transitions = append(transitions, coordinator.Transition{
				WorkflowID: c.workflowID,
				Step:       done.step.Name(),
				Timestamp:  time.Now().UTC(),
				Type:       transitionType,
			})
		}

		enabled, err = c.coord.FireTransitions(ctx, c.workflowID, transitions)
		if err != nil {
			c.stopAll()
			failing = true
			failedSteps = append(failedSteps, fmt.Sprintf("(fire: %v)", err))
			enabled = nil
		}
	}

	if len(failedSteps) > 0 {
		sort.Strings(failedSteps)
		return fmt.Errorf("workflow steps failed: %s", strings.Join(failedSteps, ", "))
	}
	return nil
}

// enterWorkflow establishes the initial enabled-transition set: activation
// for a fresh run, or firing the Retry transitions on recovery.
func (c *ConcurrentExecutor) enterWorkflow(ctx context.Context) ([]coordinator.Transition, error) {
	if !c.cfg.Recover {
		if err := c.coord.ActivateWorkflow(ctx, c.workflowID); err != nil {
			return nil, err
		}
		return c.coord.GetEnabledTransitions(ctx, c.workflowID)
	}

	enabled, err := c.coord.GetEnabledTransitions(ctx, c.workflowID)
	if err != nil {
		return nil, err
	}
	var retries []coordinator.Transition
	for _, t := range enabled {
		if t.Type == coordinator.TransitionRetry {
			retries = append(retries, t)
		}
	}
	if len(retries) == 0 {
		return enabled, nil
	}
	c.logger.Info("recovery, firing retry transitions", "count", len(retries))
	return c.coord.FireTransitions(ctx, c.workflowID, retries)
}

// startEnabled fires the Start transitions of the enabled set and launches a
// worker per started step. Returns the new enabled set and the number of
// workers launched.
func (c *ConcurrentExecutor) startEnabled(ctx context.Context, enabled []coordinator.Transition, completions chan<- completion) ([]coordinator.Transition, int, error) {
	var starts []coordinator.Transition
	for _, t := range enabled {
		if t.Type != coordinator.TransitionStart {
			continue
		}
		if _, ok := c.steps[t.Step]; !ok {
			c.logger.Warn("coordinator enabled unknown step", "step", t.Step)
			continue
		}
		starts = append(starts, t)
	}
	if len(starts) == 0 {
		return enabled, 0, nil
	}

	newEnabled, err := c.coord.FireTransitions(ctx, c.workflowID, starts)
	if err != nil {
		return enabled, 0, err
	}

	started := 0
	for _, t := range starts {
		step := c.steps[t.Step]

		// Engines are acquired here, in the main loop, never inside a step.
		stepCfg, err := c.acquireEngine(ctx, step)
		if err != nil {
			go func(step Step) { completions <- completion{step: step, err: err} }(step)
			started++
			continue
		}

		c.logger.Info("starting step", "step", step.Name())
		env := &Environment{Env: c.cfg.Env, Rai: c.rai, Cfg: stepCfg}
		timeout := time.Duration(c.cfg.StepTimeouts[step.Name()]) * time.Second
		go func(step Step, env *Environment) {
			start := time.Now()
			err := executeStepWithTimeout(ctx, step, env, timeout)
			metrics.StepDuration.WithLabelValues(step.Name()).Observe(time.Since(start).Seconds())
			completions <- completion{step: step, err: err}
		}(step, env)
		started++
	}
	return newEnabled, started, nil
}

// acquireEngine binds the compute context for a step, creating the sized
// engine on first use.
func (c *ConcurrentExecutor) acquireEngine(ctx context.Context, step Step) (rai.Config, error) {
	size := step.EngineSize()
	if size == "" {
		return c.resources.RaiConfig(""), nil
	}
	if err := c.resources.AddEngine(ctx, size); err != nil {
		return rai.Config{}, err
	}
	c.engineRefs[size]++
	return c.resources.RaiConfig(size), nil
}

// releaseEngine drops a step's engine reference and removes the engine once
// unused.
func (c *ConcurrentExecutor) releaseEngine(ctx context.Context, step Step) {
	size := step.EngineSize()
	if size == "" {
		return
	}
	c.engineRefs[size]--
	if c.engineRefs[size] > 0 {
		return
	}
	delete(c.engineRefs, size)
	if err := c.resources.RemoveEngine(ctx, size); err != nil {
		c.logger.Warn("failed to remove engine", "size", size, "error", err)
	}
}

// stopAll signals every step to stop at its next cooperative boundary.
func (c *ConcurrentExecutor) stopAll() {
	for _, step := range c.steps {
		step.Signal().Stop()
	}
}

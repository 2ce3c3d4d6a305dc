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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/batchflow/pkg/errors"
)

// Step is one runtime workflow step.
type Step interface {
	// ID is the remote step identity (UUID).
	ID() string

	// Name is the step name, unique within the workflow.
	Name() string

	// State is the persisted state read from the remote database.
	State() StepState

	// EngineSize is the engine size hint, empty for the default engine.
	EngineSize() string

	// Signal is the step's stop signal.
	Signal() *StopSignal

	// Execute runs the step against the given environment.
	Execute(ctx context.Context, env *Environment) error
}

// BaseStep carries the fields shared by every step implementation.
type BaseStep struct {
	idt        string
	name       string
	state      StepState
	engineSize string
	logger     *slog.Logger
	stop       *StopSignal
}

// ID implements Step.
func (s *BaseStep) ID() string { return s.idt }

// Name implements Step.
func (s *BaseStep) Name() string { return s.name }

// State implements Step.
func (s *BaseStep) State() StepState { return s.state }

// EngineSize implements Step.
func (s *BaseStep) EngineSize() string { return s.engineSize }

// Signal implements Step.
func (s *BaseStep) Signal() *StopSignal { return s.stop }

// checkStopped is consulted at every cooperative boundary.
func (s *BaseStep) checkStopped() error {
	if s.stop.Stopped() {
		return fmt.Errorf("step '%s' was stopped", s.name)
	}
	return nil
}

// RawStep is the step envelope read back from the remote workflow
// description. Spec holds the full JSON for type-specific decoding.
type RawStep struct {
	IDT           string  `json:"idt"`
	Type          string  `json:"type"`
	Name          string  `json:"name"`
	State         string  `json:"state"`
	ExecutionTime float64 `json:"executionTime"`
	EngineSize    string  `json:"engineSize"`

	Spec json.RawMessage `json:"-"`
}

// baseStep builds the shared runtime fields from the raw envelope.
func (r RawStep) baseStep(logger *slog.Logger) BaseStep {
	return BaseStep{
		idt:        r.IDT,
		name:       r.Name,
		state:      StepState(r.State),
		engineSize: strings.ToUpper(r.EngineSize),
		logger:     logger.With(slog.String("step", r.Name)),
		stop:       NewStopSignal(),
	}
}

// Factory builds a runtime step from its raw specification.
type Factory interface {
	Build(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error)

// Build implements Factory.
func (f FactoryFunc) Build(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error) {
	return f(logger, cfg, raw)
}

// DefaultFactories returns the registry of built-in step factories, keyed by
// step type. Callers may extend the returned map before building steps.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		StepTypeConfigureSources: FactoryFunc(newConfigureSourcesStep),
		StepTypeInstallModels:    FactoryFunc(newInstallModelsStep),
		StepTypeLoadData:         FactoryFunc(newLoadDataStep),
		StepTypeMaterialize:      FactoryFunc(newMaterializeStep),
		StepTypeExport:           FactoryFunc(newExportStep),
		StepTypeExecuteCommand:   FactoryFunc(newExecuteCommandStep),
	}
}

// workflowDescription is the remote view of the whole workflow.
type workflowDescription struct {
	Steps     []json.RawMessage `json:"steps"`
	TotalTime float64           `json:"totalTime"`
}

// buildSteps decodes the remote workflow description and constructs a
// runtime step per entry. Unknown step types are skipped with a warning.
func buildSteps(logger *slog.Logger, cfg *Config, factories map[string]Factory, stepsJSON []json.RawMessage) ([]Step, error) {
	steps := make([]Step, 0, len(stepsJSON))
	for _, rawJSON := range stepsJSON {
		var raw RawStep
		if err := json.Unmarshal(rawJSON, &raw); err != nil {
			return nil, errors.Wrap(err, "decoding workflow step")
		}
		raw.Spec = rawJSON

		factory, ok := factories[raw.Type]
		if !ok {
			logger.Warn("step type is not supported", "type", raw.Type, "step", raw.Name)
			continue
		}
		step, err := factory.Build(logger, cfg, raw)
		if err != nil {
			return nil, errors.Wrapf(err, "building step %s", raw.Name)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

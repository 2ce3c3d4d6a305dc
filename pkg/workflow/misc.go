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
	"log/slog"
	"os/exec"

	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// InstallModelsStep installs the batch's rule model files into the database.
type InstallModelsStep struct {
	BaseStep

	RelConfigDir string
	ModelFiles   []string
}

func newInstallModelsStep(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error) {
	var spec struct {
		ModelFiles []string `json:"modelFiles"`
	}
	if err := json.Unmarshal(raw.Spec, &spec); err != nil {
		return nil, errors.Wrap(err, "decoding InstallModels spec")
	}
	if cfg.Params.RelConfigDir == "" {
		return nil, &errors.ConfigError{Key: "rel-config-dir", Reason: "required for InstallModels steps"}
	}
	return &InstallModelsStep{
		BaseStep:     raw.baseStep(logger),
		RelConfigDir: cfg.Params.RelConfigDir,
		ModelFiles:   spec.ModelFiles,
	}, nil
}

// Execute implements Step.
func (s *InstallModelsStep) Execute(ctx context.Context, env *Environment) error {
	s.logger.Info("executing InstallModels step")
	models, err := BuildModels(s.ModelFiles, s.RelConfigDir)
	if err != nil {
		return err
	}
	return env.Rai.InstallModels(ctx, env.Cfg, models)
}

// MaterializeStep forces evaluation of the given relations.
type MaterializeStep struct {
	BaseStep

	Relations          []string
	MaterializeJointly bool
}

func newMaterializeStep(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error) {
	var spec struct {
		Relations          []string `json:"relations"`
		MaterializeJointly bool     `json:"materializeJointly"`
	}
	if err := json.Unmarshal(raw.Spec, &spec); err != nil {
		return nil, errors.Wrap(err, "decoding Materialize spec")
	}
	return &MaterializeStep{
		BaseStep:           raw.baseStep(logger),
		Relations:          spec.Relations,
		MaterializeJointly: spec.MaterializeJointly,
	}, nil
}

// Execute implements Step.
func (s *MaterializeStep) Execute(ctx context.Context, env *Environment) error {
	s.logger.Info("executing Materialize step")

	if s.MaterializeJointly {
		_, err := env.Rai.Execute(ctx, env.Cfg, query.Materialize(s.Relations), rai.ExecOptions{ReadOnly: false})
		return err
	}
	for _, relation := range s.Relations {
		if err := s.checkStopped(); err != nil {
			return err
		}
		if _, err := env.Rai.Execute(ctx, env.Cfg, query.Materialize([]string{relation}), rai.ExecOptions{ReadOnly: false}); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteCommandStep runs a shell command on the host. A non-zero exit is a
// CommandError carrying the command and its status.
type ExecuteCommandStep struct {
	BaseStep

	Command string
}

func newExecuteCommandStep(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error) {
	var spec struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw.Spec, &spec); err != nil {
		return nil, errors.Wrap(err, "decoding ExecuteCommand spec")
	}
	if spec.Command == "" {
		return nil, &errors.ConfigError{Key: raw.Name, Reason: "command is required"}
	}
	return &ExecuteCommandStep{
		BaseStep: raw.baseStep(logger),
		Command:  spec.Command,
	}, nil
}

// Execute implements Step.
func (s *ExecuteCommandStep) Execute(ctx context.Context, env *Environment) error {
	s.logger.Info("executing ExecuteCommand step", "command", s.Command)

	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		s.logger.Info("command output", "output", string(output))
	}
	if err != nil {
		exitStatus := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitStatus = exitErr.ExitCode()
		}
		return &errors.CommandError{Command: s.Command, ExitStatus: exitStatus, Cause: err}
	}
	return nil
}

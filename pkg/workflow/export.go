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
	"time"

	"github.com/tombee/batchflow/internal/config"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// ExportStep writes relation exports to their target containers. Exports
// bound to a snapshot source are skipped while the snapshot is still valid.
type ExportStep struct {
	BaseStep

	Exports       []Export
	ExportJointly bool
	DateFormat    string
	EndDate       string
}

// exportSpec is the wire form of one export declaration.
type exportSpec struct {
	Type                 string   `json:"type"`
	ConfigRelName        string   `json:"configRelName"`
	RelativePath         string   `json:"relativePath"`
	Container            string   `json:"container"`
	SnapshotBinding      string   `json:"snapshotBinding"`
	OffsetByNumberOfDays int      `json:"offsetByNumberOfDays"`
	MetaKey              []string `json:"metaKey"`
	Future               bool     `json:"future"`
}

// exportStepSpec is the wire form of the step specification.
type exportStepSpec struct {
	ExportJointly    bool         `json:"exportJointly"`
	DateFormat       string       `json:"dateFormat"`
	DefaultContainer string       `json:"defaultContainer"`
	Exports          []exportSpec `json:"exports"`
}

func newExportStep(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error) {
	var spec exportStepSpec
	if err := json.Unmarshal(raw.Spec, &spec); err != nil {
		return nil, errors.Wrap(err, "decoding Export spec")
	}

	step := &ExportStep{
		BaseStep:      raw.baseStep(logger),
		ExportJointly: spec.ExportJointly,
		DateFormat:    spec.DateFormat,
		EndDate:       cfg.Params.EndDate,
	}

	for _, e := range spec.Exports {
		if e.Future {
			continue
		}
		fileType, ok := ParseFileType(e.Type)
		if !ok {
			step.logger.Warn("unsupported export file type, skipping export", "relation", e.ConfigRelName, "type", e.Type)
			continue
		}
		containerName := e.Container
		if containerName == "" {
			containerName = spec.DefaultContainer
		}
		container, err := cfg.Env.Container(containerName)
		if err != nil {
			return nil, err
		}
		step.Exports = append(step.Exports, Export{
			MetaKey:              e.MetaKey,
			Relation:             e.ConfigRelName,
			RelativePath:         e.RelativePath,
			FileType:             fileType,
			SnapshotBinding:      e.SnapshotBinding,
			Container:            container,
			OffsetByNumberOfDays: e.OffsetByNumberOfDays,
		})
	}
	return step, nil
}

// Execute implements Step.
func (s *ExportStep) Execute(ctx context.Context, env *Environment) error {
	s.logger.Info("executing Export step")

	var pending []Export
	for _, export := range s.Exports {
		if err := s.checkStopped(); err != nil {
			return err
		}
		should, err := s.shouldExport(ctx, env, export)
		if err != nil {
			return err
		}
		if !should {
			s.logger.Info("snapshot is still valid, skipping export", "relation", export.Relation)
			continue
		}
		pending = append(pending, export)
	}

	if s.ExportJointly {
		for _, group := range groupByContainer(pending) {
			if err := s.export(ctx, env, group); err != nil {
				return err
			}
		}
		return nil
	}
	for _, export := range pending {
		if err := s.checkStopped(); err != nil {
			return err
		}
		if err := s.export(ctx, env, []Export{export}); err != nil {
			return err
		}
	}
	return nil
}

// shouldExport applies the snapshot gate: an export bound to a snapshot is
// skipped only while the snapshot expires strictly after the end date. A
// missing expiration always exports.
func (s *ExportStep) shouldExport(ctx context.Context, env *Environment, export Export) (bool, error) {
	if export.SnapshotBinding == "" {
		return true, nil
	}
	q := query.SnapshotExpirationDate(export.SnapshotBinding, ToRaiDateFormat(s.DateFormat))
	v, err := env.Rai.ExecuteTakeSingle(ctx, env.Cfg, q, true)
	if err != nil {
		return false, err
	}
	expiration, ok := v.(string)
	if !ok || expiration == "" {
		return true, nil
	}
	return expiration <= s.EndDate, nil
}

// export dispatches one export group to its container backend. Groups share
// a single container by construction.
func (s *ExportStep) export(ctx context.Context, env *Environment, exports []Export) error {
	if len(exports) == 0 {
		return nil
	}
	container := exports[0].Container
	switch container.Type {
	case config.ContainerTypeLocal:
		return s.exportLocal(ctx, env, container, exports)
	case config.ContainerTypeAzure:
		return s.exportAzure(ctx, env, container, exports)
	}
	return fmt.Errorf("unsupported container type %q for export", container.Type)
}

// exportLocal fetches the relations as CSV strings and writes them under the
// container's data path.
func (s *ExportStep) exportLocal(ctx context.Context, env *Environment, container config.Container, exports []Export) error {
	outputs, err := env.Rai.ExecuteQueryCSV(ctx, env.Cfg, query.ExportRelationsLocal(toExportSpecs(exports)), false)
	if err != nil {
		return err
	}
	return SaveCSVOutputs(outputs, container.DataPath)
}

// exportAzure issues a remote export transaction with the container's SAS
// credentials.
func (s *ExportStep) exportAzure(ctx context.Context, env *Environment, container config.Container, exports []Export) error {
	endDate, err := time.Parse(ToGoLayout(s.DateFormat), s.EndDate)
	if err != nil {
		return &errors.ConfigError{Key: "end-date", Reason: fmt.Sprintf("end date %q does not match date format %q", s.EndDate, s.DateFormat), Cause: err}
	}
	target := query.AzureTarget{
		Account:   container.Account,
		Container: container.Container,
		DataPath:  container.DataPath,
		SAS:       container.SAS,
	}
	q := query.ExportRelationsToAzure(target, toExportSpecs(exports), endDate, ToGoLayout(s.DateFormat))
	_, err = env.Rai.Execute(ctx, env.Cfg, q, rai.ExecOptions{ReadOnly: false})
	return err
}

// groupByContainer splits exports into per-container groups, preserving
// declaration order within each group.
func groupByContainer(exports []Export) [][]Export {
	var order []string
	grouped := make(map[string][]Export)
	for _, e := range exports {
		if _, ok := grouped[e.Container.Name]; !ok {
			order = append(order, e.Container.Name)
		}
		grouped[e.Container.Name] = append(grouped[e.Container.Name], e)
	}
	result := make([][]Export, 0, len(order))
	for _, name := range order {
		result = append(result, grouped[name])
	}
	return result
}

func toExportSpecs(exports []Export) []query.ExportSpec {
	specs := make([]query.ExportSpec, 0, len(exports))
	for _, e := range exports {
		specs = append(specs, query.ExportSpec{
			Relation:             e.Relation,
			RelativePath:         e.RelativePath,
			FileType:             string(e.FileType),
			MetaKey:              e.MetaKey,
			OffsetByNumberOfDays: e.OffsetByNumberOfDays,
		})
	}
	return specs
}

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

// Package workflow drives a batch configuration through its sequence of
// stateful steps against the remote compute service.
//
// The batch config is declarative: an ordered list of step specifications.
// Step factories turn each specification into a runtime step; the executor
// schedules the steps, tracks their remote state, enforces timeouts and
// supports recovery from partial failures. The concurrent variant runs steps
// in parallel, driven by Petri-net transitions from the remote coordinator.
package workflow

import (
	"context"
	"strings"
	"sync"

	"github.com/tombee/batchflow/internal/config"
	"github.com/tombee/batchflow/pkg/rai"
)

// Step types understood by the default factories.
const (
	StepTypeConfigureSources = "ConfigureSources"
	StepTypeInstallModels    = "InstallModels"
	StepTypeLoadData         = "LoadData"
	StepTypeMaterialize      = "Materialize"
	StepTypeExport           = "Export"
	StepTypeExecuteCommand   = "ExecuteCommand"
)

// StepState is the remote execution state of a workflow step.
type StepState string

const (
	// StateInit marks a step that has not started.
	StateInit StepState = "INIT"
	// StateInProgress marks a step that is currently executing.
	StateInProgress StepState = "IN_PROGRESS"
	// StateSuccess marks a completed step.
	StateSuccess StepState = "SUCCESS"
	// StateFailed marks a failed step.
	StateFailed StepState = "FAILED"
)

// Names of the remote relations the executor communicates through.
const (
	ConfigBaseRelation              = "batch:config"
	WorkflowJSONRelation            = "workflow_json"
	MissedResourcesRelation         = "missing_resources_json"
	ResourcesToDeleteRelation       = "resources_data_to_delete_json"
	DeclaredDatePartitionedRelation = "declared_date_partitioned_source:json"
)

// DateFormat is the calendar-day format used throughout the system.
const DateFormat = "20060102"

// RaiDateFormat is DateFormat spelled in the remote rule language.
const RaiDateFormat = "YYYYmmdd"

// FileType is a supported input format.
type FileType string

const (
	FileTypeCSV   FileType = "CSV"
	FileTypeJSON  FileType = "JSON"
	FileTypeJSONL FileType = "JSONL"
)

// ParseFileType validates and normalizes an input format string.
func ParseFileType(s string) (FileType, bool) {
	switch FileType(strings.ToUpper(s)) {
	case FileTypeCSV:
		return FileTypeCSV, true
	case FileTypeJSON:
		return FileTypeJSON, true
	case FileTypeJSONL:
		return FileTypeJSONL, true
	}
	return "", false
}

// Source is the declarative description of one ingestible dataset. Paths is
// empty until the resolver inflates it.
type Source struct {
	Relation             string
	Container            config.Container
	RelativePath         string
	InputFormat          FileType
	Extensions           []string
	IsChunkPartitioned   bool
	IsDatePartitioned    bool
	LoadsNumberOfDays    int
	OffsetByNumberOfDays int
	SnapshotValidityDays int
	Paths                []string
}

// IsSnapshot reports whether the source carries snapshot-validity semantics.
func (s *Source) IsSnapshot() bool {
	return s.SnapshotValidityDays > 0
}

// Export describes one relation export.
type Export struct {
	MetaKey              []string
	Relation             string
	RelativePath         string
	FileType             FileType
	SnapshotBinding      string
	Container            config.Container
	OffsetByNumberOfDays int
}

// BatchConfig is the loaded batch configuration document. Content is the
// normalized JSON form regardless of the on-disk format.
type BatchConfig struct {
	Name    string
	Content []byte
}

// StepParams carries the run-scoped parameters consumed by step factories.
type StepParams struct {
	RelConfigDir                     string
	StartDate                        string
	EndDate                          string
	ForceReimport                    bool
	ForceReimportNotChunkPartitioned bool
	CollapsePartitionsOnLoad         bool
}

// Config is the full configuration of one workflow run.
type Config struct {
	Env           *config.EnvConfig
	Batch         BatchConfig
	Recover       bool
	RecoverStep   string
	SelectedSteps []string
	Params        StepParams

	// StepTimeouts maps step name to a deadline in seconds.
	StepTimeouts map[string]int
}

// Querier is the slice of the remote query client the steps depend on.
type Querier interface {
	Execute(ctx context.Context, cfg rai.Config, q string, opts rai.ExecOptions) (*rai.Response, error)
	ExecuteRelationJSON(ctx context.Context, cfg rai.Config, relation string, ignoreProblems bool, out any) error
	ExecuteQueryCSV(ctx context.Context, cfg rai.Config, q string, ignoreProblems bool) (map[string]string, error)
	ExecuteTakeSingle(ctx context.Context, cfg rai.Config, q string, readonly bool) (any, error)
	InstallModels(ctx context.Context, cfg rai.Config, models map[string]string) error
	LoadJSON(ctx context.Context, cfg rai.Config, relation, jsonData string) error
}

// Environment is everything a step needs to execute: the environment
// configuration, the remote query client and the compute context the
// executor bound for this step.
type Environment struct {
	Env *config.EnvConfig
	Rai Querier
	Cfg rai.Config
}

// StopSignal is a single-producer, multi-consumer cancellation latch.
// Steps consult it at every cooperative boundary.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopSignal creates an unset stop signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Stop sets the signal. Safe to call more than once.
func (s *StopSignal) Stop() {
	s.once.Do(func() { close(s.ch) })
}

// Stopped reports whether the signal is set.
func (s *StopSignal) Stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done exposes the signal as a channel for select loops.
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}

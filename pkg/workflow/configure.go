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

	"github.com/tombee/batchflow/internal/config"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/workflow/paths"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// ConfigureSourcesStep inflates the declarative source descriptions of a
// batch into concrete path lists, detects expired partitions, and writes the
// resulting source configuration and invalidation set to the remote database.
type ConfigureSourcesStep struct {
	BaseStep

	ConfigFiles  []string
	RelConfigDir string
	Sources      []*Source
	StartDate    string
	EndDate      string

	ForceReimport                    bool
	ForceReimportNotChunkPartitioned bool

	builders map[string]paths.Builder
}

// sourceSpec is the wire form of one source declaration.
type sourceSpec struct {
	Relation             string   `json:"relation"`
	RelativePath         string   `json:"relativePath"`
	InputFormat          string   `json:"inputFormat"`
	Extensions           []string `json:"extensions"`
	Container            string   `json:"container"`
	IsChunkPartitioned   bool     `json:"isChunkPartitioned"`
	IsDatePartitioned    bool     `json:"isDatePartitioned"`
	LoadsNumberOfDays    int      `json:"loadsNumberOfDays"`
	OffsetByNumberOfDays int      `json:"offsetByNumberOfDays"`
	SnapshotValidityDays int      `json:"snapshotValidityDays"`
	Future               bool     `json:"future"`
}

// configureSourcesSpec is the wire form of the step specification.
type configureSourcesSpec struct {
	ConfigFiles      []string     `json:"configFiles"`
	DefaultContainer string       `json:"defaultContainer"`
	Sources          []sourceSpec `json:"sources"`
}

// declaredSource is the remote view of a previously declared
// date-partitioned source.
type declaredSource struct {
	Relation string `json:"relation"`
	Dates    []struct {
		Date  string   `json:"date"`
		Paths []string `json:"paths"`
	} `json:"dates"`
}

func newConfigureSourcesStep(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error) {
	var spec configureSourcesSpec
	if err := json.Unmarshal(raw.Spec, &spec); err != nil {
		return nil, errors.Wrap(err, "decoding ConfigureSources spec")
	}

	step := &ConfigureSourcesStep{
		BaseStep:                         raw.baseStep(logger),
		ConfigFiles:                      spec.ConfigFiles,
		RelConfigDir:                     cfg.Params.RelConfigDir,
		StartDate:                        cfg.Params.StartDate,
		EndDate:                          cfg.Params.EndDate,
		ForceReimport:                    cfg.Params.ForceReimport,
		ForceReimportNotChunkPartitioned: cfg.Params.ForceReimportNotChunkPartitioned,
		builders:                         make(map[string]paths.Builder),
	}

	for _, s := range spec.Sources {
		if s.Future {
			continue
		}
		source, err := parseSource(cfg, s, spec.DefaultContainer)
		if err != nil {
			return nil, err
		}
		step.Sources = append(step.Sources, source)

		if _, ok := step.builders[source.Container.Name]; !ok {
			builder, err := newPathsBuilder(source.Container)
			if err != nil {
				return nil, err
			}
			step.builders[source.Container.Name] = builder
		}
	}
	return step, nil
}

// parseSource validates one source declaration against the run parameters.
func parseSource(cfg *Config, s sourceSpec, defaultContainer string) (*Source, error) {
	format, ok := ParseFileType(s.InputFormat)
	if !ok {
		return nil, &errors.ConfigError{Key: s.Relation, Reason: fmt.Sprintf("unsupported input format %q", s.InputFormat)}
	}

	containerName := s.Container
	if containerName == "" {
		containerName = defaultContainer
	}
	container, err := cfg.Env.Container(containerName)
	if err != nil {
		return nil, err
	}

	extensions := s.Extensions
	if len(extensions) == 0 {
		extensions = []string{string(format)}
	}

	if s.SnapshotValidityDays > 0 {
		if s.LoadsNumberOfDays > 1 {
			return nil, &errors.ConfigError{
				Key:    s.Relation,
				Reason: "snapshot sources cannot load more than one day",
			}
		}
		if s.OffsetByNumberOfDays > s.SnapshotValidityDays {
			return nil, &errors.ConfigError{
				Key:    s.Relation,
				Reason: "offsetByNumberOfDays cannot exceed snapshotValidityDays",
			}
		}
	}
	if s.IsDatePartitioned {
		if cfg.Params.EndDate == "" {
			return nil, &errors.ConfigError{
				Key:    s.Relation,
				Reason: "end date is required for date partitioned sources",
			}
		}
		if s.LoadsNumberOfDays <= 0 && s.SnapshotValidityDays <= 0 {
			return nil, &errors.ConfigError{
				Key:    s.Relation,
				Reason: "loadsNumberOfDays is required for date partitioned sources",
			}
		}
	}

	return &Source{
		Relation:             s.Relation,
		Container:            container,
		RelativePath:         s.RelativePath,
		InputFormat:          format,
		Extensions:           extensions,
		IsChunkPartitioned:   s.IsChunkPartitioned,
		IsDatePartitioned:    s.IsDatePartitioned,
		LoadsNumberOfDays:    s.LoadsNumberOfDays,
		OffsetByNumberOfDays: s.OffsetByNumberOfDays,
		SnapshotValidityDays: s.SnapshotValidityDays,
	}, nil
}

// newPathsBuilder creates the path builder for a container.
func newPathsBuilder(container config.Container) (paths.Builder, error) {
	switch container.Type {
	case config.ContainerTypeLocal:
		return paths.NewLocal(container.DataPath), nil
	case config.ContainerTypeAzure:
		return paths.NewAzureBlob(container)
	case config.ContainerTypeSnowflake:
		return paths.NewSnowflake(container), nil
	}
	return nil, &errors.ConfigError{
		Key:    container.Name,
		Reason: fmt.Sprintf("unsupported container type %q", container.Type),
	}
}

// Execute implements Step.
func (s *ConfigureSourcesStep) Execute(ctx context.Context, env *Environment) error {
	s.logger.Info("executing ConfigureSources step")

	models, err := BuildModels(s.ConfigFiles, s.RelConfigDir)
	if err != nil {
		return err
	}
	if err := env.Rai.InstallModels(ctx, env.Cfg, models); err != nil {
		return err
	}

	if err := s.inflateSources(ctx, env); err != nil {
		return err
	}

	expired, err := s.expiredPartitions(ctx, env)
	if err != nil {
		return err
	}

	configs := s.sourceConfigs()
	reimportQuery := query.DiscoverReimportSources(configs, expired, s.ForceReimport, s.ForceReimportNotChunkPartitioned)
	if _, err := env.Rai.Execute(ctx, env.Cfg, reimportQuery, rai.ExecOptions{ReadOnly: false}); err != nil {
		return err
	}

	_, err = env.Rai.Execute(ctx, env.Cfg, query.PopulateSourceConfigs(configs), rai.ExecOptions{ReadOnly: false})
	return err
}

// dateRange computes the load window of one source. Snapshot sources widen
// the window to snapshotValidityDays-offset+1 days so the most recent valid
// snapshot stays discoverable.
func (s *ConfigureSourcesStep) dateRange(src *Source) ([]string, error) {
	if !src.IsDatePartitioned {
		return nil, nil
	}
	days := src.LoadsNumberOfDays
	if src.IsSnapshot() {
		days = src.SnapshotValidityDays - src.OffsetByNumberOfDays + 1
	}
	return ExtractDateRange(s.StartDate, s.EndDate, days, src.OffsetByNumberOfDays)
}

// inflateSources fills every source's path list.
func (s *ConfigureSourcesStep) inflateSources(ctx context.Context, env *Environment) error {
	for _, src := range s.Sources {
		if err := s.checkStopped(); err != nil {
			return err
		}
		s.logger.Info("inflating source", "relation", src.Relation)

		if src.IsSnapshot() {
			valid, err := s.snapshotStillValid(ctx, env, src)
			if err != nil {
				return err
			}
			if valid {
				s.logger.Info("snapshot is still valid, skipping inflation", "relation", src.Relation)
				continue
			}
		}

		days, err := s.dateRange(src)
		if err != nil {
			return err
		}

		builder := s.builders[src.Container.Name]
		files, err := builder.Build(ctx, s.logger, days, src.RelativePath, src.Extensions, src.IsDatePartitioned)
		if err != nil {
			return err
		}

		src.Paths = s.reducePaths(src, files)
	}
	return nil
}

// snapshotStillValid checks the remote expiration date of a snapshot source.
// The snapshot is reused when it expires on or after the end date.
func (s *ConfigureSourcesStep) snapshotStillValid(ctx context.Context, env *Environment, src *Source) (bool, error) {
	q := query.SnapshotExpirationDate(src.Relation, RaiDateFormat)
	v, err := env.Rai.ExecuteTakeSingle(ctx, env.Cfg, q, true)
	if err != nil {
		return false, err
	}
	expiration, ok := v.(string)
	if !ok || expiration == "" {
		return false, nil
	}
	return expiration >= s.EndDate, nil
}

// reducePaths applies the partition semantics to the raw file listing:
// group by partition date preserving order, keep the last loadsNumberOfDays
// day groups, and keep a single file per group for non-chunk-partitioned
// sources.
func (s *ConfigureSourcesStep) reducePaths(src *Source, files []paths.FileMetadata) []string {
	type group struct {
		date  string
		files []paths.FileMetadata
	}
	var groups []group
	index := make(map[string]int)
	for _, f := range files {
		i, ok := index[f.AsOfDate]
		if !ok {
			i = len(groups)
			index[f.AsOfDate] = i
			groups = append(groups, group{date: f.AsOfDate})
		}
		groups[i].files = append(groups[i].files, f)
	}

	if src.IsDatePartitioned && src.LoadsNumberOfDays > 0 && len(groups) > src.LoadsNumberOfDays {
		groups = groups[len(groups)-src.LoadsNumberOfDays:]
	}

	var result []string
	for _, g := range groups {
		keep := g.files
		if !src.IsChunkPartitioned && len(keep) > 1 {
			s.logger.Warn("source is not chunk partitioned, keeping only the first file",
				"relation", src.Relation, "date", g.date, "files", len(keep))
			keep = keep[:1]
		}
		for _, f := range keep {
			result = append(result, f.Path)
		}
	}
	return result
}

// expiredPartitions reads the previously declared date-partitioned sources
// and returns every (relation, path) whose partition date is no longer in
// the source's current date range.
func (s *ConfigureSourcesStep) expiredPartitions(ctx context.Context, env *Environment) ([]query.ExpiredSource, error) {
	sources := make(map[string]*Source, len(s.Sources))
	for _, src := range s.Sources {
		if src.IsDatePartitioned {
			sources[src.Relation] = src
		}
	}
	if len(sources) == 0 {
		return nil, nil
	}

	var declared []declaredSource
	if err := env.Rai.ExecuteRelationJSON(ctx, env.Cfg, DeclaredDatePartitionedRelation, true, &declared); err != nil {
		return nil, err
	}

	var expired []query.ExpiredSource
	for _, d := range declared {
		src, ok := sources[d.Relation]
		if !ok {
			continue
		}
		days, err := s.dateRange(src)
		if err != nil {
			return nil, err
		}
		inRange := make(map[string]bool, len(days))
		for _, day := range days {
			inRange[day] = true
		}
		for _, date := range d.Dates {
			if inRange[date.Date] {
				continue
			}
			for _, path := range date.Paths {
				expired = append(expired, query.ExpiredSource{Relation: d.Relation, Path: path})
			}
		}
	}
	return expired, nil
}

// sourceConfigs converts the inflated sources into query inputs.
func (s *ConfigureSourcesStep) sourceConfigs() []query.SourceConfig {
	configs := make([]query.SourceConfig, 0, len(s.Sources))
	for _, src := range s.Sources {
		configs = append(configs, query.SourceConfig{
			Relation:           src.Relation,
			Container:          src.Container.Name,
			ContainerType:      string(src.Container.Type),
			InputFormat:        string(src.InputFormat),
			IsChunkPartitioned: src.IsChunkPartitioned,
			IsDatePartitioned:  src.IsDatePartitioned,
			Paths:              src.Paths,
		})
	}
	return configs
}

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
	"os"
	"sync"

	"github.com/tombee/batchflow/internal/config"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/snowflake"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// LoadDataStep loads every missed resource reported by the remote database
// after source configuration. Object-store and local resources load
// synchronously through query transactions; warehouse resources start
// server-side data streams which are awaited together at the end.
type LoadDataStep struct {
	BaseStep

	CollapsePartitionsOnLoad bool

	// openSnowflake is swapped in tests.
	openSnowflake func(container config.Container, logger *slog.Logger) (warehouseDB, error)
}

// warehouseDB is the slice of the snowflake control plane the loader uses.
type warehouseDB interface {
	BeginDataSync(ctx context.Context, sourceTable, database, engine, destRelation string) error
	AwaitDataSync(ctx context.Context, sourceTable string) error
	Close() error
}

// missedResource is the wire form of one resource to load.
type missedResource struct {
	Source            string          `json:"source"`
	Container         string          `json:"container"`
	FileType          string          `json:"file_type"`
	IsDatePartitioned string          `json:"is_date_partitioned"`
	IsMultiPart       string          `json:"is_multi_part"`
	Resources         []loadResource  `json:"resources"`
	Dates             []dateResources `json:"dates"`
}

type loadResource struct {
	URI       string `json:"uri"`
	PartIndex int    `json:"part_index"`
}

type dateResources struct {
	Date      string         `json:"date"`
	Resources []loadResource `json:"resources"`
}

func (m missedResource) datePartitioned() bool { return m.IsDatePartitioned == "Y" }
func (m missedResource) multiPart() bool       { return m.IsMultiPart == "Y" }

func newLoadDataStep(logger *slog.Logger, cfg *Config, raw RawStep) (Step, error) {
	return &LoadDataStep{
		BaseStep:                 raw.baseStep(logger),
		CollapsePartitionsOnLoad: cfg.Params.CollapsePartitionsOnLoad,
		openSnowflake: func(container config.Container, logger *slog.Logger) (warehouseDB, error) {
			return snowflake.Open(container, logger)
		},
	}, nil
}

// Execute implements Step.
func (s *LoadDataStep) Execute(ctx context.Context, env *Environment) error {
	s.logger.Info("executing LoadData step")

	// Drop the catalog entries matching the invalidation set before loading
	// anything new.
	if _, err := env.Rai.Execute(ctx, env.Cfg, query.DeleteRefreshedSourcesData, rai.ExecOptions{ReadOnly: false}); err != nil {
		return err
	}

	var missed []missedResource
	if err := env.Rai.ExecuteRelationJSON(ctx, env.Cfg, MissedResourcesRelation, true, &missed); err != nil {
		return err
	}
	if len(missed) == 0 {
		s.logger.Info("missed resources list is empty")
		return nil
	}

	var syncResources, asyncResources []missedResource
	for _, m := range missed {
		container, err := env.Env.Container(m.Container)
		if err != nil {
			return err
		}
		if container.Type == config.ContainerTypeSnowflake {
			asyncResources = append(asyncResources, m)
		} else {
			syncResources = append(syncResources, m)
		}
	}

	for _, m := range syncResources {
		if err := s.checkStopped(); err != nil {
			return err
		}
		if err := s.loadSource(ctx, env, m); err != nil {
			return err
		}
	}

	return s.loadAsyncResources(ctx, env, asyncResources)
}

// loadSource loads one sync source, partition by partition unless partitions
// are collapsed into one transaction.
func (s *LoadDataStep) loadSource(ctx context.Context, env *Environment, m missedResource) error {
	if !m.datePartitioned() {
		s.logger.Info("loading master source", "relation", m.Source)
		return s.loadResource(ctx, env, m, m.Resources)
	}

	if s.CollapsePartitionsOnLoad {
		first := m.Dates[0].Date
		last := m.Dates[len(m.Dates)-1].Date
		s.logger.Info("loading all partitions simultaneously", "relation", m.Source, "from", first, "to", last)

		var resources []loadResource
		for _, d := range m.Dates {
			resources = append(resources, d.Resources...)
		}
		return s.loadResource(ctx, env, m, resources)
	}

	s.logger.Info("loading one partition at a time", "relation", m.Source)
	for _, d := range m.Dates {
		if err := s.checkStopped(); err != nil {
			return err
		}
		s.logger.Info("loading partition", "relation", m.Source, "date", d.Date)
		if err := s.loadResource(ctx, env, m, d.Resources); err != nil {
			return err
		}
	}
	return nil
}

// loadResource issues one load transaction for the given resources.
func (s *LoadDataStep) loadResource(ctx context.Context, env *Environment, m missedResource, resources []loadResource) error {
	if len(resources) == 0 {
		return nil
	}
	container, err := env.Env.Container(m.Container)
	if err != nil {
		return err
	}
	if _, ok := query.LoadRelationFor(m.FileType); !ok {
		s.logger.Error("unsupported file type, skipping source", "relation", m.Source, "file_type", m.FileType)
		return nil
	}

	q, err := buildLoadQuery(s.logger, container, m, resources)
	if err != nil {
		return err
	}
	_, err = env.Rai.Execute(ctx, env.Cfg, q.Query, rai.ExecOptions{ReadOnly: false, Inputs: q.Inputs})
	return err
}

// buildLoadQuery renders the load transaction for one batch of resources.
func buildLoadQuery(logger *slog.Logger, container config.Container, m missedResource, resources []loadResource) (query.WithInputs, error) {
	fileType := m.FileType
	switch container.Type {
	case config.ContainerTypeLocal:
		if m.multiPart() {
			logger.Info("loading shards from local files", "relation", m.Source, "shards", len(resources))
			parts := make([]query.LocalPart, 0, len(resources))
			for _, r := range resources {
				data, err := os.ReadFile(r.URI)
				if err != nil {
					return query.WithInputs{}, errors.Wrapf(err, "reading local resource %s", r.URI)
				}
				parts = append(parts, query.LocalPart{Index: r.PartIndex, Data: string(data)})
			}
			return query.LocalLoadMultipart(m.Source, fileType, parts), nil
		}
		logger.Info("loading from local file", "relation", m.Source)
		data, err := os.ReadFile(resources[0].URI)
		if err != nil {
			return query.WithInputs{}, errors.Wrapf(err, "reading local resource %s", resources[0].URI)
		}
		return query.LocalLoadSimple(m.Source, fileType, string(data)), nil

	case config.ContainerTypeAzure:
		if m.multiPart() {
			logger.Info("loading shards from azure files", "relation", m.Source, "shards", len(resources))
			parts := make([]query.AzurePart, 0, len(resources))
			for _, r := range resources {
				parts = append(parts, query.AzurePart{Index: r.PartIndex, URI: r.URI})
			}
			return query.AzureLoadMultipart(m.Source, fileType, parts, container.SAS), nil
		}
		logger.Info("loading from azure file", "relation", m.Source)
		return query.AzureLoadSimple(m.Source, fileType, resources[0].URI, container.SAS), nil
	}
	return query.WithInputs{}, fmt.Errorf("unsupported container type %q for sync load of %q", container.Type, m.Source)
}

// loadAsyncResources starts the data stream of every warehouse resource
// sequentially, then awaits all streams together. Sequential initiation
// keeps two engines from writing the same database concurrently.
func (s *LoadDataStep) loadAsyncResources(ctx context.Context, env *Environment, resources []missedResource) error {
	if len(resources) == 0 {
		return nil
	}

	dbs := make(map[string]warehouseDB)
	defer func() {
		for _, db := range dbs {
			db.Close()
		}
	}()

	type startedSync struct {
		db    warehouseDB
		table string
	}
	var started []startedSync
	for _, m := range resources {
		if err := s.checkStopped(); err != nil {
			return err
		}
		if len(m.Resources) == 0 {
			continue
		}
		container, err := env.Env.Container(m.Container)
		if err != nil {
			return err
		}
		db, ok := dbs[container.Name]
		if !ok {
			db, err = s.openSnowflake(container, s.logger)
			if err != nil {
				return err
			}
			dbs[container.Name] = db
		}

		table := m.Resources[0].URI
		s.logger.Info("starting data stream", "relation", m.Source, "table", table)
		if err := db.BeginDataSync(ctx, table, env.Cfg.Database, env.Cfg.Engine, m.Source); err != nil {
			return err
		}
		started = append(started, startedSync{db: db, table: table})
	}

	// Await every stream concurrently. Cancelling the step aborts all waits.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, len(started))
	for i, st := range started {
		wg.Add(1)
		go func(i int, st startedSync) {
			defer wg.Done()
			errs[i] = st.db.AwaitDataSync(waitCtx, st.table)
		}(i, st)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

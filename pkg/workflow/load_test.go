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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/batchflow/internal/config"
)

// fakeWarehouse records data stream operations.
type fakeWarehouse struct {
	mu      sync.Mutex
	Begun   []string
	Awaited []string
	Closed  bool

	AwaitErr map[string]error
}

func (f *fakeWarehouse) BeginDataSync(ctx context.Context, sourceTable, database, engine, destRelation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Begun = append(f.Begun, sourceTable)
	return nil
}

func (f *fakeWarehouse) AwaitDataSync(ctx context.Context, sourceTable string) error {
	f.mu.Lock()
	f.Awaited = append(f.Awaited, sourceTable)
	err := f.AwaitErr[sourceTable]
	f.mu.Unlock()
	return err
}

func (f *fakeWarehouse) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func newLoadStep(t *testing.T, cfg *Config, collapse bool, warehouse *fakeWarehouse) *LoadDataStep {
	t.Helper()
	raw := RawStep{
		IDT:   "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Type:  StepTypeLoadData,
		Name:  "load",
		State: string(StateInit),
	}
	raw.Spec = json.RawMessage(`{}`)
	cfg.Params.CollapsePartitionsOnLoad = collapse
	step, err := newLoadDataStep(testLogger(), cfg, raw)
	require.NoError(t, err)
	load := step.(*LoadDataStep)
	load.openSnowflake = func(container config.Container, logger *slog.Logger) (warehouseDB, error) {
		return warehouse, nil
	}
	return load
}

func TestLoadDataEmptyMissedResources(t *testing.T) {
	cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
	step := newLoadStep(t, cfg, true, &fakeWarehouse{})

	querier := newFakeQuerier()
	env := &Environment{Env: cfg.Env, Rai: querier}
	require.NoError(t, step.Execute(context.Background(), env))

	// Only the catalog cleanup runs.
	writes := querier.writeQueries()
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], "resources_data_to_delete")
}

func TestLoadDataLocalSource(t *testing.T) {
	dataPath := t.TempDir()
	file := filepath.Join(dataPath, "master.csv")
	require.NoError(t, os.WriteFile(file, []byte("a,b\n1,2\n"), 0o644))

	cfg := &Config{Env: testEnvConfig(t, dataPath)}
	step := newLoadStep(t, cfg, true, &fakeWarehouse{})

	querier := newFakeQuerier()
	querier.RelationJSON[MissedResourcesRelation] = fmt.Sprintf(`[{
		"source": "master",
		"container": "input",
		"file_type": "CSV",
		"resources": [{"uri": %q}]
	}]`, file)

	env := &Environment{Env: cfg.Env, Rai: querier}
	require.NoError(t, step.Execute(context.Background(), env))

	writes := querier.writeQueries()
	require.Len(t, writes, 2, "cleanup plus one load transaction")
	assert.Contains(t, writes[1], "insert:simple_source_catalog:master")
}

func TestLoadDataCollapsePartitions(t *testing.T) {
	missed := `[{
		"source": "city",
		"container": "azure_input",
		"file_type": "CSV",
		"is_date_partitioned": "Y",
		"is_multi_part": "Y",
		"dates": [
			{"date": "20220104", "resources": [{"uri": "azure://f1", "part_index": 1}]},
			{"date": "20220105", "resources": [{"uri": "azure://f2", "part_index": 2}]}
		]
	}]`

	t.Run("collapsed loads all partitions in one transaction", func(t *testing.T) {
		cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
		step := newLoadStep(t, cfg, true, &fakeWarehouse{})

		querier := newFakeQuerier()
		querier.RelationJSON[MissedResourcesRelation] = missed

		env := &Environment{Env: cfg.Env, Rai: querier}
		require.NoError(t, step.Execute(context.Background(), env))

		writes := querier.writeQueries()
		require.Len(t, writes, 2)
		assert.Contains(t, writes[1], "azure://f1")
		assert.Contains(t, writes[1], "azure://f2")
	})

	t.Run("uncollapsed loads one partition per transaction", func(t *testing.T) {
		cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
		step := newLoadStep(t, cfg, false, &fakeWarehouse{})

		querier := newFakeQuerier()
		querier.RelationJSON[MissedResourcesRelation] = missed

		env := &Environment{Env: cfg.Env, Rai: querier}
		require.NoError(t, step.Execute(context.Background(), env))

		writes := querier.writeQueries()
		require.Len(t, writes, 3)
		assert.Contains(t, writes[1], "azure://f1")
		assert.NotContains(t, writes[1], "azure://f2")
		assert.Contains(t, writes[2], "azure://f2")
	})
}

func TestLoadDataAsyncResources(t *testing.T) {
	cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
	warehouse := &fakeWarehouse{}
	step := newLoadStep(t, cfg, true, warehouse)

	querier := newFakeQuerier()
	querier.RelationJSON[MissedResourcesRelation] = `[
		{"source": "orders", "container": "snow_input", "file_type": "CSV",
		 "resources": [{"uri": "SFDB.PUBLIC.ORDERS"}]},
		{"source": "items", "container": "snow_input", "file_type": "CSV",
		 "resources": [{"uri": "SFDB.PUBLIC.ITEMS"}]}
	]`

	env := &Environment{Env: cfg.Env, Rai: querier, Cfg: newFakeResources().RaiConfig("")}
	require.NoError(t, step.Execute(context.Background(), env))

	// Streams start sequentially in declaration order and are all awaited.
	assert.Equal(t, []string{"SFDB.PUBLIC.ORDERS", "SFDB.PUBLIC.ITEMS"}, warehouse.Begun)
	assert.ElementsMatch(t, []string{"SFDB.PUBLIC.ORDERS", "SFDB.PUBLIC.ITEMS"}, warehouse.Awaited)
	assert.True(t, warehouse.Closed)
}

func TestLoadDataAsyncFailurePropagates(t *testing.T) {
	cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
	warehouse := &fakeWarehouse{AwaitErr: map[string]error{"SFDB.PUBLIC.ORDERS": fmt.Errorf("sync failed")}}
	step := newLoadStep(t, cfg, true, warehouse)

	querier := newFakeQuerier()
	querier.RelationJSON[MissedResourcesRelation] = `[
		{"source": "orders", "container": "snow_input", "file_type": "CSV",
		 "resources": [{"uri": "SFDB.PUBLIC.ORDERS"}]}
	]`

	env := &Environment{Env: cfg.Env, Rai: querier}
	err := step.Execute(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync failed")
}

func TestLoadDataStopSignalAborts(t *testing.T) {
	cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
	step := newLoadStep(t, cfg, true, &fakeWarehouse{})
	step.Signal().Stop()

	querier := newFakeQuerier()
	querier.RelationJSON[MissedResourcesRelation] = `[
		{"source": "master", "container": "input", "file_type": "CSV",
		 "resources": [{"uri": "/nonexistent.csv"}]}
	]`

	env := &Environment{Env: cfg.Env, Rai: querier}
	err := step.Execute(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
}

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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/batchflow/pkg/workflow/paths"
)

// buildConfigureStep constructs a ConfigureSources step from a spec document.
func buildConfigureStep(t *testing.T, cfg *Config, spec string) *ConfigureSourcesStep {
	t.Helper()
	raw := RawStep{
		IDT:   "11111111-2222-3333-4444-555555555555",
		Type:  StepTypeConfigureSources,
		Name:  "configure",
		State: string(StateInit),
	}
	raw.Spec = json.RawMessage(spec)
	step, err := newConfigureSourcesStep(testLogger(), cfg, raw)
	require.NoError(t, err)
	return step.(*ConfigureSourcesStep)
}

func configureTestConfig(t *testing.T, dataPath, startDate, endDate string) *Config {
	return &Config{
		Env: testEnvConfig(t, dataPath),
		Params: StepParams{
			RelConfigDir: t.TempDir(),
			StartDate:    startDate,
			EndDate:      endDate,
		},
	}
}

func TestDateRangeSnapshotWidening(t *testing.T) {
	cfg := configureTestConfig(t, t.TempDir(), "", "20220106")
	step := buildConfigureStep(t, cfg, `{
		"configFiles": [],
		"defaultContainer": "input",
		"sources": [{
			"relation": "test",
			"relativePath": "test",
			"inputFormat": "csv",
			"isDatePartitioned": true,
			"loadsNumberOfDays": 1,
			"snapshotValidityDays": 1
		}]
	}`)

	// Validity 1 day widens the window to two days so the most recent valid
	// snapshot stays discoverable.
	days, err := step.dateRange(step.Sources[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"20220105", "20220106"}, days)
}

func TestExpiredPartitionDetection(t *testing.T) {
	declared := `[{
		"relation": "test",
		"dates": [{"date": "20220104", "paths": ["/test/data_dt=20220104/part-1.csv"]}]
	}]`

	t.Run("partition outside the range is expired", func(t *testing.T) {
		cfg := configureTestConfig(t, t.TempDir(), "", "20220106")
		step := buildConfigureStep(t, cfg, `{
			"configFiles": [],
			"defaultContainer": "input",
			"sources": [{
				"relation": "test",
				"relativePath": "test",
				"inputFormat": "csv",
				"isDatePartitioned": true,
				"loadsNumberOfDays": 1,
				"snapshotValidityDays": 1
			}]
		}`)

		querier := newFakeQuerier()
		querier.RelationJSON[DeclaredDatePartitionedRelation] = declared

		expired, err := step.expiredPartitions(context.Background(), &Environment{Env: cfg.Env, Rai: querier})
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "test", expired[0].Relation)
		assert.Equal(t, "/test/data_dt=20220104/part-1.csv", expired[0].Path)
	})

	t.Run("partition inside the range is kept", func(t *testing.T) {
		cfg := configureTestConfig(t, t.TempDir(), "", "20220105")
		step := buildConfigureStep(t, cfg, `{
			"configFiles": [],
			"defaultContainer": "input",
			"sources": [{
				"relation": "test",
				"relativePath": "test",
				"inputFormat": "csv",
				"isDatePartitioned": true,
				"loadsNumberOfDays": 1,
				"snapshotValidityDays": 1
			}]
		}`)

		querier := newFakeQuerier()
		querier.RelationJSON[DeclaredDatePartitionedRelation] = declared

		expired, err := step.expiredPartitions(context.Background(), &Environment{Env: cfg.Env, Rai: querier})
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}

func TestReducePaths(t *testing.T) {
	cfg := configureTestConfig(t, t.TempDir(), "", "20220105")
	step := buildConfigureStep(t, cfg, `{
		"configFiles": [],
		"defaultContainer": "input",
		"sources": [{
			"relation": "city",
			"relativePath": "city",
			"inputFormat": "csv",
			"isDatePartitioned": true,
			"isChunkPartitioned": true,
			"loadsNumberOfDays": 2
		}]
	}`)
	src := step.Sources[0]

	files := []paths.FileMetadata{
		{Path: "/d1/a.csv", AsOfDate: "20220103"},
		{Path: "/d2/a.csv", AsOfDate: "20220104"},
		{Path: "/d2/b.csv", AsOfDate: "20220104"},
		{Path: "/d3/a.csv", AsOfDate: "20220105"},
	}

	t.Run("keeps the last loadsNumberOfDays day groups", func(t *testing.T) {
		got := step.reducePaths(src, files)
		assert.Equal(t, []string{"/d2/a.csv", "/d2/b.csv", "/d3/a.csv"}, got)
	})

	t.Run("non-chunk-partitioned keeps one file per date", func(t *testing.T) {
		plain := *src
		plain.IsChunkPartitioned = false
		got := step.reducePaths(&plain, files)
		assert.Equal(t, []string{"/d2/a.csv", "/d3/a.csv"}, got)
	})
}

func TestConfigureSourcesExecute(t *testing.T) {
	dataPath := t.TempDir()
	folder := filepath.Join(dataPath, "city", "data_dt=20220105")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "part-1.csv"), []byte("a,b\n"), 0o644))

	cfg := configureTestConfig(t, dataPath, "", "20220105")
	step := buildConfigureStep(t, cfg, `{
		"configFiles": [],
		"defaultContainer": "input",
		"sources": [{
			"relation": "city",
			"relativePath": "city",
			"inputFormat": "csv",
			"isDatePartitioned": true,
			"loadsNumberOfDays": 1
		}]
	}`)

	querier := newFakeQuerier()
	env := &Environment{Env: cfg.Env, Rai: querier}
	require.NoError(t, step.Execute(context.Background(), env))

	require.Len(t, step.Sources[0].Paths, 1)
	assert.True(t, strings.HasSuffix(step.Sources[0].Paths[0], "part-1.csv"))

	writes := querier.writeQueries()
	require.Len(t, writes, 2, "expected the invalidation and the source config updates")
	assert.Contains(t, writes[0], "force_reimport")
	assert.Contains(t, writes[1], "source_declares_resource")
	assert.Contains(t, writes[1], "date_partitioned_source_relation")
}

func TestConfigureSourcesSnapshotGating(t *testing.T) {
	dataPath := t.TempDir()
	folder := filepath.Join(dataPath, "snap", "data_dt=20220104")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "part-1.csv"), []byte("a\n"), 0o644))

	cfg := configureTestConfig(t, dataPath, "", "20220105")
	step := buildConfigureStep(t, cfg, `{
		"configFiles": [],
		"defaultContainer": "input",
		"sources": [{
			"relation": "snap",
			"relativePath": "snap",
			"inputFormat": "csv",
			"isDatePartitioned": true,
			"loadsNumberOfDays": 1,
			"snapshotValidityDays": 2
		}]
	}`)

	querier := newFakeQuerier()
	// The declared snapshot expires after the end date, so it is reused.
	querier.TakeSingle[`"snap"`] = "20220106"

	env := &Environment{Env: cfg.Env, Rai: querier}
	require.NoError(t, step.Execute(context.Background(), env))
	assert.Empty(t, step.Sources[0].Paths, "a valid snapshot must keep the paths list empty")
}

func TestParseSourceValidation(t *testing.T) {
	tests := []struct {
		name string
		src  string
		end  string
	}{
		{
			name: "snapshot with multi-day load",
			src: `{"relation": "r", "relativePath": "r", "inputFormat": "csv",
				"isDatePartitioned": true, "loadsNumberOfDays": 3, "snapshotValidityDays": 5}`,
			end: "20220105",
		},
		{
			name: "offset beyond snapshot validity",
			src: `{"relation": "r", "relativePath": "r", "inputFormat": "csv",
				"isDatePartitioned": true, "loadsNumberOfDays": 1,
				"snapshotValidityDays": 1, "offsetByNumberOfDays": 2}`,
			end: "20220105",
		},
		{
			name: "date partitioned without end date",
			src: `{"relation": "r", "relativePath": "r", "inputFormat": "csv",
				"isDatePartitioned": true, "loadsNumberOfDays": 1}`,
			end: "",
		},
		{
			name: "unsupported input format",
			src:  `{"relation": "r", "relativePath": "r", "inputFormat": "parquet"}`,
			end:  "20220105",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := configureTestConfig(t, t.TempDir(), "", tt.end)
			raw := RawStep{Name: "configure", Type: StepTypeConfigureSources, State: string(StateInit)}
			raw.Spec = json.RawMessage(`{"configFiles": [], "defaultContainer": "input", "sources": [` + tt.src + `]}`)
			_, err := newConfigureSourcesStep(testLogger(), cfg, raw)
			assert.Error(t, err)
		})
	}
}

func TestParseSourceSkipsFutureSources(t *testing.T) {
	cfg := configureTestConfig(t, t.TempDir(), "", "20220105")
	step := buildConfigureStep(t, cfg, `{
		"configFiles": [],
		"defaultContainer": "input",
		"sources": [
			{"relation": "now", "relativePath": "now", "inputFormat": "csv"},
			{"relation": "later", "relativePath": "later", "inputFormat": "csv", "future": true}
		]
	}`)
	require.Len(t, step.Sources, 1)
	assert.Equal(t, "now", step.Sources[0].Relation)
}

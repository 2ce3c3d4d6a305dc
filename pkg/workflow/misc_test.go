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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/batchflow/pkg/errors"
)

func TestMaterializeStep(t *testing.T) {
	cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
	raw := RawStep{IDT: "m1", Type: StepTypeMaterialize, Name: "mat", State: string(StateInit)}

	t.Run("jointly in one transaction", func(t *testing.T) {
		raw.Spec = json.RawMessage(`{"relations": ["a", "b"], "materializeJointly": true}`)
		step, err := newMaterializeStep(testLogger(), cfg, raw)
		require.NoError(t, err)

		querier := newFakeQuerier()
		require.NoError(t, step.Execute(context.Background(), &Environment{Env: cfg.Env, Rai: querier}))
		writes := querier.writeQueries()
		require.Len(t, writes, 1)
		assert.Contains(t, writes[0], "count[a]")
		assert.Contains(t, writes[0], "count[b]")
	})

	t.Run("individually in one transaction each", func(t *testing.T) {
		raw.Spec = json.RawMessage(`{"relations": ["a", "b"], "materializeJointly": false}`)
		step, err := newMaterializeStep(testLogger(), cfg, raw)
		require.NoError(t, err)

		querier := newFakeQuerier()
		require.NoError(t, step.Execute(context.Background(), &Environment{Env: cfg.Env, Rai: querier}))
		assert.Len(t, querier.writeQueries(), 2)
	})
}

func TestInstallModelsStep(t *testing.T) {
	relDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(relDir, "models"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(relDir, "models", "core.rel"), []byte("def core = 1"), 0o644))

	cfg := &Config{
		Env:    testEnvConfig(t, t.TempDir()),
		Params: StepParams{RelConfigDir: relDir},
	}
	raw := RawStep{IDT: "i1", Type: StepTypeInstallModels, Name: "install", State: string(StateInit)}
	raw.Spec = json.RawMessage(`{"modelFiles": ["models/core.rel"]}`)

	step, err := newInstallModelsStep(testLogger(), cfg, raw)
	require.NoError(t, err)

	querier := newFakeQuerier()
	require.NoError(t, step.Execute(context.Background(), &Environment{Env: cfg.Env, Rai: querier}))
	require.Len(t, querier.Installed, 1)
	assert.Equal(t, "def core = 1", querier.Installed[0]["models/core.rel"])
}

func TestInstallModelsStepMissingFile(t *testing.T) {
	cfg := &Config{
		Env:    testEnvConfig(t, t.TempDir()),
		Params: StepParams{RelConfigDir: t.TempDir()},
	}
	raw := RawStep{IDT: "i2", Type: StepTypeInstallModels, Name: "install", State: string(StateInit)}
	raw.Spec = json.RawMessage(`{"modelFiles": ["absent.rel"]}`)

	step, err := newInstallModelsStep(testLogger(), cfg, raw)
	require.NoError(t, err)

	err = step.Execute(context.Background(), &Environment{Env: cfg.Env, Rai: newFakeQuerier()})
	assert.Error(t, err)
}

func TestExecuteCommandStep(t *testing.T) {
	cfg := &Config{Env: testEnvConfig(t, t.TempDir())}
	raw := RawStep{IDT: "c1", Type: StepTypeExecuteCommand, Name: "cmd", State: string(StateInit)}

	t.Run("successful command", func(t *testing.T) {
		raw.Spec = json.RawMessage(`{"command": "true"}`)
		step, err := newExecuteCommandStep(testLogger(), cfg, raw)
		require.NoError(t, err)
		assert.NoError(t, step.Execute(context.Background(), &Environment{Env: cfg.Env}))
	})

	t.Run("failing command carries the exit status", func(t *testing.T) {
		raw.Spec = json.RawMessage(`{"command": "exit 3"}`)
		step, err := newExecuteCommandStep(testLogger(), cfg, raw)
		require.NoError(t, err)

		err = step.Execute(context.Background(), &Environment{Env: cfg.Env})
		var cmdErr *errors.CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, 3, cmdErr.ExitStatus)
		assert.Contains(t, cmdErr.Error(), "exit 3")
	})

	t.Run("empty command is rejected at build time", func(t *testing.T) {
		raw.Spec = json.RawMessage(`{}`)
		_, err := newExecuteCommandStep(testLogger(), cfg, raw)
		assert.Error(t, err)
	})
}

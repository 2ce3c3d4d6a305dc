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

package resources

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/batchflow/pkg/rai"
)

// fakeAPI is an in-memory remote resource API.
type fakeAPI struct {
	mu        sync.Mutex
	engines   map[string]string // name -> size
	databases map[string]bool

	Created []string
	Deleted []string
	Queries []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		engines:   make(map[string]string),
		databases: make(map[string]bool),
	}
}

func (f *fakeAPI) EngineExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.engines[name]
	return ok, nil
}

func (f *fakeAPI) CreateEngineWait(ctx context.Context, name, size string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engines[name] = size
	f.Created = append(f.Created, name)
	return nil
}

func (f *fakeAPI) DeleteEngineWait(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.engines, name)
	f.Deleted = append(f.Deleted, name)
	return nil
}

func (f *fakeAPI) DatabaseExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.databases[name], nil
}

func (f *fakeAPI) CreateDatabase(ctx context.Context, name, sourceDB string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databases[name] = true
	return nil
}

func (f *fakeAPI) DeleteDatabase(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.databases, name)
	return nil
}

func (f *fakeAPI) Execute(ctx context.Context, cfg rai.Config, q string, opts rai.ExecOptions) (*rai.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, q)
	return &rai.Response{Transaction: rai.Transaction{State: "COMPLETED"}}, nil
}

func newTestManager() (*Manager, *fakeAPI) {
	api := newFakeAPI()
	base := rai.Config{Engine: "wm-engine", Database: "wm-db"}
	logger := slog.New(slog.DiscardHandler)
	return NewManager(logger, api, base), api
}

func TestAddEngineAdoptsDefault(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.AddEngine(ctx, "xs"))

	// The first engine takes the base engine name.
	assert.Equal(t, []string{"wm-engine"}, api.Created)
	assert.Equal(t, "wm-engine", mgr.RaiConfig("XS").Engine)

	// Managed sizes are a no-op on re-add.
	require.NoError(t, mgr.AddEngine(ctx, "XS"))
	assert.Len(t, api.Created, 1)
}

func TestAddEngineReusesExistingDefault(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()
	api.engines["wm-engine"] = "XS"

	require.NoError(t, mgr.AddEngine(ctx, "XS"))
	assert.Empty(t, api.Created, "an existing default engine is adopted, not recreated")
}

func TestAddEngineSynthesizesSizedNames(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.AddEngine(ctx, "XS"))
	require.NoError(t, mgr.AddEngine(ctx, "L"))

	require.Len(t, api.Created, 2)
	sized := api.Created[1]
	assert.True(t, strings.HasPrefix(sized, "wm-l-"), "sized engines get synthesized names, got %q", sized)
	assert.Equal(t, sized, mgr.RaiConfig("L").Engine)
	assert.Equal(t, "wm-engine", mgr.RaiConfig("").Engine)
}

func TestRemoveEngineRefusesDefault(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()
	require.NoError(t, mgr.AddEngine(ctx, "XS"))

	require.NoError(t, mgr.RemoveEngine(ctx, "XS"))
	assert.Empty(t, api.Deleted, "the default engine must not be removed")
	assert.Equal(t, "wm-engine", mgr.RaiConfig("XS").Engine)
}

func TestRemoveEngineDropsSized(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()
	require.NoError(t, mgr.AddEngine(ctx, "XS"))
	require.NoError(t, mgr.AddEngine(ctx, "L"))

	require.NoError(t, mgr.RemoveEngine(ctx, "L"))
	require.Len(t, api.Deleted, 1)
	// An unmanaged size falls back to the base engine.
	assert.Equal(t, "wm-engine", mgr.RaiConfig("L").Engine)
}

func TestProvisionEngineRecreates(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()
	api.engines["wm-engine"] = "XS"

	require.NoError(t, mgr.ProvisionEngine(ctx, "XS"))
	assert.Equal(t, []string{"wm-engine"}, api.Deleted)
	assert.Equal(t, []string{"wm-engine"}, api.Created)
}

func TestCreateDatabase(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()

	require.NoError(t, mgr.CreateDatabase(ctx, false, true, ""))
	assert.True(t, api.databases["wm-db"])
	require.Len(t, api.Queries, 1)
	assert.Contains(t, api.Queries[0], "disable_ivm")
}

func TestCreateDatabaseDropFirst(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()
	api.databases["wm-db"] = true

	require.NoError(t, mgr.CreateDatabase(ctx, true, false, ""))
	assert.True(t, api.databases["wm-db"], "database is recreated after the drop")
	assert.Empty(t, api.Queries, "IVM stays enabled unless requested")
}

func TestCleanupResources(t *testing.T) {
	mgr, api := newTestManager()
	ctx := context.Background()
	require.NoError(t, mgr.AddEngine(ctx, "XS"))
	require.NoError(t, mgr.AddEngine(ctx, "L"))
	require.NoError(t, mgr.CreateDatabase(ctx, false, false, ""))

	require.NoError(t, mgr.CleanupResources(ctx))

	assert.False(t, api.databases["wm-db"])
	assert.Len(t, api.Deleted, 2, "cleanup removes every engine, the default included")
	assert.Empty(t, api.engines)
}

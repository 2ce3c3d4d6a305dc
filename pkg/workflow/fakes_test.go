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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/batchflow/internal/config"
	"github.com/tombee/batchflow/pkg/rai"
)

// executedQuery records one query submission against the fake.
type executedQuery struct {
	Query string
	Opts  rai.ExecOptions
}

// fakeQuerier is an in-memory Querier. Relations can be preloaded with JSON
// documents; snapshot lookups answer by query substring.
type fakeQuerier struct {
	mu sync.Mutex

	Queries      []executedQuery
	RelationJSON map[string]string
	TakeSingle   map[string]any
	CSVOutputs   map[string]string
	Installed    []map[string]string
	LoadedJSON   map[string]string

	// ExecuteErr, when set, fails any Execute whose query contains the key.
	ExecuteErr map[string]error
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		RelationJSON: make(map[string]string),
		TakeSingle:   make(map[string]any),
		LoadedJSON:   make(map[string]string),
		ExecuteErr:   make(map[string]error),
	}
}

func (f *fakeQuerier) Execute(ctx context.Context, cfg rai.Config, q string, opts rai.ExecOptions) (*rai.Response, error) {
	f.mu.Lock()
	f.Queries = append(f.Queries, executedQuery{Query: q, Opts: opts})
	f.mu.Unlock()
	for key, err := range f.ExecuteErr {
		if strings.Contains(q, key) {
			return nil, err
		}
	}
	return &rai.Response{Transaction: rai.Transaction{ID: "txn", State: "COMPLETED"}}, nil
}

func (f *fakeQuerier) ExecuteRelationJSON(ctx context.Context, cfg rai.Config, relation string, ignoreProblems bool, out any) error {
	doc, ok := f.RelationJSON[relation]
	if !ok {
		return nil
	}
	return json.Unmarshal([]byte(doc), out)
}

func (f *fakeQuerier) ExecuteQueryCSV(ctx context.Context, cfg rai.Config, q string, ignoreProblems bool) (map[string]string, error) {
	f.mu.Lock()
	f.Queries = append(f.Queries, executedQuery{Query: q, Opts: rai.ExecOptions{ReadOnly: true}})
	f.mu.Unlock()
	return f.CSVOutputs, nil
}

func (f *fakeQuerier) ExecuteTakeSingle(ctx context.Context, cfg rai.Config, q string, readonly bool) (any, error) {
	for key, v := range f.TakeSingle {
		if strings.Contains(q, key) {
			return v, nil
		}
	}
	return nil, nil
}

func (f *fakeQuerier) InstallModels(ctx context.Context, cfg rai.Config, models map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Installed = append(f.Installed, models)
	return nil
}

func (f *fakeQuerier) LoadJSON(ctx context.Context, cfg rai.Config, relation, jsonData string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadedJSON[relation] = jsonData
	return nil
}

// writeQueries returns the write transactions submitted, in order.
func (f *fakeQuerier) writeQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var writes []string
	for _, q := range f.Queries {
		if !q.Opts.ReadOnly {
			writes = append(writes, q.Query)
		}
	}
	return writes
}

// fakeResources is an in-memory ResourceProvider.
type fakeResources struct {
	mu      sync.Mutex
	base    rai.Config
	Added   []string
	Removed []string
}

func newFakeResources() *fakeResources {
	return &fakeResources{base: rai.Config{Engine: "base-engine", Database: "db"}}
}

func (f *fakeResources) AddEngine(ctx context.Context, size string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Added = append(f.Added, size)
	return nil
}

func (f *fakeResources) RemoveEngine(ctx context.Context, size string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removed = append(f.Removed, size)
	return nil
}

func (f *fakeResources) RaiConfig(size string) rai.Config {
	if size == "" {
		return f.base
	}
	return f.base.WithEngine("engine-" + size)
}

// stubStep is a controllable Step implementation.
type stubStep struct {
	idt        string
	name       string
	state      StepState
	engineSize string
	stop       *StopSignal

	executeFn func(ctx context.Context, env *Environment) error
	Executed  bool
}

func newStubStep(name string, state StepState) *stubStep {
	return &stubStep{
		idt:   "idt-" + name,
		name:  name,
		state: state,
		stop:  NewStopSignal(),
	}
}

func (s *stubStep) ID() string          { return s.idt }
func (s *stubStep) Name() string        { return s.name }
func (s *stubStep) State() StepState    { return s.state }
func (s *stubStep) EngineSize() string  { return s.engineSize }
func (s *stubStep) Signal() *StopSignal { return s.stop }

func (s *stubStep) Execute(ctx context.Context, env *Environment) error {
	s.Executed = true
	if s.executeFn != nil {
		return s.executeFn(ctx, env)
	}
	return nil
}

// testEnvConfig builds an environment with a local, an azure and a snowflake
// container.
func testEnvConfig(t *testing.T, localDataPath string) *config.EnvConfig {
	t.Helper()
	env, err := config.Parse([]byte(`
rai_cloud_account = "acct"

[[container]]
name = "input"
type = "local"
data_path = "` + localDataPath + `"

[[container]]
name = "azure_input"
type = "azure"
account = "stacc"
container = "cont"
data_path = "input"
sas = "sv=token"

[[container]]
name = "snow_input"
type = "snowflake"
account = "sfacc"
user = "u"
password = "p"
role = "r"
warehouse = "wh"
database = "sfdb"
schema = "public"
`))
	require.NoError(t, err)
	return env
}

// testLogger discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

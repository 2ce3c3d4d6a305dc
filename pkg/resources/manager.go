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

// Package resources manages the lifecycle of remote compute engines and the
// workflow database.
//
// Engines are keyed by size. The first engine registered adopts the base
// engine name and becomes the default; additional sizes get synthesized
// names. The default engine is only removed during global cleanup. The
// manager's engine table is mutated only by the executor's main loop, never
// from within a step.
package resources

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/batchflow/internal/metrics"
	"github.com/tombee/batchflow/pkg/rai"
	"github.com/tombee/batchflow/pkg/workflow/query"
)

// API is the slice of the remote client the manager depends on.
type API interface {
	EngineExists(ctx context.Context, name string) (bool, error)
	CreateEngineWait(ctx context.Context, name, size string) error
	DeleteEngineWait(ctx context.Context, name string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name, sourceDB string) error
	DeleteDatabase(ctx context.Context, name string) error
	Execute(ctx context.Context, cfg rai.Config, q string, opts rai.ExecOptions) (*rai.Response, error)
}

// EngineMeta describes one managed engine.
type EngineMeta struct {
	Name      string
	Size      string
	IsDefault bool
}

// Manager owns engine and database lifecycles for one batch run.
type Manager struct {
	logger *slog.Logger
	api    API
	base   rai.Config

	mu          sync.Mutex
	engines     map[string]EngineMeta
	defaultSize string
}

// NewManager creates a manager around a base compute context. The base
// engine name is adopted as the default engine on the first AddEngine call.
func NewManager(logger *slog.Logger, api API, base rai.Config) *Manager {
	return &Manager{
		logger:  logger,
		api:     api,
		base:    base,
		engines: make(map[string]EngineMeta),
	}
}

// RaiConfig returns the base compute context rebound to the engine managed
// for the given size. An empty or unmanaged size yields the base engine.
func (m *Manager) RaiConfig(size string) rai.Config {
	size = normalizeSize(size)
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.engines[size]; ok {
		return m.base.WithEngine(meta.Name)
	}
	return m.base
}

// AddEngine ensures an engine of the given size is managed. The first engine
// adopts the base engine name as the default and is created only when it does
// not already exist remotely.
func (m *Manager) AddEngine(ctx context.Context, size string) error {
	size = normalizeSize(size)
	m.mu.Lock()
	_, managed := m.engines[size]
	first := len(m.engines) == 0
	m.mu.Unlock()
	if managed {
		return nil
	}

	meta := EngineMeta{Size: size}
	if first {
		meta.Name = m.base.Engine
		meta.IsDefault = true
		exists, err := m.api.EngineExists(ctx, meta.Name)
		if err != nil {
			return err
		}
		if !exists {
			if err := m.api.CreateEngineWait(ctx, meta.Name, size); err != nil {
				return err
			}
		}
	} else {
		meta.Name = fmt.Sprintf("wm-%s-%s", strings.ToLower(size), uuid.NewString())
		if err := m.api.CreateEngineWait(ctx, meta.Name, size); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.engines[size] = meta
	if meta.IsDefault {
		m.defaultSize = size
	}
	metrics.EnginesManaged.Set(float64(len(m.engines)))
	m.mu.Unlock()
	m.logger.Info("engine registered", "engine", meta.Name, "size", size, "default", meta.IsDefault)
	return nil
}

// RemoveEngine deletes the engine managed for the given size and drops the
// mapping. Removing the default engine is refused with a warning.
func (m *Manager) RemoveEngine(ctx context.Context, size string) error {
	size = normalizeSize(size)
	m.mu.Lock()
	meta, ok := m.engines[size]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if meta.IsDefault {
		m.logger.Warn("refusing to remove default engine", "engine", meta.Name, "size", size)
		return nil
	}

	if err := m.api.DeleteEngineWait(ctx, meta.Name); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.engines, size)
	metrics.EnginesManaged.Set(float64(len(m.engines)))
	m.mu.Unlock()
	m.logger.Info("engine removed", "engine", meta.Name, "size", size)
	return nil
}

// ProvisionEngine force-recreates the engine for the given size: any existing
// remote engine with the target name is deleted first.
func (m *Manager) ProvisionEngine(ctx context.Context, size string) error {
	size = normalizeSize(size)
	m.mu.Lock()
	meta, managed := m.engines[size]
	first := len(m.engines) == 0
	m.mu.Unlock()

	name := meta.Name
	isDefault := meta.IsDefault
	if !managed {
		if first {
			name = m.base.Engine
			isDefault = true
		} else {
			name = fmt.Sprintf("wm-%s-%s", strings.ToLower(size), uuid.NewString())
		}
	}

	m.logger.Info("provisioning engine", "engine", name, "size", size)
	exists, err := m.api.EngineExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if err := m.api.DeleteEngineWait(ctx, name); err != nil {
			return err
		}
	}
	if err := m.api.CreateEngineWait(ctx, name, size); err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[size] = EngineMeta{Name: name, Size: size, IsDefault: isDefault}
	if isDefault {
		m.defaultSize = size
	}
	metrics.EnginesManaged.Set(float64(len(m.engines)))
	m.mu.Unlock()
	return nil
}

// CreateDatabase creates the workflow database, optionally dropping an
// existing one first and optionally disabling incremental view maintenance.
func (m *Manager) CreateDatabase(ctx context.Context, dropFirst, disableIVM bool, sourceDB string) error {
	if dropFirst {
		if err := m.DeleteDatabaseIfExists(ctx); err != nil {
			return err
		}
	}
	if err := m.api.CreateDatabase(ctx, m.base.Database, sourceDB); err != nil {
		return err
	}
	if disableIVM {
		m.logger.Info("disabling IVM", "database", m.base.Database)
		_, err := m.api.Execute(ctx, m.RaiConfig(""), query.DisableIVM, rai.ExecOptions{ReadOnly: false})
		return err
	}
	return nil
}

// DeleteDatabaseIfExists deletes the workflow database when present.
func (m *Manager) DeleteDatabaseIfExists(ctx context.Context) error {
	exists, err := m.api.DatabaseExists(ctx, m.base.Database)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return m.api.DeleteDatabase(ctx, m.base.Database)
}

// CleanupEngines deletes every managed engine, the default included.
func (m *Manager) CleanupEngines(ctx context.Context) error {
	m.mu.Lock()
	engines := make([]EngineMeta, 0, len(m.engines))
	for _, meta := range m.engines {
		engines = append(engines, meta)
	}
	m.mu.Unlock()

	var firstErr error
	for _, meta := range engines {
		if err := m.api.DeleteEngineWait(ctx, meta.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("failed to delete engine during cleanup", "engine", meta.Name, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.engines, meta.Size)
		metrics.EnginesManaged.Set(float64(len(m.engines)))
		m.mu.Unlock()
	}
	return firstErr
}

// CleanupResources deletes the database and every managed engine.
func (m *Manager) CleanupResources(ctx context.Context) error {
	if err := m.api.DeleteDatabase(ctx, m.base.Database); err != nil {
		m.logger.Warn("failed to delete database during cleanup", "database", m.base.Database, "error", err)
	}
	return m.CleanupEngines(ctx)
}

func normalizeSize(size string) string {
	if size == "" {
		return "XS"
	}
	return strings.ToUpper(size)
}

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

// Package config loads the environment TOML file that describes the remote
// compute account and the storage containers available to a batch run.
//
// The environment file is loaded once at startup and never mutated after.
// Steps receive the resulting EnvConfig by value through the executor.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/tombee/batchflow/pkg/errors"
)

// ContainerType identifies a storage backend kind.
type ContainerType string

const (
	// ContainerTypeLocal is a directory on the local filesystem.
	ContainerTypeLocal ContainerType = "local"
	// ContainerTypeAzure is an Azure blob storage container.
	ContainerTypeAzure ContainerType = "azure"
	// ContainerTypeSnowflake is a Snowflake database schema.
	ContainerTypeSnowflake ContainerType = "snowflake"
)

// Valid reports whether the container type is one of the supported backends.
func (t ContainerType) Valid() bool {
	switch t {
	case ContainerTypeLocal, ContainerTypeAzure, ContainerTypeSnowflake:
		return true
	}
	return false
}

// Container describes one storage backend available to sources and exports.
// Fields beyond Name and Type are backend specific; unused ones stay empty.
type Container struct {
	Name string        `toml:"name"`
	Type ContainerType `toml:"type"`

	// DataPath is the root path for local and azure containers.
	DataPath string `toml:"data_path"`

	// Azure parameters.
	Account   string `toml:"account"`
	Container string `toml:"container"`
	SAS       string `toml:"sas"`

	// Snowflake parameters. Account doubles as the Snowflake account when
	// Type is snowflake; the Snowflake database is named by Database.
	User      string `toml:"user"`
	Password  string `toml:"password"`
	Role      string `toml:"role"`
	Warehouse string `toml:"warehouse"`
	Database  string `toml:"database"`
	Schema    string `toml:"schema"`
}

// EnvConfig is the process-wide environment configuration. It is read-only
// after Load returns.
type EnvConfig struct {
	RaiProfile                     string `toml:"rai_profile"`
	RaiProfilePath                 string `toml:"rai_profile_path"`
	RaiSDKHTTPRetries              int    `toml:"rai_sdk_http_retries"`
	FailOnMultipleWriteTxnInFlight bool   `toml:"fail_on_multiple_write_txn_in_flight"`

	// SemanticSearchBaseURL is the coordinator endpoint. The key keeps the
	// historical spelling used by existing environment files.
	SemanticSearchBaseURL   string `toml:"sematic_search_base_url"`
	SemanticSearchPodPrefix string `toml:"semantic_search_pod_prefix"`
	RaiCloudAccount         string `toml:"rai_cloud_account"`

	Containers []Container `toml:"container"`

	containerByName map[string]Container
}

// Defaults applied when the environment file omits a key.
const (
	DefaultRaiProfile     = "default"
	DefaultRaiProfilePath = "~/.rai/config"
	DefaultHTTPRetries    = 3
)

// Load reads and validates the environment TOML file at path.
func Load(path string) (*EnvConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Reason: fmt.Sprintf("failed to read environment config %q", path), Cause: err}
	}
	return Parse(data)
}

// Parse decodes and validates environment TOML content.
func Parse(data []byte) (*EnvConfig, error) {
	cfg := &EnvConfig{
		RaiProfile:        DefaultRaiProfile,
		RaiProfilePath:    DefaultRaiProfilePath,
		RaiSDKHTTPRetries: DefaultHTTPRetries,
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &errors.ConfigError{Reason: "failed to parse environment config", Cause: err}
	}

	if cfg.RaiSDKHTTPRetries < 0 {
		return nil, &errors.ConfigError{Key: "rai_sdk_http_retries", Reason: "must be >= 0"}
	}

	cfg.containerByName = make(map[string]Container, len(cfg.Containers))
	for _, c := range cfg.Containers {
		if c.Name == "" {
			return nil, &errors.ConfigError{Key: "container.name", Reason: "container requires a name"}
		}
		if !c.Type.Valid() {
			return nil, &errors.ConfigError{
				Key:    "container.type",
				Reason: fmt.Sprintf("unsupported container type %q for container %q", c.Type, c.Name),
			}
		}
		if _, dup := cfg.containerByName[c.Name]; dup {
			return nil, &errors.ConfigError{
				Key:    "container.name",
				Reason: fmt.Sprintf("duplicate container %q", c.Name),
			}
		}
		cfg.containerByName[c.Name] = c
	}

	return cfg, nil
}

// Container looks up a container by name.
func (c *EnvConfig) Container(name string) (Container, error) {
	container, ok := c.containerByName[name]
	if !ok {
		return Container{}, &errors.NotFoundError{Resource: "container", ID: name}
	}
	return container, nil
}

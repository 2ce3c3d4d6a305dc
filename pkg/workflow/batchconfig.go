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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/batchflow/pkg/errors"
)

// ReadBatchConfig loads a batch configuration document from path. YAML
// documents are normalized to JSON; the remote rule system only consumes
// JSON. The document must contain a top-level "workflow" list.
func ReadBatchConfig(path, name string) (BatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BatchConfig{}, &errors.ConfigError{Key: "batch-config", Reason: "failed to read batch config", Cause: err}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return BatchConfig{}, &errors.ConfigError{Key: "batch-config", Reason: "invalid YAML batch config", Cause: err}
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return BatchConfig{}, &errors.ConfigError{Key: "batch-config", Reason: "failed to normalize batch config", Cause: err}
		}
	}

	var doc struct {
		Workflow []json.RawMessage `json:"workflow"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return BatchConfig{}, &errors.ConfigError{Key: "batch-config", Reason: "invalid JSON batch config", Cause: err}
	}
	if len(doc.Workflow) == 0 {
		return BatchConfig{}, &errors.ConfigError{Key: "batch-config", Reason: "batch config has no workflow steps"}
	}

	return BatchConfig{Name: name, Content: bytes.TrimSpace(data)}, nil
}

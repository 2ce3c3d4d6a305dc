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

package rai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// InstallModels installs (or replaces) the given rule models in the database.
// Model sources travel as query inputs so their contents never need escaping.
func (c *Client) InstallModels(ctx context.Context, cfg Config, models map[string]string) error {
	if len(models) == 0 {
		return nil
	}
	c.logger.Info("installing models", "count", len(models))

	// Deterministic order keeps the generated query stable for a given set.
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	inputs := make(map[string]string, len(models))
	var query strings.Builder
	for i, name := range names {
		inputName := fmt.Sprintf("input_%s_%d", nonce, i)
		fmt.Fprintf(&query, "def delete:rel:catalog:model[%q] = rel:catalog:model[%q]\n", name, name)
		fmt.Fprintf(&query, "def insert:rel:catalog:model[%q] = %s\n", name, inputName)
		inputs[inputName] = models[name]
	}

	_, err := c.Execute(ctx, cfg, query.String(), ExecOptions{ReadOnly: false, Inputs: inputs})
	return err
}

// LoadJSON inserts a JSON document into the given relation.
func (c *Client) LoadJSON(ctx context.Context, cfg Config, relation, jsonData string) error {
	c.logger.Info("loading json", "relation", relation)
	query := fmt.Sprintf("def config:data = data\ndef insert:%s = load_json[config]", relation)
	_, err := c.Execute(ctx, cfg, query, ExecOptions{ReadOnly: false, Inputs: map[string]string{"data": jsonData}})
	return err
}

// outputJSONQuery renders a relation as a JSON string output.
func outputJSONQuery(relation string) string {
	return fmt.Sprintf("def output = json_string[%s]", relation)
}

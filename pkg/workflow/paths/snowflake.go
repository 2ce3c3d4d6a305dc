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

package paths

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/batchflow/internal/config"
)

// Snowflake resolves a source to a single fully qualified table name.
// Table contents are ingested through a server-side data stream, so there is
// nothing to enumerate here.
type Snowflake struct {
	database string
	schema   string
}

// NewSnowflake creates a builder for the given snowflake container.
func NewSnowflake(container config.Container) *Snowflake {
	return &Snowflake{database: container.Database, schema: container.Schema}
}

// Build implements Builder. The relative path names the table.
func (s *Snowflake) Build(ctx context.Context, logger *slog.Logger, days []string, relativePath string, extensions []string, isDatePartitioned bool) ([]FileMetadata, error) {
	if isDatePartitioned && len(days) == 0 {
		return nil, nil
	}
	table := fmt.Sprintf("%s.%s.%s", s.database, s.schema, relativePath)
	logger.Debug("resolved snowflake table", "table", table)
	return []FileMetadata{{Path: table}}, nil
}

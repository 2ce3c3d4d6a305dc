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

// Package paths enumerates the concrete files behind a source declaration.
//
// A builder resolves a relative path against one storage backend: a local
// directory, an azure blob container, or a snowflake schema. Date-partitioned
// sources live in per-day folders named "data_dt=YYYYMMDD"; each file found
// under such a folder is tagged with the partition date.
package paths

import (
	"context"
	"log/slog"
	"strings"
)

// DatePrefix is the literal folder prefix of a date partition.
const DatePrefix = "data_dt="

// FileMetadata describes one resolved file or table.
type FileMetadata struct {
	// Path is the backend-specific URI or filesystem path.
	Path string

	// Size is the file size in bytes when the backend reports it, else 0.
	Size int64

	// AsOfDate is the partition day "YYYYMMDD" for date-partitioned sources,
	// empty otherwise.
	AsOfDate string
}

// Builder enumerates the files of one source.
//
// When isDatePartitioned is set, days holds the partition days to scan; an
// empty days list yields an empty result. An empty result is never an error:
// callers log a warning and continue.
type Builder interface {
	Build(ctx context.Context, logger *slog.Logger, days []string, relativePath string, extensions []string, isDatePartitioned bool) ([]FileMetadata, error)
}

// matchesExtensions reports whether name ends in any of the given extensions.
// Extensions are stored without a leading dot ("csv", "csv.gz").
func matchesExtensions(name string, extensions []string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(name, "."+strings.TrimPrefix(ext, ".")) {
			return true
		}
	}
	return false
}

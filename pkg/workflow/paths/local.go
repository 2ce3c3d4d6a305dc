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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Local enumerates files under a directory on the local filesystem.
type Local struct {
	dataPath string
}

// NewLocal creates a local builder rooted at dataPath.
func NewLocal(dataPath string) *Local {
	return &Local{dataPath: dataPath}
}

// Build implements Builder.
func (l *Local) Build(ctx context.Context, logger *slog.Logger, days []string, relativePath string, extensions []string, isDatePartitioned bool) ([]FileMetadata, error) {
	root := filepath.Join(l.dataPath, relativePath)

	var files []FileMetadata
	if isDatePartitioned {
		for _, day := range days {
			folder := filepath.Join(root, DatePrefix+day)
			entries, err := l.listFolder(folder, extensions)
			if err != nil {
				return nil, err
			}
			for i := range entries {
				entries[i].AsOfDate = day
			}
			files = append(files, entries...)
		}
	} else {
		entries, err := l.listFolder(root, extensions)
		if err != nil {
			return nil, err
		}
		files = entries
	}

	if len(files) == 0 {
		logger.Warn("no files found", "path", root, "date_partitioned", isDatePartitioned)
	}
	return files, nil
}

// listFolder returns the matching files of one folder in name order.
// A missing folder is empty, not an error.
func (l *Local) listFolder(folder string, extensions []string) ([]FileMetadata, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileMetadata
	for _, entry := range entries {
		if entry.IsDir() || !matchesExtensions(entry.Name(), extensions) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(folder, entry.Name()))
		if err != nil {
			return nil, err
		}
		meta := FileMetadata{Path: abs}
		if info, err := entry.Info(); err == nil {
			meta.Size = info.Size()
		}
		files = append(files, meta)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

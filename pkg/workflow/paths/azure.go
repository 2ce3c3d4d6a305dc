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

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/tombee/batchflow/internal/config"
)

// blobPageSize bounds one list-blobs page.
const blobPageSize = 500

// AzureBlob enumerates blobs under a prefix in one azure storage container.
type AzureBlob struct {
	client    *azblob.Client
	account   string
	container string
	dataPath  string
}

// NewAzureBlob creates a builder for the given azure container, authenticated
// with the container's SAS token.
func NewAzureBlob(container config.Container) (*AzureBlob, error) {
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/?%s", container.Account, container.SAS)
	client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client for %q: %w", container.Name, err)
	}
	return &AzureBlob{
		client:    client,
		account:   container.Account,
		container: container.Container,
		dataPath:  container.DataPath,
	}, nil
}

// Build implements Builder.
func (a *AzureBlob) Build(ctx context.Context, logger *slog.Logger, days []string, relativePath string, extensions []string, isDatePartitioned bool) ([]FileMetadata, error) {
	root := fmt.Sprintf("%s/%s", a.dataPath, relativePath)
	logger.Info("listing blob import path", "path", root)

	var files []FileMetadata
	if isDatePartitioned {
		for _, day := range days {
			prefix := fmt.Sprintf("%s/%s%s", root, DatePrefix, day)
			entries, err := a.listPrefix(ctx, logger, prefix, extensions)
			if err != nil {
				return nil, err
			}
			for i := range entries {
				entries[i].AsOfDate = day
			}
			files = append(files, entries...)
		}
	} else {
		entries, err := a.listPrefix(ctx, logger, root, extensions)
		if err != nil {
			return nil, err
		}
		files = entries
	}

	if len(files) == 0 {
		logger.Warn("no blobs found", "path", root, "date_partitioned", isDatePartitioned)
	}
	return files, nil
}

// listPrefix pages through the blobs under a prefix.
func (a *AzureBlob) listPrefix(ctx context.Context, logger *slog.Logger, prefix string, extensions []string) ([]FileMetadata, error) {
	logger.Debug("listing blobs", "prefix", prefix)

	maxResults := int32(blobPageSize)
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix:     &prefix,
		MaxResults: &maxResults,
	})

	var files []FileMetadata
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing blobs under %q: %w", prefix, err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name == nil {
				continue
			}
			name := *blob.Name
			if !matchesExtensions(name, extensions) {
				logger.Debug("skip unsupported blob", "blob", name)
				continue
			}
			meta := FileMetadata{
				Path: fmt.Sprintf("azure://%s.blob.core.windows.net/%s/%s", a.account, a.container, name),
			}
			if blob.Properties != nil && blob.Properties.ContentLength != nil {
				meta.Size = *blob.Properties.ContentLength
			}
			files = append(files, meta)
		}
	}
	return files, nil
}

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
	"net/http"
)

// Database is the remote database descriptor.
type Database struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type databaseRequest struct {
	Name string `json:"name"`
	// Source names a database to clone from, when set.
	Source string `json:"source_name,omitempty"`
}

type databaseResponse struct {
	Database Database `json:"database"`
}

// DatabaseExists reports whether the named database exists.
func (c *Client) DatabaseExists(ctx context.Context, name string) (bool, error) {
	c.logger.Info("check if database exists", "database", name)
	var rsp databaseResponse
	err := c.do(ctx, http.MethodGet, "/databases/"+name, nil, nil, &rsp)
	if err != nil {
		if statusCodeOf(err) == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDatabase creates a database, optionally cloning from sourceDB.
// A 409 Conflict is swallowed: the database already exists and the run
// proceeds against it.
func (c *Client) CreateDatabase(ctx context.Context, name, sourceDB string) error {
	c.logger.Info("creating database", "database", name)
	if sourceDB != "" {
		c.logger.Info("using database for clone", "source", sourceDB)
	}
	err := c.do(ctx, http.MethodPut, "/databases", nil, databaseRequest{Name: name, Source: sourceDB}, nil)
	if err != nil && statusCodeOf(err) == http.StatusConflict {
		c.logger.Info("database already exists", "database", name)
		return nil
	}
	return err
}

// DeleteDatabase deletes the named database.
func (c *Client) DeleteDatabase(ctx context.Context, name string) error {
	c.logger.Info("deleting database", "database", name)
	return c.do(ctx, http.MethodDelete, "/databases/"+name, nil, nil, nil)
}

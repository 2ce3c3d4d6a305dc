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
	"net/http"

	"github.com/tombee/batchflow/pkg/retry"
)

// Engine is the remote compute instance descriptor.
type Engine struct {
	Name  string `json:"name"`
	Size  string `json:"size"`
	State string `json:"state"`
}

type engineRequest struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

type engineResponse struct {
	Engine Engine `json:"engine"`
}

// GetEngine fetches an engine descriptor. Returns ok=false when the engine
// does not exist.
func (c *Client) GetEngine(ctx context.Context, name string) (Engine, bool, error) {
	var rsp engineResponse
	err := c.do(ctx, http.MethodGet, "/engines/"+name, nil, nil, &rsp)
	if err != nil {
		if statusCodeOf(err) == http.StatusNotFound {
			return Engine{}, false, nil
		}
		return Engine{}, false, err
	}
	return rsp.Engine, true, nil
}

// EngineExists reports whether the named engine exists.
func (c *Client) EngineExists(ctx context.Context, name string) (bool, error) {
	c.logger.Info("check if engine exists", "engine", name)
	_, ok, err := c.GetEngine(ctx, name)
	return ok, err
}

// CreateEngineWait creates an engine of the given size and waits until
// provisioning finishes.
func (c *Client) CreateEngineWait(ctx context.Context, name, size string) error {
	c.logger.Info("creating engine", "engine", name, "size", size)
	if err := c.do(ctx, http.MethodPut, "/engines", nil, engineRequest{Name: name, Size: size}, nil); err != nil {
		return err
	}

	return retry.Poll(ctx, retry.Options{
		Operation:    fmt.Sprintf("engine %s provisioning", name),
		OverheadRate: engineDeleteRate,
		Timeout:      engineDeleteTimeout,
	}, func(ctx context.Context) (bool, error) {
		engine, ok, err := c.GetEngine(ctx, name)
		if err != nil {
			return false, err
		}
		return ok && engine.State == "PROVISIONED", nil
	})
}

// DeleteEngineWait deletes an engine and polls until it is gone. A missing
// engine is tolerated so cleanup stays idempotent.
func (c *Client) DeleteEngineWait(ctx context.Context, name string) error {
	c.logger.Info("deleting engine", "engine", name)
	if err := c.do(ctx, http.MethodDelete, "/engines/"+name, nil, nil, nil); err != nil {
		if statusCodeOf(err) != http.StatusNotFound {
			return err
		}
	}

	return retry.Poll(ctx, retry.Options{
		Operation:    fmt.Sprintf("engine %s deletion", name),
		OverheadRate: engineDeleteRate,
		Timeout:      engineDeleteTimeout,
	}, func(ctx context.Context) (bool, error) {
		_, ok, err := c.GetEngine(ctx, name)
		if err != nil {
			return false, err
		}
		return !ok, nil
	})
}

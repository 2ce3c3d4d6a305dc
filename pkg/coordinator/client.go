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

// Package coordinator implements the client for the remote workflow
// coordinator. The coordinator holds each workflow as a Petri net and is the
// single source of truth for which transitions are legal; this client never
// fabricates transitions, it only reads and fires them.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/httpclient"
	"github.com/tombee/batchflow/pkg/retry"
)

// TransitionType classifies a Petri-net transition.
type TransitionType string

const (
	// TransitionStart begins a step.
	TransitionStart TransitionType = "Start"
	// TransitionConfirm records a successful step.
	TransitionConfirm TransitionType = "Confirm"
	// TransitionFail records a failed step.
	TransitionFail TransitionType = "Fail"
	// TransitionRetry re-enables a previously failed step.
	TransitionRetry TransitionType = "Retry"
)

// Transition is one enabled or fired Petri-net transition.
type Transition struct {
	WorkflowID string         `json:"workflowId"`
	Step       string         `json:"step"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       TransitionType `json:"type"`
}

// TokenProvider supplies bearer tokens for the coordinator tenant.
type TokenProvider interface {
	AccessToken() (string, error)
}

// Client talks to the coordinator REST API.
type Client struct {
	baseURL   string
	account   string
	podPrefix string
	http      *http.Client
	tokens    TokenProvider
	logger    *slog.Logger
}

// New creates a coordinator client for one tenant account.
func New(baseURL, account, podPrefix string, tokens TokenProvider, httpRetries int, logger *slog.Logger) (*Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = httpRetries
	httpClient, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:   baseURL,
		account:   account,
		podPrefix: podPrefix,
		http:      httpClient,
		tokens:    tokens,
		logger:    logger,
	}, nil
}

// Startup starts the coordinator layer service and waits until the startup
// has completed.
func (c *Client) Startup(ctx context.Context) error {
	var rsp struct {
		StartupID string `json:"startupId"`
	}
	endpoint := fmt.Sprintf("semantic-search/v1alpha1/%s/startup?pods=1&disableWarmup=true", c.account)
	if err := c.post(ctx, endpoint, nil, &rsp); err != nil {
		return err
	}
	if rsp.StartupID == "" {
		return errors.New("coordinator startup wasn't triggered")
	}

	return retry.Poll(ctx, retry.Options{
		Operation:    "coordinator startup",
		OverheadRate: 0.5,
		Timeout:      30 * time.Minute,
	}, func(ctx context.Context) (bool, error) {
		var result struct {
			IsStartupInProgress bool `json:"isStartupInProgress"`
		}
		endpoint := fmt.Sprintf("semantic-search/v1alpha1/%s/startupResult?id=%s", c.account, rsp.StartupID)
		if err := c.get(ctx, endpoint, &result); err != nil {
			return false, err
		}
		return !result.IsStartupInProgress, nil
	})
}

// CreateWorkflow registers a batch config as a workflow and returns the
// workflow identity.
func (c *Client) CreateWorkflow(ctx context.Context, batchConfig []byte) (string, error) {
	var rsp struct {
		WorkflowID string `json:"workflowId"`
	}
	endpoint := fmt.Sprintf("semantic-search/v1alpha1/%s/workflows", c.account)
	if err := c.post(ctx, endpoint, batchConfig, &rsp); err != nil {
		return "", err
	}
	return rsp.WorkflowID, nil
}

// ActivateWorkflow places the initial marking for a fresh run.
func (c *Client) ActivateWorkflow(ctx context.Context, workflowID string) error {
	endpoint := fmt.Sprintf("semantic-search/v1alpha1/%s/workflows/%s/activate", c.account, workflowID)
	return c.post(ctx, endpoint, nil, nil)
}

// GetEnabledTransitions reads the currently enabled transitions.
func (c *Client) GetEnabledTransitions(ctx context.Context, workflowID string) ([]Transition, error) {
	var transitions []Transition
	endpoint := fmt.Sprintf("semantic-search/v1alpha1/%s/workflows/%s/transitions/enabled", c.account, workflowID)
	if err := c.get(ctx, endpoint, &transitions); err != nil {
		return nil, err
	}
	return transitions, nil
}

// FireTransitions fires the given transitions in order and returns the new
// set of enabled transitions.
func (c *Client) FireTransitions(ctx context.Context, workflowID string, transitions []Transition) ([]Transition, error) {
	body, err := json.Marshal(transitions)
	if err != nil {
		return nil, errors.Wrap(err, "encoding transitions")
	}
	var enabled []Transition
	endpoint := fmt.Sprintf("semantic-search/v1alpha1/%s/workflows/%s/transitions/fire", c.account, workflowID)
	if err := c.post(ctx, endpoint, body, &enabled); err != nil {
		return nil, err
	}
	return enabled, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	return c.request(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, out any) error {
	return c.request(ctx, http.MethodPost, endpoint, body, out)
}

func (c *Client) request(ctx context.Context, method, endpoint string, body []byte, out any) error {
	u := fmt.Sprintf("%s/%s", c.baseURL, endpoint)

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return &errors.TransportError{Method: method, URL: endpoint, Cause: err}
	}

	token, err := c.tokens.AccessToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Pod-Prefix", c.podPrefix)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.TransportError{Method: method, URL: endpoint, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errors.TransportError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("%s", bytes.TrimSpace(data)),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &errors.TransportError{Method: method, URL: endpoint, Cause: errors.Wrap(err, "decoding response")}
		}
	}
	return nil
}

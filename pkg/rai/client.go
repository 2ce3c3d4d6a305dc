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

// Package rai implements the client for the remote relational compute
// service: transaction submission and polling, result extraction, and
// engine and database lifecycle.
//
// Query strings are opaque to this package. They are produced by callers
// (see pkg/workflow/query) and submitted verbatim.
package rai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/httpclient"
)

// Options configures a Client.
type Options struct {
	// HTTPRetries is the transport-level retry count (rai_sdk_http_retries).
	HTTPRetries int

	// FailOnMultipleWriteTxnInFlight enables the client-side guard against
	// submitting a second write transaction to an engine that already has one
	// running.
	FailOnMultipleWriteTxnInFlight bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to the remote compute service REST API. It is safe for
// concurrent use by multiple workflow steps.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  *slog.Logger

	failOnConcurrentWrite bool

	mu             sync.Mutex
	writesInFlight map[string]bool
}

// NewClient builds a Client from a credential profile.
func NewClient(profile *Profile, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.RetryAttempts = opts.HTTPRetries
	httpClient, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, err
	}

	cc := &clientcredentials.Config{
		ClientID:     profile.ClientID,
		ClientSecret: profile.ClientSecret,
		TokenURL:     profile.ClientCredentialsURL,
		EndpointParams: url.Values{
			"audience": {fmt.Sprintf("https://%s", profile.Host)},
		},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &Client{
		baseURL:               fmt.Sprintf("https://%s", profile.Host),
		http:                  httpClient,
		tokens:                oauth2.ReuseTokenSource(nil, cc.TokenSource(tokenCtx)),
		logger:                logger,
		failOnConcurrentWrite: opts.FailOnMultipleWriteTxnInFlight,
		writesInFlight:        make(map[string]bool),
	}, nil
}

// AccessToken returns a valid bearer token for the remote account. Shared
// with the coordinator client, which authenticates against the same tenant.
func (c *Client) AccessToken() (string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return "", errors.Wrap(err, "fetching access token")
	}
	return token.AccessToken, nil
}

// Config binds a client to one (engine, database) compute context.
// It is a small value type; rebinding the engine is a field copy.
type Config struct {
	Client   *Client
	Engine   string
	Database string
}

// WithEngine returns a copy of the config bound to a different engine.
func (c Config) WithEngine(engine string) Config {
	c.Engine = engine
	return c
}

// beginWrite reserves the engine for a write transaction when the
// concurrent-write guard is enabled. The returned release function must be
// called once the transaction reaches a terminal state.
func (c *Client) beginWrite(engine string) (func(), error) {
	if !c.failOnConcurrentWrite {
		return func() {}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writesInFlight[engine] {
		return nil, &errors.ConcurrentWriteError{Engine: engine}
	}
	c.writesInFlight[engine] = true
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.writesInFlight, engine)
	}, nil
}

// do executes one JSON request against the API. The response body is decoded
// into out when out is non-nil. Transport and non-2xx failures are wrapped
// with method and URL context.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return &errors.TransportError{Method: method, URL: path, Cause: err}
	}
	token, err := c.AccessToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.TransportError{Method: method, URL: path, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errors.TransportError{
			Method:     method,
			URL:        path,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("%s", bytes.TrimSpace(data)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &errors.TransportError{Method: method, URL: path, Cause: errors.Wrap(err, "decoding response")}
		}
	}
	return nil
}

// statusCodeOf extracts the HTTP status from a transport error, or 0.
func statusCodeOf(err error) int {
	var terr *errors.TransportError
	if errors.As(err, &terr) {
		return terr.StatusCode
	}
	return 0
}

// engine provisioning and deletion polls use these bounds.
const (
	engineDeleteTimeout = 10 * time.Minute
	engineDeleteRate    = 0.2
)

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
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/tombee/batchflow/internal/metrics"
	"github.com/tombee/batchflow/pkg/errors"
	"github.com/tombee/batchflow/pkg/retry"
)

// Transaction is the remote transaction envelope.
type Transaction struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Problem is a diagnostic attached to a transaction. Non-error problems are
// logged as warnings; error-class problems fail the transaction unless the
// caller opts into ignoring them.
type Problem struct {
	Type        string `json:"type"`
	ErrorCode   string `json:"error_code"`
	IsError     bool   `json:"is_error"`
	IsException bool   `json:"is_exception"`
	Message     string `json:"message"`
	Report      string `json:"report"`
}

// Result is one output relation of a transaction. Columns are keyed v1..vN
// in relation order.
type Result struct {
	RelationID string           `json:"relationId"`
	Table      map[string][]any `json:"table"`
}

// Response carries everything fetched for a terminal transaction.
type Response struct {
	Transaction Transaction `json:"transaction"`
	Results     []Result    `json:"results"`
	Problems    []Problem   `json:"problems"`
}

// ExecOptions controls one query execution.
type ExecOptions struct {
	// ReadOnly selects the transaction access mode.
	ReadOnly bool

	// IgnoreProblems suppresses error-class problems. The transaction state
	// must still be COMPLETED.
	IgnoreProblems bool

	// Inputs are named string inputs referenced by the query.
	Inputs map[string]string
}

// transactionRequest is the wire form of a transaction submission.
type transactionRequest struct {
	Database string            `json:"dbname"`
	Engine   string            `json:"engine_name"`
	Query    string            `json:"query"`
	ReadOnly bool              `json:"readonly"`
	Inputs   map[string]string `json:"v1_inputs,omitempty"`
}

// terminal transaction states.
const (
	txnCompleted = "COMPLETED"
	txnAborted   = "ABORTED"
)

func isTerminalState(state string) bool {
	return state == txnCompleted || state == txnAborted
}

// Execute submits a query to (database, engine), waits for a terminal state
// and returns the full response. The fast path returns immediately when the
// service answers synchronously. Polling overhead is bounded at 20% of the
// transaction duration.
func (c *Client) Execute(ctx context.Context, cfg Config, query string, opts ExecOptions) (*Response, error) {
	mode := "read"
	if !opts.ReadOnly {
		mode = "write"
		release, err := c.beginWrite(cfg.Engine)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	c.logger.Info("execute query",
		"database", cfg.Database,
		"engine", cfg.Engine,
		"readonly", opts.ReadOnly,
	)

	var submitted Response
	err := c.do(ctx, http.MethodPost, "/transactions", nil, transactionRequest{
		Database: cfg.Database,
		Engine:   cfg.Engine,
		Query:    query,
		ReadOnly: opts.ReadOnly,
		Inputs:   opts.Inputs,
	}, &submitted)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues(mode, "transport_error").Inc()
		return nil, err
	}

	txnID := submitted.Transaction.ID
	c.logger.Info("execute query: transaction submitted", "txn_id", txnID, "state", submitted.Transaction.State)

	rsp := &submitted
	if !isTerminalState(submitted.Transaction.State) || submitted.Results == nil {
		rsp, err = c.awaitTransaction(ctx, txnID)
		if err != nil {
			metrics.TransactionsTotal.WithLabelValues(mode, "transport_error").Inc()
			return nil, err
		}
	}

	if err := c.assertProblems(rsp, opts.IgnoreProblems); err != nil {
		metrics.TransactionsTotal.WithLabelValues(mode, "failed").Inc()
		return rsp, err
	}
	metrics.TransactionsTotal.WithLabelValues(mode, "completed").Inc()
	return rsp, nil
}

// awaitTransaction polls a transaction to a terminal state and fetches its
// results and problems.
func (c *Client) awaitTransaction(ctx context.Context, txnID string) (*Response, error) {
	c.logger.Info("execute query: polling transaction", "txn_id", txnID)

	var txn Transaction
	err := retry.Poll(ctx, retry.Options{
		Operation:    fmt.Sprintf("transaction %s", txnID),
		OverheadRate: 0.2,
	}, func(ctx context.Context) (bool, error) {
		if err := c.do(ctx, http.MethodGet, "/transactions/"+txnID, nil, nil, &txn); err != nil {
			return false, err
		}
		return isTerminalState(txn.State), nil
	})
	if err != nil {
		return nil, err
	}

	rsp := &Response{Transaction: txn}
	if err := c.do(ctx, http.MethodGet, "/transactions/"+txnID+"/results", nil, nil, &rsp.Results); err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodGet, "/transactions/"+txnID+"/problems", nil, nil, &rsp.Problems); err != nil {
		return nil, err
	}
	return rsp, nil
}

// assertProblems logs all problems and converts an unsuccessful transaction
// into a TransactionError. ignoreProblems suppresses error-class problems
// only; a non-completed state always fails.
func (c *Client) assertProblems(rsp *Response, ignoreProblems bool) error {
	hasError := false
	for _, p := range rsp.Problems {
		if p.IsError || p.IsException {
			hasError = true
			c.logger.Error("transaction problem", "txn_id", rsp.Transaction.ID, "type", p.Type, "message", p.Message, "report", p.Report)
		} else {
			c.logger.Warn("transaction problem", "txn_id", rsp.Transaction.ID, "type", p.Type, "message", p.Message)
		}
	}
	if rsp.Transaction.State != txnCompleted || (hasError && !ignoreProblems) {
		return &errors.TransactionError{
			ID:          rsp.Transaction.ID,
			State:       rsp.Transaction.State,
			HasProblems: hasError,
		}
	}
	return nil
}

// outputRelationPattern matches CSV string outputs: /:output/:<name>/String.
var outputRelationPattern = regexp.MustCompile(`^/:output/:(.*)/String$`)

// ExecuteRelationJSON reads a relation rendered as a JSON string by the
// remote rule system and unmarshals it into out.
func (c *Client) ExecuteRelationJSON(ctx context.Context, cfg Config, relation string, ignoreProblems bool, out any) error {
	rsp, err := c.Execute(ctx, cfg, outputJSONQuery(relation), ExecOptions{ReadOnly: true, IgnoreProblems: ignoreProblems})
	if err != nil {
		return err
	}
	raw, ok := firstString(rsp)
	if !ok {
		// An absent relation renders as no results. Callers treat that as an
		// empty document.
		return nil
	}
	return errors.Wrapf(json.Unmarshal([]byte(raw), out), "parsing relation %s", relation)
}

// ExecuteQueryCSV executes a query whose outputs are csv_string relations and
// returns them keyed by relation name.
func (c *Client) ExecuteQueryCSV(ctx context.Context, cfg Config, query string, ignoreProblems bool) (map[string]string, error) {
	rsp, err := c.Execute(ctx, cfg, query, ExecOptions{ReadOnly: true, IgnoreProblems: ignoreProblems})
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]string)
	for _, result := range rsp.Results {
		m := outputRelationPattern.FindStringSubmatch(result.RelationID)
		if m == nil {
			continue
		}
		if vals := result.Table["v1"]; len(vals) > 0 {
			if s, ok := vals[0].(string); ok {
				outputs[m[1]] = s
			}
		}
	}
	return outputs, nil
}

// ExecuteTakeSingle executes a query and returns the first value of the first
// result, or nil when the query produced no results.
func (c *Client) ExecuteTakeSingle(ctx context.Context, cfg Config, query string, readonly bool) (any, error) {
	rsp, err := c.Execute(ctx, cfg, query, ExecOptions{ReadOnly: readonly})
	if err != nil {
		return nil, err
	}
	if v, ok := firstValue(rsp); ok {
		return v, nil
	}
	c.logger.Info("query returned no results")
	return nil, nil
}

// firstValue returns the first value of the first result table.
func firstValue(rsp *Response) (any, bool) {
	if len(rsp.Results) == 0 {
		return nil, false
	}
	vals := rsp.Results[0].Table["v1"]
	if len(vals) == 0 {
		return nil, false
	}
	return vals[0], true
}

// firstString returns the first value of the first result as a string.
func firstString(rsp *Response) (string, bool) {
	v, ok := firstValue(rsp)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

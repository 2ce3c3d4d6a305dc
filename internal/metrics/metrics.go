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

// Package metrics exposes Prometheus instrumentation for batch runs.
//
// A batch run is short lived, so metrics are only served when the operator
// passes --metrics-addr; long-running deployments scrape the endpoint while
// a workflow is in flight.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StepDuration tracks wall-clock execution time per workflow step.
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchflow_step_duration_seconds",
			Help:    "Workflow step execution time by step name",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"step"},
	)

	// StepsTotal counts terminal step outcomes.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchflow_steps_total",
			Help: "Total number of executed steps by terminal state",
		},
		[]string{"step", "state"},
	)

	// TransactionsTotal counts remote query transactions.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchflow_transactions_total",
			Help: "Total number of remote transactions by access mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// EnginesManaged gauges the number of currently managed engines.
	EnginesManaged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchflow_engines_managed",
			Help: "Number of remote engines currently managed by the resource manager",
		},
	)
)

// Register registers all batchflow collectors with the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(StepDuration, StepsTotal, TransactionsTotal, EnginesManaged)
}

// Serve registers the collectors on a fresh registry and serves them on addr
// in a background goroutine. Returns the server so the caller can shut it down.
func Serve(addr string) *http.Server {
	reg := prometheus.NewRegistry()
	Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

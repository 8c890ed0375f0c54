// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package metrics exposes the Prometheus counters and histograms recorded by
// the policy decision point. Every metric defined here is wired into a real
// call site; none is registered only for future use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saplpdp_decision_duration_seconds",
		Help:    "Latency of a full PDP.Decide call, from subscription to combined verdict",
		Buckets: prometheus.DefBuckets,
	})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saplpdp_decisions_total",
		Help: "Total number of authorization decisions by final verdict",
	}, []string{"verdict"})

	compileErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saplpdp_document_compile_errors_total",
		Help: "Total number of policy documents that failed to parse or compile",
	}, []string{"document_id"})

	obligationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saplpdp_obligation_enforcement_failures_total",
		Help: "Total number of decisions denied because an obligation could not be enforced",
	})

	documentsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saplpdp_documents_loaded",
		Help: "Current number of compiled policy documents held by the PDP",
	})
)

// RecordDecision observes one completed decision's latency and verdict.
func RecordDecision(duration time.Duration, verdict string) {
	decisionDuration.Observe(duration.Seconds())
	decisionsTotal.WithLabelValues(verdict).Inc()
}

// RecordCompileError counts a document that failed to parse or compile.
func RecordCompileError(documentID string) {
	compileErrorsTotal.WithLabelValues(documentID).Inc()
}

// RecordObligationFailure counts a decision that was denied because an
// obligation could not be enforced.
func RecordObligationFailure() {
	obligationFailuresTotal.Inc()
}

// SetDocumentsLoaded reports the current size of the PDP's compiled document
// index.
func SetDocumentsLoaded(n int) {
	documentsLoaded.Set(float64(n))
}

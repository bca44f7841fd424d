// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// experimentation engine.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the event
// ingest path, the evaluation loop, the allocation manager, and winner
// claims. Metrics include:
//   - Event counters (recorded vs rejected, with rejection reason)
//   - Evaluation counters and latency histograms
//   - Lifecycle transition counters
//   - Allocation rebalance and CAS-conflict counters
//   - Winner claim counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "bellwether"

// Subsystem for engine metrics
const engineSubsystem = "engine"

// EngineMetrics holds all Prometheus metrics for the experimentation engine.
//
// # Description
//
// Provides counters and histograms for monitoring the engine's hot paths.
// Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type EngineMetrics struct {
	// EventsRecordedTotal counts outcome events accepted into the
	// aggregation window. Labels: experiment_id
	EventsRecordedTotal *prometheus.CounterVec

	// EventsRejectedTotal counts rejected outcome events.
	// Labels: experiment_id, reason (out_of_window, unknown_variant,
	// unknown_experiment, validation)
	EventsRejectedTotal *prometheus.CounterVec

	// EvaluationsTotal counts evaluation passes by outcome.
	// Labels: status (success, error)
	EvaluationsTotal *prometheus.CounterVec

	// EvaluationDurationSeconds measures one evaluation pass end to end.
	EvaluationDurationSeconds prometheus.Histogram

	// TransitionsTotal counts lifecycle transitions.
	// Labels: from, to
	TransitionsTotal *prometheus.CounterVec

	// RebalancesTotal counts successful allocation writes.
	// Labels: strategy (phased, bandit)
	RebalancesTotal *prometheus.CounterVec

	// RebalanceConflictsTotal counts allocation CAS conflicts, including
	// retried ones.
	RebalanceConflictsTotal prometheus.Counter

	// WinnerClaimsTotal counts winner claim attempts.
	// Labels: status (applied, already_applied, no_winner)
	WinnerClaimsTotal *prometheus.CounterVec

	// ActiveExperiments tracks experiments currently in RUNNING or
	// READY_TO_COMPLETE.
	ActiveExperiments prometheus.Gauge
}

// DefaultMetrics is the singleton instance of EngineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *EngineMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup, after the Prometheus registry is available.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *EngineMetrics {
	DefaultMetrics = &EngineMetrics{
		EventsRecordedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "events_recorded_total",
				Help:      "Total outcome events accepted into aggregation",
			},
			[]string{"experiment_id"},
		),

		EventsRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "events_rejected_total",
				Help:      "Total outcome events rejected, by reason",
			},
			[]string{"experiment_id", "reason"},
		),

		EvaluationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "evaluations_total",
				Help:      "Total evaluation passes by outcome",
			},
			[]string{"status"},
		),

		EvaluationDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of one evaluation pass in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "transitions_total",
				Help:      "Total lifecycle transitions by from/to state",
			},
			[]string{"from", "to"},
		),

		RebalancesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "rebalances_total",
				Help:      "Total successful allocation writes by strategy",
			},
			[]string{"strategy"},
		),

		RebalanceConflictsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "rebalance_conflicts_total",
				Help:      "Total allocation compare-and-swap conflicts",
			},
		),

		WinnerClaimsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "winner_claims_total",
				Help:      "Total winner claim attempts by outcome",
			},
			[]string{"status"},
		),

		ActiveExperiments: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "active_experiments",
				Help:      "Experiments currently running or awaiting approval",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Rejection Reasons
// =============================================================================

// RejectReason categorizes why an outcome event was refused.
type RejectReason string

const (
	// RejectOutOfWindow indicates a timestamp outside the aggregation window.
	RejectOutOfWindow RejectReason = "out_of_window"

	// RejectUnknownVariant indicates a variant id not on the experiment.
	RejectUnknownVariant RejectReason = "unknown_variant"

	// RejectUnknownExperiment indicates an unknown experiment id.
	RejectUnknownExperiment RejectReason = "unknown_experiment"

	// RejectValidation indicates a malformed event payload.
	RejectValidation RejectReason = "validation"
)

// =============================================================================
// Helper Methods
// =============================================================================

// All helpers are nil-receiver safe so instrumented components accept a nil
// *EngineMetrics to disable instrumentation.

// RecordEvent counts one accepted outcome event.
func (m *EngineMetrics) RecordEvent(experimentID string) {
	if m == nil {
		return
	}
	m.EventsRecordedTotal.WithLabelValues(experimentID).Inc()
}

// RejectEvent counts one refused outcome event.
func (m *EngineMetrics) RejectEvent(experimentID string, reason RejectReason) {
	if m == nil {
		return
	}
	m.EventsRejectedTotal.WithLabelValues(experimentID, string(reason)).Inc()
}

// RecordEvaluation counts one evaluation pass and its duration.
func (m *EngineMetrics) RecordEvaluation(seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.EvaluationsTotal.WithLabelValues(status).Inc()
	m.EvaluationDurationSeconds.Observe(seconds)
}

// RecordTransition counts one lifecycle transition.
func (m *EngineMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRebalance counts one successful allocation write.
func (m *EngineMetrics) RecordRebalance(strategy string) {
	if m == nil {
		return
	}
	m.RebalancesTotal.WithLabelValues(strategy).Inc()
}

// RecordConflict counts one allocation compare-and-swap conflict.
func (m *EngineMetrics) RecordConflict() {
	if m == nil {
		return
	}
	m.RebalanceConflictsTotal.Inc()
}

// RecordClaim counts one winner claim attempt.
func (m *EngineMetrics) RecordClaim(status string) {
	if m == nil {
		return
	}
	m.WinnerClaimsTotal.WithLabelValues(status).Inc()
}

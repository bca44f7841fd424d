// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment defines the shared data model for the Bellwether
// experimentation engine: experiments, variants, outcome events, aggregated
// statistics, significance results, and winner records.
//
// The package holds types and sentinel errors only. Behavior lives in the
// subpackages (aggregator, stats, guardrail, allocation, lifecycle, decay,
// store) which all depend on this package and never on each other's
// internals beyond their published interfaces.
package experiment

import (
	"time"
)

// =============================================================================
// Enumerations
// =============================================================================

// Type identifies what an experiment varies. Each type maps to exactly one
// downstream consumer role (see ConsumerRole).
type Type string

const (
	TypeCaptionStyle  Type = "caption_style"
	TypeTimingSlots   Type = "timing_slots"
	TypePricePoints   Type = "price_points"
	TypeContentOrder  Type = "content_order"
	TypeFollowupDelay Type = "followup_delay"
)

// ConsumerRole returns the downstream consumer role entitled to claim a
// winner of this experiment type. Unknown types return "".
func (t Type) ConsumerRole() string {
	switch t {
	case TypeCaptionStyle:
		return "content-selection"
	case TypeTimingSlots:
		return "timing-selection"
	case TypePricePoints:
		return "price-selection"
	case TypeContentOrder:
		return "sequence-selection"
	case TypeFollowupDelay:
		return "delay-selection"
	default:
		return ""
	}
}

// Valid reports whether t is a known experiment type.
func (t Type) Valid() bool {
	return t.ConsumerRole() != ""
}

// Metric identifies a measurable outcome of an experiment.
type Metric string

const (
	// MetricConversionRate is the fraction of events with Converted=true.
	MetricConversionRate Metric = "conversion_rate"

	// MetricRevenuePerSend is the mean revenue per recorded event.
	MetricRevenuePerSend Metric = "revenue_per_send"

	// MetricOpenRate is a proportion metric; producers record an open as
	// Converted=true on the event stream for open-rate experiments.
	MetricOpenRate Metric = "open_rate"
)

// IsProportion reports whether the metric is tested with the two-proportion
// z-test (true) or Welch's t-test on the revenue distribution (false).
func (m Metric) IsProportion() bool {
	return m == MetricConversionRate || m == MetricOpenRate
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricConversionRate, MetricRevenuePerSend, MetricOpenRate:
		return true
	}
	return false
}

// Status is the lifecycle state of an experiment.
//
// The transition table is owned by the lifecycle package and validated
// exhaustively in its tests; nothing else may mutate Status.
type Status string

const (
	StatusRunning         Status = "RUNNING"
	StatusPaused          Status = "PAUSED"
	StatusReadyToComplete Status = "READY_TO_COMPLETE"
	StatusCompleted       Status = "COMPLETED"
	StatusStopped         Status = "STOPPED"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// StrategyKind selects the traffic-allocation strategy at experiment
// creation. Phased and bandit are mutually exclusive for the lifetime of an
// experiment.
type StrategyKind string

const (
	StrategyPhased StrategyKind = "phased"
	StrategyBandit StrategyKind = "bandit"
)

// Recommendation is the engine's advice to external agents, carried on every
// evaluation report.
type Recommendation string

const (
	RecommendContinue           Recommendation = "CONTINUE"
	RecommendReadyToComplete    Recommendation = "READY_TO_COMPLETE"
	RecommendCompleteWithWinner Recommendation = "COMPLETE_WITH_WINNER"
	RecommendStop               Recommendation = "STOP"
)

// =============================================================================
// Core Entities
// =============================================================================

// Experiment is one running test. Created at setup time; mutated only by the
// lifecycle controller (Status, winner fields) and the allocation manager
// (variant allocations). Never deleted, only terminalized.
type Experiment struct {
	ID             string       `json:"id"`
	CreatorScopeID string       `json:"creator_scope_id"`
	Type           Type         `json:"type"`
	Status         Status       `json:"status"`
	PrimaryMetric  Metric       `json:"primary_metric"`
	Strategy       StrategyKind `json:"strategy"`

	// SecondaryMetrics widen the Bonferroni correction: a decision that
	// scores k metrics compares every p-value against alpha/k.
	SecondaryMetrics []Metric `json:"secondary_metrics,omitempty"`

	// MinDetectableEffect is the relative lift the test is powered to
	// detect (e.g. 0.10 for 10%). Drives the minimum-sample gate.
	MinDetectableEffect float64 `json:"min_detectable_effect"`

	StartedAt   time.Time     `json:"started_at"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`

	// AutoApply must be set explicitly at creation for the controller to
	// ever complete the experiment without human approval.
	AutoApply bool `json:"auto_apply"`

	WinnerVariantID string `json:"winner_variant_id,omitempty"`
	WinnerApplied   bool   `json:"winner_applied"`

	Variants []Variant `json:"variants"`

	// Version is the optimistic-concurrency counter for experiment
	// mutations. Incremented on every successful store update.
	Version uint64 `json:"version"`
}

// Control returns the control variant. Exactly one variant has
// IsControl=true; a malformed experiment returns nil.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant returns the variant with the given id, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// Metrics returns the primary metric followed by any secondary metrics.
// The length of this slice is the k of the Bonferroni correction.
func (e *Experiment) Metrics() []Metric {
	out := make([]Metric, 0, 1+len(e.SecondaryMetrics))
	out = append(out, e.PrimaryMetric)
	out = append(out, e.SecondaryMetrics...)
	return out
}

// Elapsed returns how long the experiment has been running as of now.
func (e *Experiment) Elapsed(now time.Time) time.Duration {
	return now.Sub(e.StartedAt)
}

// Variant is one arm of an experiment, owned exclusively by it. Allocation
// percentages across all variants of one experiment sum to 100 at every
// externally observable instant.
type Variant struct {
	ID                string  `json:"id"`
	ExperimentID      string  `json:"experiment_id"`
	Name              string  `json:"name,omitempty"`
	IsControl         bool    `json:"is_control"`
	AllocationPercent float64 `json:"allocation_percent"`
}

// OutcomeEvent is an immutable fact emitted by the serving system: one
// delivery to one subscriber segment, with its conversion and revenue
// outcome. Events are appended, never mutated.
type OutcomeEvent struct {
	VariantID string    `json:"variant_id"`
	Timestamp time.Time `json:"timestamp"`
	Converted bool      `json:"converted"`
	Revenue   float64   `json:"revenue"`
	Segment   string    `json:"segment"`
}

// =============================================================================
// Derived Values
// =============================================================================

// VariantStats is the aggregated view of one variant's outcomes, derived by
// the aggregator and read-only everywhere else.
//
// Revenue variance is carried as a running mean and M2 (sum of squared
// deviations from the mean, Welford's algorithm) rather than a raw sum of
// squares, which loses precision catastrophically at scale.
type VariantStats struct {
	N           int64   `json:"n"`
	Conversions int64   `json:"conversions"`
	RevenueSum  float64 `json:"revenue_sum"`
	RevenueMean float64 `json:"revenue_mean"`
	RevenueM2   float64 `json:"-"`
}

// ConversionRate returns conversions/n, or 0 for an empty sample.
func (v VariantStats) ConversionRate() float64 {
	if v.N == 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.N)
}

// RevenueVariance returns the sample variance of revenue (n-1 denominator),
// or 0 when fewer than two observations exist.
func (v VariantStats) RevenueVariance() float64 {
	if v.N < 2 {
		return 0
	}
	return v.RevenueM2 / float64(v.N-1)
}

// MetricValue returns the variant's value for the given metric.
func (v VariantStats) MetricValue(m Metric) float64 {
	if m.IsProportion() {
		return v.ConversionRate()
	}
	return v.RevenueMean
}

// Merge combines two disjoint samples using the parallel form of Welford's
// algorithm (Chan et al.), keeping M2 numerically stable.
func (v VariantStats) Merge(o VariantStats) VariantStats {
	if o.N == 0 {
		return v
	}
	if v.N == 0 {
		return o
	}
	n := v.N + o.N
	delta := o.RevenueMean - v.RevenueMean
	mean := v.RevenueMean + delta*float64(o.N)/float64(n)
	m2 := v.RevenueM2 + o.RevenueM2 +
		delta*delta*float64(v.N)*float64(o.N)/float64(n)
	return VariantStats{
		N:           n,
		Conversions: v.Conversions + o.Conversions,
		RevenueSum:  v.RevenueSum + o.RevenueSum,
		RevenueMean: mean,
		RevenueM2:   m2,
	}
}

// SignificanceResult is the ephemeral outcome of one statistical comparison
// between a treatment variant and the control, for one metric. Recomputed on
// every evaluation pass; only ever persisted attached to a report or a
// terminal winner record.
type SignificanceResult struct {
	Metric           Metric  `json:"metric"`
	Score            float64 `json:"score"`
	PValue           float64 `json:"p_value"`
	RelativeLift     float64 `json:"relative_lift"`
	AbsoluteLift     float64 `json:"absolute_lift"`
	IsSignificant    bool    `json:"is_significant"`
	InsufficientData bool    `json:"insufficient_data"`
}

// =============================================================================
// Winner Records
// =============================================================================

// WinnerRecord is created exactly once when an experiment completes with a
// winner. Core fields are immutable; the applied fields are set exactly once
// by the first consumer that claims the winner (at-most-once application,
// enforced by a compare-and-swap in the store).
type WinnerRecord struct {
	ExperimentID     string     `json:"experiment_id"`
	WinningVariantID string     `json:"winning_variant_id"`
	ConsumerRole     string     `json:"consumer_role"`
	DeclaredAt       time.Time  `json:"declared_at"`
	WinnerConfidence float64    `json:"winner_confidence"`
	Applied          bool       `json:"applied"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
	AppliedBy        string     `json:"applied_by,omitempty"`
}

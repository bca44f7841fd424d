// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrail enforces the methodological preconditions of an
// evaluation pass.
//
// # Description
//
// Three guards run before any significance verdict may be emitted:
//
//   - Minimum-sample gate: every variant must reach the sample size required
//     for the experiment's minimum detectable effect. This is a hard
//     precondition (peeking prevention), not a soft hint.
//   - Multiple-testing correction: when k metrics are scored in one
//     decision, the significance threshold becomes alpha/k (Bonferroni).
//   - Simpson's-paradox check: if segments carrying a majority of the sample
//     weight disagree in lift direction with the aggregate, the decision is
//     forced to manual review and auto-declaration of a winner is forbidden.
//
// The engine is configured once at construction with an immutable threshold
// table; it holds no mutable state and is safe for concurrent use.
package guardrail

import (
	"log/slog"

	"github.com/AleutianAI/bellwether/services/experiment"
)

// Config holds the immutable guardrail thresholds.
type Config struct {
	// Alpha is the base significance level before any correction.
	Alpha float64
}

// DefaultConfig returns the production thresholds (alpha 0.05).
func DefaultConfig() Config {
	return Config{Alpha: 0.05}
}

// RequiredSamples returns the per-variant sample floor for a minimum
// detectable effect. The floor follows the standard power table for a
// two-sided 5% test at 80% power, bucketed to the three supported MDEs:
// 20% needs 100 per variant, 10% needs 400, anything tighter needs 1,600.
func RequiredSamples(mde float64) int64 {
	switch {
	case mde >= 0.20:
		return 100
	case mde >= 0.10:
		return 400
	default:
		return 1600
	}
}

// Verdict is the outcome of the guardrail inspection for one evaluation
// pass.
type Verdict struct {
	// InsufficientData is true when any variant is below the sample floor.
	// No significance verdict may be emitted while this is set.
	InsufficientData bool `json:"insufficient_data"`

	// RequiredPerVariant is the sample floor that applied.
	RequiredPerVariant int64 `json:"required_per_variant"`

	// AdjustedAlpha is the Bonferroni-corrected significance threshold the
	// calculator must compare p-values against.
	AdjustedAlpha float64 `json:"adjusted_alpha"`

	// DivergenceDetected is true when the Simpson's-paradox check fired for
	// at least one treatment arm. The decision must become manual review.
	DivergenceDetected bool `json:"divergence_detected"`

	// DivergentVariants lists the treatment arms whose aggregate lift
	// direction is contradicted by a sample-weight majority of segments.
	DivergentVariants []string `json:"divergent_variants,omitempty"`
}

// Blocks reports whether the verdict forbids declaring a winner.
func (v Verdict) Blocks() bool {
	return v.InsufficientData || v.DivergenceDetected
}

// Engine runs the guardrail inspection.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a guardrail engine. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Inspect runs all guards for one experiment against a consistent snapshot.
//
// # Inputs
//
//   - exp: The experiment under evaluation; supplies the MDE and the metric
//     count k for the Bonferroni correction.
//   - aggregate: Whole-window statistics per variant id.
//   - segments: Per-segment statistics per variant id, as returned by the
//     aggregator's SegmentSnapshots.
//
// # Outputs
//
//   - Verdict: See the field documentation. The verdict is a pure function
//     of the inputs; inspecting twice yields an identical verdict.
func (g *Engine) Inspect(exp *experiment.Experiment,
	aggregate map[string]experiment.VariantStats,
	segments map[string]map[string]experiment.VariantStats) Verdict {

	v := Verdict{
		RequiredPerVariant: RequiredSamples(exp.MinDetectableEffect),
		AdjustedAlpha:      g.cfg.Alpha / float64(len(exp.Metrics())),
	}

	for _, arm := range exp.Variants {
		if aggregate[arm.ID].N < v.RequiredPerVariant {
			v.InsufficientData = true
			break
		}
	}
	if v.InsufficientData {
		// The paradox check is meaningless below the sample floor, and
		// skipping it keeps INSUFFICIENT_DATA the sole reported cause.
		return v
	}

	control := exp.Control()
	if control == nil {
		v.InsufficientData = true
		return v
	}
	for _, arm := range exp.Variants {
		if arm.IsControl {
			continue
		}
		if g.segmentsContradict(exp.PrimaryMetric,
			aggregate[control.ID], aggregate[arm.ID],
			segments[control.ID], segments[arm.ID]) {
			v.DivergenceDetected = true
			v.DivergentVariants = append(v.DivergentVariants, arm.ID)
			g.logger.Warn("simpson divergence detected",
				"experiment_id", exp.ID,
				"variant_id", arm.ID,
				"metric", string(exp.PrimaryMetric))
		}
	}
	return v
}

// segmentsContradict implements the stratification check for one treatment
// arm: the aggregate lift direction must not be contradicted by segments
// carrying a majority of the observed sample weight.
func (g *Engine) segmentsContradict(metric experiment.Metric,
	aggControl, aggTreatment experiment.VariantStats,
	segControl, segTreatment map[string]experiment.VariantStats) bool {

	aggSign := liftSign(metric, aggControl, aggTreatment)
	if aggSign == 0 {
		return false
	}

	var total, disagreeing int64
	for segment, ctrl := range segControl {
		treat, ok := segTreatment[segment]
		if !ok || ctrl.N == 0 || treat.N == 0 {
			continue
		}
		weight := ctrl.N + treat.N
		total += weight
		sign := liftSign(metric, ctrl, treat)
		if sign != 0 && sign != aggSign {
			disagreeing += weight
		}
	}
	if total == 0 {
		return false
	}
	return disagreeing*2 > total
}

// liftSign returns the direction of the treatment-minus-control difference
// for the metric: -1, 0, or +1.
func liftSign(metric experiment.Metric, control, treatment experiment.VariantStats) int {
	diff := treatment.MetricValue(metric) - control.MetricValue(metric)
	switch {
	case diff > 0:
		return 1
	case diff < 0:
		return -1
	default:
		return 0
	}
}

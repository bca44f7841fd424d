// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/guardrail"
)

// Report statuses beyond the experiment's own lifecycle state. A guardrail
// block replaces the status so consumers see the cause, not just "RUNNING".
const (
	ReportStatusInsufficientData  = "INSUFFICIENT_DATA"
	ReportStatusNeedsManualReview = "NEEDS_MANUAL_REVIEW"
)

// Report is the sole outbound contract of an evaluation pass. It is a pure
// function of the aggregated data and the experiment record: evaluating
// twice over unchanged data yields a byte-identical report.
type Report struct {
	ExperimentID   string                    `json:"experiment_id"`
	Status         string                    `json:"status"`
	ElapsedDays    int                       `json:"elapsed_days"`
	Guardrails     guardrail.Verdict         `json:"guardrails"`
	Variants       []VariantReport           `json:"variants"`
	Analysis       Analysis                  `json:"analysis"`
	Recommendation experiment.Recommendation `json:"recommendation"`
}

// VariantReport is one arm's metrics in the report, ordered by variant id.
type VariantReport struct {
	VariantID         string         `json:"variant_id"`
	IsControl         bool           `json:"is_control"`
	AllocationPercent float64        `json:"allocation_percent"`
	Metrics           VariantMetrics `json:"metrics"`

	// Significance holds one result per evaluated metric, empty on the
	// control arm.
	Significance []experiment.SignificanceResult `json:"significance,omitempty"`
}

// VariantMetrics are the observed values for one arm.
type VariantMetrics struct {
	N              int64   `json:"n"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	RevenueSum     float64 `json:"revenue_sum"`
	RevenuePerSend float64 `json:"revenue_per_send"`
}

// Analysis summarizes the decision inputs for external agents.
type Analysis struct {
	ControlBaseline float64        `json:"control_baseline"`
	BestTreatment   *BestTreatment `json:"best_treatment,omitempty"`
}

// BestTreatment is the strongest arm on the primary metric.
type BestTreatment struct {
	VariantID     string  `json:"variant_id"`
	Value         float64 `json:"value"`
	RelativeLift  float64 `json:"relative_lift"`
	PValue        float64 `json:"p_value"`
	IsSignificant bool    `json:"is_significant"`
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats computes significance results from aggregated variant
// statistics.
//
// # Description
//
// Two tests are implemented:
//
//   - Proportion metrics (conversion rate, open rate): pooled two-proportion
//     z-test with a normal two-tailed p-value.
//   - Continuous metrics (revenue per send): Welch's t-test with the
//     Welch–Satterthwaite degrees of freedom and a Student-t two-tailed
//     p-value.
//
// Every division-by-zero hazard (empty sample, pooled rate of 0 or 1,
// control mean of zero, zero variance on both arms) produces
// InsufficientData=true instead of a fabricated score.
//
// All functions are pure; the package holds no state.
package stats

import (
	"math"

	"github.com/AleutianAI/bellwether/services/experiment"
)

// Compare runs the significance test appropriate for the metric, comparing
// a treatment arm against the control arm at significance level alpha.
//
// # Inputs
//
//   - metric: Which outcome to test. Proportion metrics use the z-test,
//     continuous metrics Welch's t-test.
//   - control, treatment: Aggregated statistics for the two arms.
//   - alpha: Significance threshold, already Bonferroni-adjusted by the
//     caller when several metrics are scored in one decision.
//
// # Outputs
//
//   - experiment.SignificanceResult: Score, two-tailed p-value, lifts, and
//     the significance verdict. InsufficientData=true means no verdict
//     could be computed and every numeric field must be ignored.
func Compare(metric experiment.Metric, control, treatment experiment.VariantStats, alpha float64) experiment.SignificanceResult {
	if metric.IsProportion() {
		return twoProportionZTest(metric, control, treatment, alpha)
	}
	return welchTTest(metric, control, treatment, alpha)
}

// twoProportionZTest tests conversion-style metrics with a pooled z-score:
//
//	z = (p1 - p2) / sqrt(p_pool*(1-p_pool)*(1/n1 + 1/n2))
func twoProportionZTest(metric experiment.Metric, control, treatment experiment.VariantStats, alpha float64) experiment.SignificanceResult {
	res := experiment.SignificanceResult{Metric: metric}
	if control.N == 0 || treatment.N == 0 {
		res.InsufficientData = true
		return res
	}

	pPool := float64(control.Conversions+treatment.Conversions) /
		float64(control.N+treatment.N)
	if pPool == 0 || pPool == 1 {
		// Every observation agrees; the pooled variance is zero and no
		// standardized effect exists.
		res.InsufficientData = true
		return res
	}

	p1 := treatment.ConversionRate()
	p2 := control.ConversionRate()
	se := math.Sqrt(pPool * (1 - pPool) *
		(1/float64(control.N) + 1/float64(treatment.N)))
	res.Score = (p1 - p2) / se
	res.PValue = twoTailedNormalP(res.Score)
	res.AbsoluteLift = p1 - p2
	if p2 == 0 {
		res.InsufficientData = true
		return res
	}
	res.RelativeLift = (p1 - p2) / p2
	res.IsSignificant = res.PValue < alpha
	return res
}

// welchTTest tests continuous metrics with Welch's unequal-variance t-test:
//
//	t  = (mean1 - mean2) / sqrt(var1/n1 + var2/n2)
//	df = (var1/n1 + var2/n2)^2 /
//	     ((var1/n1)^2/(n1-1) + (var2/n2)^2/(n2-1))
func welchTTest(metric experiment.Metric, control, treatment experiment.VariantStats, alpha float64) experiment.SignificanceResult {
	res := experiment.SignificanceResult{Metric: metric}
	if control.N < 2 || treatment.N < 2 {
		res.InsufficientData = true
		return res
	}

	v1 := treatment.RevenueVariance() / float64(treatment.N)
	v2 := control.RevenueVariance() / float64(control.N)
	if v1+v2 == 0 {
		// Both arms are constant; a standardized effect is undefined.
		res.InsufficientData = true
		return res
	}

	mean1 := treatment.RevenueMean
	mean2 := control.RevenueMean
	res.Score = (mean1 - mean2) / math.Sqrt(v1+v2)

	df := (v1 + v2) * (v1 + v2) /
		(v1*v1/float64(treatment.N-1) + v2*v2/float64(control.N-1))
	res.PValue = twoTailedStudentP(res.Score, df)
	res.AbsoluteLift = mean1 - mean2
	if mean2 == 0 {
		// Relative lift against a zero baseline is undefined; the arms are
		// non-comparable for decision purposes.
		res.InsufficientData = true
		return res
	}
	res.RelativeLift = (mean1 - mean2) / mean2
	res.IsSignificant = res.PValue < alpha
	return res
}

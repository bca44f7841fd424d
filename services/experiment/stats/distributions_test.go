// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTwoTailedNormalPKnownQuantiles(t *testing.T) {
	assert.InDelta(t, 1.0, twoTailedNormalP(0), 1e-12)
	assert.InDelta(t, 0.05, twoTailedNormalP(1.959964), 1e-4)
	assert.InDelta(t, 0.01, twoTailedNormalP(2.575829), 1e-4)
	assert.InDelta(t, 0.3173, twoTailedNormalP(1), 1e-3)
}

func TestTwoTailedNormalPIsSymmetric(t *testing.T) {
	assert.Equal(t, twoTailedNormalP(2.3), twoTailedNormalP(-2.3))
}

func TestTwoTailedStudentPKnownQuantiles(t *testing.T) {
	// t tables: P(|T| > 2.086) = 0.05 at df=20; P(|T| > 2.576) ~ 0.01 at
	// large df where t converges to normal.
	assert.InDelta(t, 0.05, twoTailedStudentP(2.086, 20), 1e-3)
	assert.InDelta(t, 0.05, twoTailedStudentP(1.984, 100), 1e-3)
	assert.InDelta(t, 1.0, twoTailedStudentP(0, 10), 1e-12)
}

func TestStudentPConvergesToNormalAtHighDF(t *testing.T) {
	for _, score := range []float64{0.5, 1.0, 1.96, 2.5, 3.2} {
		assert.InDelta(t, twoTailedNormalP(score), twoTailedStudentP(score, 1e6), 1e-4,
			"t distribution must converge to normal for large df, score %v", score)
	}
}

func TestStudentPIsSymmetric(t *testing.T) {
	assert.InDelta(t, twoTailedStudentP(1.7, 12), twoTailedStudentP(-1.7, 12), 1e-12)
}

func TestStudentPHeavierTailsThanNormal(t *testing.T) {
	// At low df the t distribution puts more mass in the tails.
	assert.Greater(t, twoTailedStudentP(2.0, 3), twoTailedNormalP(2.0))
}

func TestRegularizedIncompleteBetaBounds(t *testing.T) {
	assert.Equal(t, 0.0, regularizedIncompleteBeta(2, 3, 0))
	assert.Equal(t, 1.0, regularizedIncompleteBeta(2, 3, 1))
	// I_x(1,1) is the uniform CDF.
	assert.InDelta(t, 0.25, regularizedIncompleteBeta(1, 1, 0.25), 1e-12)
	assert.InDelta(t, 0.75, regularizedIncompleteBeta(1, 1, 0.75), 1e-12)
}

func TestRegularizedIncompleteBetaSymmetry(t *testing.T) {
	// I_x(a,b) = 1 - I_{1-x}(b,a)
	a, b, x := 2.5, 4.0, 0.3
	assert.InDelta(t, 1-regularizedIncompleteBeta(b, a, 1-x),
		regularizedIncompleteBeta(a, b, x), 1e-10)
}

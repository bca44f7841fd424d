// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bellwether/services/experiment"
)

var testStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		ID:        "exp-1",
		StartedAt: testStart,
		Variants: []experiment.Variant{
			{ID: "control", IsControl: true},
			{ID: "treatment"},
		},
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func event(variant, segment string, at time.Time, converted bool, revenue float64) experiment.OutcomeEvent {
	return experiment.OutcomeEvent{
		VariantID: variant,
		Segment:   segment,
		Timestamp: at,
		Converted: converted,
		Revenue:   revenue,
	}
}

func TestRecordRejectsUnknownVariant(t *testing.T) {
	a := New(testExperiment(), WithClock(fixedClock(testStart.Add(time.Hour))))

	err := a.Record(event("nope", "vip", testStart.Add(time.Minute), true, 1))
	require.ErrorIs(t, err, experiment.ErrUnknownVariant)
	assert.Zero(t, a.Snapshot("nope", Query{}).N, "a rejected event must not mutate the aggregate")
}

func TestRecordRejectsOutOfWindow(t *testing.T) {
	now := testStart.Add(48 * time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	before := a.Record(event("control", "vip", testStart.Add(-time.Second), false, 0))
	require.ErrorIs(t, before, experiment.ErrOutOfWindow, "events before the window start are rejected")

	future := a.Record(event("control", "vip", now.Add(time.Second), false, 0))
	require.ErrorIs(t, future, experiment.ErrOutOfWindow, "events from the future are rejected")

	assert.Zero(t, a.Snapshot("control", Query{}).N)
}

func TestRecordAcceptsWindowBoundaries(t *testing.T) {
	now := testStart.Add(24 * time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	require.NoError(t, a.Record(event("control", "vip", testStart, true, 1)))
	require.NoError(t, a.Record(event("control", "vip", now, true, 1)))
	assert.Equal(t, int64(2), a.Snapshot("control", Query{}).N)
}

func TestSnapshotWelfordMatchesNaiveVariance(t *testing.T) {
	now := testStart.Add(time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	revenues := []float64{12.5, 0, 3.99, 120, 0, 7.25, 45.1, 0.01}
	var sum float64
	for i, r := range revenues {
		require.NoError(t, a.Record(event("treatment", "vip", testStart.Add(time.Duration(i)*time.Minute), r > 0, r)))
		sum += r
	}
	mean := sum / float64(len(revenues))
	var ss float64
	for _, r := range revenues {
		ss += (r - mean) * (r - mean)
	}
	naiveVariance := ss / float64(len(revenues)-1)

	st := a.Snapshot("treatment", Query{})
	assert.Equal(t, int64(len(revenues)), st.N)
	assert.InDelta(t, mean, st.RevenueMean, 1e-9)
	assert.InDelta(t, naiveVariance, st.RevenueVariance(), 1e-9)
	assert.InDelta(t, sum, st.RevenueSum, 1e-9)
}

func TestSnapshotMergesAcrossSegmentsAndDays(t *testing.T) {
	now := testStart.Add(10 * 24 * time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	segments := []string{"vip", "regular", "churned"}
	total := 0
	for day := 0; day < 5; day++ {
		for i, seg := range segments {
			at := testStart.Add(time.Duration(day)*24*time.Hour + time.Duration(i)*time.Minute)
			require.NoError(t, a.Record(event("control", seg, at, true, 2)))
			total++
		}
	}

	st := a.Snapshot("control", Query{})
	assert.Equal(t, int64(total), st.N)
	assert.Equal(t, int64(total), st.Conversions)
	assert.InDelta(t, float64(total)*2, st.RevenueSum, 1e-9)
}

func TestSnapshotSegmentFilter(t *testing.T) {
	now := testStart.Add(time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	require.NoError(t, a.Record(event("control", "vip", testStart, true, 10)))
	require.NoError(t, a.Record(event("control", "regular", testStart, false, 0)))
	require.NoError(t, a.Record(event("control", "regular", testStart, true, 5)))

	vip := a.Snapshot("control", Query{Segment: "vip"})
	assert.Equal(t, int64(1), vip.N)
	regular := a.Snapshot("control", Query{Segment: "regular"})
	assert.Equal(t, int64(2), regular.N)
	assert.Equal(t, int64(1), regular.Conversions)
}

func TestSnapshotAsOfExcludesLaterDays(t *testing.T) {
	now := testStart.Add(5 * 24 * time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	require.NoError(t, a.Record(event("control", "vip", testStart, true, 1)))
	require.NoError(t, a.Record(event("control", "vip", testStart.Add(3*24*time.Hour), true, 1)))

	early := a.Snapshot("control", Query{AsOf: testStart.Add(24 * time.Hour)})
	assert.Equal(t, int64(1), early.N, "as-of must exclude later day buckets")
	full := a.Snapshot("control", Query{})
	assert.Equal(t, int64(2), full.N)
}

func TestSegmentSnapshots(t *testing.T) {
	now := testStart.Add(time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	require.NoError(t, a.Record(event("treatment", "vip", testStart, true, 20)))
	require.NoError(t, a.Record(event("treatment", "vip", testStart, false, 0)))
	require.NoError(t, a.Record(event("treatment", "regular", testStart, true, 4)))

	perSegment := a.SegmentSnapshots("treatment", time.Time{})
	require.Len(t, perSegment, 2)
	assert.Equal(t, int64(2), perSegment["vip"].N)
	assert.Equal(t, int64(1), perSegment["vip"].Conversions)
	assert.Equal(t, int64(1), perSegment["regular"].N)
}

func TestSnapshotIsIdempotentOverUnchangedData(t *testing.T) {
	now := testStart.Add(time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Record(event("control", "vip", testStart.Add(time.Duration(i)*time.Second), i%3 == 0, float64(i))))
	}

	first := a.Snapshot("control", Query{})
	second := a.Snapshot("control", Query{})
	assert.Equal(t, first, second, "snapshots over unchanged data must be identical")
}

func TestConcurrentRecordsAllLand(t *testing.T) {
	now := testStart.Add(time.Hour)
	a := New(testExperiment(), WithClock(fixedClock(now)))

	const writers = 8
	const perWriter = 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			seg := fmt.Sprintf("segment-%d", w%3)
			for i := 0; i < perWriter; i++ {
				_ = a.Record(event("treatment", seg, testStart.Add(time.Duration(i)*time.Millisecond), true, 1))
			}
		}(w)
	}
	wg.Wait()

	st := a.Snapshot("treatment", Query{})
	assert.Equal(t, int64(writers*perWriter), st.N, "every concurrent record must be counted exactly once")
}

func TestRegistryReturnsSameAggregator(t *testing.T) {
	reg := NewRegistry(WithRegistryClock(fixedClock(testStart.Add(time.Hour))))
	exp := testExperiment()

	a1 := reg.For(exp)
	a2 := reg.For(exp)
	assert.Same(t, a1, a2, "one aggregator per experiment")
	assert.Same(t, a1, reg.Get(exp.ID))
	assert.Nil(t, reg.Get("missing"))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/aggregator"
	"github.com/AleutianAI/bellwether/services/experiment/allocation"
	"github.com/AleutianAI/bellwether/services/experiment/guardrail"
	"github.com/AleutianAI/bellwether/services/experiment/lifecycle"
	badgerstore "github.com/AleutianAI/bellwether/services/experiment/storage/badger"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

type fixture struct {
	sched    *Scheduler
	ctrl     *lifecycle.Controller
	store    store.Store
	registry *aggregator.Registry
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewBadgerStore(badgerstore.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		now:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.registry = aggregator.NewRegistry(aggregator.WithRegistryClock(clock))
	f.ctrl = lifecycle.NewController(st, f.registry,
		guardrail.New(guardrail.DefaultConfig(), nil),
		allocation.NewManager(st, nil),
		lifecycle.Config{BanditSeed: 7}, nil, lifecycle.WithClock(clock))
	f.sched = New(f.ctrl, st, nil, nil, Config{
		EvaluationInterval: time.Hour,
		AllocationInterval: time.Hour,
		MaxConcurrent:      4,
	}, WithClock(clock))
	return f
}

func (f *fixture) createExperiment(t *testing.T, id string, strategy experiment.StrategyKind) *experiment.Experiment {
	t.Helper()
	exp := &experiment.Experiment{
		ID:                  id,
		Type:                experiment.TypeCaptionStyle,
		PrimaryMetric:       experiment.MetricConversionRate,
		Strategy:            strategy,
		MinDetectableEffect: 0.20,
		StartedAt:           f.now,
		MinDuration:         24 * time.Hour,
		MaxDuration:         30 * 24 * time.Hour,
		Variants: []experiment.Variant{
			{ID: "control", IsControl: true},
			{ID: "treatment"},
		},
	}
	require.NoError(t, f.ctrl.Create(context.Background(), exp))
	return exp
}

// feed stamps every event at the window start so it is accepted wherever
// the fixture clock currently sits.
func (f *fixture) feed(t *testing.T, exp *experiment.Experiment, variantID string, n, conversions int) {
	t.Helper()
	agg := f.registry.Get(exp.ID)
	require.NotNil(t, agg)
	for i := 0; i < n; i++ {
		require.NoError(t, agg.Record(experiment.OutcomeEvent{
			VariantID: variantID,
			Segment:   "all",
			Timestamp: exp.StartedAt,
			Converted: i < conversions,
		}))
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.sched.Start(ctx))
	defer f.sched.Stop()

	assert.Error(t, f.sched.Start(ctx), "a second start must be rejected")
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.Start(context.Background()))

	assert.NoError(t, f.sched.Stop())
	assert.NoError(t, f.sched.Stop())
}

func TestStopAllowsRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sched.Start(ctx))
	require.NoError(t, f.sched.Stop())
	require.NoError(t, f.sched.Start(ctx))
	assert.NoError(t, f.sched.Stop())
}

func TestRunEvaluationNowPromotesWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := f.createExperiment(t, "exp-1", experiment.StrategyPhased)
	f.feed(t, exp, "control", 100, 10)
	f.feed(t, exp, "treatment", 100, 30)
	f.now = f.now.Add(48 * time.Hour)

	require.NoError(t, f.sched.RunEvaluationNow(ctx))

	stored, err := f.store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusReadyToComplete, stored.Status)
	assert.Equal(t, "treatment", stored.WinnerVariantID)
}

func TestRunEvaluationNowSkipsInactiveExperiments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := f.createExperiment(t, "exp-paused", experiment.StrategyPhased)
	require.NoError(t, f.ctrl.Pause(ctx, exp.ID))

	require.NoError(t, f.sched.RunEvaluationNow(ctx))

	stored, err := f.store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusPaused, stored.Status)
}

func TestRunEvaluationNowCoversFleet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"exp-a", "exp-b", "exp-c"} {
		exp := f.createExperiment(t, id, experiment.StrategyPhased)
		f.feed(t, exp, "control", 100, 10)
		f.feed(t, exp, "treatment", 100, 30)
	}
	f.now = f.now.Add(48 * time.Hour)

	require.NoError(t, f.sched.RunEvaluationNow(ctx))

	for _, id := range []string{"exp-a", "exp-b", "exp-c"} {
		stored, err := f.store.GetExperiment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, experiment.StatusReadyToComplete, stored.Status, id)
	}
}

func TestRunAllocationNowOnlyTouchesBandits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bandit := f.createExperiment(t, "exp-bandit", experiment.StrategyBandit)
	phased := f.createExperiment(t, "exp-phased", experiment.StrategyPhased)
	f.feed(t, bandit, "control", 500, 25)
	f.feed(t, bandit, "treatment", 500, 250)
	f.now = f.now.Add(time.Hour)

	_, banditBefore, err := f.store.Allocations(ctx, bandit.ID)
	require.NoError(t, err)
	_, phasedBefore, err := f.store.Allocations(ctx, phased.ID)
	require.NoError(t, err)

	require.NoError(t, f.sched.RunAllocationNow(ctx))

	alloc, banditAfter, err := f.store.Allocations(ctx, bandit.ID)
	require.NoError(t, err)
	assert.Greater(t, banditAfter, banditBefore, "the bandit split must be resampled")
	assert.Equal(t, 100.0, alloc.Sum())

	_, phasedAfter, err := f.store.Allocations(ctx, phased.ID)
	require.NoError(t, err)
	assert.Equal(t, phasedBefore, phasedAfter, "phased splits are not part of the allocation cycle")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package allocation

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
)

// memStore is an in-memory allocation.Store with real CAS semantics.
type memStore struct {
	mu       sync.Mutex
	splits   map[string]Allocations
	versions map[string]uint64

	// failCAS forces every CompareAndSwap to report a version mismatch.
	failCAS bool
}

func newMemStore() *memStore {
	return &memStore{
		splits:   make(map[string]Allocations),
		versions: make(map[string]uint64),
	}
}

func (s *memStore) Allocations(_ context.Context, experimentID string) (Allocations, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.splits[experimentID].Clone(), s.versions[experimentID], nil
}

func (s *memStore) CompareAndSwap(_ context.Context, experimentID string, version uint64, next Allocations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCAS || s.versions[experimentID] != version {
		return experiment.ErrVersionMismatch
	}
	s.splits[experimentID] = next.Clone()
	s.versions[experimentID] = version + 1
	return nil
}

func threeArmExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		ID: "exp-1",
		Variants: []experiment.Variant{
			{ID: "a", IsControl: true},
			{ID: "b"},
			{ID: "c"},
		},
	}
}

func TestInitializeEqualSplit(t *testing.T) {
	st := newMemStore()
	m := NewManager(st, nil)
	exp := threeArmExperiment()

	alloc, err := m.Initialize(context.Background(), exp)
	require.NoError(t, err)

	require.Len(t, alloc, 3)
	assert.Equal(t, 100.0, alloc.Sum(), "the split must sum to exactly 100")
	assert.InDelta(t, 100.0/3, alloc["b"], 1e-9)
	assert.InDelta(t, 100.0/3, alloc["c"], 1e-9)

	stored, version, err := m.Current(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, alloc, stored)
	assert.Equal(t, uint64(1), version)
}

func TestPhasedNoSignalsHoldsCurrent(t *testing.T) {
	exp := threeArmExperiment()
	current := Allocations{"a": 50, "b": 30, "c": 20}

	target, err := NewPhased().Target(exp, current, Signals{})
	require.NoError(t, err)
	assert.Equal(t, current, target)
}

func TestPhasedEarlyLoserDropsToZero(t *testing.T) {
	exp := threeArmExperiment()
	current := Allocations{"a": 40, "b": 40, "c": 20}

	target, err := NewPhased().Target(exp, current, Signals{EarlyLosers: []string{"c"}})
	require.NoError(t, err)

	assert.Equal(t, 0.0, target["c"])
	assert.Equal(t, 100.0, target.Sum())
	// Survivors keep their relative proportions: 40/40 -> 50/50.
	assert.InDelta(t, 50, target["a"], 1e-9)
	assert.InDelta(t, 50, target["b"], 1e-9)
}

func TestPhasedEarlyWinnerTakesSeventyPercent(t *testing.T) {
	exp := threeArmExperiment()
	current := Allocations{"a": 40, "b": 40, "c": 20}

	target, err := NewPhased().Target(exp, current, Signals{EarlyWinner: "b"})
	require.NoError(t, err)

	assert.Equal(t, 100.0, target.Sum())
	assert.InDelta(t, 70, target["b"], 1e-9)
	// The 30% remainder splits proportionally to the current 40/20.
	assert.InDelta(t, 20, target["a"], 1e-9)
	assert.InDelta(t, 10, target["c"], 1e-9)
}

func TestPhasedEarlyWinnerWithLosersDropped(t *testing.T) {
	exp := threeArmExperiment()
	current := Allocations{"a": 40, "b": 40, "c": 20}

	target, err := NewPhased().Target(exp, current, Signals{
		EarlyWinner: "b",
		EarlyLosers: []string{"c"},
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, target.Sum())
	assert.InDelta(t, 70, target["b"], 1e-9)
	assert.InDelta(t, 30, target["a"], 1e-9, "the dropped loser's share goes to the surviving arm")
	assert.Equal(t, 0.0, target["c"])
}

func TestPhasedConfirmedWinnerTakesAll(t *testing.T) {
	exp := threeArmExperiment()
	current := Allocations{"a": 70, "b": 20, "c": 10}

	target, err := NewPhased().Target(exp, current, Signals{ConfirmedWinner: "a"})
	require.NoError(t, err)

	assert.Equal(t, Allocations{"a": 100, "b": 0, "c": 0}, target)
}

func TestPhasedRejectsUnknownSignalVariants(t *testing.T) {
	exp := threeArmExperiment()
	current := Allocations{"a": 50, "b": 30, "c": 20}

	_, err := NewPhased().Target(exp, current, Signals{EarlyWinner: "nope"})
	assert.ErrorIs(t, err, experiment.ErrUnknownVariant)

	_, err = NewPhased().Target(exp, current, Signals{EarlyLosers: []string{"nope"}})
	assert.ErrorIs(t, err, experiment.ErrUnknownVariant)

	_, err = NewPhased().Target(exp, current, Signals{ConfirmedWinner: "nope"})
	assert.ErrorIs(t, err, experiment.ErrUnknownVariant)
}

func TestRebalanceNoOpWhenTargetMatches(t *testing.T) {
	st := newMemStore()
	m := NewManager(st, nil)
	exp := threeArmExperiment()

	_, err := m.Initialize(context.Background(), exp)
	require.NoError(t, err)
	_, version, err := m.Current(context.Background(), exp.ID)
	require.NoError(t, err)

	// No signals: phased holds the current split, so nothing is written.
	alloc, changed, err := m.Rebalance(context.Background(), exp, NewPhased(), Signals{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 100.0, alloc.Sum())

	_, after, err := m.Current(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, version, after, "a no-op rebalance must not bump the version")
}

func TestRebalanceWritesNewTarget(t *testing.T) {
	st := newMemStore()
	m := NewManager(st, nil)
	exp := threeArmExperiment()

	_, err := m.Initialize(context.Background(), exp)
	require.NoError(t, err)

	alloc, changed, err := m.Rebalance(context.Background(), exp, NewPhased(),
		Signals{ConfirmedWinner: "b"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 100.0, alloc["b"])

	stored, version, err := m.Current(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, alloc, stored)
	assert.Equal(t, uint64(2), version)
}

func TestRebalanceConflictExhaustion(t *testing.T) {
	st := newMemStore()
	st.splits[threeArmExperiment().ID] = Allocations{"a": 34, "b": 33, "c": 33}
	st.failCAS = true
	m := NewManager(st, nil, WithRetries(2), WithBackoff(time.Millisecond))
	exp := threeArmExperiment()

	_, changed, err := m.Rebalance(context.Background(), exp, NewPhased(),
		Signals{ConfirmedWinner: "a"})

	assert.ErrorIs(t, err, experiment.ErrRebalanceConflict)
	assert.False(t, changed)
}

func TestRebalanceConflictsAreCounted(t *testing.T) {
	st := newMemStore()
	st.splits["exp-1"] = Allocations{"a": 34, "b": 33, "c": 33}
	st.failCAS = true
	metrics := observability.InitMetrics()
	m := NewManager(st, nil, WithRetries(2), WithBackoff(time.Millisecond),
		WithMetrics(metrics))

	_, _, err := m.Rebalance(context.Background(), threeArmExperiment(), NewPhased(),
		Signals{ConfirmedWinner: "a"})

	require.ErrorIs(t, err, experiment.ErrRebalanceConflict)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.RebalanceConflictsTotal),
		"the initial attempt and both retries each count one conflict")
}

// TestSumInvariantUnderRandomRebalanceSequences hammers the allocator with a
// seeded random sequence of phased signals, bandit resamples, and no-op
// holds, checking after every operation that the persisted split sums to
// exactly 100 with every share in [0, 100].
func TestSumInvariantUnderRandomRebalanceSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(20260823))
	ids := []string{"a", "b", "c", "d", "e"}
	exp := &experiment.Experiment{ID: "exp-rand"}
	for i, id := range ids {
		exp.Variants = append(exp.Variants, experiment.Variant{ID: id, IsControl: i == 0})
	}

	st := newMemStore()
	m := NewManager(st, nil)
	ctx := context.Background()
	_, err := m.Initialize(ctx, exp)
	require.NoError(t, err)

	phased := NewPhased()
	bandit := NewBandit(5)

	for i := 0; i < 500; i++ {
		var sig Signals
		strategy := Strategy(phased)
		switch rng.Intn(4) {
		case 0:
			// Drop a random strict subset of arms, sometimes with an early
			// winner among the survivors.
			perm := rng.Perm(len(ids))
			for _, j := range perm[:rng.Intn(len(ids))] {
				sig.EarlyLosers = append(sig.EarlyLosers, ids[j])
			}
			if rng.Intn(2) == 0 {
				sig.EarlyWinner = ids[perm[len(ids)-1]]
			}
		case 1:
			sig.ConfirmedWinner = ids[rng.Intn(len(ids))]
		case 2:
			strategy = bandit
			sig.Stats = make(map[string]experiment.VariantStats, len(ids))
			for _, id := range ids {
				n := int64(rng.Intn(5000) + 1)
				sig.Stats[id] = experiment.VariantStats{
					N:           n,
					Conversions: rng.Int63n(n + 1),
				}
			}
		case 3:
			// No signals: hold the current split.
		}

		_, _, err := m.Rebalance(ctx, exp, strategy, sig)
		require.NoError(t, err, "operation %d", i)

		alloc, _, err := st.Allocations(ctx, exp.ID)
		require.NoError(t, err)
		require.Equal(t, 100.0, alloc.Sum(), "operation %d", i)
		for id, pct := range alloc {
			require.GreaterOrEqual(t, pct, 0.0, "operation %d variant %s", i, id)
			require.LessOrEqual(t, pct, 100.0, "operation %d variant %s", i, id)
		}
	}
}

func TestBanditSumsToExactlyOneHundred(t *testing.T) {
	exp := threeArmExperiment()
	b := NewBandit(42)

	stats := map[string]experiment.VariantStats{
		"a": {N: 500, Conversions: 50},
		"b": {N: 500, Conversions: 55},
		"c": {N: 500, Conversions: 45},
	}
	for i := 0; i < 20; i++ {
		target, err := b.Target(exp, nil, Signals{Stats: stats})
		require.NoError(t, err)
		assert.Equal(t, 100.0, target.Sum())
		for _, pct := range target {
			assert.GreaterOrEqual(t, pct, 0.0)
		}
	}
}

func TestBanditIsReproducibleForSeed(t *testing.T) {
	exp := threeArmExperiment()
	stats := map[string]experiment.VariantStats{
		"a": {N: 100, Conversions: 10},
		"b": {N: 100, Conversions: 12},
		"c": {N: 100, Conversions: 8},
	}

	first, err := NewBandit(7).Target(exp, nil, Signals{Stats: stats})
	require.NoError(t, err)
	second, err := NewBandit(7).Target(exp, nil, Signals{Stats: stats})
	require.NoError(t, err)

	assert.Equal(t, first, second, "a fixed seed must yield a fixed split")
}

func TestBanditFavorsStrongPosterior(t *testing.T) {
	exp := threeArmExperiment()
	b := NewBandit(1)

	// b converts at 50% on a large sample; a and c at 5%. Averaged over many
	// draws, b must dominate.
	stats := map[string]experiment.VariantStats{
		"a": {N: 2000, Conversions: 100},
		"b": {N: 2000, Conversions: 1000},
		"c": {N: 2000, Conversions: 100},
	}
	totals := Allocations{}
	const rounds = 50
	for i := 0; i < rounds; i++ {
		target, err := b.Target(exp, nil, Signals{Stats: stats})
		require.NoError(t, err)
		for id, pct := range target {
			totals[id] += pct
		}
	}
	assert.Greater(t, totals["b"]/rounds, 60.0, "the dominant arm must win most of the traffic")
	assert.Less(t, totals["a"]/rounds, 25.0)
}

func TestBanditConfirmedWinnerShortCircuits(t *testing.T) {
	exp := threeArmExperiment()
	target, err := NewBandit(3).Target(exp, nil, Signals{ConfirmedWinner: "c"})
	require.NoError(t, err)
	assert.Equal(t, Allocations{"a": 0, "b": 0, "c": 100}, target)
}

func TestForKindDispatch(t *testing.T) {
	s, err := ForKind(experiment.StrategyPhased, 0)
	require.NoError(t, err)
	assert.Equal(t, experiment.StrategyPhased, s.Kind())

	s, err = ForKind("", 0)
	require.NoError(t, err)
	assert.Equal(t, experiment.StrategyPhased, s.Kind(), "the phased strategy is the default")

	s, err = ForKind(experiment.StrategyBandit, 99)
	require.NoError(t, err)
	assert.Equal(t, experiment.StrategyBandit, s.Kind())

	_, err = ForKind("roulette", 0)
	assert.Error(t, err)
}

func TestNormalizeAssignsResidueToAnchor(t *testing.T) {
	out := normalize(Allocations{"a": 1, "b": 1, "c": 1}, "a")
	assert.Equal(t, 100.0, out.Sum())
	assert.Equal(t, 100-out["b"]-out["c"], out["a"])

	// Degenerate all-zero weights fall back to an equal split.
	out = normalize(Allocations{"a": 0, "b": 0}, "a")
	assert.Equal(t, 100.0, out.Sum())
	assert.InDelta(t, 50, out["b"], 1e-9)
}

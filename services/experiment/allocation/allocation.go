// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package allocation maintains per-variant traffic percentages.
//
// # Description
//
// The invariant is absolute: the allocation percentages of one experiment's
// variants sum to exactly 100 at every externally observable instant. All
// mutations go through Manager.Rebalance, a read-modify-write loop with
// optimistic concurrency: the store's version counter is compared-and-swapped
// and the loop retries with backoff on conflict. Exhausted retries surface
// experiment.ErrRebalanceConflict and the caller retries the whole
// evaluation cycle; a split is never partially applied.
//
// Two strategies exist, chosen at experiment creation and dispatched through
// the Strategy interface: the phased default and a Thompson-sampling bandit.
//
// # Thread Safety
//
// Manager is safe for concurrent use; strategies must be too (the bandit
// guards its RNG with a mutex).
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
)

// Allocations maps variant id to its traffic percentage. A well-formed
// value sums to exactly 100.
type Allocations map[string]float64

// Sum returns the total percentage, accumulating in sorted id order so
// equal allocations always sum identically. Splits produced by normalize
// sum to exactly 100 under any order; see the quantum grid there.
func (a Allocations) Sum() float64 {
	ids := make([]string, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var s float64
	for _, id := range ids {
		s += a[id]
	}
	return s
}

// Clone returns a deep copy.
func (a Allocations) Clone() Allocations {
	out := make(Allocations, len(a))
	for id, pct := range a {
		out[id] = pct
	}
	return out
}

// equal reports whether two allocations match within a tolerance that
// absorbs float renormalization noise.
func equal(a, b Allocations) bool {
	if len(a) != len(b) {
		return false
	}
	for id, pct := range a {
		if math.Abs(pct-b[id]) > 1e-9 {
			return false
		}
	}
	return true
}

// Store is the persistence boundary for allocations. Implementations must
// make CompareAndSwap atomic: the write succeeds only if the stored version
// still equals the given version, and then increments it.
type Store interface {
	// Allocations returns the current split and its version counter.
	Allocations(ctx context.Context, experimentID string) (Allocations, uint64, error)

	// CompareAndSwap replaces the split if the version still matches,
	// returning experiment.ErrVersionMismatch otherwise.
	CompareAndSwap(ctx context.Context, experimentID string, version uint64, next Allocations) error
}

// Signals carries the evaluation outputs a strategy reacts to.
type Signals struct {
	// EarlyWinner is a variant that is significant but not yet confirmed;
	// the phased strategy shifts it to 70%.
	EarlyWinner string

	// EarlyLosers are variants with a p<0.01 negative effect; they drop to
	// 0% and the remainder renormalizes to 100.
	EarlyLosers []string

	// ConfirmedWinner is the terminal winner; it takes 100%.
	ConfirmedWinner string

	// Stats feeds the bandit's posterior (conversions and sample sizes per
	// variant). Ignored by the phased strategy.
	Stats map[string]experiment.VariantStats
}

// Strategy computes a target split from the current one and the evaluation
// signals. Implementations must be pure apart from their own RNG.
type Strategy interface {
	// Kind names the strategy for logs and reports.
	Kind() experiment.StrategyKind

	// Target returns the desired split. It must cover exactly the
	// experiment's variant ids and sum to 100.
	Target(exp *experiment.Experiment, current Allocations, sig Signals) (Allocations, error)
}

// Manager applies strategy decisions to the store transactionally.
type Manager struct {
	store      Store
	logger     *slog.Logger
	metrics    *observability.EngineMetrics
	maxRetries int
	backoff    time.Duration
}

// Option customizes the manager.
type Option func(*Manager)

// WithRetries overrides the CAS retry budget (default 3).
func WithRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithBackoff overrides the base retry delay (default 10ms, doubled per
// attempt).
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

// WithMetrics attaches engine metrics; nil disables instrumentation.
func WithMetrics(metrics *observability.EngineMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates an allocation manager over a store.
func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      store,
		logger:     logger,
		maxRetries: 3,
		backoff:    10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize writes the starting equal split for a new experiment.
func (m *Manager) Initialize(ctx context.Context, exp *experiment.Experiment) (Allocations, error) {
	ids := variantIDs(exp)
	target := make(Allocations, len(ids))
	for _, id := range ids {
		target[id] = 1
	}
	target = normalize(target, ids[0])
	if err := m.store.CompareAndSwap(ctx, exp.ID, 0, target); err != nil {
		return nil, fmt.Errorf("initialize allocations for %s: %w", exp.ID, err)
	}
	return target, nil
}

// Current returns the split now in effect and its version.
func (m *Manager) Current(ctx context.Context, experimentID string) (Allocations, uint64, error) {
	alloc, version, err := m.store.Allocations(ctx, experimentID)
	if err != nil {
		return nil, 0, fmt.Errorf("read allocations for %s: %w", experimentID, err)
	}
	return alloc, version, nil
}

// Rebalance drives the store to the strategy's target split.
//
// # Description
//
// Reads the current split and version, asks the strategy for a target, and
// compare-and-swaps it in. A target identical to the current split is a
// no-op (changed=false), which makes repeated evaluation passes over
// unchanged data idempotent. Version conflicts retry with exponential
// backoff up to the retry budget; exhaustion returns
// experiment.ErrRebalanceConflict.
//
// # Outputs
//
//   - Allocations: The split now in effect.
//   - bool: True if a write happened.
//   - error: Conflict exhaustion or store failure.
func (m *Manager) Rebalance(ctx context.Context, exp *experiment.Experiment,
	strategy Strategy, sig Signals) (Allocations, bool, error) {

	delay := m.backoff
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		current, version, err := m.store.Allocations(ctx, exp.ID)
		if err != nil {
			return nil, false, fmt.Errorf("read allocations for %s: %w", exp.ID, err)
		}

		target, err := strategy.Target(exp, current, sig)
		if err != nil {
			return nil, false, fmt.Errorf("compute %s target for %s: %w",
				strategy.Kind(), exp.ID, err)
		}
		if equal(target, current) {
			return current, false, nil
		}

		err = m.store.CompareAndSwap(ctx, exp.ID, version, target)
		if err == nil {
			m.metrics.RecordRebalance(string(strategy.Kind()))
			m.logger.Info("allocation rebalanced",
				"experiment_id", exp.ID,
				"strategy", string(strategy.Kind()),
				"version", version+1)
			return target, true, nil
		}
		if !errors.Is(err, experiment.ErrVersionMismatch) {
			return nil, false, fmt.Errorf("write allocations for %s: %w", exp.ID, err)
		}

		m.metrics.RecordConflict()
		m.logger.Warn("allocation CAS conflict, retrying",
			"experiment_id", exp.ID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, false, fmt.Errorf("rebalance %s after %d attempts: %w",
		exp.ID, m.maxRetries+1, experiment.ErrRebalanceConflict)
}

// variantIDs returns the experiment's variant ids in deterministic order.
func variantIDs(exp *experiment.Experiment) []string {
	ids := make([]string, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	return ids
}

// quantum is the allocation grid step. Non-anchor shares are snapped to
// exact multiples of 2^-30 percent, which keeps every partial float sum over
// them exact in any iteration order; the anchor then takes 100 minus the
// rest with no rounding anywhere.
const quantum = 1.0 / (1 << 30)

// normalize scales weights so they sum to exactly 100. Non-anchor shares
// land on the quantum grid and the anchor absorbs the remainder, so Sum is
// bit-exactly 100 regardless of summation order.
func normalize(weights Allocations, anchor string) Allocations {
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var total float64
	for _, id := range ids {
		total += weights[id]
	}
	out := make(Allocations, len(weights))
	if total == 0 {
		// Degenerate input: fall back to an equal split.
		for _, id := range ids {
			out[id] = 1
		}
		total = float64(len(ids))
	} else {
		for _, id := range ids {
			out[id] = weights[id]
		}
	}

	var rest float64
	for _, id := range ids {
		if id == anchor {
			continue
		}
		pct := math.Round(out[id]/total*100/quantum) * quantum
		out[id] = pct
		rest += pct
	}
	out[anchor] = 100 - rest
	if out[anchor] < 0 {
		// Grid rounding can push the rest past 100 when the anchor's own
		// share is near zero; the largest arm absorbs the overshoot.
		big := largestOf(out, anchor)
		out[big] += out[anchor]
		out[anchor] = 0
	}
	return out
}

// largestOf returns the id with the largest share, ties broken by id.
func largestOf(a Allocations, exclude string) string {
	var best string
	for id, pct := range a {
		if id == exclude {
			continue
		}
		if best == "" || pct > a[best] || (pct == a[best] && id < best) {
			best = id
		}
	}
	return best
}

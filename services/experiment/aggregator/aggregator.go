// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator accumulates outcome events into per-variant,
// per-segment, day-bucketed statistics.
//
// # Description
//
// The aggregator is the write-hot path of the engine. Producers call
// Record for every outcome event; the periodic evaluation pass calls
// Snapshot to obtain a consistent merged view. Counters are sharded by a
// hash of (variant, segment, day) so concurrent writers contend on
// different locks, and readers never hold any lock across statistical
// computation: Snapshot copies bucket values shard by shard and merges the
// copies.
//
// Revenue variance is maintained incrementally per bucket with Welford's
// algorithm; buckets are merged on read with the parallel (Chan et al.)
// form, so no raw sum-of-squares ever accumulates.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Record takes exactly one shard
// lock for O(1) work; it is never blocked by an in-flight Snapshot longer
// than a single bucket copy.
package aggregator

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/AleutianAI/bellwether/services/experiment"
)

// shardCount is the number of independent counter shards. Power of two so
// the hash can be masked.
const shardCount = 16

// bucketKey identifies one counter bucket: a variant, a subscriber segment,
// and a UTC day number (days since the Unix epoch).
type bucketKey struct {
	variantID string
	segment   string
	day       int64
}

// bucket is one Welford accumulator. Guarded by its shard's mutex.
type bucket struct {
	n           int64
	conversions int64
	revenueSum  float64
	revenueMean float64
	revenueM2   float64
}

// observe folds one event into the bucket (Welford update).
func (b *bucket) observe(ev experiment.OutcomeEvent) {
	b.n++
	if ev.Converted {
		b.conversions++
	}
	b.revenueSum += ev.Revenue
	delta := ev.Revenue - b.revenueMean
	b.revenueMean += delta / float64(b.n)
	b.revenueM2 += delta * (ev.Revenue - b.revenueMean)
}

// stats returns the bucket as an immutable VariantStats value.
func (b *bucket) stats() experiment.VariantStats {
	return experiment.VariantStats{
		N:           b.n,
		Conversions: b.conversions,
		RevenueSum:  b.revenueSum,
		RevenueMean: b.revenueMean,
		RevenueM2:   b.revenueM2,
	}
}

type shard struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// Aggregator accumulates outcome events for a single experiment.
type Aggregator struct {
	experimentID string
	windowStart  time.Time
	variants     map[string]struct{}
	clock        func() time.Time
	shards       [shardCount]shard
}

// Option customizes aggregator construction.
type Option func(*Aggregator)

// WithClock overrides the time source. Tests use this to pin "now".
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// New creates an aggregator for one experiment. Events are accepted for the
// experiment's variant ids only, within [windowStart, now].
func New(exp *experiment.Experiment, opts ...Option) *Aggregator {
	a := &Aggregator{
		experimentID: exp.ID,
		windowStart:  exp.StartedAt,
		variants:     make(map[string]struct{}, len(exp.Variants)),
		clock:        time.Now,
	}
	for _, v := range exp.Variants {
		a.variants[v.ID] = struct{}{}
	}
	for i := range a.shards {
		a.shards[i].buckets = make(map[bucketKey]*bucket)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record folds one outcome event into the aggregate.
//
// # Description
//
// O(1) amortized: hashes the bucket key, locks one shard, updates one
// Welford accumulator. Events outside [windowStart, now] are rejected with
// experiment.ErrOutOfWindow; events for unknown variants with
// experiment.ErrUnknownVariant. Both are non-fatal to the producer and the
// aggregate is left untouched.
//
// # Inputs
//
//   - ev: The outcome event. Timestamp must be within the experiment window.
//
// # Outputs
//
//   - error: nil on success; ErrOutOfWindow or ErrUnknownVariant otherwise.
func (a *Aggregator) Record(ev experiment.OutcomeEvent) error {
	if _, ok := a.variants[ev.VariantID]; !ok {
		return fmt.Errorf("record on experiment %s: variant %q: %w",
			a.experimentID, ev.VariantID, experiment.ErrUnknownVariant)
	}
	now := a.clock()
	if ev.Timestamp.Before(a.windowStart) || ev.Timestamp.After(now) {
		return fmt.Errorf("record on experiment %s: timestamp %s outside [%s, %s]: %w",
			a.experimentID, ev.Timestamp.Format(time.RFC3339),
			a.windowStart.Format(time.RFC3339), now.Format(time.RFC3339),
			experiment.ErrOutOfWindow)
	}

	key := bucketKey{
		variantID: ev.VariantID,
		segment:   ev.Segment,
		day:       dayNumber(ev.Timestamp),
	}
	s := &a.shards[shardIndex(key)]
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	b.observe(ev)
	s.mu.Unlock()
	return nil
}

// Query narrows a Snapshot. The zero value means "all segments, up to now".
type Query struct {
	// Segment restricts the snapshot to one segment. Empty means all.
	Segment string

	// AsOf restricts the snapshot to day buckets at or before this instant.
	// Zero means the aggregator's current clock time.
	AsOf time.Time
}

// Snapshot returns a consistent merged view of one variant's statistics.
//
// # Description
//
// Copies matching bucket values under each shard lock in turn, then merges
// the copies lock-free. The result reflects every Record that completed
// before the copy of its shard; the statistical computation downstream
// never observes a half-updated bucket.
func (a *Aggregator) Snapshot(variantID string, q Query) experiment.VariantStats {
	maxDay := dayNumber(a.clock())
	if !q.AsOf.IsZero() {
		maxDay = dayNumber(q.AsOf)
	}

	var out experiment.VariantStats
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for key, b := range s.buckets {
			if key.variantID != variantID || key.day > maxDay {
				continue
			}
			if q.Segment != "" && key.segment != q.Segment {
				continue
			}
			out = out.Merge(b.stats())
		}
		s.mu.Unlock()
	}
	return out
}

// SegmentSnapshots returns per-segment statistics for one variant, used by
// the Simpson's-paradox stratification check.
func (a *Aggregator) SegmentSnapshots(variantID string, asOf time.Time) map[string]experiment.VariantStats {
	maxDay := dayNumber(a.clock())
	if !asOf.IsZero() {
		maxDay = dayNumber(asOf)
	}

	out := make(map[string]experiment.VariantStats)
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for key, b := range s.buckets {
			if key.variantID != variantID || key.day > maxDay {
				continue
			}
			out[key.segment] = out[key.segment].Merge(b.stats())
		}
		s.mu.Unlock()
	}
	return out
}

// Segments returns every segment observed so far, across all variants.
func (a *Aggregator) Segments() []string {
	seen := make(map[string]struct{})
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for key := range s.buckets {
			seen[key.segment] = struct{}{}
		}
		s.mu.Unlock()
	}
	out := make([]string, 0, len(seen))
	for seg := range seen {
		out = append(out, seg)
	}
	return out
}

// dayNumber maps an instant to its UTC day bucket.
func dayNumber(t time.Time) int64 {
	return t.UTC().Unix() / (24 * 60 * 60)
}

// shardIndex hashes a bucket key onto a shard.
func shardIndex(key bucketKey) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key.variantID))
	h.Write([]byte{0})
	h.Write([]byte(key.segment))
	h.Write([]byte{0, byte(key.day), byte(key.day >> 8), byte(key.day >> 16)})
	return h.Sum32() & (shardCount - 1)
}

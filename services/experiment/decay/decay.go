// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decay computes the time-decayed confidence weight of an applied
// winner.
//
// The weight is a pure function of (now, applied_at) over an immutable band
// table injected at construction. Nothing is stored; every query recomputes,
// so the result is idempotent and side-effect-free by construction.
package decay

import (
	"time"
)

// WinnerState labels the decay band a winner currently sits in.
type WinnerState string

const (
	StateActiveWinner     WinnerState = "active_winner"
	StateDecayingWinner   WinnerState = "decaying_winner"
	StateBaseline         WinnerState = "baseline"
	StateNeedsReExperment WinnerState = "needs_re_experiment"
)

// Band is one row of the decay table: winners applied at most MaxAgeDays
// ago carry Weight and State.
type Band struct {
	MaxAgeDays int
	Weight     float64
	State      WinnerState
}

// DefaultBands returns the production decay table:
//
//	0–30 days   1.2  active_winner
//	31–60 days  1.1  decaying_winner
//	61–90 days  1.0  baseline
//	90+ days    1.0  needs_re_experiment
func DefaultBands() []Band {
	return []Band{
		{MaxAgeDays: 30, Weight: 1.2, State: StateActiveWinner},
		{MaxAgeDays: 60, Weight: 1.1, State: StateDecayingWinner},
		{MaxAgeDays: 90, Weight: 1.0, State: StateBaseline},
	}
}

// Result is the decayed view of one applied winner.
type Result struct {
	Weight            float64     `json:"weight"`
	State             WinnerState `json:"state"`
	AgeDays           int         `json:"age_days"`
	NeedsReExperiment bool        `json:"needs_re_experiment"`
}

// Scheduler evaluates the decay table. Construct once with the band table;
// the zero clock means time.Now.
type Scheduler struct {
	bands []Band
	clock func() time.Time
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New creates a decay scheduler over an immutable band table. Bands must be
// ordered by ascending MaxAgeDays; ages past the last band decay to weight
// 1.0 with the needs_re_experiment flag raised.
func New(bands []Band, opts ...Option) *Scheduler {
	s := &Scheduler{bands: bands, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Weight returns the decayed confidence weight for a winner applied at the
// given instant.
func (s *Scheduler) Weight(appliedAt time.Time) Result {
	age := int(s.clock().Sub(appliedAt).Hours() / 24)
	if age < 0 {
		age = 0
	}
	for _, band := range s.bands {
		if age <= band.MaxAgeDays {
			return Result{Weight: band.Weight, State: band.State, AgeDays: age}
		}
	}
	return Result{
		Weight:            1.0,
		State:             StateNeedsReExperment,
		AgeDays:           age,
		NeedsReExperiment: true,
	}
}

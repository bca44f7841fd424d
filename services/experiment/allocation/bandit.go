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
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/AleutianAI/bellwether/services/experiment"
)

// Bandit is the opt-in Thompson-sampling strategy, mutually exclusive with
// Phased for the lifetime of an experiment.
//
// Each allocation cycle draws one sample per variant from the Beta
// posterior over its conversion rate, alpha = conversions+1 and
// beta = (n-conversions)+1, then normalizes the draw vector to a
// 100-percent split. A confirmed winner short-circuits to 100%.
//
// The RNG is injected so tests seed it for reproducible draws; it is
// guarded by a mutex because math/rand sources are not safe for concurrent
// use.
type Bandit struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBandit creates a Thompson-sampling strategy with a seeded RNG.
func NewBandit(seed int64) *Bandit {
	return &Bandit{rng: rand.New(rand.NewSource(seed))}
}

// Kind implements Strategy.
func (*Bandit) Kind() experiment.StrategyKind { return experiment.StrategyBandit }

// Target implements Strategy.
func (b *Bandit) Target(exp *experiment.Experiment, _ Allocations, sig Signals) (Allocations, error) {
	ids := variantIDs(exp)

	if sig.ConfirmedWinner != "" {
		if exp.Variant(sig.ConfirmedWinner) == nil {
			return nil, fmt.Errorf("confirmed winner %q: %w",
				sig.ConfirmedWinner, experiment.ErrUnknownVariant)
		}
		out := make(Allocations, len(ids))
		for _, id := range ids {
			out[id] = 0
		}
		out[sig.ConfirmedWinner] = 100
		return out, nil
	}

	draws := make(Allocations, len(ids))
	b.mu.Lock()
	// Iterate in sorted id order so a fixed seed yields a fixed split.
	for _, id := range ids {
		st := sig.Stats[id]
		alpha := float64(st.Conversions) + 1
		beta := float64(st.N-st.Conversions) + 1
		draws[id] = b.sampleBeta(alpha, beta)
	}
	b.mu.Unlock()

	return normalize(draws, ids[0]), nil
}

// sampleBeta draws from Beta(alpha, beta) as Ga/(Ga+Gb) with two gamma
// draws. Caller holds b.mu.
func (b *Bandit) sampleBeta(alpha, beta float64) float64 {
	ga := b.sampleGamma(alpha)
	gb := b.sampleGamma(beta)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// sampleGamma draws from Gamma(shape, 1) with the Marsaglia–Tsang squeeze.
// Shapes here are always >= 1 (posterior parameters are counts + 1), which
// is the regime the squeeze is valid for without the boosting step. Caller
// holds b.mu.
func (b *Bandit) sampleGamma(shape float64) float64 {
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := b.rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := b.rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// ForKind returns the strategy instance for an experiment's declared kind.
// The bandit seed should come from configuration so operators can reproduce
// an allocation sequence.
func ForKind(kind experiment.StrategyKind, banditSeed int64) (Strategy, error) {
	switch kind {
	case experiment.StrategyPhased, "":
		return NewPhased(), nil
	case experiment.StrategyBandit:
		return NewBandit(banditSeed), nil
	default:
		return nil, fmt.Errorf("unknown allocation strategy %q", kind)
	}
}

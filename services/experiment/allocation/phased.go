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

	"github.com/AleutianAI/bellwether/services/experiment"
)

// Phased is the default allocation strategy. It moves traffic in discrete
// phases keyed to evaluation signals:
//
//	experiment start     -> equal split (handled by Manager.Initialize)
//	early loser (p<.01)  -> loser to 0%, remainder renormalized to 100
//	early winner         -> 70% winner, 30% split proportionally across the
//	                        remaining live arms
//	confirmed winner     -> 100% winner
//
// Phased is stateless and safe for concurrent use.
type Phased struct{}

// NewPhased returns the phased strategy.
func NewPhased() *Phased { return &Phased{} }

// Kind implements Strategy.
func (*Phased) Kind() experiment.StrategyKind { return experiment.StrategyPhased }

// Target implements Strategy.
func (*Phased) Target(exp *experiment.Experiment, current Allocations, sig Signals) (Allocations, error) {
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

	losers := make(map[string]struct{}, len(sig.EarlyLosers))
	for _, id := range sig.EarlyLosers {
		if exp.Variant(id) == nil {
			return nil, fmt.Errorf("early loser %q: %w",
				id, experiment.ErrUnknownVariant)
		}
		losers[id] = struct{}{}
	}

	// Live weights start from the current split so repeated rebalances with
	// the same signals are stable: dropping a loser keeps the survivors'
	// relative proportions.
	live := make(Allocations, len(ids))
	for _, id := range ids {
		if _, dropped := losers[id]; dropped {
			continue
		}
		live[id] = current[id]
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("all variants marked losers on %s", exp.ID)
	}

	if sig.EarlyWinner != "" {
		if _, ok := live[sig.EarlyWinner]; !ok {
			return nil, fmt.Errorf("early winner %q: %w",
				sig.EarlyWinner, experiment.ErrUnknownVariant)
		}
		out := make(Allocations, len(ids))
		for _, id := range ids {
			out[id] = 0
		}
		out[sig.EarlyWinner] = 100
		if len(live) > 1 {
			// 70% to the winner, 30% split across the rest in proportion to
			// their current shares. The winner anchors the normalization so
			// the float residue lands on it and the total is exactly 100.
			var rest float64
			for id, pct := range live {
				if id != sig.EarlyWinner {
					rest += pct
				}
			}
			weights := live.Clone()
			weights[sig.EarlyWinner] = 70
			for id := range weights {
				if id == sig.EarlyWinner {
					continue
				}
				if rest == 0 {
					weights[id] = 30 / float64(len(weights)-1)
				} else {
					weights[id] = live[id] / rest * 30
				}
			}
			for id, pct := range normalize(weights, sig.EarlyWinner) {
				out[id] = pct
			}
		}
		return out, nil
	}

	if len(losers) > 0 {
		out := make(Allocations, len(ids))
		for _, id := range ids {
			out[id] = 0
		}
		renorm := normalize(live, anchorOf(live))
		for id, pct := range renorm {
			out[id] = pct
		}
		return out, nil
	}

	// No signals: hold the current split.
	return current.Clone(), nil
}

// anchorOf picks a deterministic id to absorb float residue.
func anchorOf(a Allocations) string {
	var anchor string
	for id := range a {
		if anchor == "" || id < anchor {
			anchor = id
		}
	}
	return anchor
}

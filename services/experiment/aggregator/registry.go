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
	"sync"
	"time"

	"github.com/AleutianAI/bellwether/services/experiment"
)

// Registry hands out one Aggregator per experiment. Pausing an experiment
// removes it from the evaluation schedule but its aggregator (and all
// recorded events) stays in the registry, so resume needs no replay.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byExp map[string]*Aggregator
	clock func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byExp: make(map[string]*Aggregator),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryOption customizes registry construction.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source for every aggregator the
// registry creates.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// For returns the aggregator for an experiment, creating it on first use.
func (r *Registry) For(exp *experiment.Experiment) *Aggregator {
	r.mu.RLock()
	a, ok := r.byExp[exp.ID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byExp[exp.ID]; ok {
		return a
	}
	a = New(exp, WithClock(r.clock))
	r.byExp[exp.ID] = a
	return a
}

// Get returns the aggregator for an experiment id, or nil if none was
// created yet.
func (r *Registry) Get(experimentID string) *Aggregator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byExp[experimentID]
}

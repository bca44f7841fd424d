// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists experiments, allocation versions, and winner
// records.
//
// # Description
//
// The store is the only component with durable state. Its contract carries
// the engine's concurrency guarantees:
//
//   - Experiment updates and allocation writes are compare-and-swap on a
//     version counter (experiment.ErrVersionMismatch on conflict).
//   - Winner records are created exactly once per experiment
//     (experiment.ErrWinnerExists on a duplicate).
//   - Winner claims are at-most-once: the first consumer's compare-and-swap
//     on the applied flag wins, every later claim gets
//     experiment.ErrWinnerAlreadyApplied.
//
// The statistical core never blocks on the store; all calls happen at the
// lifecycle/allocation boundary and may be retried without affecting
// in-memory counters.
package store

import (
	"context"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/allocation"
)

// Store is the persistence boundary of the engine. It embeds
// allocation.Store so the allocation manager can run its CAS loop against
// the same backend.
type Store interface {
	allocation.Store

	// CreateExperiment persists a new experiment. The experiment id must be
	// unused.
	CreateExperiment(ctx context.Context, exp *experiment.Experiment) error

	// GetExperiment loads an experiment or returns
	// experiment.ErrUnknownExperiment.
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)

	// UpdateExperiment writes an experiment back if its Version still
	// matches the stored one, then increments both. Returns
	// experiment.ErrVersionMismatch on conflict.
	UpdateExperiment(ctx context.Context, exp *experiment.Experiment) error

	// ListExperiments returns experiments, optionally filtered to the given
	// statuses.
	ListExperiments(ctx context.Context, statuses ...experiment.Status) ([]*experiment.Experiment, error)

	// CreateWinner persists a winner record exactly once per experiment.
	CreateWinner(ctx context.Context, rec *experiment.WinnerRecord) error

	// GetWinner loads the winner record for an experiment or returns
	// experiment.ErrNoWinner.
	GetWinner(ctx context.Context, experimentID string) (*experiment.WinnerRecord, error)

	// ListUnappliedWinners returns unclaimed winner records discoverable by
	// the given consumer role.
	ListUnappliedWinners(ctx context.Context, consumerRole string) ([]*experiment.WinnerRecord, error)

	// ClaimWinner atomically sets applied/applied_at/applied_by on a winner
	// record. At-most-once: a second claim returns
	// experiment.ErrWinnerAlreadyApplied with the already-applied record.
	ClaimWinner(ctx context.Context, experimentID, consumerID string) (*experiment.WinnerRecord, error)

	// Close releases the underlying database.
	Close() error
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import "errors"

// Sentinel errors shared across the engine. Callers match with errors.Is;
// wrapping sites add experiment/variant context with fmt.Errorf("%w").
var (
	// ErrOutOfWindow is returned when an outcome event's timestamp falls
	// outside [experiment.StartedAt, now]. The event is rejected, logged as
	// a guardrail warning, and is non-fatal to the producer.
	ErrOutOfWindow = errors.New("event timestamp outside experiment window")

	// ErrUnknownExperiment is returned when no experiment exists for an id.
	ErrUnknownExperiment = errors.New("unknown experiment")

	// ErrUnknownVariant is returned when an event or rebalance references a
	// variant id that is not an arm of the experiment.
	ErrUnknownVariant = errors.New("unknown variant")

	// ErrRebalanceConflict is returned after optimistic-concurrency retries
	// on an allocation write are exhausted. The caller must retry the whole
	// evaluation cycle rather than partially apply a split.
	ErrRebalanceConflict = errors.New("allocation rebalance conflict")

	// ErrVersionMismatch is returned by the store when a compare-and-swap
	// on an entity's version counter fails.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrWinnerAlreadyApplied is returned when a consumer claims a winner
	// record whose applied flag was already set by an earlier claim.
	ErrWinnerAlreadyApplied = errors.New("winner already applied")

	// ErrWinnerExists is returned when a winner record is created twice for
	// the same experiment. Creation is exactly-once by contract.
	ErrWinnerExists = errors.New("winner record already exists")

	// ErrNoWinner is returned when no winner record exists for an
	// experiment.
	ErrNoWinner = errors.New("no winner record")

	// ErrInvalidTransition is returned when a lifecycle transition is not
	// permitted by the state machine.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrNoControl is returned for a malformed experiment without exactly
	// one control variant.
	ErrNoControl = errors.New("experiment has no control variant")
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"fmt"

	"github.com/AleutianAI/bellwether/services/experiment"
)

// transitions is the complete state machine. A status maps to the set of
// states it may move to; terminal states map to the empty set. There is no
// other path between states anywhere in the engine.
var transitions = map[experiment.Status]map[experiment.Status]struct{}{
	experiment.StatusRunning: {
		experiment.StatusPaused:          {},
		experiment.StatusReadyToComplete: {},
		experiment.StatusStopped:         {},
	},
	experiment.StatusReadyToComplete: {
		experiment.StatusPaused:    {},
		experiment.StatusCompleted: {},
	},
	experiment.StatusPaused: {
		experiment.StatusRunning: {},
	},
	experiment.StatusCompleted: {},
	experiment.StatusStopped:   {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to experiment.Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// transition validates and applies a status change on the experiment,
// leaving persistence to the caller.
func transition(exp *experiment.Experiment, to experiment.Status) error {
	if !CanTransition(exp.Status, to) {
		return fmt.Errorf("experiment %s: %s -> %s: %w",
			exp.ID, exp.Status, to, experiment.ErrInvalidTransition)
	}
	exp.Status = to
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/allocation"
	badgerstore "github.com/AleutianAI/bellwether/services/experiment/storage/badger"
)

// Key layout. Values are JSON-encoded entities; the role index maps a
// consumer role to the experiment ids with winners it may claim.
const (
	prefixExperiment = "experiment/"
	prefixAllocation = "allocation/"
	prefixWinner     = "winner/"
	prefixRoleIndex  = "winner_role/"
)

// conflictRetries bounds how often a serializable-transaction conflict is
// retried before it surfaces to the caller.
const conflictRetries = 3

// allocationRecord is the stored form of one experiment's split. Version is
// the optimistic-concurrency counter; 0 means "never written".
type allocationRecord struct {
	Version  uint64             `json:"version"`
	Percents map[string]float64 `json:"percents"`
}

// BadgerStore implements Store on an embedded BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Read-modify-write operations run inside
// serializable Badger transactions; commit conflicts are retried a bounded
// number of times and then surfaced as the operation's sentinel error.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	clock  func() time.Time
}

// BadgerOption customizes the store.
type BadgerOption func(*BadgerStore)

// WithClock overrides the time source used for applied_at stamps.
func WithClock(clock func() time.Time) BadgerOption {
	return func(s *BadgerStore) { s.clock = clock }
}

// NewBadgerStore opens a store over the given Badger configuration.
func NewBadgerStore(cfg badgerstore.Config, logger *slog.Logger, opts ...BadgerOption) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badgerstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	s := &BadgerStore{db: db, logger: logger, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC runs value log garbage collection on the configured cadence until
// the context is cancelled. Call from a dedicated goroutine.
func (s *BadgerStore) RunGC(ctx context.Context, cfg badgerstore.Config) {
	badgerstore.RunGC(ctx, s.db, cfg)
}

// =============================================================================
// Experiments
// =============================================================================

// CreateExperiment implements Store.
func (s *BadgerStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(prefixExperiment + exp.ID)
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("experiment %s already exists", exp.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putJSON(txn, key, exp)
	})
}

// GetExperiment implements Store.
func (s *BadgerStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var exp experiment.Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixExperiment+id), &exp)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("experiment %s: %w", id, experiment.ErrUnknownExperiment)
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// UpdateExperiment implements Store.
func (s *BadgerStore) UpdateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(prefixExperiment + exp.ID)
	err := s.update(func(txn *badger.Txn) error {
		var stored experiment.Experiment
		if err := getJSON(txn, key, &stored); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("experiment %s: %w", exp.ID, experiment.ErrUnknownExperiment)
			}
			return err
		}
		if stored.Version != exp.Version {
			return fmt.Errorf("experiment %s at version %d, expected %d: %w",
				exp.ID, stored.Version, exp.Version, experiment.ErrVersionMismatch)
		}
		next := *exp
		next.Version = exp.Version + 1
		return putJSON(txn, key, &next)
	})
	if err == nil {
		exp.Version++
	}
	return err
}

// ListExperiments implements Store.
func (s *BadgerStore) ListExperiments(ctx context.Context, statuses ...experiment.Status) ([]*experiment.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[experiment.Status]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}

	var out []*experiment.Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixExperiment)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var exp experiment.Experiment
			if err := json.Unmarshal(val, &exp); err != nil {
				return fmt.Errorf("decode experiment %s: %w", it.Item().Key(), err)
			}
			if len(wanted) > 0 {
				if _, ok := wanted[exp.Status]; !ok {
					continue
				}
			}
			out = append(out, &exp)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// Allocations
// =============================================================================

// Allocations implements allocation.Store.
func (s *BadgerStore) Allocations(ctx context.Context, experimentID string) (allocation.Allocations, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var rec allocationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixAllocation+experimentID), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return allocation.Allocations{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return allocation.Allocations(rec.Percents), rec.Version, nil
}

// CompareAndSwap implements allocation.Store.
func (s *BadgerStore) CompareAndSwap(ctx context.Context, experimentID string, version uint64, next allocation.Allocations) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(prefixAllocation + experimentID)
	return s.update(func(txn *badger.Txn) error {
		var rec allocationRecord
		err := getJSON(txn, key, &rec)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if rec.Version != version {
			return fmt.Errorf("allocations for %s at version %d, expected %d: %w",
				experimentID, rec.Version, version, experiment.ErrVersionMismatch)
		}
		return putJSON(txn, key, &allocationRecord{
			Version:  version + 1,
			Percents: next,
		})
	})
}

// =============================================================================
// Winner Records
// =============================================================================

// CreateWinner implements Store.
func (s *BadgerStore) CreateWinner(ctx context.Context, rec *experiment.WinnerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(prefixWinner + rec.ExperimentID)
	roleKey := []byte(prefixRoleIndex + rec.ConsumerRole + "/" + rec.ExperimentID)
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("winner for %s: %w", rec.ExperimentID, experiment.ErrWinnerExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := putJSON(txn, key, rec); err != nil {
			return err
		}
		return txn.Set(roleKey, []byte(rec.ExperimentID))
	})
}

// GetWinner implements Store.
func (s *BadgerStore) GetWinner(ctx context.Context, experimentID string) (*experiment.WinnerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec experiment.WinnerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixWinner+experimentID), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("winner for %s: %w", experimentID, experiment.ErrNoWinner)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListUnappliedWinners implements Store.
func (s *BadgerStore) ListUnappliedWinners(ctx context.Context, consumerRole string) ([]*experiment.WinnerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*experiment.WinnerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRoleIndex + consumerRole + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			expID, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec experiment.WinnerRecord
			if err := getJSON(txn, []byte(prefixWinner+string(expID)), &rec); err != nil {
				return err
			}
			if rec.Applied {
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// ClaimWinner implements Store.
//
// The read-check-write runs inside one serializable transaction, so two
// concurrent claims on the same record produce exactly one success; the
// loser either hits a commit conflict (and re-reads the applied flag on
// retry) or sees the flag directly.
func (s *BadgerStore) ClaimWinner(ctx context.Context, experimentID, consumerID string) (*experiment.WinnerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := []byte(prefixWinner + experimentID)
	var claimed experiment.WinnerRecord
	err := s.update(func(txn *badger.Txn) error {
		if err := getJSON(txn, key, &claimed); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("winner for %s: %w", experimentID, experiment.ErrNoWinner)
			}
			return err
		}
		if claimed.Applied {
			return fmt.Errorf("winner for %s claimed by %s: %w",
				experimentID, claimed.AppliedBy, experiment.ErrWinnerAlreadyApplied)
		}
		now := s.clock().UTC()
		claimed.Applied = true
		claimed.AppliedAt = &now
		claimed.AppliedBy = consumerID
		return putJSON(txn, key, &claimed)
	})
	if err != nil {
		if errors.Is(err, experiment.ErrWinnerAlreadyApplied) {
			return &claimed, err
		}
		return nil, err
	}
	s.logger.Info("winner claimed",
		"experiment_id", experimentID, "applied_by", consumerID)
	return &claimed, nil
}

// =============================================================================
// Internals
// =============================================================================

// update runs fn in a read-write transaction, retrying bounded times on
// serializable-commit conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(val, dst)
}

func putJSON(txn *badger.Txn, key []byte, src any) error {
	val, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler runs the background evaluation and allocation loops.
//
// # Description
//
// Two cadences drive the engine: the evaluation cycle (significance,
// guardrails, lifecycle decisions) and the faster bandit allocation cycle
// (Thompson-sampling traffic shifts). Each cycle fans out across active
// experiments with a bounded errgroup; per-experiment ordering is already
// serialized inside the controller, so cycles of the same experiment can
// never interleave even when a cycle overruns its interval.
//
// Uses the ticker + done channel pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe. Start/Stop are guarded by a mutex.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/lifecycle"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

// Config holds the scheduler's cadences and fan-out bound.
//
// # Fields
//
//   - EvaluationInterval: How often to evaluate every active experiment.
//     Default: 1 hour.
//   - AllocationInterval: How often bandit experiments resample their
//     traffic split. Default: 10 minutes.
//   - MaxConcurrent: Upper bound on experiments evaluated in parallel.
//     Default: 8.
type Config struct {
	EvaluationInterval time.Duration
	AllocationInterval time.Duration
	MaxConcurrent      int
}

// DefaultConfig returns production-ready scheduler settings.
func DefaultConfig() Config {
	return Config{
		EvaluationInterval: 1 * time.Hour,
		AllocationInterval: 10 * time.Minute,
		MaxConcurrent:      8,
	}
}

// Scheduler drives periodic evaluation and bandit allocation cycles.
type Scheduler struct {
	controller *lifecycle.Controller
	store      store.Store
	metrics    *observability.EngineMetrics
	logger     *slog.Logger
	config     Config
	clock      func() time.Time

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New creates a scheduler. metrics may be nil to disable instrumentation.
func New(controller *lifecycle.Controller, st store.Store,
	metrics *observability.EngineMetrics, logger *slog.Logger,
	config Config, opts ...Option) *Scheduler {

	if logger == nil {
		logger = slog.Default()
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = DefaultConfig().EvaluationInterval
	}
	if config.AllocationInterval <= 0 {
		config.AllocationInterval = DefaultConfig().AllocationInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	s := &Scheduler{
		controller: controller,
		store:      st,
		metrics:    metrics,
		logger:     logger,
		config:     config,
		clock:      time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background loops. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("evaluation scheduler starting",
		"evaluation_interval", s.config.EvaluationInterval.String(),
		"allocation_interval", s.config.AllocationInterval.String(),
		"max_concurrent", s.config.MaxConcurrent,
	)

	go s.runLoop(ctx)
	return nil
}

// Stop signals the loops to exit. Safe to call multiple times; does not
// interrupt a cycle already in flight.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.logger.Info("evaluation scheduler stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunEvaluationNow triggers one evaluation cycle outside the schedule.
func (s *Scheduler) RunEvaluationNow(ctx context.Context) error {
	return s.evaluationCycle(ctx)
}

// RunAllocationNow triggers one bandit allocation cycle outside the
// schedule.
func (s *Scheduler) RunAllocationNow(ctx context.Context) error {
	return s.allocationCycle(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Scheduler) runLoop(ctx context.Context) {
	evalTicker := time.NewTicker(s.config.EvaluationInterval)
	defer evalTicker.Stop()
	allocTicker := time.NewTicker(s.config.AllocationInterval)
	defer allocTicker.Stop()

	// Evaluate immediately on start so a restart never leaves experiments
	// waiting a full interval.
	s.execute(ctx, "evaluation", s.evaluationCycle)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("evaluation scheduler stopped (context cancelled)")
			return
		case <-s.done:
			s.logger.Info("evaluation scheduler stopped (stop requested)")
			return
		case <-evalTicker.C:
			s.execute(ctx, "evaluation", s.evaluationCycle)
		case <-allocTicker.C:
			s.execute(ctx, "allocation", s.allocationCycle)
		}
	}
}

// execute runs one cycle with error containment so a failing cycle never
// kills the loop.
func (s *Scheduler) execute(ctx context.Context, name string, cycle func(context.Context) error) {
	if err := cycle(ctx); err != nil {
		s.logger.Error("scheduler cycle failed", "cycle", name, "error", err)
	}
}

// evaluationCycle evaluates every active experiment. Failures are isolated
// per experiment: a rebalance conflict or a paused experiment never blocks
// the rest of the fleet.
func (s *Scheduler) evaluationCycle(ctx context.Context) error {
	active, err := s.store.ListExperiments(ctx,
		experiment.StatusRunning, experiment.StatusReadyToComplete)
	if err != nil {
		return fmt.Errorf("list active experiments: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ActiveExperiments.Set(float64(len(active)))
	}
	if len(active) == 0 {
		s.logger.Debug("evaluation cycle completed (no active experiments)")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	for _, exp := range active {
		g.Go(func() error {
			s.evaluateOne(gctx, exp.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("evaluation cycle completed", "experiments", len(active))
	return nil
}

func (s *Scheduler) evaluateOne(ctx context.Context, experimentID string) {
	start := s.clock()
	_, err := s.controller.Evaluate(ctx, experimentID)
	if s.metrics != nil {
		s.metrics.RecordEvaluation(s.clock().Sub(start).Seconds(), err == nil)
	}
	if err == nil {
		return
	}
	if errors.Is(err, experiment.ErrRebalanceConflict) {
		// The next cycle retries the whole evaluation; nothing was applied.
		s.logger.Warn("evaluation hit rebalance conflict, deferring to next cycle",
			"experiment_id", experimentID)
		return
	}
	s.logger.Error("evaluation failed",
		"experiment_id", experimentID, "error", err)
}

// allocationCycle resamples the traffic split of every running bandit
// experiment.
func (s *Scheduler) allocationCycle(ctx context.Context) error {
	running, err := s.store.ListExperiments(ctx, experiment.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running experiments: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	count := 0
	for _, exp := range running {
		if exp.Strategy != experiment.StrategyBandit {
			continue
		}
		count++
		id := exp.ID
		g.Go(func() error {
			// Successful writes are counted by the allocation manager.
			if err := s.controller.ReallocateBandit(gctx, id); err != nil {
				s.logger.Error("bandit reallocation failed",
					"experiment_id", id, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if count > 0 {
		s.logger.Debug("allocation cycle completed", "bandit_experiments", count)
	}
	return nil
}

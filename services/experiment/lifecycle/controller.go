// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle drives the experiment state machine.
//
// # Description
//
// The controller is the single writer of experiment status. One evaluation
// pass reads a consistent aggregator snapshot, runs the guardrails and the
// significance calculator, decides a transition, applies any traffic
// rebalance through the allocation manager, and emits the evaluation
// report. Evaluation is idempotent: over unchanged aggregated data it
// produces an identical report, performs no allocation write, and never
// creates a second winner record.
//
// A transition to COMPLETED is never automatic unless auto_apply was set at
// experiment creation; otherwise the experiment parks in READY_TO_COMPLETE
// until Approve is called.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Evaluations of the same
// experiment are serialized on a per-experiment mutex; different
// experiments proceed fully in parallel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/aggregator"
	"github.com/AleutianAI/bellwether/services/experiment/allocation"
	"github.com/AleutianAI/bellwether/services/experiment/guardrail"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
	"github.com/AleutianAI/bellwether/services/experiment/stats"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

// earlyLoserAlpha is the fixed threshold for dropping a variant early: the
// effect must be negative and significant at p<0.01, uncorrected. This is
// deliberately stricter than the winner threshold.
const earlyLoserAlpha = 0.01

// Config holds the controller's immutable tuning.
type Config struct {
	// BanditSeed seeds the Thompson sampler so an allocation sequence can
	// be reproduced from logs.
	BanditSeed int64
}

// Controller owns the experiment state machine.
type Controller struct {
	store    store.Store
	registry *aggregator.Registry
	guard    *guardrail.Engine
	alloc    *allocation.Manager
	phased   allocation.Strategy
	bandit   allocation.Strategy
	logger   *slog.Logger
	metrics  *observability.EngineMetrics
	clock    func() time.Time

	// locks serializes work per experiment id (value: *sync.Mutex).
	locks sync.Map
}

// Option customizes the controller.
type Option func(*Controller)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithMetrics attaches engine metrics; nil disables instrumentation.
func WithMetrics(metrics *observability.EngineMetrics) Option {
	return func(c *Controller) { c.metrics = metrics }
}

// NewController wires the evaluation pipeline together.
func NewController(st store.Store, reg *aggregator.Registry, guard *guardrail.Engine,
	alloc *allocation.Manager, cfg Config, logger *slog.Logger, opts ...Option) *Controller {

	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:    st,
		registry: reg,
		guard:    guard,
		alloc:    alloc,
		phased:   allocation.NewPhased(),
		bandit:   allocation.NewBandit(cfg.BanditSeed),
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) lockFor(experimentID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(experimentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *Controller) strategyFor(exp *experiment.Experiment) allocation.Strategy {
	if exp.Strategy == experiment.StrategyBandit {
		return c.bandit
	}
	return c.phased
}

// advance moves the experiment to a new status and counts the transition.
func (c *Controller) advance(exp *experiment.Experiment, to experiment.Status) error {
	from := exp.Status
	if err := transition(exp, to); err != nil {
		return err
	}
	c.metrics.RecordTransition(string(from), string(to))
	return nil
}

// =============================================================================
// Experiment Creation
// =============================================================================

// Create validates and persists a new experiment, assigns ids where absent,
// and writes the starting equal split.
func (c *Controller) Create(ctx context.Context, exp *experiment.Experiment) error {
	if err := validateNew(exp); err != nil {
		return err
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.StartedAt.IsZero() {
		exp.StartedAt = c.clock().UTC()
	}
	exp.Status = experiment.StatusRunning
	if exp.Strategy == "" {
		exp.Strategy = experiment.StrategyPhased
	}
	for i := range exp.Variants {
		if exp.Variants[i].ID == "" {
			exp.Variants[i].ID = uuid.NewString()
		}
		exp.Variants[i].ExperimentID = exp.ID
	}

	if err := c.store.CreateExperiment(ctx, exp); err != nil {
		return err
	}
	alloc, err := c.alloc.Initialize(ctx, exp)
	if err != nil {
		return err
	}
	for i := range exp.Variants {
		exp.Variants[i].AllocationPercent = alloc[exp.Variants[i].ID]
	}
	c.registry.For(exp)
	c.logger.Info("experiment created",
		"experiment_id", exp.ID,
		"type", string(exp.Type),
		"strategy", string(exp.Strategy),
		"variants", len(exp.Variants))
	return nil
}

func validateNew(exp *experiment.Experiment) error {
	if !exp.Type.Valid() {
		return fmt.Errorf("invalid experiment type %q", exp.Type)
	}
	if !exp.PrimaryMetric.Valid() {
		return fmt.Errorf("invalid primary metric %q", exp.PrimaryMetric)
	}
	for _, m := range exp.SecondaryMetrics {
		if !m.Valid() {
			return fmt.Errorf("invalid secondary metric %q", m)
		}
	}
	if len(exp.Variants) < 2 {
		return fmt.Errorf("experiment needs at least two variants, got %d", len(exp.Variants))
	}
	controls := 0
	for _, v := range exp.Variants {
		if v.IsControl {
			controls++
		}
	}
	if controls != 1 {
		return fmt.Errorf("experiment needs exactly one control variant, got %d: %w",
			controls, experiment.ErrNoControl)
	}
	if exp.MinDetectableEffect <= 0 {
		return fmt.Errorf("min_detectable_effect must be positive")
	}
	if exp.MaxDuration < exp.MinDuration {
		return fmt.Errorf("max_duration %s below min_duration %s",
			exp.MaxDuration, exp.MinDuration)
	}
	return nil
}

// =============================================================================
// Evaluation
// =============================================================================

// decision is what one analysis pass wants done.
type decision struct {
	earlyLosers []string
	winner      string
	confidence  float64
	promote     bool
	stop        bool
}

// Evaluate runs one evaluation pass for an experiment.
//
// # Description
//
// Serialized per experiment. A technical failure during analysis moves the
// experiment to PAUSED with no data mutation and returns the failure; a
// rebalance conflict is returned as-is so the caller retries the whole
// cycle.
func (c *Controller) Evaluate(ctx context.Context, experimentID string) (*Report, error) {
	mu := c.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	switch exp.Status {
	case experiment.StatusPaused:
		return c.passiveReport(ctx, exp, experiment.RecommendContinue)
	case experiment.StatusCompleted:
		return c.passiveReport(ctx, exp, experiment.RecommendCompleteWithWinner)
	case experiment.StatusStopped:
		return c.passiveReport(ctx, exp, experiment.RecommendStop)
	}

	report, dec, err := c.analyze(ctx, exp)
	if err != nil {
		c.pauseOnFailure(ctx, exp, err)
		return nil, err
	}
	if err := c.apply(ctx, exp, dec, report); err != nil {
		return nil, err
	}
	if err := c.finishReport(ctx, exp, report); err != nil {
		return nil, err
	}
	return report, nil
}

// analyze computes the report skeleton and the decision. It mutates
// nothing; panics in the statistical path are recovered into an error so
// the caller can park the experiment in PAUSED.
func (c *Controller) analyze(ctx context.Context, exp *experiment.Experiment) (rep *Report, dec decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			rep, dec = nil, decision{}
			err = fmt.Errorf("evaluation panic on experiment %s: %v", exp.ID, r)
		}
	}()

	control := exp.Control()
	if control == nil {
		return nil, decision{}, fmt.Errorf("experiment %s: %w", exp.ID, experiment.ErrNoControl)
	}

	agg := c.registry.For(exp)
	now := c.clock()
	aggregate := make(map[string]experiment.VariantStats, len(exp.Variants))
	segments := make(map[string]map[string]experiment.VariantStats, len(exp.Variants))
	var totalN int64
	for _, v := range exp.Variants {
		st := agg.Snapshot(v.ID, aggregator.Query{})
		aggregate[v.ID] = st
		segments[v.ID] = agg.SegmentSnapshots(v.ID, time.Time{})
		totalN += st.N
	}

	rep = &Report{
		ExperimentID: exp.ID,
		ElapsedDays:  int(exp.Elapsed(now).Hours() / 24),
	}

	verdict := c.guard.Inspect(exp, aggregate, segments)
	rep.Guardrails = verdict
	rep.Variants = buildVariantReports(exp, aggregate)
	rep.Analysis.ControlBaseline = aggregate[control.ID].MetricValue(exp.PrimaryMetric)

	if totalN == 0 || verdict.InsufficientData {
		rep.Status = ReportStatusInsufficientData
		if exp.Elapsed(now) >= exp.MaxDuration {
			// The window closed before the sample floor was reached; there
			// is no winner left to wait for.
			return rep, decision{stop: true}, nil
		}
		rep.Recommendation = experiment.RecommendContinue
		return rep, decision{}, nil
	}

	// Score every treatment on every metric at the corrected threshold.
	metrics := exp.Metrics()
	results := make(map[string][]experiment.SignificanceResult, len(exp.Variants)-1)
	for _, v := range exp.Variants {
		if v.IsControl {
			continue
		}
		rs := make([]experiment.SignificanceResult, 0, len(metrics))
		for _, m := range metrics {
			rs = append(rs, stats.Compare(m, aggregate[control.ID], aggregate[v.ID], verdict.AdjustedAlpha))
		}
		results[v.ID] = rs
	}
	attachSignificance(rep, results)

	best := bestTreatment(exp, aggregate, results)
	rep.Analysis.BestTreatment = best

	if verdict.DivergenceDetected {
		// Auto-declaration is forbidden; surface for human resolution and
		// take no automated action this cycle.
		rep.Status = ReportStatusNeedsManualReview
		rep.Recommendation = experiment.RecommendContinue
		return rep, decision{}, nil
	}

	dec.earlyLosers = earlyLosers(exp, results)
	if best != nil && best.IsSignificant && best.RelativeLift > 0 &&
		exp.Elapsed(now) >= exp.MinDuration {
		dec.winner = best.VariantID
		dec.confidence = 1 - best.PValue
		dec.promote = true
	}
	if !dec.promote && exp.Elapsed(now) >= exp.MaxDuration {
		dec.stop = true
	}
	return rep, dec, nil
}

// apply executes the decision: transitions, winner record, rebalances.
func (c *Controller) apply(ctx context.Context, exp *experiment.Experiment, dec decision, rep *Report) error {
	switch {
	case dec.stop:
		if err := c.advance(exp, experiment.StatusStopped); err != nil {
			return err
		}
		if err := c.store.UpdateExperiment(ctx, exp); err != nil {
			return err
		}
		c.logger.Info("experiment stopped without winner",
			"experiment_id", exp.ID, "elapsed_days", rep.ElapsedDays)
		rep.Recommendation = experiment.RecommendStop
		return nil

	case dec.promote:
		if exp.Status == experiment.StatusRunning {
			if err := c.advance(exp, experiment.StatusReadyToComplete); err != nil {
				return err
			}
			exp.WinnerVariantID = dec.winner
			if err := c.store.UpdateExperiment(ctx, exp); err != nil {
				return err
			}
			c.logger.Info("experiment ready to complete",
				"experiment_id", exp.ID, "winner_variant_id", dec.winner)
		}
		if exp.AutoApply {
			if err := c.complete(ctx, exp, dec.winner, dec.confidence); err != nil {
				return err
			}
			rep.Recommendation = experiment.RecommendCompleteWithWinner
			return nil
		}
		// Awaiting approval: shift traffic toward the provisional winner.
		sig := allocation.Signals{EarlyWinner: dec.winner, EarlyLosers: dec.earlyLosers}
		if _, _, err := c.alloc.Rebalance(ctx, exp, c.strategyFor(exp), sig); err != nil {
			return err
		}
		rep.Recommendation = experiment.RecommendReadyToComplete
		return nil

	case len(dec.earlyLosers) > 0:
		sig := allocation.Signals{EarlyLosers: dec.earlyLosers}
		if _, changed, err := c.alloc.Rebalance(ctx, exp, c.strategyFor(exp), sig); err != nil {
			return err
		} else if changed {
			c.logger.Info("early losers dropped from traffic",
				"experiment_id", exp.ID, "variants", dec.earlyLosers)
		}
		rep.Recommendation = experiment.RecommendContinue
		return nil

	default:
		if rep.Recommendation == "" {
			rep.Recommendation = experiment.RecommendContinue
		}
		return nil
	}
}

// complete performs the READY_TO_COMPLETE -> COMPLETED transition: winner
// record, terminal allocation, experiment update. Safe to re-run after a
// partial failure; the winner record is created at most once.
func (c *Controller) complete(ctx context.Context, exp *experiment.Experiment, winner string, confidence float64) error {
	rec := &experiment.WinnerRecord{
		ExperimentID:     exp.ID,
		WinningVariantID: winner,
		ConsumerRole:     exp.Type.ConsumerRole(),
		DeclaredAt:       c.clock().UTC(),
		WinnerConfidence: confidence,
	}
	if err := c.store.CreateWinner(ctx, rec); err != nil &&
		!errors.Is(err, experiment.ErrWinnerExists) {
		return err
	}

	sig := allocation.Signals{ConfirmedWinner: winner}
	if _, _, err := c.alloc.Rebalance(ctx, exp, c.strategyFor(exp), sig); err != nil {
		return err
	}

	if err := c.advance(exp, experiment.StatusCompleted); err != nil {
		return err
	}
	exp.WinnerVariantID = winner
	if err := c.store.UpdateExperiment(ctx, exp); err != nil {
		return err
	}
	c.logger.Info("experiment completed with winner",
		"experiment_id", exp.ID,
		"winner_variant_id", winner,
		"confidence", confidence)
	return nil
}

// pauseOnFailure parks the experiment after a technical evaluation failure.
// Counters and allocations are untouched; only the status moves.
func (c *Controller) pauseOnFailure(ctx context.Context, exp *experiment.Experiment, cause error) {
	c.logger.Error("evaluation failed, pausing experiment",
		"experiment_id", exp.ID, "error", cause)
	if !CanTransition(exp.Status, experiment.StatusPaused) {
		return
	}
	if err := c.advance(exp, experiment.StatusPaused); err != nil {
		return
	}
	if err := c.store.UpdateExperiment(ctx, exp); err != nil {
		c.logger.Error("failed to persist pause",
			"experiment_id", exp.ID, "error", err)
	}
}

// Report renders the current evaluation view without applying any decision:
// no transition, no rebalance, no winner record. Safe to expose on a read
// path.
func (c *Controller) Report(ctx context.Context, experimentID string) (*Report, error) {
	mu := c.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	switch exp.Status {
	case experiment.StatusPaused:
		return c.passiveReport(ctx, exp, experiment.RecommendContinue)
	case experiment.StatusCompleted:
		return c.passiveReport(ctx, exp, experiment.RecommendCompleteWithWinner)
	case experiment.StatusStopped:
		return c.passiveReport(ctx, exp, experiment.RecommendStop)
	}

	rep, dec, err := c.analyze(ctx, exp)
	if err != nil {
		return nil, err
	}
	if rep.Recommendation == "" {
		switch {
		case dec.promote && exp.AutoApply:
			rep.Recommendation = experiment.RecommendCompleteWithWinner
		case dec.promote:
			rep.Recommendation = experiment.RecommendReadyToComplete
		case dec.stop:
			rep.Recommendation = experiment.RecommendStop
		default:
			rep.Recommendation = experiment.RecommendContinue
		}
	}
	if err := c.finishReport(ctx, exp, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// =============================================================================
// Manual Lifecycle Operations
// =============================================================================

// Pause removes the experiment from the evaluation schedule. Recorded
// events are preserved; resume needs no replay.
func (c *Controller) Pause(ctx context.Context, experimentID string) error {
	return c.manualTransition(ctx, experimentID, experiment.StatusPaused)
}

// Resume returns a paused experiment to RUNNING, picking up from the
// current aggregated state.
func (c *Controller) Resume(ctx context.Context, experimentID string) error {
	return c.manualTransition(ctx, experimentID, experiment.StatusRunning)
}

// Stop terminates a running experiment without a winner.
func (c *Controller) Stop(ctx context.Context, experimentID string) error {
	return c.manualTransition(ctx, experimentID, experiment.StatusStopped)
}

func (c *Controller) manualTransition(ctx context.Context, experimentID string, to experiment.Status) error {
	mu := c.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if err := c.advance(exp, to); err != nil {
		return err
	}
	if err := c.store.UpdateExperiment(ctx, exp); err != nil {
		return err
	}
	c.logger.Info("manual lifecycle transition",
		"experiment_id", experimentID, "to", string(to))
	return nil
}

// Approve completes a READY_TO_COMPLETE experiment on explicit human
// approval, creating the winner record and moving all traffic to the
// winner.
func (c *Controller) Approve(ctx context.Context, experimentID string) (*experiment.WinnerRecord, error) {
	mu := c.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != experiment.StatusReadyToComplete {
		return nil, fmt.Errorf("experiment %s is %s, approval needs %s: %w",
			experimentID, exp.Status, experiment.StatusReadyToComplete,
			experiment.ErrInvalidTransition)
	}
	if exp.WinnerVariantID == "" {
		return nil, fmt.Errorf("experiment %s has no provisional winner", experimentID)
	}

	// Refresh confidence from the current data before declaring.
	rep, _, err := c.analyze(ctx, exp)
	if err != nil {
		c.pauseOnFailure(ctx, exp, err)
		return nil, err
	}
	confidence := 0.0
	if rep.Analysis.BestTreatment != nil {
		confidence = 1 - rep.Analysis.BestTreatment.PValue
	}

	if err := c.complete(ctx, exp, exp.WinnerVariantID, confidence); err != nil {
		return nil, err
	}
	return c.store.GetWinner(ctx, experimentID)
}

// =============================================================================
// Bandit Allocation Cycle
// =============================================================================

// ReallocateBandit runs one Thompson-sampling allocation cycle for a bandit
// experiment. Called on the scheduler's cadence, independent of the
// significance evaluation.
func (c *Controller) ReallocateBandit(ctx context.Context, experimentID string) error {
	mu := c.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if exp.Strategy != experiment.StrategyBandit || exp.Status != experiment.StatusRunning {
		return nil
	}

	agg := c.registry.For(exp)
	sig := allocation.Signals{Stats: make(map[string]experiment.VariantStats, len(exp.Variants))}
	for _, v := range exp.Variants {
		sig.Stats[v.ID] = agg.Snapshot(v.ID, aggregator.Query{})
	}
	_, _, err = c.alloc.Rebalance(ctx, exp, c.bandit, sig)
	return err
}

// =============================================================================
// Report Assembly Helpers
// =============================================================================

// passiveReport renders the current state of a non-evaluable experiment
// without touching anything.
func (c *Controller) passiveReport(ctx context.Context, exp *experiment.Experiment, rec experiment.Recommendation) (*Report, error) {
	agg := c.registry.For(exp)
	aggregate := make(map[string]experiment.VariantStats, len(exp.Variants))
	for _, v := range exp.Variants {
		aggregate[v.ID] = agg.Snapshot(v.ID, aggregator.Query{})
	}
	rep := &Report{
		ExperimentID:   exp.ID,
		Status:         string(exp.Status),
		ElapsedDays:    int(exp.Elapsed(c.clock()).Hours() / 24),
		Variants:       buildVariantReports(exp, aggregate),
		Recommendation: rec,
	}
	if control := exp.Control(); control != nil {
		rep.Analysis.ControlBaseline = aggregate[control.ID].MetricValue(exp.PrimaryMetric)
	}
	if err := c.fillAllocations(ctx, exp, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// finishReport fills in the post-decision fields: final status and the
// allocations now in effect.
func (c *Controller) finishReport(ctx context.Context, exp *experiment.Experiment, rep *Report) error {
	if rep.Status == "" {
		rep.Status = string(exp.Status)
	}
	return c.fillAllocations(ctx, exp, rep)
}

func (c *Controller) fillAllocations(ctx context.Context, exp *experiment.Experiment, rep *Report) error {
	alloc, _, err := c.alloc.Current(ctx, exp.ID)
	if err != nil {
		return err
	}
	for i := range rep.Variants {
		rep.Variants[i].AllocationPercent = alloc[rep.Variants[i].VariantID]
	}
	return nil
}

func buildVariantReports(exp *experiment.Experiment, aggregate map[string]experiment.VariantStats) []VariantReport {
	out := make([]VariantReport, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		st := aggregate[v.ID]
		out = append(out, VariantReport{
			VariantID: v.ID,
			IsControl: v.IsControl,
			Metrics: VariantMetrics{
				N:              st.N,
				Conversions:    st.Conversions,
				ConversionRate: st.ConversionRate(),
				RevenueSum:     st.RevenueSum,
				RevenuePerSend: st.RevenueMean,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

func attachSignificance(rep *Report, results map[string][]experiment.SignificanceResult) {
	for i := range rep.Variants {
		if rs, ok := results[rep.Variants[i].VariantID]; ok {
			rep.Variants[i].Significance = rs
		}
	}
}

// bestTreatment picks the strongest arm on the primary metric: the highest
// metric value among comparable treatments, ties broken by variant id.
func bestTreatment(exp *experiment.Experiment,
	aggregate map[string]experiment.VariantStats,
	results map[string][]experiment.SignificanceResult) *BestTreatment {

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best *BestTreatment
	for _, id := range ids {
		primary := results[id][0]
		if primary.InsufficientData {
			continue
		}
		value := aggregate[id].MetricValue(exp.PrimaryMetric)
		if best == nil || value > best.Value {
			best = &BestTreatment{
				VariantID:     id,
				Value:         value,
				RelativeLift:  primary.RelativeLift,
				PValue:        primary.PValue,
				IsSignificant: primary.IsSignificant,
			}
		}
	}
	return best
}

// earlyLosers returns treatments with a significant negative effect on the
// primary metric at the early-loser threshold.
func earlyLosers(exp *experiment.Experiment, results map[string][]experiment.SignificanceResult) []string {
	var out []string
	for _, v := range exp.Variants {
		rs, ok := results[v.ID]
		if !ok {
			continue
		}
		primary := rs[0]
		if primary.InsufficientData {
			continue
		}
		if primary.PValue < earlyLoserAlpha && primary.AbsoluteLift < 0 {
			out = append(out, v.ID)
		}
	}
	return out
}


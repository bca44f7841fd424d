// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/lifecycle"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

// RegisterValidations installs the engine's enum validators on gin's
// binding engine. Call once at startup, before the router serves traffic.
func RegisterValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("experimenttype", func(fl validator.FieldLevel) bool {
		return experiment.Type(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("metric", func(fl validator.FieldLevel) bool {
		return experiment.Metric(fl.Field().String()).Valid()
	})
}

// CreateExperimentRequest is the creation payload. Durations are in days to
// match how operators think about experiment runtimes.
type CreateExperimentRequest struct {
	CreatorScopeID      string                 `json:"creator_scope_id" binding:"required"`
	Type                string                 `json:"type" binding:"required,experimenttype"`
	PrimaryMetric       string                 `json:"primary_metric" binding:"required,metric"`
	SecondaryMetrics    []string               `json:"secondary_metrics" binding:"omitempty,dive,metric"`
	Strategy            string                 `json:"strategy" binding:"omitempty,oneof=phased bandit"`
	MinDetectableEffect float64                `json:"min_detectable_effect" binding:"required,gt=0"`
	MinDurationDays     int                    `json:"min_duration_days" binding:"required,gte=1"`
	MaxDurationDays     int                    `json:"max_duration_days" binding:"required,gtefield=MinDurationDays"`
	AutoApply           bool                   `json:"auto_apply"`
	Variants            []CreateVariantRequest `json:"variants" binding:"required,min=2,dive"`
}

// CreateVariantRequest is one arm in the creation payload.
type CreateVariantRequest struct {
	Name      string `json:"name" binding:"required"`
	IsControl bool   `json:"is_control"`
}

// CreateExperiment creates a new experiment with an equal starting split.
func CreateExperiment(ctrl *lifecycle.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := eventsTracer.Start(c.Request.Context(), "CreateExperiment")
		defer span.End()

		var req CreateExperimentRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		secondaries := make([]experiment.Metric, 0, len(req.SecondaryMetrics))
		for _, m := range req.SecondaryMetrics {
			secondaries = append(secondaries, experiment.Metric(m))
		}
		variants := make([]experiment.Variant, 0, len(req.Variants))
		for _, v := range req.Variants {
			variants = append(variants, experiment.Variant{
				Name:      v.Name,
				IsControl: v.IsControl,
			})
		}

		exp := &experiment.Experiment{
			CreatorScopeID:      req.CreatorScopeID,
			Type:                experiment.Type(req.Type),
			PrimaryMetric:       experiment.Metric(req.PrimaryMetric),
			SecondaryMetrics:    secondaries,
			Strategy:            experiment.StrategyKind(req.Strategy),
			MinDetectableEffect: req.MinDetectableEffect,
			MinDuration:         time.Duration(req.MinDurationDays) * 24 * time.Hour,
			MaxDuration:         time.Duration(req.MaxDurationDays) * 24 * time.Hour,
			AutoApply:           req.AutoApply,
			Variants:            variants,
		}
		if err := ctrl.Create(ctx, exp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("experiment creation failed", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, exp)
	}
}

// GetExperiment returns one experiment by id.
func GetExperiment(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := st.GetExperiment(c.Request.Context(), c.Param("experimentId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, exp)
	}
}

// ListExperiments returns experiments, optionally filtered by ?status=.
func ListExperiments(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var statuses []experiment.Status
		for _, s := range c.QueryArray("status") {
			statuses = append(statuses, experiment.Status(s))
		}
		exps, err := st.ListExperiments(c.Request.Context(), statuses...)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"experiments": exps, "count": len(exps)})
	}
}

// EvaluateExperiment runs one on-demand evaluation pass and returns the
// report.
func EvaluateExperiment(ctrl *lifecycle.Controller,
	metrics *observability.EngineMetrics) gin.HandlerFunc {

	return func(c *gin.Context) {
		ctx, span := eventsTracer.Start(c.Request.Context(), "EvaluateExperiment")
		defer span.End()

		start := time.Now()
		report, err := ctrl.Evaluate(ctx, c.Param("experimentId"))
		if metrics != nil {
			metrics.RecordEvaluation(time.Since(start).Seconds(), err == nil)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// ApproveExperiment completes a READY_TO_COMPLETE experiment on human
// approval and returns the winner record.
func ApproveExperiment(ctrl *lifecycle.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := ctrl.Approve(c.Request.Context(), c.Param("experimentId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// PauseExperiment removes an experiment from the evaluation schedule.
func PauseExperiment(ctrl *lifecycle.Controller) gin.HandlerFunc {
	return lifecycleAction(ctrl.Pause, experiment.StatusPaused)
}

// ResumeExperiment returns a paused experiment to RUNNING.
func ResumeExperiment(ctrl *lifecycle.Controller) gin.HandlerFunc {
	return lifecycleAction(ctrl.Resume, experiment.StatusRunning)
}

// StopExperiment terminates a running experiment without a winner.
func StopExperiment(ctrl *lifecycle.Controller) gin.HandlerFunc {
	return lifecycleAction(ctrl.Stop, experiment.StatusStopped)
}

func lifecycleAction(op func(context.Context, string) error, to experiment.Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		experimentID := c.Param("experimentId")
		if err := op(c.Request.Context(), experimentID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"experiment_id": experimentID,
			"status":        string(to),
		})
	}
}

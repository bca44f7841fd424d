// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the experimentation
// engine. Each handler is a closure over its dependencies, returned as a
// gin.HandlerFunc and registered in the routes package.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/aggregator"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

var eventsTracer = otel.Tracer("bellwether.experiment.handlers")

// RecordEventRequest is one outcome event on the ingest path.
type RecordEventRequest struct {
	VariantID string    `json:"variant_id" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Converted bool      `json:"converted"`
	Revenue   float64   `json:"revenue" binding:"gte=0"`
	Segment   string    `json:"segment" binding:"required"`
}

// RecordEvent ingests one outcome event into the experiment's aggregation
// window.
func RecordEvent(st store.Store, reg *aggregator.Registry,
	metrics *observability.EngineMetrics) gin.HandlerFunc {

	// Out-of-window rejects are expected in bulk during producer cutover;
	// throttle the log line, never the rejection itself.
	warnLimit := rate.NewLimiter(rate.Every(time.Second), 5)

	return func(c *gin.Context) {
		ctx, span := eventsTracer.Start(c.Request.Context(), "RecordEvent")
		defer span.End()

		experimentID := c.Param("experimentId")
		var req RecordEventRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if metrics != nil {
				metrics.RejectEvent(experimentID, observability.RejectValidation)
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event body"})
			return
		}

		exp, err := st.GetExperiment(ctx, experimentID)
		if err != nil {
			span.RecordError(err)
			if metrics != nil && errors.Is(err, experiment.ErrUnknownExperiment) {
				metrics.RejectEvent(experimentID, observability.RejectUnknownExperiment)
			}
			respondError(c, err)
			return
		}
		if exp.Status.Terminal() {
			if metrics != nil {
				metrics.RejectEvent(experimentID, observability.RejectOutOfWindow)
			}
			c.JSON(http.StatusConflict, gin.H{
				"error": "experiment is " + string(exp.Status) + ", window closed"})
			return
		}

		ev := experiment.OutcomeEvent{
			VariantID: req.VariantID,
			Timestamp: req.Timestamp,
			Converted: req.Converted,
			Revenue:   req.Revenue,
			Segment:   req.Segment,
		}
		if err := reg.For(exp).Record(ev); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			switch {
			case errors.Is(err, experiment.ErrOutOfWindow):
				if metrics != nil {
					metrics.RejectEvent(experimentID, observability.RejectOutOfWindow)
				}
				if warnLimit.Allow() {
					slog.Warn("rejected out-of-window event",
						"experiment_id", experimentID,
						"variant_id", req.VariantID,
						"timestamp", req.Timestamp)
				}
			case errors.Is(err, experiment.ErrUnknownVariant):
				if metrics != nil {
					metrics.RejectEvent(experimentID, observability.RejectUnknownVariant)
				}
				slog.Warn("rejected event for unknown variant",
					"experiment_id", experimentID, "variant_id", req.VariantID)
			}
			respondError(c, err)
			return
		}

		if metrics != nil {
			metrics.RecordEvent(experimentID)
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	}
}

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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/bellwether/services/experiment"
	"github.com/AleutianAI/bellwether/services/experiment/decay"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

// ListUnappliedWinners returns unclaimed winner records for one consumer
// role. Consumers poll this to discover work.
func ListUnappliedWinners(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.Param("consumerRole")
		recs, err := st.ListUnappliedWinners(c.Request.Context(), role)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"winners": recs, "count": len(recs)})
	}
}

// ClaimWinnerRequest identifies the consumer applying a winner.
type ClaimWinnerRequest struct {
	ConsumerID string `json:"consumer_id" binding:"required"`
}

// ClaimWinner marks a winner record applied, at most once. The first
// claimer gets 200; every later claim gets 409 with the existing record so
// the consumer can verify who applied it.
func ClaimWinner(st store.Store, metrics *observability.EngineMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		experimentID := c.Param("experimentId")
		var req ClaimWinnerRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim body"})
			return
		}

		rec, err := st.ClaimWinner(c.Request.Context(), experimentID, req.ConsumerID)
		switch {
		case err == nil:
			if metrics != nil {
				metrics.RecordClaim("applied")
			}
			slog.Info("winner claimed",
				"experiment_id", experimentID,
				"consumer_id", req.ConsumerID,
				"winning_variant_id", rec.WinningVariantID)
			c.JSON(http.StatusOK, rec)
		case errors.Is(err, experiment.ErrWinnerAlreadyApplied):
			if metrics != nil {
				metrics.RecordClaim("already_applied")
			}
			c.JSON(http.StatusConflict, gin.H{
				"error":  err.Error(),
				"winner": rec,
			})
		default:
			if metrics != nil && errors.Is(err, experiment.ErrNoWinner) {
				metrics.RecordClaim("no_winner")
			}
			respondError(c, err)
		}
	}
}

// WinnerDecay returns the current confidence decay of an experiment's
// winner: its weight multiplier, decay state, and whether the result is
// stale enough to re-test.
func WinnerDecay(st store.Store, sched *decay.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		experimentID := c.Param("experimentId")
		rec, err := st.GetWinner(c.Request.Context(), experimentID)
		if err != nil {
			respondError(c, err)
			return
		}

		// Unapplied winners age from declaration; applied ones from the
		// moment a consumer took them live.
		reference := rec.DeclaredAt
		if rec.AppliedAt != nil {
			reference = *rec.AppliedAt
		}
		res := sched.Weight(reference)
		c.JSON(http.StatusOK, gin.H{
			"experiment_id":      experimentID,
			"winning_variant_id": rec.WinningVariantID,
			"applied":            rec.Applied,
			"decay":              res,
		})
	}
}

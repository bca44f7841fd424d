// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/bellwether/services/experiment/aggregator"
	"github.com/AleutianAI/bellwether/services/experiment/decay"
	"github.com/AleutianAI/bellwether/services/experiment/handlers"
	"github.com/AleutianAI/bellwether/services/experiment/lifecycle"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

func SetupRoutes(router *gin.Engine, st store.Store, reg *aggregator.Registry,
	ctrl *lifecycle.Controller, decaySched *decay.Scheduler,
	metrics *observability.EngineMetrics) {

	handlers.RegisterValidations()

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		experiments := v1.Group("/experiments")
		{
			experiments.POST("", handlers.CreateExperiment(ctrl))
			experiments.GET("", handlers.ListExperiments(st))
			experiments.GET("/:experimentId", handlers.GetExperiment(st))
			experiments.POST("/:experimentId/events", handlers.RecordEvent(st, reg, metrics))
			experiments.GET("/:experimentId/report", handlers.GetReport(ctrl))
			experiments.POST("/:experimentId/evaluate", handlers.EvaluateExperiment(ctrl, metrics))
			experiments.POST("/:experimentId/approve", handlers.ApproveExperiment(ctrl))
			experiments.POST("/:experimentId/pause", handlers.PauseExperiment(ctrl))
			experiments.POST("/:experimentId/resume", handlers.ResumeExperiment(ctrl))
			experiments.POST("/:experimentId/stop", handlers.StopExperiment(ctrl))
		}
		winners := v1.Group("/winners")
		{
			winners.GET("/role/:consumerRole", handlers.ListUnappliedWinners(st))
			winners.POST("/:experimentId/claim", handlers.ClaimWinner(st, metrics))
			winners.GET("/:experimentId/decay", handlers.WinnerDecay(st, decaySched))
		}
	}
}

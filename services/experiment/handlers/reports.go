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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/bellwether/services/experiment/lifecycle"
)

// GetReport renders the current evaluation view of an experiment without
// applying any lifecycle or allocation decision.
func GetReport(ctrl *lifecycle.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := eventsTracer.Start(c.Request.Context(), "GetReport")
		defer span.End()

		report, err := ctrl.Report(ctx, c.Param("experimentId"))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

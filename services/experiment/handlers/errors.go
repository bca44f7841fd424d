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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/bellwether/services/experiment"
)

// httpStatus maps engine sentinel errors onto HTTP status codes. Anything
// unmapped is an internal error.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, experiment.ErrUnknownExperiment),
		errors.Is(err, experiment.ErrNoWinner):
		return http.StatusNotFound
	case errors.Is(err, experiment.ErrUnknownVariant):
		return http.StatusBadRequest
	case errors.Is(err, experiment.ErrOutOfWindow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, experiment.ErrWinnerAlreadyApplied),
		errors.Is(err, experiment.ErrWinnerExists),
		errors.Is(err, experiment.ErrInvalidTransition),
		errors.Is(err, experiment.ErrVersionMismatch),
		errors.Is(err, experiment.ErrRebalanceConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error with its mapped status. Internal errors are
// not echoed to the client.
func respondError(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

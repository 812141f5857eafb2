// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Health is the health endpoint payload: process identity plus which
// external collaborators are configured.
type Health struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
	Database    bool   `json:"database"`
	Identity    bool   `json:"identity"`
	Storage     bool   `json:"storage"`
}

// ServeHealth writes the health payload.
func ServeHealth(log *zap.Logger, w http.ResponseWriter, health Health) {
	serveJSON(log, w, http.StatusOK, health)
}

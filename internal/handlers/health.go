package handlers

import (
	"net/http"

	"github.com/hostdeck/hostdeck/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err == nil && sqlDB.PingContext(r.Context()) == nil {
			dbStatus = "connected"
		}
	}

	containerStatus := "unavailable"
	if Containers != nil {
		containerStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     status,
		"database":   dbStatus,
		"containers": containerStatus,
	})
}

package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/containers"
	"github.com/hostdeck/hostdeck/internal/logutil"
)

// Containers is set from main.go when a Docker daemon is reachable.
var Containers containers.Runtime

func ListContainers(w http.ResponseWriter, r *http.Request) {
	if Containers == nil {
		writeError(w, http.StatusServiceUnavailable, "Container runtime not available")
		return
	}
	list, err := Containers.List(r.Context())
	if err != nil {
		log.Printf("[containers] list: %v", err)
		writeError(w, http.StatusBadGateway, "Failed to list containers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": list})
}

// ContainerAction handles POST /api/v1/containers/{name}/{action}.
func ContainerAction(w http.ResponseWriter, r *http.Request) {
	if Containers == nil {
		writeError(w, http.StatusServiceUnavailable, "Container runtime not available")
		return
	}
	name := chi.URLParam(r, "name")
	action := chi.URLParam(r, "action")

	var err error
	switch action {
	case "start":
		err = Containers.Start(r.Context(), name)
	case "stop":
		err = Containers.Stop(r.Context(), name)
	case "restart":
		err = Containers.Restart(r.Context(), name)
	default:
		writeError(w, http.StatusBadRequest, "Unknown action")
		return
	}
	if errors.Is(err, containers.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Container not found")
		return
	}
	if err != nil {
		log.Printf("[containers] %s %s: %v", action, logutil.SanitizeForLog(name), err)
		writeError(w, http.StatusBadGateway, "Container action failed")
		return
	}

	auditAdmin(r, audit.EventContainerAction, action+" "+name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hostdeck/hostdeck/internal/middleware"
	"github.com/hostdeck/hostdeck/internal/sessions"
	"github.com/hostdeck/hostdeck/internal/terminal"
	"github.com/hostdeck/hostdeck/internal/transcript"
)

// Set from main.go during init.
var (
	Sessions    *sessions.Store
	Transcripts *transcript.Store
)

type sessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Active       bool      `json:"active"`
	Live         bool      `json:"live"`
	Attached     int       `json:"attached"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ListTerminalSessions returns the caller's sessions, most recent first.
// GET /api/v1/terminal/sessions?active=true
func ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	activeOnly := r.URL.Query().Get("active") == "true"

	recs, err := Sessions.ListForUser(r.Context(), user.ID, activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	result := make([]sessionInfo, 0, len(recs))
	for _, rec := range recs {
		result = append(result, sessionInfo{
			ID:           rec.ID,
			Title:        rec.Title,
			Active:       rec.Active,
			Live:         Terminal.HasProcess(rec.ID),
			Attached:     Terminal.AttachedCount(rec.ID),
			CreatedAt:    rec.CreatedAt,
			LastActivity: rec.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]sessionInfo{"sessions": result})
}

// CloseTerminalSession kills the shell and deactivates the session.
// POST /api/v1/terminal/sessions/{sessionId}/close
func CloseTerminalSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	err := Terminal.CloseSession(r.Context(), user.ID, chi.URLParam(r, "sessionId"))
	if errors.Is(err, terminal.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to close session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// DeleteTerminalSession removes the session and its transcript.
// DELETE /api/v1/terminal/sessions/{sessionId}
func DeleteTerminalSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	err := Terminal.DeleteSession(r.Context(), user.ID, chi.URLParam(r, "sessionId"))
	if errors.Is(err, terminal.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTerminalTranscript returns the stored history of one of the caller's
// sessions.
// GET /api/v1/terminal/sessions/{sessionId}/transcript
func GetTerminalTranscript(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	rec, err := Sessions.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil || rec.UserID != user.ID {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	entries, err := Transcripts.ListOrdered(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transcript")
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": rec.ID,
		"entries":    entries,
	})
}

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/middleware"
)

// AuditLog is set from main.go during init.
var AuditLog *audit.Auditor

// auditAdmin records an administrative action taken through the API.
func auditAdmin(r *http.Request, eventType, details string) {
	if AuditLog == nil {
		return
	}
	e := audit.Entry{EventType: eventType, SourceIP: clientIP(r), Details: details}
	if user := middleware.GetUser(r); user != nil {
		e.UserID = user.ID
		e.Username = user.Username
	}
	AuditLog.Log(e)
}

// GetAuditLogs handles GET /api/v1/audit (admin only).
// Query parameters:
//   - session_id, event_type, user_id (optional): filters
//   - since, until (optional): RFC 3339 bounds
//   - limit, offset (optional): pagination
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
	}

	if s := q.Get("user_id"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid user_id")
			return
		}
		opts.UserID = uint(id)
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		if s := q.Get(bound.name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+bound.name)
				return
			}
			*bound.dst = &t
		}
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	result, err := AuditLog.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

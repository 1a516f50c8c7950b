package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/middleware"
	"github.com/hostdeck/hostdeck/internal/quota"
)

// Quota is set from main.go during init.
var Quota *quota.Tracker

func writeQuota(w http.ResponseWriter, st quota.Status) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     st.Count,
		"limit":     st.Limit,
		"remaining": st.Remaining,
		"unlimited": st.Limit == quota.Unlimited,
	})
}

func quotaError(w http.ResponseWriter, err error) {
	if errors.Is(err, quota.ErrUnknownUser) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "Quota lookup failed")
}

// GetMyQuota reports the caller's own command quota.
func GetMyQuota(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	st, err := Quota.Get(r.Context(), user.ID)
	if err != nil {
		quotaError(w, err)
		return
	}
	writeQuota(w, st)
}

func GetUserQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	st, err := Quota.Get(r.Context(), id)
	if err != nil {
		quotaError(w, err)
		return
	}
	writeQuota(w, st)
}

func ResetUserQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	if err := Quota.Reset(r.Context(), id); err != nil {
		quotaError(w, err)
		return
	}
	auditAdmin(r, audit.EventQuotaReset, fmt.Sprintf("user=%d", id))

	st, err := Quota.Get(r.Context(), id)
	if err != nil {
		quotaError(w, err)
		return
	}
	writeQuota(w, st)
}

// SetUserQuota changes the command limit; -1 removes it.
func SetUserQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	var body struct {
		Limit *int64 `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Limit == nil {
		writeError(w, http.StatusBadRequest, "limit is required")
		return
	}
	if *body.Limit < quota.Unlimited {
		writeError(w, http.StatusBadRequest, "limit must be -1 or greater")
		return
	}
	if err := Quota.SetLimit(r.Context(), id, *body.Limit); err != nil {
		quotaError(w, err)
		return
	}
	auditAdmin(r, audit.EventQuotaLimitSet, fmt.Sprintf("user=%d limit=%d", id, *body.Limit))

	st, err := Quota.Get(r.Context(), id)
	if err != nil {
		quotaError(w, err)
		return
	}
	writeQuota(w, st)
}

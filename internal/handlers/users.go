package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/config"
	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/middleware"
	"github.com/hostdeck/hostdeck/internal/quota"
	"github.com/hostdeck/hostdeck/internal/rbac"
)

// Permissions is set from main.go during init.
var Permissions *rbac.Checker

// validRole accepts admin and any role the active policy grants something to.
func validRole(ctx context.Context, role string) bool {
	if role == "admin" {
		return true
	}
	if Permissions == nil {
		return role == "user"
	}
	caps, err := Permissions.Capabilities(ctx, role)
	return err == nil && len(caps) > 0
}

func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	type userResponse struct {
		ID           uint   `json:"id"`
		Username     string `json:"username"`
		Role         string `json:"role"`
		CommandCount int64  `json:"command_count"`
		CommandLimit int64  `json:"command_limit"`
		CreatedAt    string `json:"created_at"`
	}
	result := make([]userResponse, 0, len(users))
	for _, u := range users {
		result = append(result, userResponse{
			ID:           u.ID,
			Username:     u.Username,
			Role:         u.Role,
			CommandCount: u.CommandCount,
			CommandLimit: u.CommandLimit,
			CreatedAt:    formatTimestamp(u.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if body.Role == "" {
		body.Role = "user"
	}
	if !validRole(r.Context(), body.Role) {
		writeError(w, http.StatusBadRequest, "Unknown role")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	user := &database.User{
		Username:     body.Username,
		PasswordHash: hash,
		Role:         body.Role,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}
	if limit := config.Cfg.TerminalDefaultCommandLimit; limit != quota.Unlimited && Quota != nil {
		if err := Quota.SetLimit(r.Context(), user.ID, limit); err != nil {
			log.Printf("[quota] apply default limit to user %d: %v", user.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, userJSON(user))
}

// DeleteUser kills the user's shells and removes their sessions,
// transcripts and account.
func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if Terminal != nil {
		ids, err := database.ListUserSessionIDs(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list sessions")
			return
		}
		for _, sid := range ids {
			if err := Terminal.DeleteSession(r.Context(), id, sid); err != nil {
				log.Printf("[terminal] delete session %s of user %d: %v", sid, id, err)
			}
		}
	}

	if err := database.DeleteUser(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	SessionStore.DeleteByUserID(id)

	w.WriteHeader(http.StatusNoContent)
}

func UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !validRole(r.Context(), body.Role) {
		writeError(w, http.StatusBadRequest, "Unknown role")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == id && body.Role != "admin" {
		writeError(w, http.StatusBadRequest, "Cannot demote your own account")
		return
	}

	if err := database.UpdateUserRole(id, body.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update role")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ResetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	if err := database.UpdateUserPassword(id, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update password")
		return
	}

	// Invalidate all sessions for this user
	SessionStore.DeleteByUserID(id)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

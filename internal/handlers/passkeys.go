package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/middleware"
)

// Passkeys is set from main.go; nil when the relying party config is invalid.
var Passkeys *auth.Passkeys

const passkeyLoginCookie = "hostdeck_passkey_login"

func passkeysAvailable(w http.ResponseWriter) bool {
	if Passkeys == nil {
		writeError(w, http.StatusServiceUnavailable, "Passkeys are not configured")
		return false
	}
	return true
}

func passkeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNoChallenge):
		writeError(w, http.StatusBadRequest, "No pending passkey challenge")
	case errors.Is(err, auth.ErrUnknownPasskey), errors.Is(err, auth.ErrPasskeyRejected):
		writeError(w, http.StatusUnauthorized, "Passkey verification failed")
	default:
		log.Printf("[auth] passkey: %v", err)
		writeError(w, http.StatusInternalServerError, "Passkey error")
	}
}

// POST /api/v1/auth/webauthn/register/begin
func WebAuthnRegisterBegin(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if !passkeysAvailable(w) {
		return
	}
	options, err := Passkeys.BeginRegistration(user)
	if err != nil {
		passkeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// POST /api/v1/auth/webauthn/register/finish?name=...
func WebAuthnRegisterFinish(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if !passkeysAvailable(w) {
		return
	}
	cred, err := Passkeys.FinishRegistration(user, r.URL.Query().Get("name"), r)
	if err != nil {
		passkeyError(w, err)
		return
	}
	log.Printf("[auth] user %d registered passkey %q", user.ID, cred.Name)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":         cred.ID,
		"name":       cred.Name,
		"created_at": formatTimestamp(cred.CreatedAt),
	})
}

// POST /api/v1/auth/webauthn/login/begin
func WebAuthnLoginBegin(w http.ResponseWriter, r *http.Request) {
	if !passkeysAvailable(w) {
		return
	}
	options, loginID, err := Passkeys.BeginLogin()
	if err != nil {
		passkeyError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     passkeyLoginCookie,
		Value:    loginID,
		Path:     "/api/v1/auth/webauthn",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(auth.ChallengeTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, options)
}

// POST /api/v1/auth/webauthn/login/finish
func WebAuthnLoginFinish(w http.ResponseWriter, r *http.Request) {
	if !passkeysAvailable(w) {
		return
	}
	cookie, err := r.Cookie(passkeyLoginCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusBadRequest, "No pending passkey challenge")
		return
	}
	user, err := Passkeys.FinishLogin(cookie.Value, r)
	if err != nil {
		log.Printf("[auth] failed passkey login from %s: %v", clientIP(r), err)
		passkeyError(w, err)
		return
	}

	token, err := SessionStore.Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	setSessionCookie(w, r, token)
	resp := userJSON(user)
	resp["token"] = token
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/auth/webauthn/credentials
func ListWebAuthnCredentials(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	creds, err := database.GetWebAuthnCredentials(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}

	type credResponse struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		CreatedAt string `json:"created_at"`
	}
	result := make([]credResponse, 0, len(creds))
	for _, c := range creds {
		result = append(result, credResponse{ID: c.ID, Name: c.Name, CreatedAt: formatTimestamp(c.CreatedAt)})
	}
	writeJSON(w, http.StatusOK, result)
}

// DELETE /api/v1/auth/webauthn/credentials/{credId}
func DeleteWebAuthnCredential(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	found, err := database.DeleteWebAuthnCredential(chi.URLParam(r, "credId"), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/database"
)

func enablePasskeys(t *testing.T) {
	t.Helper()
	p, err := auth.NewPasskeys("localhost", []string{"http://localhost:8000"})
	if err != nil {
		t.Fatalf("NewPasskeys: %v", err)
	}
	Passkeys = p
	t.Cleanup(func() { Passkeys = nil })
}

func TestPasskeys_Unconfigured(t *testing.T) {
	setupTestEnv(t)
	alice := createUser(t, "alice", "user")

	if w := do(t, nil, "POST", "/begin", "/begin", WebAuthnLoginBegin, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("login begin: status %d", w.Code)
	}
	if w := do(t, alice, "POST", "/begin", "/begin", WebAuthnRegisterBegin, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("register begin: status %d", w.Code)
	}
}

func TestPasskeys_RegisterBegin(t *testing.T) {
	setupTestEnv(t)
	enablePasskeys(t)
	alice := createUser(t, "alice", "user")

	if w := do(t, nil, "POST", "/begin", "/begin", WebAuthnRegisterBegin, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status %d", w.Code)
	}
	w := do(t, alice, "POST", "/begin", "/begin", WebAuthnRegisterBegin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var resp struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
			User      struct {
				Name string `json:"name"`
			} `json:"user"`
		} `json:"publicKey"`
	}
	decode(t, w, &resp)
	if resp.PublicKey.Challenge == "" || resp.PublicKey.User.Name != "alice" {
		t.Errorf("unexpected options: %s", w.Body)
	}

	w = do(t, alice, "POST", "/finish", "/finish", WebAuthnRegisterFinish, "{}")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("malformed attestation: status %d", w.Code)
	}
	w = do(t, alice, "POST", "/finish", "/finish", WebAuthnRegisterFinish, "{}")
	if w.Code != http.StatusBadRequest {
		t.Errorf("consumed challenge: status %d", w.Code)
	}
}

func TestPasskeys_LoginFlowErrors(t *testing.T) {
	setupTestEnv(t)
	enablePasskeys(t)

	w := do(t, nil, "POST", "/finish", "/finish", WebAuthnLoginFinish, "{}")
	if w.Code != http.StatusBadRequest {
		t.Errorf("finish without begin: status %d", w.Code)
	}

	w = do(t, nil, "POST", "/begin", "/begin", WebAuthnLoginBegin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login begin: status %d", w.Code)
	}
	var loginCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == passkeyLoginCookie {
			loginCookie = c
		}
	}
	if loginCookie == nil || loginCookie.Value == "" || !loginCookie.HttpOnly {
		t.Fatalf("login cookie = %+v", loginCookie)
	}

	req := httptest.NewRequest("POST", "/finish", strings.NewReader("{}"))
	req.AddCookie(loginCookie)
	rec := httptest.NewRecorder()
	WebAuthnLoginFinish(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("malformed assertion: status %d", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			t.Error("failed passkey login set a session cookie")
		}
	}
}

func TestPasskeys_ListAndDeleteCredentials(t *testing.T) {
	setupTestEnv(t)
	alice := createUser(t, "alice", "user")
	bob := createUser(t, "bob", "user")
	database.SaveWebAuthnCredential(&database.WebAuthnCredential{ID: "AQID", UserID: alice.ID, Name: "laptop", PublicKey: []byte("pk")})
	database.SaveWebAuthnCredential(&database.WebAuthnCredential{ID: "BAUG", UserID: bob.ID, Name: "phone", PublicKey: []byte("pk")})

	w := do(t, alice, "GET", "/creds", "/creds", ListWebAuthnCredentials, "")
	var creds []map[string]string
	decode(t, w, &creds)
	if len(creds) != 1 || creds[0]["id"] != "AQID" || creds[0]["name"] != "laptop" {
		t.Fatalf("alice's credentials = %v", creds)
	}

	if w := do(t, alice, "DELETE", "/creds/{credId}", "/creds/BAUG", DeleteWebAuthnCredential, ""); w.Code != http.StatusNotFound {
		t.Errorf("deleting another user's passkey: status %d", w.Code)
	}
	if w := do(t, alice, "DELETE", "/creds/{credId}", "/creds/AQID", DeleteWebAuthnCredential, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: status %d", w.Code)
	}
	left, _ := database.GetWebAuthnCredentials(alice.ID)
	if len(left) != 0 {
		t.Errorf("credential survived delete: %v", left)
	}
	if others, _ := database.GetWebAuthnCredentials(bob.ID); len(others) != 1 {
		t.Errorf("bob's credentials touched: %v", others)
	}
}

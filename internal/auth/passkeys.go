package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/hostdeck/hostdeck/internal/database"
)

// ChallengeTTL bounds how long a passkey ceremony may take.
const ChallengeTTL = 2 * time.Minute

var (
	ErrNoChallenge     = errors.New("no pending passkey challenge")
	ErrUnknownPasskey  = errors.New("unknown passkey")
	ErrPasskeyRejected = errors.New("passkey verification failed")
)

// Passkeys runs WebAuthn registration and discoverable login. A successful
// login yields the user; the caller mints the same bearer session a
// password login would.
type Passkeys struct {
	wa  *webauthn.WebAuthn
	now func() time.Time

	mu         sync.Mutex
	challenges map[string]pendingChallenge
}

type pendingChallenge struct {
	session   *webauthn.SessionData
	expiresAt time.Time
}

func NewPasskeys(rpID string, rpOrigins []string) (*Passkeys, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Hostdeck",
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Passkeys{
		wa:         wa,
		now:        time.Now,
		challenges: make(map[string]pendingChallenge),
	}, nil
}

func (p *Passkeys) store(key string, sd *webauthn.SessionData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for k, c := range p.challenges {
		if now.After(c.expiresAt) {
			delete(p.challenges, k)
		}
	}
	p.challenges[key] = pendingChallenge{session: sd, expiresAt: now.Add(ChallengeTTL)}
}

// take returns and consumes the challenge stored under key.
func (p *Passkeys) take(key string) (*webauthn.SessionData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.challenges[key]
	delete(p.challenges, key)
	if !ok || p.now().After(c.expiresAt) {
		return nil, false
	}
	return c.session, true
}

func registrationKey(userID uint) string { return fmt.Sprintf("register:%d", userID) }

// BeginRegistration starts adding a passkey for user. Existing passkeys are
// excluded so an authenticator cannot register twice.
func (p *Passkeys) BeginRegistration(user *database.User) (*protocol.CredentialCreation, error) {
	pu, err := loadPasskeyUser(user)
	if err != nil {
		return nil, err
	}
	exclusions := make([]protocol.CredentialDescriptor, 0, len(pu.creds))
	for _, c := range pu.creds {
		exclusions = append(exclusions, c.Descriptor())
	}
	options, sd, err := p.wa.BeginRegistration(pu,
		webauthn.WithExclusions(exclusions),
		func(cco *protocol.PublicKeyCredentialCreationOptions) {
			cco.AuthenticatorSelection.ResidentKey = protocol.ResidentKeyRequirementPreferred
			cco.AuthenticatorSelection.UserVerification = protocol.VerificationPreferred
		},
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	p.store(registrationKey(user.ID), sd)
	return options, nil
}

// FinishRegistration verifies the attestation in r and stores the passkey
// under name.
func (p *Passkeys) FinishRegistration(user *database.User, name string, r *http.Request) (*database.WebAuthnCredential, error) {
	sd, ok := p.take(registrationKey(user.ID))
	if !ok {
		return nil, ErrNoChallenge
	}
	pu, err := loadPasskeyUser(user)
	if err != nil {
		return nil, err
	}
	cred, err := p.wa.FinishRegistration(pu, *sd, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPasskeyRejected, err)
	}
	if name == "" {
		name = "Passkey " + p.now().Format("2006-01-02")
	}
	row := credentialRow(user.ID, name, cred)
	if err := database.SaveWebAuthnCredential(row); err != nil {
		return nil, fmt.Errorf("save passkey: %w", err)
	}
	return row, nil
}

// BeginLogin starts a discoverable login. The returned id names the
// challenge and must come back with FinishLogin.
func (p *Passkeys) BeginLogin() (*protocol.CredentialAssertion, string, error) {
	options, sd, err := p.wa.BeginDiscoverableLogin(func(opts *protocol.PublicKeyCredentialRequestOptions) {
		opts.UserVerification = protocol.VerificationPreferred
	})
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, "", err
	}
	id := hex.EncodeToString(b)
	p.store("login:"+id, sd)
	return options, id, nil
}

// FinishLogin verifies the assertion in r against the challenge loginID and
// returns the passkey's owner.
func (p *Passkeys) FinishLogin(loginID string, r *http.Request) (*database.User, error) {
	sd, ok := p.take("login:" + loginID)
	if !ok {
		return nil, ErrNoChallenge
	}

	var owner *passkeyUser
	cred, err := p.wa.FinishDiscoverableLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
		pu, err := passkeyUserByHandle(userHandle)
		if err != nil {
			return nil, err
		}
		owner = pu
		return pu, nil
	}, *sd, r)
	if err != nil {
		if owner == nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownPasskey, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPasskeyRejected, err)
	}

	if err := database.UpdateCredentialSignCount(encodeCredentialID(cred.ID), cred.Authenticator.SignCount); err != nil {
		return nil, fmt.Errorf("update sign count: %w", err)
	}
	return &owner.user, nil
}

// passkeyUser adapts a database user and their passkeys to webauthn.User.
type passkeyUser struct {
	user  database.User
	creds []webauthn.Credential
}

func loadPasskeyUser(user *database.User) (*passkeyUser, error) {
	rows, err := database.GetWebAuthnCredentials(user.ID)
	if err != nil {
		return nil, fmt.Errorf("load passkeys: %w", err)
	}
	creds := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := credentialFromRow(row)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return &passkeyUser{user: *user, creds: creds}, nil
}

func passkeyUserByHandle(userHandle []byte) (*passkeyUser, error) {
	if len(userHandle) != 8 {
		return nil, ErrUnknownPasskey
	}
	user, err := database.GetUserByID(uint(binary.BigEndian.Uint64(userHandle)))
	if err != nil {
		return nil, ErrUnknownPasskey
	}
	return loadPasskeyUser(user)
}

func (u *passkeyUser) WebAuthnID() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(u.user.ID))
	return b
}

func (u *passkeyUser) WebAuthnName() string                       { return u.user.Username }
func (u *passkeyUser) WebAuthnDisplayName() string                { return u.user.Username }
func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func credentialRow(userID uint, name string, cred *webauthn.Credential) *database.WebAuthnCredential {
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return &database.WebAuthnCredential{
		ID:              encodeCredentialID(cred.ID),
		UserID:          userID,
		Name:            name,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transport:       strings.Join(transports, ","),
		SignCount:       cred.Authenticator.SignCount,
		AAGUID:          cred.Authenticator.AAGUID,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}
}

func credentialFromRow(row database.WebAuthnCredential) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(row.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode passkey id %q: %w", row.ID, err)
	}
	var transports []protocol.AuthenticatorTransport
	if row.Transport != "" {
		for _, t := range strings.Split(row.Transport, ",") {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
	}
	return webauthn.Credential{
		ID:              id,
		PublicKey:       row.PublicKey,
		AttestationType: row.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: row.BackupEligible,
			BackupState:    row.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: row.SignCount,
			AAGUID:    row.AAGUID,
		},
	}, nil
}

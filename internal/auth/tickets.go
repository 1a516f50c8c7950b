package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

const ticketPrefix = "term:"

// Tickets issues short-lived terminal tickets. A ticket is a fernet token
// sealing the user id, so it can travel in a websocket query string without
// exposing the login session.
type Tickets struct {
	key *fernet.Key
	ttl time.Duration
}

func NewTickets(key *fernet.Key, ttl time.Duration) *Tickets {
	return &Tickets{key: key, ttl: ttl}
}

func (t *Tickets) TTL() time.Duration { return t.ttl }

func (t *Tickets) Issue(userID uint) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(ticketPrefix+strconv.FormatUint(uint64(userID), 10)), t.key)
	if err != nil {
		return "", fmt.Errorf("seal ticket: %w", err)
	}
	return string(tok), nil
}

// Parse returns the user id sealed in token, or ErrInvalidToken when the
// token is forged, malformed or older than the ticket TTL.
func (t *Tickets) Parse(token string) (uint, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), t.ttl, []*fernet.Key{t.key})
	if msg == nil {
		return 0, ErrInvalidToken
	}
	raw, ok := strings.CutPrefix(string(msg), ticketPrefix)
	if !ok {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidToken
	}
	return uint(id), nil
}

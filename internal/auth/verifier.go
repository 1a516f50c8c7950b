package auth

import (
	"context"
	"errors"

	"github.com/hostdeck/hostdeck/internal/database"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the verified owner of a token.
type Identity struct {
	UserID   uint
	Username string
	Role     string
}

// Verifier resolves bearer tokens to identities. It accepts both terminal
// tickets and login session tokens.
type Verifier struct {
	sessions *SessionStore
	tickets  *Tickets
	lookup   func(id uint) (*database.User, error)
}

func NewVerifier(sessions *SessionStore, tickets *Tickets) *Verifier {
	return &Verifier{
		sessions: sessions,
		tickets:  tickets,
		lookup:   database.GetUserByID,
	}
}

func (v *Verifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	var userID uint
	if v.tickets != nil {
		if id, err := v.tickets.Parse(token); err == nil {
			userID = id
		}
	}
	if userID == 0 && v.sessions != nil {
		if id, ok := v.sessions.Get(token); ok {
			userID = id
		}
	}
	if userID == 0 {
		return Identity{}, ErrInvalidToken
	}

	user, err := v.lookup(userID)
	if err != nil {
		// user deleted after the token was issued
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

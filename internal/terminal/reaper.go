package terminal

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hostdeck/hostdeck/internal/audit"
)

// ReapIdle closes active sessions idle since before cutoff that have no
// attached clients. It returns how many were closed.
func (co *Coordinator) ReapIdle(ctx context.Context, cutoff time.Time) (int, error) {
	idle, err := co.sessions.ListIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	reaped := 0
	for _, rec := range idle {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if co.reapOne(ctx, rec.ID) {
			reaped++
			co.logAudit(audit.Entry{
				EventType: audit.EventSessionReaped,
				UserID:    rec.UserID,
				SessionID: rec.ID,
				Details:   "idle since " + rec.LastActivity.UTC().Format(time.RFC3339),
			})
		}
	}
	if reaped > 0 {
		log.Printf("[reaper] closed %d idle terminal sessions", reaped)
	}
	return reaped, nil
}

func (co *Coordinator) reapOne(ctx context.Context, sessionID string) bool {
	unlock := co.locks.Lock(sessionID)
	defer unlock()

	if co.registry.Count(sessionID) > 0 {
		return false
	}
	co.kill(sessionID)
	if err := co.sessions.Deactivate(ctx, sessionID); err != nil {
		log.Printf("[reaper] deactivate session %s: %v", sessionID, err)
		return false
	}
	return true
}

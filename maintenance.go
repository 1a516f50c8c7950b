package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/terminal"
)

const (
	loginCleanupSchedule = "@every 10m"
	auditPurgeSchedule   = "@daily"
)

// maintenance holds the periodic housekeeping jobs.
type maintenance struct {
	logins      *auth.SessionStore
	terminal    *terminal.Coordinator
	audit       *audit.Auditor
	idleTimeout time.Duration
	now         func() time.Time
}

// reapIdleSessions closes unattended sessions idle longer than idleTimeout.
// A zero timeout disables reaping.
func (m *maintenance) reapIdleSessions(ctx context.Context) {
	if m.idleTimeout <= 0 || m.terminal == nil {
		return
	}
	if _, err := m.terminal.ReapIdle(ctx, m.now().Add(-m.idleTimeout)); err != nil {
		log.Printf("[reaper] idle session sweep failed: %v", err)
	}
}

func (m *maintenance) purgeAudit() {
	if m.audit == nil {
		return
	}
	m.audit.PurgeOlderThan(0)
}

func (m *maintenance) cleanupLogins() {
	if n := m.logins.Cleanup(); n > 0 {
		log.Printf("[auth] dropped %d expired login sessions", n)
	}
}

// start schedules every job on a new cron scheduler and starts it.
func (m *maintenance) start(ctx context.Context, reapSchedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(loginCleanupSchedule, m.cleanupLogins); err != nil {
		return nil, fmt.Errorf("schedule login cleanup: %w", err)
	}
	if _, err := c.AddFunc(auditPurgeSchedule, m.purgeAudit); err != nil {
		return nil, fmt.Errorf("schedule audit purge: %w", err)
	}
	if m.idleTimeout > 0 {
		if _, err := c.AddFunc(reapSchedule, func() { m.reapIdleSessions(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule reaper %q: %w", reapSchedule, err)
		}
		log.Printf("[reaper] closing sessions idle for %s (%s)", m.idleTimeout, reapSchedule)
	}
	c.Start()
	return c, nil
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/ptyproc"
	"github.com/hostdeck/hostdeck/internal/quota"
	"github.com/hostdeck/hostdeck/internal/rbac"
	"github.com/hostdeck/hostdeck/internal/sessions"
	"github.com/hostdeck/hostdeck/internal/terminal"
	"github.com/hostdeck/hostdeck/internal/transcript"
)

type maintenanceEnv struct {
	jobs     *maintenance
	sessions *sessions.Store
	user     *database.User
}

func setupMaintenance(t *testing.T, idleTimeout time.Duration) *maintenanceEnv {
	t.Helper()
	if err := database.Init(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	user := &database.User{Username: "alice", PasswordHash: "x", Role: "user"}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	checker, err := rbac.NewChecker(database.DB, rbac.DefaultPolicy())
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}

	owner := ptyproc.NewOwner(ptyproc.Config{Shell: "/bin/sh", Dir: t.TempDir()})
	t.Cleanup(owner.Close)

	store := sessions.NewStore(database.DB)
	logins := auth.NewSessionStore()
	coord := terminal.New(terminal.Options{
		Auth:        auth.NewVerifier(logins, nil),
		Permissions: checker,
		Quota:       quota.NewTracker(database.DB),
		Transcripts: transcript.NewStore(database.DB),
		Sessions:    store,
		Processes:   owner,
		OutboxSize:  16,
	})

	return &maintenanceEnv{
		jobs: &maintenance{
			logins:      logins,
			terminal:    coord,
			audit:       audit.NewAuditor(database.DB, 30),
			idleTimeout: idleTimeout,
			now:         time.Now,
		},
		sessions: store,
		user:     user,
	}
}

// staleSession creates an active session whose last activity is hours old.
func (e *maintenanceEnv) staleSession(t *testing.T) string {
	t.Helper()
	rec, err := e.sessions.Create(context.Background(), e.user.ID, "old")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	old := time.Now().Add(-3 * time.Hour)
	if err := database.DB.Model(&database.TerminalSession{}).Where("id = ?", rec.ID).
		Update("last_activity", old).Error; err != nil {
		t.Fatalf("age session: %v", err)
	}
	return rec.ID
}

func (e *maintenanceEnv) isActive(t *testing.T, id string) bool {
	t.Helper()
	rec, err := e.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return rec.Active
}

// --- reaper ---

func TestReapIdleSessions(t *testing.T) {
	env := setupMaintenance(t, time.Hour)
	id := env.staleSession(t)

	env.jobs.reapIdleSessions(context.Background())

	if env.isActive(t, id) {
		t.Error("expected idle session to be deactivated")
	}
}

func TestReapIdleSessions_Disabled(t *testing.T) {
	env := setupMaintenance(t, 0)
	id := env.staleSession(t)

	env.jobs.reapIdleSessions(context.Background())

	if !env.isActive(t, id) {
		t.Error("reaper ran with a zero idle timeout")
	}
}

func TestReapIdleSessions_KeepsRecent(t *testing.T) {
	env := setupMaintenance(t, 24*time.Hour)
	id := env.staleSession(t)

	env.jobs.reapIdleSessions(context.Background())

	if !env.isActive(t, id) {
		t.Error("session younger than the idle timeout was reaped")
	}
}

// --- audit retention ---

func TestPurgeAudit(t *testing.T) {
	env := setupMaintenance(t, 0)
	if err := env.jobs.audit.Log(audit.Entry{EventType: audit.EventQuotaReset, Username: "admin"}); err != nil {
		t.Fatalf("log: %v", err)
	}

	env.jobs.purgeAudit()
	var count int64
	database.DB.Model(&database.AuditLog{}).Count(&count)
	if count != 1 {
		t.Fatalf("fresh entry purged, count = %d", count)
	}

	env.jobs.audit.SetNowFunc(func() time.Time { return time.Now().AddDate(0, 0, 31) })
	env.jobs.purgeAudit()
	database.DB.Model(&database.AuditLog{}).Count(&count)
	if count != 0 {
		t.Errorf("expected expired entry to be purged, count = %d", count)
	}
}

// --- logins ---

func TestCleanupLogins(t *testing.T) {
	env := setupMaintenance(t, 0)
	token, err := env.jobs.logins.Create(env.user.ID)
	if err != nil {
		t.Fatalf("create login: %v", err)
	}

	env.jobs.cleanupLogins()

	if _, ok := env.jobs.logins.Get(token); !ok {
		t.Error("live login session was dropped")
	}
}

// --- scheduling ---

func TestStartMaintenance(t *testing.T) {
	env := setupMaintenance(t, time.Hour)

	c, err := env.jobs.start(context.Background(), "@every 5m")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	if n := len(c.Entries()); n != 3 {
		t.Errorf("expected 3 scheduled jobs, got %d", n)
	}
}

func TestStartMaintenance_ReaperDisabled(t *testing.T) {
	env := setupMaintenance(t, 0)

	c, err := env.jobs.start(context.Background(), "not a schedule")
	if err != nil {
		t.Fatalf("schedule should be ignored when reaping is off: %v", err)
	}
	defer c.Stop()
	if n := len(c.Entries()); n != 2 {
		t.Errorf("expected 2 scheduled jobs, got %d", n)
	}
}

func TestStartMaintenance_BadSchedule(t *testing.T) {
	env := setupMaintenance(t, time.Hour)

	if _, err := env.jobs.start(context.Background(), "every now and then"); err == nil {
		t.Fatal("expected an invalid reap schedule to fail")
	}
}

// --- router ---

func TestRouter(t *testing.T) {
	env := setupMaintenance(t, 0)
	checker, err := rbac.NewChecker(database.DB, rbac.DefaultPolicy())
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}
	srv := httptest.NewServer(newRouter(env.jobs.logins, checker, ""))
	defer srv.Close()

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/api/v1/auth/me", http.StatusUnauthorized},
		{"/api/v1/terminal/sessions", http.StatusUnauthorized},
		{"/api/v1/users", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

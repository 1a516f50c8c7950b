package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/ptyproc"
	"github.com/hostdeck/hostdeck/internal/quota"
	"github.com/hostdeck/hostdeck/internal/rbac"
	"github.com/hostdeck/hostdeck/internal/sessions"
	"github.com/hostdeck/hostdeck/internal/transcript"
)

// fakeProc stands in for one shell process.
type fakeProc struct {
	pid        int
	onOutput   ptyproc.OutputFunc
	writes     []string
	cols, rows uint16
	interrupts int
}

type fakeProcs struct {
	mu       sync.Mutex
	live     map[string]*fakeProc
	nextPID  int
	spawns   int
	spawnErr error
	exits    chan ptyproc.Exit
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		live:    make(map[string]*fakeProc),
		nextPID: 1000,
		exits:   make(chan ptyproc.Exit, 16),
	}
}

func (f *fakeProcs) Ensure(id string, onOutput ptyproc.OutputFunc) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.live[id]; ok {
		return p.pid, false, nil
	}
	if f.spawnErr != nil {
		return 0, false, f.spawnErr
	}
	f.nextPID++
	f.spawns++
	f.live[id] = &fakeProc{pid: f.nextPID, onOutput: onOutput, cols: 80, rows: 24}
	return f.nextPID, true, nil
}

func (f *fakeProcs) Write(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live[id]
	if !ok {
		return ptyproc.ErrNotFound
	}
	p.writes = append(p.writes, string(data))
	return nil
}

func (f *fakeProcs) Resize(id string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live[id]
	if !ok {
		return ptyproc.ErrNotFound
	}
	p.cols, p.rows = cols, rows
	return nil
}

func (f *fakeProcs) Interrupt(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live[id]
	if !ok {
		return ptyproc.ErrNotFound
	}
	p.interrupts++
	return nil
}

func (f *fakeProcs) Kill(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live[id]
	if !ok {
		return ptyproc.ErrNotFound
	}
	delete(f.live, id)
	f.exits <- ptyproc.Exit{SessionID: id, PID: p.pid, Code: -1, Signal: "killed", Killed: true}
	return nil
}

func (f *fakeProcs) Lookup(id string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live[id]
	if !ok {
		return 0, false
	}
	return p.pid, true
}

func (f *fakeProcs) Exits() <-chan ptyproc.Exit { return f.exits }

// emit plays the pump goroutine delivering output.
func (f *fakeProcs) emit(t *testing.T, id, data string) {
	t.Helper()
	f.mu.Lock()
	p, ok := f.live[id]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("emit: no process for %s", id)
	}
	p.onOutput(id, p.pid, []byte(data))
}

// output returns the callback and pid of the session's process so a test can
// deliver a chunk after the process is gone.
func (f *fakeProcs) output(t *testing.T, id string) (ptyproc.OutputFunc, int) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live[id]
	if !ok {
		t.Fatalf("output: no process for %s", id)
	}
	return p.onOutput, p.pid
}

// exit simulates the shell ending on its own.
func (f *fakeProcs) exit(id string, code int) ptyproc.Exit {
	f.mu.Lock()
	p := f.live[id]
	delete(f.live, id)
	f.mu.Unlock()
	ex := ptyproc.Exit{SessionID: id, PID: p.pid, Code: code}
	f.exits <- ex
	return ex
}

func (f *fakeProcs) proc(id string) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}

func (f *fakeProcs) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

type fakeAuth map[string]auth.Identity

func (a fakeAuth) VerifyToken(_ context.Context, token string) (auth.Identity, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return auth.Identity{}, auth.ErrInvalidToken
}

// failingTranscripts wraps a store and fails appends or purges on demand.
type failingTranscripts struct {
	*transcript.Store
	mu         sync.Mutex
	failAppend bool
	failPurge  bool
}

func (f *failingTranscripts) setFailPurge(v bool) {
	f.mu.Lock()
	f.failPurge = v
	f.mu.Unlock()
}

func (f *failingTranscripts) Purge(ctx context.Context, id string) error {
	f.mu.Lock()
	fail := f.failPurge
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.Store.Purge(ctx, id)
}

func (f *failingTranscripts) setFail(v bool) {
	f.mu.Lock()
	f.failAppend = v
	f.mu.Unlock()
}

func (f *failingTranscripts) Append(ctx context.Context, id string, role transcript.Role, content string) (uint64, error) {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return 0, errors.New("disk full")
	}
	return f.Store.Append(ctx, id, role, content)
}

type harness struct {
	co          *Coordinator
	procs       *fakeProcs
	db          *gorm.DB
	sessions    *sessions.Store
	transcripts *transcript.Store
	quota       *quota.Tracker
	users       map[string]*database.User
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	h := &harness{
		procs:       newFakeProcs(),
		db:          db,
		sessions:    sessions.NewStore(db),
		transcripts: transcript.NewStore(db),
		quota:       quota.NewTracker(db),
		users:       make(map[string]*database.User),
	}
	tokens := fakeAuth{}
	for _, acct := range []struct{ name, role string }{
		{"alice", "user"}, {"bob", "user"}, {"guest", "guest"},
	} {
		u := &database.User{Username: acct.name, PasswordHash: "x", Role: acct.role}
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
		h.users[acct.name] = u
		tokens["tok-"+acct.name] = auth.Identity{UserID: u.ID, Username: u.Username, Role: u.Role}
	}
	checker, err := rbac.NewChecker(db, rbac.DefaultPolicy())
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}

	o := Options{
		Auth:        tokens,
		Permissions: checker,
		Quota:       h.quota,
		Transcripts: h.transcripts,
		Sessions:    h.sessions,
		Processes:   h.procs,
		OutboxSize:  64,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.co = New(o)
	return h
}

// connect authenticates as user and attaches to sessionID (or a fresh one).
func (h *harness) connect(t *testing.T, user, sessionID string) (*Client, string) {
	t.Helper()
	ac, err := h.co.Authenticate(context.Background(), "tok-"+user, "127.0.0.1")
	if err != nil {
		t.Fatalf("Authenticate(%s): %v", user, err)
	}
	c := h.co.NewClient(ac)
	id, err := h.co.Attach(context.Background(), c, sessionID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return c, id
}

func (h *harness) entries(t *testing.T, sessionID string) []transcript.Entry {
	t.Helper()
	entries, err := h.transcripts.ListOrdered(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("ListOrdered: %v", err)
	}
	return entries
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectEvent(t *testing.T, c *Client, typ EventType) Event {
	t.Helper()
	ev := nextEvent(t, c)
	if ev.Type != typ {
		t.Fatalf("expected %s event, got %s (%+v)", typ, ev.Type, ev)
	}
	return ev
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %s (%+v)", ev.Type, ev)
	default:
	}
}

func describe(entries []transcript.Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s:%q", e.Role, e.Content)
	}
	return strings.Join(parts, ", ")
}

// failingAuditor rejects every entry.
type failingAuditor struct{}

func (failingAuditor) Log(audit.Entry) error { return errors.New("disk I/O error") }

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/ptyproc"
	"github.com/hostdeck/hostdeck/internal/transcript"
)

// --- Authentication ---

func TestAuthenticate_RejectsBeforeTouchingState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.co.Authenticate(ctx, "", "ip"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty token: %v", err)
	}
	_, err := h.co.Authenticate(ctx, "forged", "ip")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("bad token: %v", err)
	}
	if ev := AuthErrorEvent(err); ev.Code != CodeUnauthorized || !ev.Fatal {
		t.Errorf("AuthErrorEvent = %+v", ev)
	}

	_, err = h.co.Authenticate(ctx, "tok-guest", "ip")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("guest without capability: %v", err)
	}
	if ev := AuthErrorEvent(err); ev.Code != CodeForbidden || !ev.Fatal {
		t.Errorf("AuthErrorEvent = %+v", ev)
	}

	var count int64
	h.db.Model(&database.TerminalSession{}).Count(&count)
	if count != 0 || h.procs.spawnCount() != 0 {
		t.Errorf("failed auth created %d sessions and %d processes", count, h.procs.spawnCount())
	}
}

func TestAuthenticate_TypedClient(t *testing.T) {
	h := newHarness(t)
	ac, err := h.co.Authenticate(context.Background(), "tok-alice", "10.1.1.1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ac.ID == "" || ac.UserID != h.users["alice"].ID || ac.Username != "alice" || ac.RemoteAddr != "10.1.1.1" {
		t.Errorf("unexpected client %+v", ac)
	}
}

// --- Resolution and replay ---

func TestAttach_FreshThenReconnectReusesProcess(t *testing.T) {
	h := newHarness(t)

	c1, id := h.connect(t, "alice", "")
	ready := expectEvent(t, c1, EventSessionReady)
	if ready.SessionID != id || ready.Reconnect || ready.Title == "" {
		t.Errorf("fresh session_ready = %+v", ready)
	}
	pid, _ := h.procs.Lookup(id)

	h.procs.emit(t, id, "X")
	if ev := expectEvent(t, c1, EventOutput); string(ev.Data) != "X" {
		t.Errorf("output = %q", ev.Data)
	}

	h.co.Detach(c1)
	if _, ok := h.procs.Lookup(id); !ok {
		t.Fatal("detaching the last client killed the process")
	}

	c2, id2 := h.connect(t, "alice", id)
	if id2 != id {
		t.Fatalf("reconnect resolved %s, want %s", id2, id)
	}
	ready = expectEvent(t, c2, EventSessionReady)
	if !ready.Reconnect {
		t.Error("expected reconnect flag")
	}
	replay := expectEvent(t, c2, EventHistoryReplay)
	if len(replay.Entries) != 1 || replay.Entries[0].Content != "X" {
		t.Errorf("replay = %s", describe(replay.Entries))
	}

	if h.procs.spawnCount() != 1 {
		t.Errorf("spawned %d processes, want 1", h.procs.spawnCount())
	}
	if pid2, _ := h.procs.Lookup(id); pid2 != pid {
		t.Errorf("pid changed from %d to %d", pid, pid2)
	}
	if err := h.co.Input(context.Background(), c2, []byte("a")); err != nil {
		t.Fatalf("Input after reconnect: %v", err)
	}
	if w := h.procs.proc(id).writes; len(w) != 1 || w[0] != "a" {
		t.Errorf("writes = %q", w)
	}
}

func TestAttach_ForeignOrUnknownSessionStartsFresh(t *testing.T) {
	h := newHarness(t)
	_, aliceID := h.connect(t, "alice", "")

	bob, bobID := h.connect(t, "bob", aliceID)
	if bobID == aliceID {
		t.Fatal("bob attached to alice's session")
	}
	if ev := expectEvent(t, bob, EventSessionReady); ev.Reconnect {
		t.Error("foreign session must not count as reconnect")
	}

	_, unknown := h.connect(t, "bob", "does-not-exist")
	if unknown == "does-not-exist" || unknown == bobID {
		t.Errorf("unknown id resolved to %s", unknown)
	}
}

func TestReplay_OnlyToJoiningClient(t *testing.T) {
	h := newHarness(t)
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)

	b, _ := h.connect(t, "alice", id)
	expectEvent(t, b, EventSessionReady)
	expectEvent(t, b, EventHistoryReplay)

	expectNoEvent(t, a)
}

func TestReplay_BoundaryHasNoGapOrDuplicate(t *testing.T) {
	h := newHarness(t)
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)

	h.procs.emit(t, id, "one")
	h.procs.emit(t, id, "two")

	b, _ := h.connect(t, "alice", id)
	expectEvent(t, b, EventSessionReady)
	replay := expectEvent(t, b, EventHistoryReplay)

	h.procs.emit(t, id, "three")
	live := expectEvent(t, b, EventOutput)

	var seen []string
	for _, e := range replay.Entries {
		seen = append(seen, e.Content)
	}
	seen = append(seen, string(live.Data))
	want := []string{"one", "two", "three"}
	if len(seen) != len(want) {
		t.Fatalf("history+live = %q, want %q", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("history+live = %q, want %q", seen, want)
		}
	}
	expectNoEvent(t, b)
}

func TestReplay_ConcurrentOutputDuringReconnect(t *testing.T) {
	const chunks = 300
	h := newHarness(t, func(o *Options) { o.OutboxSize = 2 * chunks })
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)

	want := make([]string, chunks)
	for i := range want {
		want[i] = fmt.Sprintf("c%03d", i)
	}
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for _, s := range want {
			h.procs.emit(t, id, s)
		}
	}()

	b, _ := h.connect(t, "alice", id)
	expectEvent(t, b, EventSessionReady)
	replay := expectEvent(t, b, EventHistoryReplay)
	<-emitted

	var seen []string
	for _, e := range replay.Entries {
		seen = append(seen, e.Content)
	}
	for len(seen) < chunks {
		seen = append(seen, string(expectEvent(t, b, EventOutput).Data))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("position %d: got %q, want %q (replayed %d)", i, seen[i], want[i], len(replay.Entries))
		}
	}
	expectNoEvent(t, b)
}

// --- Fan-out ---

func TestFanout_AllClientsOneTranscriptEntry(t *testing.T) {
	h := newHarness(t)
	a, id := h.connect(t, "alice", "")
	b, _ := h.connect(t, "alice", id)
	expectEvent(t, a, EventSessionReady)
	expectEvent(t, b, EventSessionReady)
	expectEvent(t, b, EventHistoryReplay)

	h.procs.emit(t, id, "X")
	h.procs.emit(t, id, "Y")

	for _, c := range []*Client{a, b} {
		if ev := expectEvent(t, c, EventOutput); string(ev.Data) != "X" {
			t.Errorf("first output %q", ev.Data)
		}
		if ev := expectEvent(t, c, EventOutput); string(ev.Data) != "Y" {
			t.Errorf("second output %q", ev.Data)
		}
	}

	entries := h.entries(t, id)
	if len(entries) != 2 || entries[0].Content != "X" || entries[1].Content != "Y" {
		t.Errorf("transcript = %s", describe(entries))
	}
}

func TestFanout_PersistFailureStillDelivers(t *testing.T) {
	var ft *failingTranscripts
	h := newHarness(t, func(o *Options) {
		ft = &failingTranscripts{Store: o.Transcripts.(*transcript.Store)}
		o.Transcripts = ft
	})
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)

	ft.setFail(true)
	h.procs.emit(t, id, "1")
	h.procs.emit(t, id, "2")

	expectEvent(t, a, EventOutput)
	if ev := expectEvent(t, a, EventError); ev.Code != CodeTranscriptUnavailable || ev.Fatal {
		t.Errorf("warning = %+v", ev)
	}
	if ev := expectEvent(t, a, EventOutput); string(ev.Data) != "2" {
		t.Errorf("second output %q", ev.Data)
	}
	expectNoEvent(t, a)
}

func TestFanout_SlowConsumerIsDropped(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.OutboxSize = 2 })
	slow, id := h.connect(t, "alice", "")
	fast, _ := h.connect(t, "alice", id)

	// fast drains as it goes
	expectEvent(t, fast, EventSessionReady)
	expectEvent(t, fast, EventHistoryReplay)
	for i := 0; i < 5; i++ {
		h.procs.emit(t, id, "x")
		expectEvent(t, fast, EventOutput)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client was not shut down")
	}
	if slow.CloseReason() != ReasonSlowConsumer {
		t.Errorf("CloseReason = %q", slow.CloseReason())
	}
}

// --- Input and quota ---

func TestInput_QuotaLastCommandThenRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.users["alice"]
	if err := h.quota.SetLimit(ctx, alice.ID, 10); err != nil {
		t.Fatal(err)
	}
	h.db.Model(&database.User{}).Where("id = ?", alice.ID).Update("command_count", 9)

	c, id := h.connect(t, "alice", "")
	expectEvent(t, c, EventSessionReady)

	if err := h.co.Input(ctx, c, []byte("ls\r")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	upd := expectEvent(t, c, EventQuotaUpdate)
	if !upd.Quota.Allowed || upd.Quota.Remaining != 0 || upd.Quota.Count != 10 {
		t.Errorf("quota_update = %+v", upd.Quota)
	}

	if err := h.co.Input(ctx, c, []byte("pwd\r")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	exc := expectEvent(t, c, EventQuotaExceeded)
	if exc.Quota.Allowed || exc.Quota.Remaining != 0 || exc.Quota.Limit != 10 {
		t.Errorf("quota_exceeded = %+v", exc.Quota)
	}

	// keystrokes went through exactly once each
	w := h.procs.proc(id).writes
	if len(w) != 2 || w[0] != "ls\r" || w[1] != "pwd\r" {
		t.Errorf("process writes = %q", w)
	}

	entries := h.entries(t, id)
	if len(entries) != 2 {
		t.Fatalf("transcript = %s", describe(entries))
	}
	if entries[0].Role != transcript.RoleUserInput || entries[0].Content != "ls" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Role != transcript.RoleSystemNote {
		t.Errorf("rejection should be a system note, got %+v", entries[1])
	}
}

func TestInput_KeystrokesAssembledIntoLines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, id := h.connect(t, "alice", "")
	expectEvent(t, c, EventSessionReady)

	for _, chunk := range []string{"e", "c", "x\x7fho", " hi", "\r"} {
		h.co.Input(ctx, c, []byte(chunk))
	}
	expectEvent(t, c, EventQuotaUpdate)

	// blank lines are not commands
	h.co.Input(ctx, c, []byte("\r\r"))
	expectNoEvent(t, c)

	entries := h.entries(t, id)
	if len(entries) != 1 || entries[0].Content != "echo hi" {
		t.Errorf("transcript = %s", describe(entries))
	}
	st, _ := h.quota.Get(ctx, h.users["alice"].ID)
	if st.Count != 1 {
		t.Errorf("count = %d, want 1", st.Count)
	}
}

func TestInput_ClearPurgesThenRecordsItself(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, id := h.connect(t, "alice", "")
	b, _ := h.connect(t, "alice", id)
	expectEvent(t, a, EventSessionReady)

	h.procs.emit(t, id, "old output")
	h.co.Input(ctx, a, []byte("ls\n"))

	if n := len(h.entries(t, id)); n != 2 {
		t.Fatalf("expected 2 entries before clear, got %d", n)
	}

	h.co.Input(ctx, a, []byte("clear\n"))
	entries := h.entries(t, id)
	if len(entries) != 1 || entries[0].Content != "clear" || entries[0].Role != transcript.RoleUserInput {
		t.Fatalf("after clear = %s", describe(entries))
	}

	// b saw its replay, the output, then history_cleared
	expectEvent(t, b, EventSessionReady)
	expectEvent(t, b, EventHistoryReplay)
	expectEvent(t, b, EventOutput)
	expectEvent(t, b, EventHistoryCleared)
}

func TestInput_NotAttachedOrDeadProcess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ac, _ := h.co.Authenticate(ctx, "tok-alice", "ip")
	loose := h.co.NewClient(ac)

	if err := h.co.Input(ctx, loose, []byte("x")); !errors.Is(err, ErrNotAttached) {
		t.Errorf("unattached Input: %v", err)
	}
	if ev := expectEvent(t, loose, EventError); ev.Code != CodeNotAttached {
		t.Errorf("code = %s", ev.Code)
	}

	c, id := h.connect(t, "alice", "")
	expectEvent(t, c, EventSessionReady)
	h.procs.Kill(id)
	if err := h.co.Input(ctx, c, []byte("x")); !errors.Is(err, ptyproc.ErrNotFound) {
		t.Errorf("Input to dead process: %v", err)
	}
	if ev := expectEvent(t, c, EventError); ev.Code != CodeProcessNotFound {
		t.Errorf("code = %s", ev.Code)
	}
}

func TestResizeAndInterrupt(t *testing.T) {
	h := newHarness(t)
	c, id := h.connect(t, "alice", "")
	expectEvent(t, c, EventSessionReady)

	if err := h.co.Resize(c, 1000, 1000); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if p := h.procs.proc(id); p.cols != MaxCols || p.rows != MaxRows {
		t.Errorf("size = %dx%d, want clamped", p.cols, p.rows)
	}
	if err := h.co.Resize(c, 0, 10); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("zero cols: %v", err)
	}
	expectEvent(t, c, EventError)

	h.co.Input(context.Background(), c, []byte("half-typed"))
	if err := h.co.Interrupt(c); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if p := h.procs.proc(id); p.interrupts != 1 {
		t.Errorf("interrupts = %d", p.interrupts)
	}
	// the interrupted line is not submitted with the next one
	h.co.Input(context.Background(), c, []byte("ok\r"))
	entries := h.entries(t, id)
	if len(entries) != 1 || entries[0].Content != "ok" {
		t.Errorf("transcript = %s", describe(entries))
	}
}

// --- Lifecycle ---

func TestCloseSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, id := h.connect(t, "alice", "")
	b, _ := h.connect(t, "alice", id)
	expectEvent(t, a, EventSessionReady)
	expectEvent(t, b, EventSessionReady)
	expectEvent(t, b, EventHistoryReplay)

	if err := h.co.CloseSession(ctx, h.users["bob"].ID, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("close by non-owner: %v", err)
	}
	if err := h.co.CloseSession(ctx, h.users["alice"].ID, id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	expectEvent(t, a, EventSessionClosed)
	expectEvent(t, b, EventSessionClosed)
	if h.co.AttachedCount(id) != 0 {
		t.Error("registry entry survived close")
	}
	if err := h.procs.Write(id, []byte("x")); !errors.Is(err, ptyproc.ErrNotFound) {
		t.Errorf("write after close: %v", err)
	}
	rec, err := h.sessions.Get(ctx, id)
	if err != nil || rec.Active {
		t.Errorf("record after close: %+v, %v", rec, err)
	}

	// a closed session can no longer be resumed
	_, newID := h.connect(t, "alice", id)
	if newID == id {
		t.Error("reconnected to a closed session")
	}
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)
	h.procs.emit(t, id, "data")
	expectEvent(t, a, EventOutput)

	if err := h.co.DeleteSession(ctx, h.users["bob"].ID, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("delete by non-owner: %v", err)
	}
	if err := h.co.DeleteSession(ctx, h.users["alice"].ID, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	expectEvent(t, a, EventSessionDeleted)
	if len(h.entries(t, id)) != 0 {
		t.Error("transcript survived delete")
	}
	if _, err := h.sessions.Get(ctx, id); err == nil {
		t.Error("record survived delete")
	}
	if _, ok := h.procs.Lookup(id); ok {
		t.Error("process survived delete")
	}
	if err := h.co.DeleteSession(ctx, h.users["alice"].ID, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestDeleteSession_DropsOutputInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)

	onOutput, pid := h.procs.output(t, id)
	if err := h.co.DeleteSession(ctx, h.users["alice"].ID, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	expectEvent(t, a, EventSessionDeleted)

	// a chunk the pump read before the kill lands afterwards
	onOutput(id, pid, []byte("late"))

	if entries := h.entries(t, id); len(entries) != 0 {
		t.Errorf("deleted session has entries: %s", describe(entries))
	}
	expectNoEvent(t, a)
}

func TestDeleteSession_StorageFailureLeavesSessionIntact(t *testing.T) {
	var ft *failingTranscripts
	h := newHarness(t, func(o *Options) {
		ft = &failingTranscripts{Store: o.Transcripts.(*transcript.Store)}
		o.Transcripts = ft
	})
	ctx := context.Background()
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)

	ft.setFailPurge(true)
	if err := h.co.DeleteSession(ctx, h.users["alice"].ID, id); err == nil {
		t.Fatal("expected purge failure to surface")
	}
	if _, ok := h.procs.Lookup(id); !ok {
		t.Error("process killed by a failed delete")
	}
	if rec, err := h.sessions.Get(ctx, id); err != nil || !rec.Active {
		t.Errorf("record after failed delete: %+v, %v", rec, err)
	}
	h.procs.emit(t, id, "still here")
	if ev := expectEvent(t, a, EventOutput); string(ev.Data) != "still here" {
		t.Errorf("output after failed delete = %q", ev.Data)
	}

	ft.setFailPurge(false)
	if err := h.co.DeleteSession(ctx, h.users["alice"].ID, id); err != nil {
		t.Fatalf("retried DeleteSession: %v", err)
	}
	expectEvent(t, a, EventSessionDeleted)
	if len(h.entries(t, id)) != 0 {
		t.Error("transcript survived retried delete")
	}
}

func TestAuditFailureIsLogged(t *testing.T) {
	var out syncBuffer
	log.SetOutput(&out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	h := newHarness(t, func(o *Options) { o.Audit = failingAuditor{} })
	ctx := context.Background()
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)

	if err := h.co.DeleteSession(ctx, h.users["alice"].ID, id); err != nil {
		t.Fatalf("DeleteSession with failing audit: %v", err)
	}
	expectEvent(t, a, EventSessionDeleted)
	want := "[audit] " + audit.EventSessionDelete + " for session " + id + " not recorded: disk I/O error"
	if !strings.Contains(out.String(), want) {
		t.Errorf("log output missing %q:\n%s", want, out.String())
	}
}

func TestDeleteInactiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, id := h.connect(t, "alice", "")
	h.co.CloseSession(ctx, h.users["alice"].ID, id)

	if err := h.co.DeleteSession(ctx, h.users["alice"].ID, id); err != nil {
		t.Fatalf("DeleteSession of closed session: %v", err)
	}
}

func TestUnsolicitedExit(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.co.Run(ctx)

	a, id := h.connect(t, "alice", "")
	b, _ := h.connect(t, "alice", id)
	expectEvent(t, a, EventSessionReady)
	expectEvent(t, b, EventSessionReady)
	expectEvent(t, b, EventHistoryReplay)

	h.procs.exit(id, 2)

	for _, c := range []*Client{a, b} {
		if ev := expectEvent(t, c, EventError); ev.Code != CodeProcessExited {
			t.Errorf("error code = %s", ev.Code)
		}
		ev := expectEvent(t, c, EventProcessExited)
		if ev.ExitCode == nil || *ev.ExitCode != 2 {
			t.Errorf("exit event = %+v", ev)
		}
	}
	if h.co.AttachedCount(id) != 0 {
		t.Error("registry not cleared after exit")
	}
	if err := h.co.Input(ctx, a, []byte("ls\r")); !errors.Is(err, ErrNotAttached) {
		t.Errorf("input after exit = %v, want ErrNotAttached", err)
	}
	if h.procs.spawnCount() != 1 {
		t.Errorf("input respawned the shell: spawns = %d", h.procs.spawnCount())
	}

	rec, _ := h.sessions.Get(context.Background(), id)
	if !rec.Active {
		t.Error("exit must leave the record active")
	}
	entries := h.entries(t, id)
	if len(entries) != 1 || entries[0].Role != transcript.RoleSystemNote {
		t.Errorf("transcript = %s", describe(entries))
	}

	// the next attach spawns a replacement under the same id
	c, again := h.connect(t, "alice", id)
	if again != id {
		t.Fatalf("resolved %s, want %s", again, id)
	}
	expectEvent(t, c, EventSessionReady)
	if h.procs.spawnCount() != 2 {
		t.Errorf("spawns = %d, want 2", h.procs.spawnCount())
	}
}

func TestExit_KilledAndStaleAreIgnored(t *testing.T) {
	h := newHarness(t)
	a, id := h.connect(t, "alice", "")
	expectEvent(t, a, EventSessionReady)
	pid, _ := h.procs.Lookup(id)

	h.co.handleExit(ptyproc.Exit{SessionID: id, PID: pid, Killed: true})
	h.co.handleExit(ptyproc.Exit{SessionID: id, PID: pid - 1, Code: 0})

	expectNoEvent(t, a)
	if h.co.AttachedCount(id) != 1 {
		t.Error("client detached by an ignored exit")
	}
}

func TestSpawnFailureLeavesProcesslessSession(t *testing.T) {
	h := newHarness(t)
	h.procs.spawnErr = errors.New("no such shell")

	c, id := h.connect(t, "alice", "")
	expectEvent(t, c, EventSessionReady)
	if ev := expectEvent(t, c, EventError); ev.Code != CodeSpawnFailed {
		t.Errorf("code = %s", ev.Code)
	}
	if err := h.co.Input(context.Background(), c, []byte("x")); err == nil {
		t.Error("expected input to fail without a process")
	}
	expectEvent(t, c, EventError)

	// explicit retry once the shell is available again
	h.procs.spawnErr = nil
	if err := h.co.Dispatch(context.Background(), c, Command{Type: CmdLoadSession, SessionID: id}); err != nil {
		t.Fatalf("load_session: %v", err)
	}
	if ev := expectEvent(t, c, EventSessionReady); ev.SessionID != id || !ev.Reconnect {
		t.Errorf("retry session_ready = %+v", ev)
	}
	if _, ok := h.procs.Lookup(id); !ok {
		t.Error("retry did not spawn")
	}
}

// --- Commands ---

func TestDispatch_SessionCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, first := h.connect(t, "alice", "")
	expectEvent(t, c, EventSessionReady)

	if err := h.co.Dispatch(ctx, c, Command{Type: CmdCreateSession, Title: "build box"}); err != nil {
		t.Fatalf("create_session: %v", err)
	}
	ev := expectEvent(t, c, EventSessionReady)
	second := ev.SessionID
	if second == first || ev.Title != "build box" || ev.Reconnect {
		t.Errorf("create_session ready = %+v", ev)
	}
	if got, _ := h.co.SessionOf(c); got != second {
		t.Errorf("SessionOf = %s", got)
	}
	if _, ok := h.procs.Lookup(first); !ok {
		t.Error("switching away killed the first shell")
	}

	if err := h.co.Dispatch(ctx, c, Command{Type: CmdLoadSession, SessionID: first}); err != nil {
		t.Fatalf("load_session: %v", err)
	}
	if ev := expectEvent(t, c, EventSessionReady); ev.SessionID != first || !ev.Reconnect {
		t.Errorf("load_session ready = %+v", ev)
	}
	expectEvent(t, c, EventHistoryReplay)

	if err := h.co.Dispatch(ctx, c, Command{Type: CmdInput, Data: "id\r"}); err != nil {
		t.Fatalf("input: %v", err)
	}
	expectEvent(t, c, EventQuotaUpdate)

	if err := h.co.Dispatch(ctx, c, Command{Type: CmdClearHistory}); err != nil {
		t.Fatalf("clear_history: %v", err)
	}
	expectEvent(t, c, EventHistoryCleared)
	if n := len(h.entries(t, first)); n != 0 {
		t.Errorf("clear_history left %d entries", n)
	}

	if err := h.co.Dispatch(ctx, c, Command{Type: CmdCloseSession, SessionID: second}); err != nil {
		t.Fatalf("close_session: %v", err)
	}
	if err := h.co.Dispatch(ctx, c, Command{Type: CmdCloseSession, SessionID: second}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("closing twice: %v", err)
	}
	if ev := expectEvent(t, c, EventError); ev.Code != CodeSessionNotFound {
		t.Errorf("code = %s", ev.Code)
	}

	if err := h.co.Dispatch(ctx, c, Command{Type: CmdDeleteSession}); err != nil {
		t.Fatalf("delete_session of current: %v", err)
	}
	expectEvent(t, c, EventSessionDeleted)

	if err := h.co.Dispatch(ctx, c, Command{Type: "bogus"}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("unknown command: %v", err)
	}
	if err := h.co.Dispatch(ctx, c, Command{Type: CmdLoadSession}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("load without id: %v", err)
	}
}

// --- Reaping ---

func TestReapIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	watched, busy := h.connect(t, "alice", "")
	expectEvent(t, watched, EventSessionReady)
	idle, idleID := h.connect(t, "alice", "")
	h.co.Detach(idle)

	old := time.Now().Add(-2 * time.Hour)
	h.db.Model(&database.TerminalSession{}).Where("id IN ?", []string{busy, idleID}).
		Update("last_activity", old)

	n, err := h.co.ReapIdle(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReapIdle: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}
	if _, ok := h.procs.Lookup(idleID); ok {
		t.Error("idle process still running")
	}
	if _, ok := h.procs.Lookup(busy); !ok {
		t.Error("watched session was reaped")
	}
	rec, _ := h.sessions.Get(ctx, idleID)
	if rec.Active {
		t.Error("reaped session still active")
	}
}

func TestInput_OversizedRejected(t *testing.T) {
	h := newHarness(t)
	c, id := h.connect(t, "alice", "")
	expectEvent(t, c, EventSessionReady)

	big := make([]byte, MaxInputSize+1)
	if err := h.co.Input(context.Background(), c, big); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("oversized Input: %v", err)
	}
	if ev := expectEvent(t, c, EventError); ev.Code != CodeInvalidCommand {
		t.Errorf("code = %s", ev.Code)
	}
	if w := h.procs.proc(id).writes; len(w) != 0 {
		t.Errorf("oversized input reached the process")
	}
	if !h.co.HasProcess(id) {
		t.Error("HasProcess = false for a live session")
	}
}

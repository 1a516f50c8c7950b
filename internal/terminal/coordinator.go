package terminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/ptyproc"
	"github.com/hostdeck/hostdeck/internal/quota"
	"github.com/hostdeck/hostdeck/internal/rbac"
	"github.com/hostdeck/hostdeck/internal/registry"
	"github.com/hostdeck/hostdeck/internal/sessions"
	"github.com/hostdeck/hostdeck/internal/transcript"
)

// Terminal size bounds applied to resize requests.
const (
	MaxCols = 500
	MaxRows = 200
)

// MaxInputSize caps a single keystroke message.
const MaxInputSize = 64 * 1024

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotAttached     = errors.New("client is not attached to a session")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidCommand  = errors.New("invalid command")
)

type Authenticator interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
}

type Permissions interface {
	HasCapability(ctx context.Context, userID uint, capability string) (bool, error)
}

type QuotaTracker interface {
	CheckAndIncrement(ctx context.Context, userID uint) (quota.Status, error)
}

type Transcripts interface {
	Append(ctx context.Context, sessionID string, role transcript.Role, content string) (uint64, error)
	ListOrdered(ctx context.Context, sessionID string) ([]transcript.Entry, error)
	Purge(ctx context.Context, sessionID string) error
	Forget(sessionID string)
}

type SessionRecords interface {
	Create(ctx context.Context, userID uint, title string) (*database.TerminalSession, error)
	Get(ctx context.Context, id string) (*database.TerminalSession, error)
	FindActive(ctx context.Context, id string, userID uint) (*database.TerminalSession, error)
	TouchActivity(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ListIdle(ctx context.Context, cutoff time.Time) ([]database.TerminalSession, error)
}

type Processes interface {
	Ensure(sessionID string, onOutput ptyproc.OutputFunc) (pid int, created bool, err error)
	Write(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows uint16) error
	Interrupt(sessionID string) error
	Kill(sessionID string) error
	Lookup(sessionID string) (int, bool)
	Exits() <-chan ptyproc.Exit
}

type Auditor interface {
	Log(entry audit.Entry) error
}

type Options struct {
	Auth        Authenticator
	Permissions Permissions
	Quota       QuotaTracker
	Transcripts Transcripts
	Sessions    SessionRecords
	Processes   Processes
	// Audit is optional.
	Audit Auditor
	// OutboxSize bounds each client's queue of undelivered events.
	OutboxSize int
}

type Coordinator struct {
	auth        Authenticator
	perms       Permissions
	quota       QuotaTracker
	transcripts Transcripts
	sessions    SessionRecords
	procs       Processes
	audit       Auditor
	outboxSize  int

	registry *registry.Registry
	locks    *keyedMutex

	// persistFailing marks sessions whose last output append failed, so the
	// warning goes out once per failure streak.
	warnMu         sync.Mutex
	persistFailing map[string]bool
}

func New(opts Options) *Coordinator {
	return &Coordinator{
		auth:           opts.Auth,
		perms:          opts.Permissions,
		quota:          opts.Quota,
		transcripts:    opts.Transcripts,
		sessions:       opts.Sessions,
		procs:          opts.Processes,
		audit:          opts.Audit,
		outboxSize:     opts.OutboxSize,
		registry:       registry.New(),
		locks:          newKeyedMutex(),
		persistFailing: make(map[string]bool),
	}
}

// Authenticate verifies token and the terminal capability. Both must pass
// before any session state is touched.
func (co *Coordinator) Authenticate(ctx context.Context, token, remoteAddr string) (AuthenticatedClient, error) {
	if token == "" {
		return AuthenticatedClient{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	ident, err := co.auth.VerifyToken(ctx, token)
	if err != nil {
		co.logAudit(audit.Entry{EventType: audit.EventAuthFailed, SourceIP: remoteAddr, Details: err.Error()})
		return AuthenticatedClient{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	ok, err := co.perms.HasCapability(ctx, ident.UserID, rbac.CapTerminalAccess)
	if err != nil {
		log.Printf("[terminal] capability check for user %d failed: %v", ident.UserID, err)
		return AuthenticatedClient{}, fmt.Errorf("%w: capability check failed", ErrForbidden)
	}
	if !ok {
		co.logAudit(audit.Entry{
			EventType: audit.EventAuthFailed,
			UserID:    ident.UserID,
			Username:  ident.Username,
			SourceIP:  remoteAddr,
			Details:   "missing " + rbac.CapTerminalAccess,
		})
		return AuthenticatedClient{}, fmt.Errorf("%w: missing %s", ErrForbidden, rbac.CapTerminalAccess)
	}
	return AuthenticatedClient{
		ID:         uuid.NewString(),
		UserID:     ident.UserID,
		Username:   ident.Username,
		Role:       ident.Role,
		RemoteAddr: remoteAddr,
	}, nil
}

// AuthErrorEvent is the fatal event sent before closing a connection that
// failed Authenticate.
func AuthErrorEvent(err error) Event {
	if errors.Is(err, ErrForbidden) {
		return Event{Type: EventError, Code: CodeForbidden, Message: "terminal access denied", Fatal: true}
	}
	return Event{Type: EventError, Code: CodeUnauthorized, Message: "authentication required", Fatal: true}
}

func (co *Coordinator) NewClient(ac AuthenticatedClient) *Client {
	return newClient(ac, co.outboxSize)
}

// Attach resolves requestedID for the client (falling back to a fresh
// session) and attaches the client to it.
func (co *Coordinator) Attach(ctx context.Context, c *Client, requestedID string) (string, error) {
	return co.open(ctx, c, requestedID, false, "")
}

func (co *Coordinator) open(ctx context.Context, c *Client, requestedID string, forceNew bool, title string) (string, error) {
	var rec *database.TerminalSession
	reconnect := false
	if !forceNew && requestedID != "" {
		found, err := co.sessions.FindActive(ctx, requestedID, c.UserID)
		switch {
		case err == nil:
			rec = found
			reconnect = true
		case errors.Is(err, sessions.ErrNotFound):
			log.Printf("[terminal] session %s not resumable for user %d, starting fresh", requestedID, c.UserID)
		default:
			log.Printf("[terminal] lookup of session %s failed, starting fresh: %v", requestedID, err)
		}
	}
	if rec == nil {
		created, err := co.sessions.Create(ctx, c.UserID, title)
		if err != nil {
			c.deliver(errorEvent("", CodeInternal, "could not create terminal session"))
			return "", fmt.Errorf("create session: %w", err)
		}
		rec = created
	}

	unlock := co.locks.Lock(rec.ID)
	defer unlock()

	_, spawned, spawnErr := co.procs.Ensure(rec.ID, co.handleOutput)

	var (
		history    []transcript.Entry
		historyErr error
	)
	if reconnect {
		history, historyErr = co.transcripts.ListOrdered(ctx, rec.ID)
		if historyErr != nil {
			log.Printf("[terminal] load transcript for session %s: %v", rec.ID, historyErr)
		}
	}

	co.registry.Attach(c, rec.ID)
	c.resetLine()

	c.deliver(Event{Type: EventSessionReady, SessionID: rec.ID, Reconnect: reconnect, Title: rec.Title})
	if reconnect {
		c.deliver(Event{Type: EventHistoryReplay, SessionID: rec.ID, Entries: history})
		if historyErr != nil {
			c.deliver(errorEvent(rec.ID, CodeTranscriptUnavailable, "history could not be loaded"))
		}
	}
	if spawnErr != nil {
		log.Printf("[terminal] no shell for session %s: %v", rec.ID, spawnErr)
		c.deliver(errorEvent(rec.ID, CodeSpawnFailed, "could not start shell: "+spawnErr.Error()))
	}

	if err := co.sessions.TouchActivity(ctx, rec.ID); err != nil {
		log.Printf("[terminal] touch session %s: %v", rec.ID, err)
	}

	mode := "fresh"
	if reconnect {
		mode = "reconnect"
	}
	log.Printf("[terminal] client %s (user %d) attached to session %s (%s, spawned=%v)",
		c.ID, c.UserID, rec.ID, mode, spawned)
	co.logAudit(audit.Entry{
		EventType: audit.EventSessionOpen,
		UserID:    c.UserID,
		Username:  c.Username,
		SessionID: rec.ID,
		SourceIP:  c.RemoteAddr,
		Details:   mode,
	})
	return rec.ID, nil
}

// handleOutput runs on the session's pump goroutine. Output is appended to
// the transcript before it is fanned out, both under the session lock.
// Chunks from a process that is no longer the session's live one (killed by
// close or delete while the chunk waited for the lock) are dropped.
func (co *Coordinator) handleOutput(sessionID string, pid int, data []byte) {
	unlock := co.locks.Lock(sessionID)
	defer unlock()

	if live, ok := co.procs.Lookup(sessionID); !ok || live != pid {
		return
	}

	_, err := co.transcripts.Append(context.Background(), sessionID, transcript.RoleProcessOutput, string(data))
	warn := co.notePersistResult(sessionID, err)
	if err != nil {
		log.Printf("[terminal] persist output for session %s: %v", sessionID, err)
	}

	ev := Event{Type: EventOutput, SessionID: sessionID, Data: data}
	for _, rc := range co.registry.Clients(sessionID) {
		c := rc.(*Client)
		c.deliver(ev)
		if warn {
			c.deliver(errorEvent(sessionID, CodeTranscriptUnavailable, "output could not be saved to history"))
		}
	}
}

// notePersistResult tracks append failures and reports whether a warning is
// due for this one.
func (co *Coordinator) notePersistResult(sessionID string, err error) bool {
	co.warnMu.Lock()
	defer co.warnMu.Unlock()
	if err == nil {
		delete(co.persistFailing, sessionID)
		return false
	}
	if co.persistFailing[sessionID] {
		return false
	}
	co.persistFailing[sessionID] = true
	return true
}

// Input forwards keystrokes to the process, then runs every completed line
// through the quota. Keystrokes are never held back by the quota.
func (co *Coordinator) Input(ctx context.Context, c *Client, data []byte) error {
	sessionID, ok := co.registry.SessionOf(c.ID)
	if !ok {
		c.deliver(errorEvent("", CodeNotAttached, "not attached to a session"))
		return ErrNotAttached
	}
	if len(data) > MaxInputSize {
		c.deliver(errorEvent(sessionID, CodeInvalidCommand, "input too large"))
		return ErrInvalidCommand
	}
	if err := co.procs.Write(sessionID, data); err != nil {
		c.deliver(errorEvent(sessionID, CodeProcessNotFound, "no running shell for this session"))
		return err
	}
	for _, line := range c.feed(data) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		co.submitCommand(ctx, c, sessionID, line)
	}
	return nil
}

func (co *Coordinator) submitCommand(ctx context.Context, c *Client, sessionID, line string) {
	unlock := co.locks.Lock(sessionID)
	defer unlock()

	st, err := co.quota.CheckAndIncrement(ctx, c.UserID)
	if err != nil {
		log.Printf("[quota] check for user %d failed: %v", c.UserID, err)
		c.deliver(errorEvent(sessionID, CodeQuotaUnavailable, "command quota could not be checked"))
		return
	}
	info := quotaInfo(st)

	if !st.Allowed {
		c.deliver(Event{
			Type:      EventQuotaExceeded,
			SessionID: sessionID,
			Message:   "command limit reached",
			Quota:     info,
		})
		co.appendNote(ctx, sessionID, fmt.Sprintf("command rejected: quota exhausted (%d/%d)", st.Count, st.Limit))
		co.logAudit(audit.Entry{
			EventType: audit.EventQuotaRejected,
			UserID:    c.UserID,
			Username:  c.Username,
			SessionID: sessionID,
			SourceIP:  c.RemoteAddr,
			Details:   fmt.Sprintf("count=%d limit=%d", st.Count, st.Limit),
		})
		return
	}

	if strings.TrimSpace(line) == "clear" {
		if err := co.transcripts.Purge(ctx, sessionID); err != nil {
			log.Printf("[transcript] purge session %s: %v", sessionID, err)
			c.deliver(errorEvent(sessionID, CodeTranscriptUnavailable, "history could not be cleared"))
		} else {
			co.fanout(sessionID, Event{Type: EventHistoryCleared, SessionID: sessionID})
		}
	}
	if _, err := co.transcripts.Append(ctx, sessionID, transcript.RoleUserInput, line); err != nil {
		log.Printf("[transcript] persist command for session %s: %v", sessionID, err)
		c.deliver(errorEvent(sessionID, CodeTranscriptUnavailable, "command could not be saved to history"))
	}

	c.deliver(Event{Type: EventQuotaUpdate, SessionID: sessionID, Quota: info})
	if err := co.sessions.TouchActivity(ctx, sessionID); err != nil {
		log.Printf("[terminal] touch session %s: %v", sessionID, err)
	}
}

// appendNote records a system note; callers hold the session lock.
func (co *Coordinator) appendNote(ctx context.Context, sessionID, note string) {
	if _, err := co.transcripts.Append(ctx, sessionID, transcript.RoleSystemNote, note); err != nil {
		log.Printf("[transcript] persist note for session %s: %v", sessionID, err)
	}
}

// fanout delivers ev to every attached client; callers hold the session lock.
func (co *Coordinator) fanout(sessionID string, ev Event) {
	for _, rc := range co.registry.Clients(sessionID) {
		rc.(*Client).deliver(ev)
	}
}

// Resize clamps the geometry and forwards it.
func (co *Coordinator) Resize(c *Client, cols, rows uint16) error {
	sessionID, ok := co.registry.SessionOf(c.ID)
	if !ok {
		c.deliver(errorEvent("", CodeNotAttached, "not attached to a session"))
		return ErrNotAttached
	}
	if cols == 0 || rows == 0 {
		c.deliver(errorEvent(sessionID, CodeInvalidCommand, "resize needs cols and rows"))
		return ErrInvalidCommand
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	if err := co.procs.Resize(sessionID, cols, rows); err != nil {
		c.deliver(errorEvent(sessionID, CodeProcessNotFound, "no running shell for this session"))
		return err
	}
	return nil
}

// Interrupt sends ^C and drops the partially typed line.
func (co *Coordinator) Interrupt(c *Client) error {
	sessionID, ok := co.registry.SessionOf(c.ID)
	if !ok {
		c.deliver(errorEvent("", CodeNotAttached, "not attached to a session"))
		return ErrNotAttached
	}
	c.resetLine()
	if err := co.procs.Interrupt(sessionID); err != nil {
		c.deliver(errorEvent(sessionID, CodeProcessNotFound, "no running shell for this session"))
		return err
	}
	return nil
}

// CloseSession kills the process and deactivates the record. Attached
// clients get session_closed and are detached but stay connected.
func (co *Coordinator) CloseSession(ctx context.Context, userID uint, sessionID string) error {
	if _, err := co.sessions.FindActive(ctx, sessionID, userID); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	unlock := co.locks.Lock(sessionID)
	defer unlock()

	co.kill(sessionID)
	if err := co.sessions.Deactivate(ctx, sessionID); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	ev := Event{Type: EventSessionClosed, SessionID: sessionID}
	for _, rc := range co.registry.Clear(sessionID) {
		rc.(*Client).deliver(ev)
	}
	log.Printf("[terminal] session %s closed by user %d", sessionID, userID)
	co.logAudit(audit.Entry{EventType: audit.EventSessionClose, UserID: userID, SessionID: sessionID})
	return nil
}

// DeleteSession removes the session record and its transcript. Only the
// owner may delete, active or not.
func (co *Coordinator) DeleteSession(ctx context.Context, userID uint, sessionID string) error {
	rec, err := co.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if rec.UserID != userID {
		return ErrSessionNotFound
	}

	unlock := co.locks.Lock(sessionID)
	defer unlock()

	// Storage goes first so a failure leaves the session intact and the
	// call can be retried. Output held off by the lock is dropped once the
	// process is gone.
	if err := co.transcripts.Purge(ctx, sessionID); err != nil {
		return fmt.Errorf("purge transcript: %w", err)
	}
	if err := co.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	co.transcripts.Forget(sessionID)

	co.kill(sessionID)
	ev := Event{Type: EventSessionDeleted, SessionID: sessionID}
	for _, rc := range co.registry.Clear(sessionID) {
		rc.(*Client).deliver(ev)
	}
	co.warnMu.Lock()
	delete(co.persistFailing, sessionID)
	co.warnMu.Unlock()

	log.Printf("[terminal] session %s deleted by user %d", sessionID, userID)
	co.logAudit(audit.Entry{EventType: audit.EventSessionDelete, UserID: userID, SessionID: sessionID})
	return nil
}

// ClearHistory purges the transcript of the client's session.
func (co *Coordinator) ClearHistory(ctx context.Context, c *Client) error {
	sessionID, ok := co.registry.SessionOf(c.ID)
	if !ok {
		c.deliver(errorEvent("", CodeNotAttached, "not attached to a session"))
		return ErrNotAttached
	}

	unlock := co.locks.Lock(sessionID)
	defer unlock()

	if err := co.transcripts.Purge(ctx, sessionID); err != nil {
		c.deliver(errorEvent(sessionID, CodeTranscriptUnavailable, "history could not be cleared"))
		return err
	}
	co.fanout(sessionID, Event{Type: EventHistoryCleared, SessionID: sessionID})
	return nil
}

func (co *Coordinator) kill(sessionID string) {
	if err := co.procs.Kill(sessionID); err != nil && !errors.Is(err, ptyproc.ErrNotFound) {
		log.Printf("[terminal] kill process of session %s: %v", sessionID, err)
	}
}

// Switch moves the client to another session, or to a new one.
func (co *Coordinator) Switch(ctx context.Context, c *Client, sessionID string, forceNew bool, title string) (string, error) {
	co.Detach(c)
	return co.open(ctx, c, sessionID, forceNew, title)
}

// Detach removes the client from its session. The session and its process
// are left running.
func (co *Coordinator) Detach(c *Client) {
	sessionID, ok := co.registry.SessionOf(c.ID)
	if !ok {
		return
	}
	unlock := co.locks.Lock(sessionID)
	_, last := co.registry.Detach(c.ID)
	unlock()

	if err := co.sessions.TouchActivity(context.Background(), sessionID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		log.Printf("[terminal] touch session %s: %v", sessionID, err)
	}
	log.Printf("[terminal] client %s detached from session %s (last=%v)", c.ID, sessionID, last)
}

// SessionOf reports the session the client is attached to.
func (co *Coordinator) SessionOf(c *Client) (string, bool) {
	return co.registry.SessionOf(c.ID)
}

// HasProcess reports whether a shell is running for sessionID.
func (co *Coordinator) HasProcess(sessionID string) bool {
	_, ok := co.procs.Lookup(sessionID)
	return ok
}

// Reject sends the client an error event about one of its messages.
func (co *Coordinator) Reject(c *Client, code, message string) {
	sessionID, _ := co.registry.SessionOf(c.ID)
	c.deliver(errorEvent(sessionID, code, message))
}

// AttachedCount returns the number of clients attached to sessionID.
func (co *Coordinator) AttachedCount(sessionID string) int {
	return co.registry.Count(sessionID)
}

// Dispatch routes one client command.
func (co *Coordinator) Dispatch(ctx context.Context, c *Client, cmd Command) error {
	switch cmd.Type {
	case CmdInput:
		return co.Input(ctx, c, []byte(cmd.Data))
	case CmdResize:
		return co.Resize(c, cmd.Cols, cmd.Rows)
	case CmdInterrupt:
		return co.Interrupt(c)
	case CmdCreateSession:
		_, err := co.Switch(ctx, c, "", true, cmd.Title)
		return err
	case CmdLoadSession:
		if cmd.SessionID == "" {
			c.deliver(errorEvent("", CodeInvalidCommand, "load_session needs session_id"))
			return ErrInvalidCommand
		}
		_, err := co.Switch(ctx, c, cmd.SessionID, false, "")
		return err
	case CmdCloseSession, CmdDeleteSession:
		id := cmd.SessionID
		if id == "" {
			id, _ = co.registry.SessionOf(c.ID)
		}
		if id == "" {
			c.deliver(errorEvent("", CodeInvalidCommand, string(cmd.Type)+" needs session_id"))
			return ErrInvalidCommand
		}
		var err error
		if cmd.Type == CmdCloseSession {
			err = co.CloseSession(ctx, c.UserID, id)
		} else {
			err = co.DeleteSession(ctx, c.UserID, id)
		}
		if errors.Is(err, ErrSessionNotFound) {
			c.deliver(errorEvent(id, CodeSessionNotFound, "session not found"))
		} else if err != nil {
			log.Printf("[terminal] %s %s: %v", cmd.Type, id, err)
			c.deliver(errorEvent(id, CodeInternal, "session could not be updated"))
		}
		return err
	case CmdClearHistory:
		return co.ClearHistory(ctx, c)
	default:
		c.deliver(errorEvent("", CodeInvalidCommand, fmt.Sprintf("unknown command %q", cmd.Type)))
		return ErrInvalidCommand
	}
}

// Run consumes process exit notifications until ctx is done.
func (co *Coordinator) Run(ctx context.Context) {
	exits := co.procs.Exits()
	for {
		select {
		case <-ctx.Done():
			return
		case ex, ok := <-exits:
			if !ok {
				return
			}
			co.handleExit(ex)
		}
	}
}

// handleExit tears down live state after an unsolicited exit. The session
// record stays active; the next attach spawns a new shell.
func (co *Coordinator) handleExit(ex ptyproc.Exit) {
	if ex.Killed {
		return
	}
	unlock := co.locks.Lock(ex.SessionID)
	defer unlock()

	if pid, ok := co.procs.Lookup(ex.SessionID); ok && pid != ex.PID {
		// a replacement is already running
		return
	}

	msg := fmt.Sprintf("shell exited with code %d", ex.Code)
	if ex.Signal != "" {
		msg = "shell terminated by " + ex.Signal
	}
	co.appendNote(context.Background(), ex.SessionID, msg)

	code := ex.Code
	exited := Event{Type: EventProcessExited, SessionID: ex.SessionID, ExitCode: &code, Signal: ex.Signal, Message: msg}
	for _, rc := range co.registry.Clear(ex.SessionID) {
		c := rc.(*Client)
		c.deliver(errorEvent(ex.SessionID, CodeProcessExited, msg))
		c.deliver(exited)
	}
	log.Printf("[terminal] session %s: %s", ex.SessionID, msg)
	co.logAudit(audit.Entry{EventType: audit.EventProcessExit, SessionID: ex.SessionID, Details: msg})
}

func (co *Coordinator) logAudit(e audit.Entry) {
	if co.audit == nil {
		return
	}
	if err := co.audit.Log(e); err != nil {
		log.Printf("[audit] %s for session %s not recorded: %v", e.EventType, e.SessionID, err)
	}
}

// Package ptyproc owns the interactive shell processes behind terminal
// sessions: at most one pty-backed process per session id.
package ptyproc

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

var (
	// ErrNotFound is returned when no live process exists for a session.
	ErrNotFound = errors.New("process not found")
	ErrClosed   = errors.New("process owner closed")
)

// Config describes how shells are started.
type Config struct {
	Shell string
	Args  []string
	// Dir is the fixed working directory of every shell.
	Dir string
	// Env is appended to the inherited environment.
	Env  []string
	Cols uint16
	Rows uint16
}

// OutputFunc receives every chunk read from a session's pty, in order, on
// the session's pump goroutine, together with the pid that produced it.
// Chunks read before a Kill may still arrive after Kill returns. It must
// not call Kill for its own session and wait for the pump.
type OutputFunc func(sessionID string, pid int, data []byte)

// Exit reports the end of a session's process.
type Exit struct {
	SessionID string
	PID       int
	// Code is the exit status, or -1 when the process died from a signal.
	Code   int
	Signal string
	// Killed is set when the exit was requested through Kill.
	Killed bool
	Err    error
}

// Handle is one live shell process.
type Handle struct {
	SessionID string

	// ready is closed once spawning finished; err holds its failure.
	ready chan struct{}
	err   error
	done  chan struct{}

	cmd *exec.Cmd
	pty *os.File
	pid int

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	killed bool
}

func (h *Handle) PID() int { return h.pid }

// Done is closed after the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Size() (cols, rows uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Owner is the process table. Exit notifications are delivered on Exits and
// must be consumed.
type Owner struct {
	cfg Config

	mu      sync.Mutex
	handles map[string]*Handle

	exits     chan Exit
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewOwner(cfg Config) *Owner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}
	return &Owner{
		cfg:     cfg,
		handles: make(map[string]*Handle),
		exits:   make(chan Exit, 64),
		closed:  make(chan struct{}),
	}
}

func (o *Owner) Exits() <-chan Exit { return o.exits }

// Create returns the live process for sessionID, spawning one if none
// exists. created reports whether this call spawned it. Concurrent callers
// for the same id wait for the single spawn in flight; onOutput of the
// winning caller is the one registered.
func (o *Owner) Create(sessionID string, onOutput OutputFunc) (h *Handle, created bool, err error) {
	o.mu.Lock()
	select {
	case <-o.closed:
		o.mu.Unlock()
		return nil, false, ErrClosed
	default:
	}
	if existing, ok := o.handles[sessionID]; ok {
		o.mu.Unlock()
		<-existing.ready
		if existing.err != nil {
			return nil, false, existing.err
		}
		return existing, false, nil
	}
	h = &Handle{
		SessionID: sessionID,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		cols:      o.cfg.Cols,
		rows:      o.cfg.Rows,
	}
	o.handles[sessionID] = h
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.spawn(h); err != nil {
		h.err = err
		o.remove(h)
		close(h.ready)
		close(h.done)
		o.wg.Done()
		log.Printf("[pty] spawn failed for session %s: %v", sessionID, err)
		return nil, false, err
	}
	close(h.ready)
	go o.pump(h, onOutput)
	return h, true, nil
}

// Ensure is Create for callers that only need the pid.
func (o *Owner) Ensure(sessionID string, onOutput OutputFunc) (pid int, created bool, err error) {
	h, created, err := o.Create(sessionID, onOutput)
	if err != nil {
		return 0, false, err
	}
	return h.pid, created, nil
}

func (o *Owner) spawn(h *Handle) error {
	cmd := exec.Command(o.cfg.Shell, o.cfg.Args...)
	cmd.Dir = o.cfg.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, o.cfg.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: h.cols, Rows: h.rows})
	if err != nil {
		return fmt.Errorf("start %s: %w", o.cfg.Shell, err)
	}
	h.cmd = cmd
	h.pty = ptmx
	h.pid = cmd.Process.Pid
	log.Printf("[pty] started pid %d for session %s (%dx%d)", h.pid, h.SessionID, h.cols, h.rows)
	return nil
}

// pump relays pty output until the process goes away, then reaps it and
// publishes the exit.
func (o *Owner) pump(h *Handle, onOutput OutputFunc) {
	defer o.wg.Done()

	buf := make([]byte, 32*1024)
	for {
		n, err := h.pty.Read(buf)
		if n > 0 && onOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			onOutput(h.SessionID, h.pid, data)
		}
		if err != nil {
			break
		}
	}

	waitErr := h.cmd.Wait()
	h.pty.Close()

	ex := Exit{SessionID: h.SessionID, PID: h.pid, Code: -1}
	if ps := h.cmd.ProcessState; ps != nil {
		ex.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ex.Signal = ws.Signal().String()
		}
	} else if waitErr != nil {
		ex.Err = waitErr
	}
	h.mu.Lock()
	ex.Killed = h.killed
	h.mu.Unlock()

	o.remove(h)
	close(h.done)
	log.Printf("[pty] pid %d for session %s exited (code %d, signal %q, killed %v)",
		ex.PID, ex.SessionID, ex.Code, ex.Signal, ex.Killed)

	select {
	case o.exits <- ex:
	case <-o.closed:
	}
}

// remove drops h from the table unless the slot was already reused.
func (o *Owner) remove(h *Handle) {
	o.mu.Lock()
	if o.handles[h.SessionID] == h {
		delete(o.handles, h.SessionID)
	}
	o.mu.Unlock()
}

func (o *Owner) live(sessionID string) *Handle {
	o.mu.Lock()
	h := o.handles[sessionID]
	o.mu.Unlock()
	if h == nil {
		return nil
	}
	<-h.ready
	if h.err != nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	return h
}

func (o *Owner) Write(sessionID string, data []byte) error {
	h := o.live(sessionID)
	if h == nil {
		return ErrNotFound
	}
	if _, err := h.pty.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrNotFound, err)
	}
	return nil
}

func (o *Owner) Resize(sessionID string, cols, rows uint16) error {
	h := o.live(sessionID)
	if h == nil {
		return ErrNotFound
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := pty.Setsize(h.pty, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("%w: resize: %v", ErrNotFound, err)
	}
	h.cols, h.rows = cols, rows
	return nil
}

// Interrupt sends ^C through the line discipline, which signals the
// foreground process group. It does not wait for the process to react.
func (o *Owner) Interrupt(sessionID string) error {
	return o.Write(sessionID, []byte{0x03})
}

// Kill terminates the session's process group and removes the handle at
// once. The exit is still published, with Killed set. Kill does not wait
// for the pump goroutine.
func (o *Owner) Kill(sessionID string) error {
	h := o.live(sessionID)
	if h == nil {
		return ErrNotFound
	}
	o.remove(h)

	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()

	// pty.Start puts the shell in its own session, so -pid is its group.
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil {
		h.cmd.Process.Kill()
	}
	h.pty.Close()
	log.Printf("[pty] killed pid %d for session %s", h.pid, sessionID)
	return nil
}

// Lookup returns the pid of the session's live process.
func (o *Owner) Lookup(sessionID string) (int, bool) {
	h := o.live(sessionID)
	if h == nil {
		return 0, false
	}
	return h.pid, true
}

func (o *Owner) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

// KillAll kills every live process and returns how many were killed.
func (o *Owner) KillAll() int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.handles))
	for id := range o.handles {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if o.Kill(id) == nil {
			n++
		}
	}
	return n
}

// Close kills everything, stops exit delivery and waits for the pumps.
func (o *Owner) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		close(o.closed)
		o.mu.Unlock()
		o.KillAll()
		o.wg.Wait()
	})
}

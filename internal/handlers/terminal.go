package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/hostdeck/hostdeck/internal/config"
	"github.com/hostdeck/hostdeck/internal/logutil"
	"github.com/hostdeck/hostdeck/internal/middleware"
	"github.com/hostdeck/hostdeck/internal/terminal"
)

// WebSocket close codes sent by the terminal endpoint.
const (
	closeUnauthorized websocket.StatusCode = 4401
	closeForbidden    websocket.StatusCode = 4403
	closeSlowConsumer websocket.StatusCode = 4408
)

// wsReadLimit leaves room above terminal.MaxInputSize so oversized input is
// answered with an error event instead of a dropped connection.
const wsReadLimit = 1024 * 1024

// Terminal is set from main.go during init.
var Terminal *terminal.Coordinator

// TerminalWS serves the multiplexed terminal.
//
// Query parameters:
//   - token: terminal ticket or session token (or Authorization: Bearer)
//   - session_id: (optional) session to resume; an unknown, closed or
//     foreign id starts a fresh session instead
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = middleware.BearerToken(r)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ac, err := Terminal.Authenticate(ctx, token, clientIP(r))
	if err != nil {
		writeEvent(ctx, conn, terminal.AuthErrorEvent(err))
		code := closeUnauthorized
		if errors.Is(err, terminal.ErrForbidden) {
			code = closeForbidden
		}
		conn.Close(code, "authentication failed")
		return
	}

	conn.SetReadLimit(wsReadLimit)
	c := Terminal.NewClient(ac)
	defer c.Close()

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer relayCancel()
		pumpEvents(relayCtx, conn, c)
	}()

	if _, err := Terminal.Attach(relayCtx, c, r.URL.Query().Get("session_id")); err != nil {
		log.Printf("[terminal] attach for user %d: %v", ac.UserID, err)
	}

	readCommands(relayCtx, conn, c)

	relayCancel()
	<-writerDone
	Terminal.Detach(c)
	conn.Close(websocket.StatusNormalClosure, "")
}

// pumpEvents drains the client outbox onto the socket. Output goes out as
// binary frames, everything else as JSON text.
func pumpEvents(ctx context.Context, conn *websocket.Conn, c *terminal.Client) {
	for {
		select {
		case ev := <-c.Events():
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		case <-c.Done():
			if c.CloseReason() == terminal.ReasonSlowConsumer {
				log.Printf("[terminal] dropping slow client %s (user %d)", c.ID, c.UserID)
				conn.Close(closeSlowConsumer, "client too slow")
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev terminal.Event) error {
	if ev.Type == terminal.EventOutput {
		return conn.Write(ctx, websocket.MessageBinary, ev.Data)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readCommands relays client frames until the socket or ctx ends. Binary
// frames are keystrokes; text frames are JSON commands. Messages beyond the
// rate limit are dropped.
func readCommands(ctx context.Context, conn *websocket.Conn, c *terminal.Client) {
	limiter := rate.NewLimiter(rate.Limit(config.Cfg.TerminalInputRate), config.Cfg.TerminalInputBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}

		if typ == websocket.MessageBinary {
			Terminal.Input(ctx, c, data)
			continue
		}

		var cmd terminal.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			Terminal.Reject(c, terminal.CodeInvalidCommand, "malformed command")
			continue
		}
		if err := Terminal.Dispatch(ctx, c, cmd); err != nil && !isClientError(err) {
			log.Printf("[terminal] %s from client %s: %v", logutil.SanitizeForLog(string(cmd.Type)), c.ID, err)
		}
	}
}

// isClientError reports errors already answered with an error event.
func isClientError(err error) bool {
	return errors.Is(err, terminal.ErrInvalidCommand) ||
		errors.Is(err, terminal.ErrNotAttached) ||
		errors.Is(err, terminal.ErrSessionNotFound)
}

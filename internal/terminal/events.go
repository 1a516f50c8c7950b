package terminal

import (
	"github.com/hostdeck/hostdeck/internal/quota"
	"github.com/hostdeck/hostdeck/internal/transcript"
)

type EventType string

const (
	EventSessionReady   EventType = "session_ready"
	EventHistoryReplay  EventType = "history_replay"
	EventOutput         EventType = "output"
	EventError          EventType = "error"
	EventProcessExited  EventType = "process_exited"
	EventQuotaUpdate    EventType = "quota_update"
	EventQuotaExceeded  EventType = "quota_exceeded"
	EventSessionClosed  EventType = "session_closed"
	EventSessionDeleted EventType = "session_deleted"
	EventHistoryCleared EventType = "history_cleared"
)

// Error codes carried by EventError.
const (
	CodeUnauthorized          = "unauthorized"
	CodeForbidden             = "forbidden"
	CodeSpawnFailed           = "spawn_failed"
	CodeProcessNotFound       = "process_not_found"
	CodeProcessExited         = "process_exited"
	CodeNotAttached           = "not_attached"
	CodeSessionNotFound       = "session_not_found"
	CodeTranscriptUnavailable = "transcript_unavailable"
	CodeQuotaUnavailable      = "quota_unavailable"
	CodeInvalidCommand        = "invalid_command"
	CodeInternal              = "internal"
)

type QuotaInfo struct {
	Allowed   bool  `json:"allowed"`
	Count     int64 `json:"count"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

func quotaInfo(st quota.Status) *QuotaInfo {
	return &QuotaInfo{
		Allowed:   st.Allowed,
		Count:     st.Count,
		Limit:     st.Limit,
		Remaining: st.Remaining,
	}
}

// Event is one message to a client. Output payloads travel in Data and are
// sent as binary frames, everything else as JSON.
type Event struct {
	Type      EventType          `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Reconnect bool               `json:"reconnect,omitempty"`
	Title     string             `json:"title,omitempty"`
	Data      []byte             `json:"-"`
	Entries   []transcript.Entry `json:"entries,omitempty"`
	Code      string             `json:"code,omitempty"`
	Message   string             `json:"message,omitempty"`
	Fatal     bool               `json:"fatal,omitempty"`
	ExitCode  *int               `json:"exit_code,omitempty"`
	Signal    string             `json:"signal,omitempty"`
	Quota     *QuotaInfo         `json:"quota,omitempty"`
}

func errorEvent(sessionID, code, message string) Event {
	return Event{Type: EventError, SessionID: sessionID, Code: code, Message: message}
}

type CommandType string

const (
	CmdInput         CommandType = "input"
	CmdResize        CommandType = "resize"
	CmdInterrupt     CommandType = "interrupt"
	CmdCreateSession CommandType = "create_session"
	CmdLoadSession   CommandType = "load_session"
	CmdCloseSession  CommandType = "close_session"
	CmdDeleteSession CommandType = "delete_session"
	CmdClearHistory  CommandType = "clear_history"
)

// Command is a JSON control message from a client.
type Command struct {
	Type      CommandType `json:"type"`
	Data      string      `json:"data,omitempty"`
	Cols      uint16      `json:"cols,omitempty"`
	Rows      uint16      `json:"rows,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Title     string      `json:"title,omitempty"`
}

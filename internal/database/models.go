package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type User struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
	Role         string `gorm:"not null;default:user" json:"role"`
	// CommandCount is the number of terminal command lines accepted so far.
	CommandCount int64 `gorm:"not null;default:0" json:"command_count"`
	// CommandLimit caps CommandCount; -1 means unlimited. A zero value on
	// create falls back to the column default, use quota.SetLimit for 0.
	CommandLimit int64     `gorm:"not null;default:-1" json:"command_limit"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// WebAuthnCredential is a passkey registered by a user. ID is the
// base64url-encoded credential id.
type WebAuthnCredential struct {
	ID              string    `gorm:"primaryKey;size:256" json:"id"`
	UserID          uint      `gorm:"not null;index" json:"user_id"`
	Name            string    `json:"name"`
	PublicKey       []byte    `gorm:"not null" json:"-"`
	AttestationType string    `json:"-"`
	Transport       string    `json:"-"`
	SignCount       uint32    `gorm:"not null;default:0" json:"-"`
	AAGUID          []byte    `json:"-"`
	BackupEligible  bool      `gorm:"not null;default:false" json:"-"`
	BackupState     bool      `gorm:"not null;default:false" json:"-"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RoleCapability grants a capability to every user holding Role.
// Capability "*" grants everything.
type RoleCapability struct {
	Role       string `gorm:"primaryKey;size:64" json:"role"`
	Capability string `gorm:"primaryKey;size:128" json:"capability"`
}

// TerminalSession is the persisted record of a logical shell session. The
// record outlives its process: closing deactivates it, only delete removes it.
type TerminalSession struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	Title        string    `gorm:"not null" json:"title"`
	Active       bool      `gorm:"not null;index" json:"active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastActivity time.Time `gorm:"not null;index" json:"last_activity"`
}

type TranscriptEntry struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string `gorm:"not null;size:36;index:idx_transcript_session_ts,priority:1" json:"session_id"`
	Role      string `gorm:"not null;size:16" json:"role"`
	Content   string `gorm:"type:text;not null" json:"content"`
	// Timestamp is unix nanoseconds, strictly increasing within a session.
	Timestamp int64 `gorm:"not null;index:idx_transcript_session_ts,priority:2" json:"timestamp"`
}

type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index;size:64" json:"event_type"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Username  string    `gorm:"size:64" json:"username"`
	SessionID string    `gorm:"index;size:36" json:"session_id"`
	SourceIP  string    `gorm:"size:64" json:"source_ip"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Package transcript persists the ordered input/output history of terminal
// sessions for replay on reconnect.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/hostdeck/hostdeck/internal/database"
)

type Role string

const (
	RoleUserInput     Role = "user-input"
	RoleProcessOutput Role = "process-output"
	RoleSystemNote    Role = "system-note"
)

type Entry struct {
	ID        uint64 `json:"id"`
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Store appends entries with timestamps that are strictly increasing per
// session, even when the wall clock stalls or steps backwards. Appends to
// different sessions never wait for each other.
type Store struct {
	db  *gorm.DB
	now func() time.Time

	mu     sync.Mutex
	clocks map[string]*sessionClock
}

// sessionClock serializes one session's writes and holds its high-water mark.
type sessionClock struct {
	mu     sync.Mutex
	last   int64
	loaded bool
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		now:    time.Now,
		clocks: make(map[string]*sessionClock),
	}
}

func (s *Store) clock(sessionID string) *sessionClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocks[sessionID]
	if !ok {
		c = &sessionClock{}
		s.clocks[sessionID] = c
	}
	return c
}

// load reads the session's stored high-water mark once. c.mu must be held.
func (s *Store) load(ctx context.Context, sessionID string, c *sessionClock) error {
	if c.loaded {
		return nil
	}
	var maxTS sql.NullInt64
	if err := s.db.WithContext(ctx).Model(&database.TranscriptEntry{}).
		Where("session_id = ?", sessionID).
		Select("MAX(timestamp)").Row().Scan(&maxTS); err != nil {
		return fmt.Errorf("load last timestamp: %w", err)
	}
	if maxTS.Int64 > c.last {
		c.last = maxTS.Int64
	}
	c.loaded = true
	return nil
}

func (s *Store) Append(ctx context.Context, sessionID string, role Role, content string) (uint64, error) {
	c := s.clock(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.load(ctx, sessionID, c); err != nil {
		return 0, err
	}

	ts := s.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}

	row := database.TranscriptEntry{
		SessionID: sessionID,
		Role:      string(role),
		Content:   content,
		Timestamp: ts,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("append transcript: %w", err)
	}
	c.last = ts
	return row.ID, nil
}

func (s *Store) ListOrdered(ctx context.Context, sessionID string) ([]Entry, error) {
	var rows []database.TranscriptEntry
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp, id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{
			ID:        r.ID,
			SessionID: r.SessionID,
			Role:      Role(r.Role),
			Content:   r.Content,
			Timestamp: r.Timestamp,
		}
	}
	return out, nil
}

// Purge deletes every entry of the session. The timestamp high-water mark is
// kept so entries appended afterwards still sort after anything replayed
// earlier.
func (s *Store) Purge(ctx context.Context, sessionID string) error {
	c := s.clock(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.load(ctx, sessionID, c); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Delete(&database.TranscriptEntry{}).Error; err != nil {
		return fmt.Errorf("purge transcript: %w", err)
	}
	return nil
}

// Forget drops the cached high-water mark of a deleted session.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.clocks, sessionID)
	s.mu.Unlock()
}

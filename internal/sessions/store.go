// Package sessions stores terminal session records. A record is the durable
// half of a session; its shell process lives in ptyproc.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hostdeck/hostdeck/internal/database"
)

var ErrNotFound = errors.New("terminal session not found")

const titleLayout = "2006-01-02 15:04:05"

// DefaultTitle names a fresh session after its creation time.
func DefaultTitle(t time.Time) string {
	return "Terminal " + t.Format(titleLayout)
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts an active session for userID. An empty title is replaced by
// DefaultTitle.
func (s *Store) Create(ctx context.Context, userID uint, title string) (*database.TerminalSession, error) {
	now := s.now()
	if title == "" {
		title = DefaultTitle(now)
	}
	rec := &database.TerminalSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		Active:       true,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create terminal session: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (*database.TerminalSession, error) {
	var rec database.TerminalSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get terminal session: %w", err)
	}
	return &rec, nil
}

// FindActive returns the session only if it is active and owned by userID.
func (s *Store) FindActive(ctx context.Context, id string, userID uint) (*database.TerminalSession, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var rec database.TerminalSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND active = ?", id, userID, true).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find terminal session: %w", err)
	}
	return &rec, nil
}

func (s *Store) TouchActivity(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]interface{}{"last_activity": s.now()})
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]interface{}{"active": false, "last_activity": s.now()})
}

func (s *Store) Rename(ctx context.Context, id, title string) error {
	return s.update(ctx, id, map[string]interface{}{"title": title})
}

func (s *Store) update(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&database.TerminalSession{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update terminal session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&database.TerminalSession{})
	if res.Error != nil {
		return fmt.Errorf("delete terminal session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForUser returns the user's sessions, most recently active first.
func (s *Store) ListForUser(ctx context.Context, userID uint, activeOnly bool) ([]database.TerminalSession, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var recs []database.TerminalSession
	if err := q.Order("last_activity DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}
	return recs, nil
}

// ListIdle returns active sessions with no activity since cutoff.
func (s *Store) ListIdle(ctx context.Context, cutoff time.Time) ([]database.TerminalSession, error) {
	var recs []database.TerminalSession
	if err := s.db.WithContext(ctx).
		Where("active = ? AND last_activity < ?", true, cutoff).
		Order("last_activity").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list idle terminal sessions: %w", err)
	}
	return recs, nil
}

// Package quota tracks per-user terminal command budgets stored on the users
// table.
package quota

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/hostdeck/hostdeck/internal/database"
)

// Unlimited as a limit disables enforcement.
const Unlimited int64 = -1

var ErrUnknownUser = errors.New("quota: unknown user")

// Status is the outcome of a quota read or check. Remaining is Unlimited when
// the limit is.
type Status struct {
	Allowed   bool  `json:"allowed"`
	Count     int64 `json:"count"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

func newStatus(allowed bool, count, limit int64) Status {
	s := Status{Allowed: allowed, Count: count, Limit: limit, Remaining: Unlimited}
	if limit >= 0 {
		s.Remaining = limit - count
		if s.Remaining < 0 {
			s.Remaining = 0
		}
	}
	return s
}

type Tracker struct {
	db *gorm.DB
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// CheckAndIncrement consumes one command from the user's budget. The
// increment is a single conditional UPDATE so concurrent sessions of the same
// user cannot push the count past a finite limit.
func (t *Tracker) CheckAndIncrement(ctx context.Context, userID uint) (Status, error) {
	var st Status
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&database.User{}).
			Where("id = ? AND (command_limit < 0 OR command_count < command_limit)", userID).
			UpdateColumn("command_count", gorm.Expr("command_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("increment command count: %w", res.Error)
		}

		var u database.User
		if err := tx.Select("id", "command_count", "command_limit").First(&u, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownUser
			}
			return fmt.Errorf("read quota: %w", err)
		}
		st = newStatus(res.RowsAffected == 1, u.CommandCount, u.CommandLimit)
		return nil
	})
	return st, err
}

// Get reads the current state without consuming anything. Allowed reports
// whether the next command would be accepted.
func (t *Tracker) Get(ctx context.Context, userID uint) (Status, error) {
	var u database.User
	if err := t.db.WithContext(ctx).Select("id", "command_count", "command_limit").First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Status{}, ErrUnknownUser
		}
		return Status{}, fmt.Errorf("read quota: %w", err)
	}
	allowed := u.CommandLimit < 0 || u.CommandCount < u.CommandLimit
	return newStatus(allowed, u.CommandCount, u.CommandLimit), nil
}

func (t *Tracker) Reset(ctx context.Context, userID uint) error {
	res := t.db.WithContext(ctx).Model(&database.User{}).Where("id = ?", userID).
		UpdateColumn("command_count", 0)
	if res.Error != nil {
		return fmt.Errorf("reset quota: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUnknownUser
	}
	return nil
}

// SetLimit changes the user's limit. A finite limit below the current count
// clamps the count so the count never exceeds the limit.
func (t *Tracker) SetLimit(ctx context.Context, userID uint, limit int64) error {
	if limit < Unlimited {
		return fmt.Errorf("quota: invalid limit %d", limit)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&database.User{}).Where("id = ?", userID).
			UpdateColumn("command_limit", limit)
		if res.Error != nil {
			return fmt.Errorf("set limit: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrUnknownUser
		}
		if limit >= 0 {
			if err := tx.Model(&database.User{}).
				Where("id = ? AND command_count > ?", userID, limit).
				UpdateColumn("command_count", limit).Error; err != nil {
				return fmt.Errorf("clamp count: %w", err)
			}
		}
		return nil
	})
}

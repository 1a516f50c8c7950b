// Package audit records security-relevant terminal activity in the
// audit_logs table.
package audit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/logutil"
)

const (
	EventSessionOpen     = "terminal_session_open"
	EventSessionClose    = "terminal_session_close"
	EventSessionDelete   = "terminal_session_delete"
	EventSessionReaped   = "terminal_session_reaped"
	EventProcessExit     = "terminal_process_exit"
	EventQuotaRejected   = "terminal_quota_rejected"
	EventAuthFailed      = "terminal_auth_failed"
	EventQuotaReset      = "quota_reset"
	EventQuotaLimitSet   = "quota_limit_set"
	EventContainerAction = "container_action"
)

const DefaultRetentionDays = 90

type Entry struct {
	EventType string
	UserID    uint
	Username  string
	SessionID string
	SourceIP  string
	Details   string
}

type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor returns an Auditor writing to db. A non-positive retentionDays
// selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log writes the entry and mirrors it to the standard logger. Failures are
// logged and returned; callers on hot paths may ignore them.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		EventType: entry.EventType,
		UserID:    entry.UserID,
		Username:  entry.Username,
		SessionID: entry.SessionID,
		SourceIP:  entry.SourceIP,
		Details:   entry.Details,
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s user=%s session=%s ip=%s details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.Username),
		entry.SessionID,
		entry.SourceIP,
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

type QueryOptions struct {
	EventType string
	UserID    uint
	SessionID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query returns matching entries newest first. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.UserID > 0 {
		tx = tx.Where("user_id = ?", opts.UserID)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan deletes entries older than days, or the configured
// retention when days is not positive.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock used for retention cutoffs.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}

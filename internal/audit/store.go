// Package audit is the append-only history of everything the engine saw and
// did, plus the dashboard feed that backs the always-available channel.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Type tags an audit entry.
type Type string

const (
	TypeSessionStarted Type = "session_started"
	TypeSessionEnded   Type = "session_ended"
	TypeDetection      Type = "detection"
	TypeGroup          Type = "group"
	TypeAlertCreated   Type = "alert_created"
	TypeTransition     Type = "alert_transition"
	TypeDispatch       Type = "dispatch"
	TypeAdvisory       Type = "advisory"
)

// Record is what callers append. Payload is stored as JSON.
type Record struct {
	SessionID string
	Type      Type
	RefID     string
	Payload   any
}

// Sink is the append-only audit stream.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Entry is the persisted form of a Record, stamped with wall-clock time.
type Entry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RecordedAt time.Time `gorm:"index" json:"recorded_at"`
	SessionID  string    `gorm:"index;size:128" json:"session_id"`
	Type       Type      `gorm:"index;size:32" json:"type"`
	RefID      string    `gorm:"index;size:128" json:"ref_id"`
	Payload    string    `gorm:"type:text" json:"payload"`
}

// Delivery is one dashboard card for one recipient. (alert, tier, recipient)
// is unique so re-dispatch never duplicates a card.
type Delivery struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AlertID     string    `gorm:"uniqueIndex:idx_delivery;size:128" json:"alert_id"`
	Tier        string    `gorm:"uniqueIndex:idx_delivery;size:16" json:"tier"`
	RecipientID string    `gorm:"uniqueIndex:idx_delivery;index;size:128" json:"recipient_id"`
	SessionID   string    `gorm:"index;size:128" json:"session_id"`
	Role        string    `gorm:"size:32" json:"role"`
	Title       string    `json:"title"`
	Body        string    `gorm:"type:text" json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the sqlite-backed Sink and dashboard.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (or creates) the sqlite database at path and migrates the schema.
// ":memory:" gives an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit store %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("audit store handle: %w", err)
	}
	// sqlite serializes writers anyway; a single connection also keeps
	// ":memory:" databases from splitting per connection.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}, &Delivery{}); err != nil {
		return nil, fmt.Errorf("migrate audit store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append persists rec before returning.
func (s *Store) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	e := Entry{
		RecordedAt: s.now().UTC(),
		SessionID:  rec.SessionID,
		Type:       rec.Type,
		RefID:      rec.RefID,
		Payload:    string(payload),
	}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return fmt.Errorf("append audit %s %s: %w", rec.Type, rec.RefID, err)
	}
	return nil
}

// Entries lists a session's history in append order. An empty typ returns all types.
func (s *Store) Entries(ctx context.Context, sessionID string, typ Type) ([]Entry, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	var out []Entry
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

// Post adds a dashboard card. It reports false when the card already existed.
func (s *Store) Post(ctx context.Context, d Delivery) (bool, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&d)
	if res.Error != nil {
		return false, fmt.Errorf("post dashboard card %s/%s: %w", d.AlertID, d.RecipientID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Feed returns the newest dashboard cards for a recipient.
func (s *Store) Feed(ctx context.Context, recipientID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Delivery
	err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("id desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("dashboard feed %s: %w", recipientID, err)
	}
	return out, nil
}

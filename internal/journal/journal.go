// Package journal records what happened to every notification target.
//
// The journal is optional. Without a DSN the engine uses Nop; with one it
// writes to the delivery_journal table in PostgreSQL.
package journal

import (
	"context"
	"time"
)

// Outcomes recorded for a target
const (
	OutcomeSkipped    = "skipped"
	OutcomeOpened     = "opened"
	OutcomeOpenFailed = "open_failed"
	OutcomeClosed     = "closed"
)

// Entry is one row of the journal
type Entry struct {
	NotificationID string    `json:"notification_id"`
	RecordedAt     time.Time `json:"recorded_at"`
	Target         string    `json:"target"`
	Partner        string    `json:"partner,omitempty"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
}

// Recorder stores and lists journal entries
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Nop discards entries
type Nop struct{}

func (Nop) Record(ctx context.Context, entry Entry) error { return nil }

func (Nop) Recent(ctx context.Context, limit int) ([]Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }

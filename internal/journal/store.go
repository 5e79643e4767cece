package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/keepmind9/imnotify/pkg/constants"
)

const journalTable = "delivery_journal"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// journalColumns lists columns returned by journal SELECT queries.
var journalColumns = []string{
	"notification_id", "recorded_at", "target", "partner", "outcome", "reason",
}

// Store implements Recorder using PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store on an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects to dsn, applies pending migrations and returns the store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to journal database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Record inserts an entry. A zero RecordedAt is set to the current time.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.now().UTC()
	}

	query, args, err := psq.Insert(journalTable).
		Columns(journalColumns...).
		Values(entry.NotificationID, entry.RecordedAt, entry.Target, entry.Partner, entry.Outcome, entry.Reason).
		ToSql()
	if err != nil {
		return fmt.Errorf("building journal insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = constants.DefaultRecentJournalEntries
	}
	if limit > constants.MaxRecentJournalEntries {
		limit = constants.MaxRecentJournalEntries
	}

	query, args, err := psq.Select(journalColumns...).
		From(journalTable).
		OrderBy("recorded_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building journal query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.NotificationID, &e.RecordedAt, &e.Target, &e.Partner, &e.Outcome, &e.Reason); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal rows: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

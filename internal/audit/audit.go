package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zezudoo/wa-download-guard/internal/enforce"
)

// Event is one blocked action, from the download manager or the page
type Event struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Source     string    `json:"source"`
	DownloadID int64     `json:"download_id,omitempty"`
	TabID      int       `json:"tab_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	Ext        string    `json:"ext,omitempty"`
	MIME       string    `json:"mime,omitempty"`
	Reason     string    `json:"reason"`
}

// Store records blocked downloads in SQLite
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the audit database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS blocked_events (
		id          TEXT PRIMARY KEY,
		created_at  INTEGER NOT NULL,
		source      TEXT NOT NULL,
		download_id INTEGER,
		tab_id      INTEGER,
		url         TEXT,
		filename    TEXT,
		ext         TEXT,
		mime        TEXT,
		reason      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocked_events_created_at ON blocked_events(created_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores ev, assigning an id and timestamp when missing
func (s *Store) Record(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	query := `INSERT INTO blocked_events (id, created_at, source, download_id, tab_id, url, filename, ext, mime, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.CreatedAt.UnixMilli(), ev.Source, ev.DownloadID, ev.TabID,
		ev.URL, ev.Filename, ev.Ext, ev.MIME, ev.Reason)
	if err != nil {
		return Event{}, fmt.Errorf("failed to record blocked event: %w", err)
	}
	return ev, nil
}

// RecordBlock implements enforce.Recorder
func (s *Store) RecordBlock(ctx context.Context, ev enforce.BlockEvent) error {
	_, err := s.Record(ctx, Event{
		Source:     string(ev.Source),
		DownloadID: ev.Item.ID,
		TabID:      ev.Item.TabID,
		URL:        ev.Item.EffectiveURL(),
		Filename:   ev.Item.Filename,
		Ext:        ev.Decision.Ext,
		MIME:       ev.Decision.MIME,
		Reason:     string(ev.Decision.Reason),
	})
	return err
}

// Recent returns up to limit events, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, source, download_id, tab_id, url, filename, ext, mime, reason
		FROM blocked_events ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocked events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var createdAt int64
		var downloadID, tabID sql.NullInt64
		var url, filename, ext, mime sql.NullString
		if err := rows.Scan(&ev.ID, &createdAt, &ev.Source, &downloadID, &tabID, &url, &filename, &ext, &mime, &ev.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan blocked event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(createdAt)
		ev.DownloadID = downloadID.Int64
		ev.TabID = int(tabID.Int64)
		ev.URL = url.String
		ev.Filename = filename.String
		ev.Ext = ext.String
		ev.MIME = mime.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than cutoff and returns how many were removed
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune blocked events: %w", err)
	}
	return res.RowsAffected()
}

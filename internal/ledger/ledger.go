// Package ledger keeps a local history of document runs in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dmaharana/docindex/internal/helper"
	"github.com/dmaharana/docindex/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id       TEXT NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL,
	state        TEXT NOT NULL,
	stage        TEXT NOT NULL,
	error        TEXT,
	pages        INTEGER NOT NULL DEFAULT 0,
	failed_pages INTEGER NOT NULL DEFAULT 0,
	result       TEXT,
	attempts     INTEGER NOT NULL DEFAULT 1,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	finished_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingestions_doc ON ingestions(doc_id);
`

// Entry is one recorded run.
type Entry struct {
	ID          int64     `json:"id"`
	DocID       string    `json:"doc_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Stage       string    `json:"stage"`
	Error       string    `json:"error,omitempty"`
	Pages       int       `json:"pages"`
	FailedPages int       `json:"failed_pages"`
	Result      string    `json:"result,omitempty"`
	Attempts    int       `json:"attempts"`
	DurationMS  int64     `json:"duration_ms"`
	FinishedAt  time.Time `json:"finished_at"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the ledger at path.
func Open(path string) (*Store, error) {
	if err := helper.CreateFolder(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Record stores a terminal pipeline result.
func (s *Store) Record(ctx context.Context, res pipeline.Result) error {
	var errText, result sql.NullString
	if res.Err != nil {
		errText = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	if res.Write.Result != "" {
		result = sql.NullString{String: res.Write.Result, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestions (doc_id, url, title, state, stage, error, pages, failed_pages, result, attempts, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Ref.ID, res.Ref.URL, res.Ref.Title, string(res.State), string(res.Stage), errText,
		res.Pages, res.FailedPages, result, res.Attempts, res.Duration.Milliseconds(), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording result for %s: %w", res.Ref.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, url, title, state, stage, error, pages, failed_pages, result, attempts, duration_ms, finished_at
		FROM ingestions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var errText, result sql.NullString
		if err := rows.Scan(&e.ID, &e.DocID, &e.URL, &e.Title, &e.State, &e.Stage, &errText,
			&e.Pages, &e.FailedPages, &result, &e.Attempts, &e.DurationMS, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.Error = errText.String
		e.Result = result.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Package progress persists fill-session state to SQLite. The session
// summary is written synchronously on every status transition; per-row
// records are fire-and-forget through a buffered channel, so a crash
// loses at most the rows still in flight.
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/formweaver/dbopen"
	"github.com/hazyhaar/formweaver/idgen"
)

// Schema for the progress tables. Apply via Store.Init or
// dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	total_rows  INTEGER NOT NULL,
	cursor      INTEGER NOT NULL DEFAULT 0,
	filled      INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	page        INTEGER NOT NULL DEFAULT 1,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source_id);

CREATE TABLE IF NOT EXISTS fill_records (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	source_row   INTEGER NOT NULL,
	page         INTEGER NOT NULL,
	dest_row     INTEGER NOT NULL,
	field_values TEXT NOT NULL,
	status       TEXT NOT NULL,
	anchor_value TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fill_records_session ON fill_records(session_id);
`

// Summary is one session's durable state, the unit of resume.
type Summary struct {
	SessionID string
	SourceID  string
	TotalRows int
	Cursor    int
	Filled    int
	Failed    int
	Page      int
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is one row's fill outcome, append-only.
type Record struct {
	ID          string
	SessionID   string
	SourceRow   int
	Page        int
	DestRow     int
	Values      map[string]string
	Status      string
	AnchorValue string
	Error       string
	CreatedAt   time.Time
}

// Store writes summaries synchronously and records asynchronously.
type Store struct {
	db  *sql.DB
	ids idgen.Generator
	log *slog.Logger

	ch   chan *Record
	done chan struct{}
	once sync.Once
}

// NewStore wraps db and starts the record flush loop. A nil logger falls
// back to slog.Default().
func NewStore(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		db:   db,
		ids:  idgen.Prefixed("rec_", idgen.UUIDv7()),
		log:  log,
		ch:   make(chan *Record, 1024),
		done: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Init creates the progress tables if they don't exist.
func (s *Store) Init() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("progress: init schema: %w", err)
	}
	return nil
}

// SaveSummary upserts the session row. Called on every status
// transition, synchronously, so a crash can always resume from the last
// transition.
func (s *Store) SaveSummary(ctx context.Context, sum *Summary) error {
	now := time.Now()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = now
	}
	sum.UpdatedAt = now
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO sessions (session_id, source_id, total_rows, cursor, filled, failed, page, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			cursor = excluded.cursor,
			filled = excluded.filled,
			failed = excluded.failed,
			page = excluded.page,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		sum.SessionID, sum.SourceID, sum.TotalRows, sum.Cursor, sum.Filled,
		sum.Failed, sum.Page, sum.Status, sum.CreatedAt.UnixMilli(), sum.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("progress: save summary %s: %w", sum.SessionID, err)
	}
	return nil
}

// Summary loads one session, or sql.ErrNoRows wrapped when absent.
func (s *Store) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, source_id, total_rows, cursor, filled, failed, page, status, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanSummary(row)
}

// Sessions lists saved sessions, most recently updated first. Feeds the
// resume picker.
func (s *Store) Sessions(ctx context.Context) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, source_id, total_rows, cursor, filled, failed, page, status, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("progress: list sessions: %w", err)
	}
	defer rows.Close()
	var out []*Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(...any) error }

func scanSummary(row scanner) (*Summary, error) {
	var sum Summary
	var created, updated int64
	err := row.Scan(&sum.SessionID, &sum.SourceID, &sum.TotalRows, &sum.Cursor,
		&sum.Filled, &sum.Failed, &sum.Page, &sum.Status, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("progress: load summary: %w", err)
	}
	sum.CreatedAt = time.UnixMilli(created)
	sum.UpdatedAt = time.UnixMilli(updated)
	return &sum, nil
}

// RecordAsync queues one row outcome for background persistence.
// Non-blocking; a full buffer drops the record with a log line rather
// than stalling the fill worker.
func (s *Store) RecordAsync(r *Record) {
	if r.ID == "" {
		r.ID = s.ids()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	select {
	case s.ch <- r:
	default:
		s.log.Warn("progress: record buffer full, dropping", "session", r.SessionID, "row", r.SourceRow)
	}
}

// Records lists one session's records in insertion order.
func (s *Store) Records(ctx context.Context, sessionID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, source_row, page, dest_row, field_values, status, anchor_value, error, created_at
		FROM fill_records WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("progress: list records: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var r Record
		var values string
		var created int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SourceRow, &r.Page, &r.DestRow,
			&values, &r.Status, &r.AnchorValue, &r.Error, &created); err != nil {
			return nil, fmt.Errorf("progress: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(values), &r.Values); err != nil {
			return nil, fmt.Errorf("progress: decode record values: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close drains the record buffer and stops the flush goroutine. The
// database handle stays open; it belongs to the caller.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]*Record, 0, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) flushBatch(batch []*Record) {
	if len(batch) == 0 {
		return
	}

	err := dbopen.RunTx(context.Background(), s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO fill_records
			(id, session_id, source_row, page, dest_row, field_values, status, anchor_value, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range batch {
			values, err := json.Marshal(r.Values)
			if err != nil {
				s.log.Error("progress: encode record values", "err", err)
				continue
			}
			if _, err := stmt.Exec(r.ID, r.SessionID, r.SourceRow, r.Page, r.DestRow,
				string(values), r.Status, r.AnchorValue, r.Error, r.CreatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("insert record %s: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("progress: flush records", "err", err, "batch", len(batch))
	}
}

// ValuesEqual compares an expected anchor value with what the page
// shows: exact string match, else numeric-normalized so "100" equals
// "100.0".
func ValuesEqual(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	return errA == nil && errB == nil && fa == fb
}

// Package sqlstore keeps personas, scores, feedback logs, and usage events in
// a SQLite database through the pure-Go modernc.org/sqlite driver.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
)

const backend = "sqlite"

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

var timeNow = time.Now

// Store is a SQLite-backed persona, score, and event store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New opens (creating if needed) the database at path and migrates it.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlstore: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlstore: create data dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storage.Wrap(backend, "ping", "", fmt.Errorf("%w: %w", storage.ErrUnavailable, err))
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS personas (
			id         TEXT PRIMARY KEY,
			seq        INTEGER NOT NULL,
			record     BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_personas_seq ON personas(seq);

		CREATE TABLE IF NOT EXISTS scores (
			persona_id TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS feedback (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			persona_id TEXT NOT NULL,
			rating     REAL NOT NULL,
			feedback   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_persona ON feedback(persona_id, id);

		CREATE TABLE IF NOT EXISTS usage_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			persona_id TEXT NOT NULL,
			task_type  TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL,
			latency_ms REAL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_events_persona ON usage_events(persona_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// List yields records in first-insertion order. Rows are buffered before
// yielding so callers may use the store while iterating.
func (s *Store) List(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		records, err := s.listRecords(ctx)
		if err != nil {
			yield(nil, storage.Wrap(backend, "list", "", err))
			return
		}
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Store) listRecords(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM personas ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	var rec []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM personas WHERE id = ?`, id).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap(backend, "get", id, err)
	}
	return rec, nil
}

// Put upserts record. An existing row keeps its position in List order.
func (s *Store) Put(ctx context.Context, id string, record []byte) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, seq, record, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM personas), ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		id, record, formatTime(timeNow()))
	return storage.Wrap(backend, "put", id, err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	return storage.Wrap(backend, "delete", id, err)
}

func (s *Store) GetScore(ctx context.Context, personaID string) (*score.PersonaScore, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM scores WHERE persona_id = ?`, personaID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap(backend, "get_score", personaID, err)
	}
	var ps score.PersonaScore
	if err := json.Unmarshal([]byte(data), &ps); err != nil {
		return nil, storage.Wrap(backend, "get_score", personaID, err)
	}
	return &ps, nil
}

func (s *Store) PutScore(ctx context.Context, ps *score.PersonaScore) error {
	if ps == nil || ps.PersonaID == "" {
		return score.ErrEmptyPersonaID
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return storage.Wrap(backend, "put_score", ps.PersonaID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scores (persona_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(persona_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		ps.PersonaID, string(data), formatTime(timeNow()))
	return storage.Wrap(backend, "put_score", ps.PersonaID, err)
}

// DeleteScore removes the score and the feedback log of personaID.
func (s *Store) DeleteScore(ctx context.Context, personaID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM scores WHERE persona_id = ?`, personaID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM feedback WHERE persona_id = ?`, personaID)
		return err
	})
	return storage.Wrap(backend, "delete_score", personaID, err)
}

// AppendFeedback inserts entry and trims the log to the newest max rows in
// one transaction.
func (s *Store) AppendFeedback(ctx context.Context, personaID string, entry score.FeedbackEntry, max int) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feedback (persona_id, rating, feedback, created_at) VALUES (?, ?, ?, ?)`,
			personaID, entry.Rating, entry.Feedback, formatTime(entry.Timestamp))
		if err != nil || max <= 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM feedback WHERE persona_id = ? AND id NOT IN (
				SELECT id FROM feedback WHERE persona_id = ? ORDER BY id DESC LIMIT ?
			)`, personaID, personaID, max)
		return err
	})
	return storage.Wrap(backend, "append_feedback", personaID, err)
}

func (s *Store) RecentFeedback(ctx context.Context, personaID string, n int) ([]score.FeedbackEntry, error) {
	limit := n
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rating, feedback, created_at FROM (
			SELECT id, rating, feedback, created_at FROM feedback
			WHERE persona_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, personaID, limit)
	if err != nil {
		return nil, storage.Wrap(backend, "recent_feedback", personaID, err)
	}
	defer rows.Close()

	var out []score.FeedbackEntry
	for rows.Next() {
		var (
			e  score.FeedbackEntry
			ts string
		)
		if err := rows.Scan(&e.Rating, &e.Feedback, &ts); err != nil {
			return nil, storage.Wrap(backend, "recent_feedback", personaID, err)
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, storage.Wrap(backend, "recent_feedback", personaID, rows.Err())
}

func (s *Store) RecordUsageEvent(ctx context.Context, ev score.UsageEvent) error {
	var latency sql.NullFloat64
	if ev.LatencyMS != nil {
		latency = sql.NullFloat64{Float64: *ev.LatencyMS, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (persona_id, task_type, outcome, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.PersonaID, ev.TaskType, string(ev.Outcome), latency, formatTime(ev.Timestamp))
	return storage.Wrap(backend, "record_event", ev.PersonaID, err)
}

// UsageEvents returns up to limit recorded events for personaID, oldest
// first. An empty personaID matches every persona; limit <= 0 means all.
func (s *Store) UsageEvents(ctx context.Context, personaID string, limit int) ([]score.UsageEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT persona_id, task_type, outcome, latency_ms, created_at FROM usage_events
		WHERE ? = '' OR persona_id = ?
		ORDER BY id ASC LIMIT ?`, personaID, personaID, limit)
	if err != nil {
		return nil, storage.Wrap(backend, "usage_events", personaID, err)
	}
	defer rows.Close()

	var out []score.UsageEvent
	for rows.Next() {
		var (
			ev      score.UsageEvent
			outcome string
			latency sql.NullFloat64
			ts      string
		)
		if err := rows.Scan(&ev.PersonaID, &ev.TaskType, &outcome, &latency, &ts); err != nil {
			return nil, storage.Wrap(backend, "usage_events", personaID, err)
		}
		ev.Outcome = score.Outcome(outcome)
		if latency.Valid {
			v := latency.Float64
			ev.LatencyMS = &v
		}
		ev.Timestamp = parseTime(ts)
		out = append(out, ev)
	}
	return out, storage.Wrap(backend, "usage_events", personaID, rows.Err())
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var (
	_ registry.Store    = (*Store)(nil)
	_ score.Store       = (*Store)(nil)
	_ score.FeedbackLog = (*Store)(nil)
	_ score.EventSink   = (*Store)(nil)
)

// Package journal keeps a local SQLite history of push sessions and of every
// file event they caused.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yuya-takeyama/strict-repo-sync/internal/logging"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/logger"
)

const schemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    base        TEXT NOT NULL,
    destination TEXT NOT NULL,
    mode        TEXT NOT NULL,
    dry_run     INTEGER NOT NULL DEFAULT 0,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER,
    state       TEXT NOT NULL DEFAULT 'running',
    error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    path        TEXT NOT NULL,
    from_path   TEXT NOT NULL DEFAULT '',
    at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
` + locksSchema

// locksSchema arrived with version 2.
const locksSchema = `
CREATE TABLE IF NOT EXISTS locks (
    pair        TEXT PRIMARY KEY,
    pid         INTEGER NOT NULL,
    acquired_at INTEGER NOT NULL
);
`

// Journal is an open journal database.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

type Option func(*Journal)

func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open opens (or creates) the journal at path.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{log: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	j.log = logging.Sub(j.log, "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Events arrive from several goroutines; one connection keeps SQLite
	// writes serialized.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	j.db = db

	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	var version int
	err := j.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		// meta table doesn't exist or no row: fresh database
		if _, err := j.db.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := j.db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		j.log.Debug("schema created", "version", schemaVersion)
		return nil
	}
	if version > schemaVersion {
		return fmt.Errorf("journal schema %d is newer than supported %d", version, schemaVersion)
	}
	if version < 2 {
		if _, err := j.db.Exec(locksSchema); err != nil {
			return fmt.Errorf("create locks: %w", err)
		}
		if _, err := j.db.Exec("UPDATE meta SET value = ? WHERE key = 'schema_version'", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		j.log.Debug("schema migrated", "from", version, "to", schemaVersion)
	}
	return nil
}

// SessionInfo describes a push about to run.
type SessionInfo struct {
	Base        string
	Destination string
	Mode        string
	DryRun      bool
}

// Record is a stored session.
type Record struct {
	ID         int64
	SessionInfo
	StartedAt  time.Time
	FinishedAt time.Time
	State      string
	Error      string
	Events     int
}

// Begin records the start of a session.
func (j *Journal) Begin(ctx context.Context, info SessionInfo) (*Session, error) {
	res, err := j.db.ExecContext(ctx,
		"INSERT INTO sessions (base, destination, mode, dry_run, started_at) VALUES (?, ?, ?, ?, ?)",
		info.Base, info.Destination, info.Mode, info.DryRun, j.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Session{j: j, id: id}, nil
}

// Sessions returns the most recent sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT s.id, s.base, s.destination, s.mode, s.dry_run, s.started_at, s.finished_at, s.state, s.error,
       (SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)
FROM sessions s ORDER BY s.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Base, &r.Destination, &r.Mode, &r.DryRun, &started, &finished, &r.State, &r.Error, &r.Events); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Events returns the events of a session in the order they happened.
func (j *Journal) Events(ctx context.Context, sessionID int64) ([]logger.Event, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT kind, path, from_path FROM events WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []logger.Event
	for rows.Next() {
		var e logger.Event
		if err := rows.Scan(&e.Kind, &e.Path, &e.From); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ logger.SyncLogger = (*Session)(nil)

// Session records the file events of one push. Recording failures are
// logged and remembered, never propagated into the push itself.
type Session struct {
	j  *Journal
	id int64

	mu  sync.Mutex
	err error
}

func (s *Session) ID() int64 { return s.id }

func (s *Session) OnFileStored(path string) {
	s.record(logger.Event{Kind: logger.EventStored, Path: path})
}

func (s *Session) OnFileMoved(from, to string) {
	s.record(logger.Event{Kind: logger.EventMoved, Path: to, From: from})
}

func (s *Session) OnFileDeleted(path string) {
	s.record(logger.Event{Kind: logger.EventDeleted, Path: path})
}

func (s *Session) record(e logger.Event) {
	_, err := s.j.db.Exec("INSERT INTO events (session_id, kind, path, from_path, at) VALUES (?, ?, ?, ?, ?)",
		s.id, string(e.Kind), e.Path, e.From, s.j.now().UnixMilli())
	if err != nil {
		s.j.log.Error("record event failed", "session", s.id, "event", e.String(), "err", err)
		s.mu.Lock()
		s.err = errors.Join(s.err, err)
		s.mu.Unlock()
	}
}

// Err returns the recording failures so far.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finish stores the final state of the session.
func (s *Session) Finish(ctx context.Context, state string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.j.db.ExecContext(context.WithoutCancel(ctx),
		"UPDATE sessions SET finished_at = ?, state = ?, error = ? WHERE id = ?",
		s.j.now().UnixMilli(), state, msg, s.id)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

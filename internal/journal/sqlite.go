package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"warden/internal/logging"
	"warden/internal/reason"
)

const schema = `
CREATE TABLE IF NOT EXISTS resolutions (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	outcome_type TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	payload BLOB,
	recorded_at TEXT NOT NULL,
	UNIQUE(trace_id, task_id)
);
CREATE TABLE IF NOT EXISTS inspections (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	command TEXT NOT NULL,
	payload BLOB,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inspections_trace ON inspections(trace_id, task_id);
`

// timeLayout is fixed width so recorded_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteSink is a Sink backed by a SQLite file.
type SQLiteSink struct {
	db    *sql.DB
	path  string
	mu    sync.Mutex
	clock func() time.Time
	newID func() string
}

var _ Sink = (*SQLiteSink)(nil)

// Option configures a SQLiteSink.
type Option func(*SQLiteSink)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteSink) { s.clock = now }
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *SQLiteSink) { s.newID = gen }
}

// OpenSQLite opens (creating if needed) the journal database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteSink, error) {
	timer := logging.StartTimer(logging.CategoryJournal, "OpenSQLite")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.JournalError("failed to open journal at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.JournalDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.JournalDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	s := &SQLiteSink{
		db:    db,
		path:  path,
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	logging.Journal("journal open at %s", path)
	return s, nil
}

// Path returns the database path.
func (s *SQLiteSink) Path() string { return s.path }

// RecordResolution inserts the task's terminal resolution.
func (s *SQLiteSink) RecordResolution(ctx context.Context, e Entry) (Entry, error) {
	if err := requireIDs(e); err != nil {
		return Entry{}, err
	}
	if e.OutcomeType == "" || e.RuleID == "" {
		return Entry{}, reason.New(reason.JournalAppendFailed, "resolution for %s lacks outcome_type or rule_id", e.TaskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e = s.stamp(e, KindResolution)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolutions (id, trace_id, task_id, outcome_type, rule_id, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TraceID, e.TaskID, e.OutcomeType, e.RuleID, e.Payload, e.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		if isDuplicateResolution(err) {
			logging.JournalDebug("[%s] duplicate resolution for %s refused", e.TraceID, e.TaskID)
			return Entry{}, reason.New(reason.JournalDuplicateResolution, "task %s already has a resolution", e.TaskID)
		}
		logging.JournalError("[%s] insert resolution for %s: %v", e.TraceID, e.TaskID, err)
		return Entry{}, reason.Wrap(reason.JournalAppendFailed, err, "insert resolution for %s", e.TaskID)
	}
	logging.Journal("[%s] resolution %s recorded for %s", e.TraceID, e.OutcomeType, e.TaskID)
	return e, nil
}

// RecordInspection inserts one inspection step; a task may have any number.
func (s *SQLiteSink) RecordInspection(ctx context.Context, e Entry) (Entry, error) {
	if err := requireIDs(e); err != nil {
		return Entry{}, err
	}
	if strings.TrimSpace(e.Command) == "" {
		return Entry{}, reason.New(reason.JournalAppendFailed, "inspection for %s has no command", e.TaskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e = s.stamp(e, KindInspection)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inspections (id, trace_id, task_id, command, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TraceID, e.TaskID, e.Command, e.Payload, e.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		logging.JournalError("[%s] insert inspection for %s: %v", e.TraceID, e.TaskID, err)
		return Entry{}, reason.Wrap(reason.JournalAppendFailed, err, "insert inspection for %s", e.TaskID)
	}
	logging.JournalDebug("[%s] inspection %q recorded for %s", e.TraceID, e.Command, e.TaskID)
	return e, nil
}

// Resolution returns the task's resolution if one was recorded.
func (s *SQLiteSink) Resolution(ctx context.Context, traceID, taskID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, trace_id, task_id, outcome_type, rule_id, payload, recorded_at FROM resolutions WHERE trace_id = ? AND task_id = ?`,
		traceID, taskID)
	var e Entry
	var at string
	if err := row.Scan(&e.ID, &e.TraceID, &e.TaskID, &e.OutcomeType, &e.RuleID, &e.Payload, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to read resolution: %w", err)
	}
	e.Kind = KindResolution
	e.RecordedAt = parseTime(at)
	return e, true, nil
}

// Entries returns every entry for the trace, oldest first. Ties keep
// inspections before the resolution, then order by id.
func (s *SQLiteSink) Entries(ctx context.Context, traceID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, 'inspection' AS kind, '' AS outcome_type, '' AS rule_id, command, payload, recorded_at, 0 AS ord
		  FROM inspections WHERE trace_id = ?
		UNION ALL
		SELECT id, task_id, 'resolution', outcome_type, rule_id, '', payload, recorded_at, 1
		  FROM resolutions WHERE trace_id = ?
		ORDER BY recorded_at, ord, id`, traceID, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind, at string
		var ord int
		if err := rows.Scan(&e.ID, &e.TaskID, &kind, &e.OutcomeType, &e.RuleID, &e.Command, &e.Payload, &at, &ord); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.TraceID = traceID
		e.Kind = Kind(kind)
		e.RecordedAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *SQLiteSink) stamp(e Entry, kind Kind) Entry {
	e.Kind = kind
	if e.ID == "" {
		e.ID = s.newID()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.clock().UTC()
	}
	return e
}

func requireIDs(e Entry) error {
	if strings.TrimSpace(e.TraceID) == "" || strings.TrimSpace(e.TaskID) == "" {
		return reason.New(reason.JournalAppendFailed, "journal entry needs trace_id and task_id")
	}
	return nil
}

// isDuplicateResolution reports whether err is the (trace_id, task_id)
// uniqueness violation. Primary key, NOT NULL and CHECK failures are not.
func isDuplicateResolution(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// no extended code; fall back to the message
		default:
			return false
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: resolutions.trace_id")
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

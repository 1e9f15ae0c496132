// Package journal keeps a local SQLite record of voice session lifecycles:
// when sessions started and ended, how many turns they ran, how often the
// user barged in and which errors occurred. Transcript and response text is
// never written.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/darshan-pr/AI-partners-sub000/internal/bus"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal closed")

// Reason recorded on state_changed events caused by a barge-in.
const interruptedReason = "interrupted"

// Summary describes one recorded session.
type Summary struct {
	ID            string
	StartedAt     time.Time
	EndedAt       time.Time // zero while the session is live
	Turns         int
	Interruptions int
	Errors        int
	LastState     string
	EndReason     string
}

// Ended reports whether the session reached idle or error.
func (s Summary) Ended() bool { return !s.EndedAt.IsZero() }

// Duration is the session length, or zero while it is live.
func (s Summary) Duration() time.Duration {
	if !s.Ended() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Transition is one recorded state change.
type Transition struct {
	From   string
	To     string
	Reason string
	Turn   int
	At     time.Time
}

// Journal persists session metadata taken from the event bus.
type Journal struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger

	events *bus.Bus
	sub    bus.SubscriptionID
	closed bool
}

// Open opens or creates the journal database at path. The parent directory is
// created if it doesn't exist.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	j := &Journal{db: db, log: log}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		turns INTEGER NOT NULL DEFAULT 0,
		interruptions INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		last_state TEXT NOT NULL DEFAULT '',
		end_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at DESC);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL,
		turn INTEGER NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, id);

	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		fatal INTEGER NOT NULL,
		at TEXT NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Attach records state_changed and error events published on b until Detach
// or Close. Only one bus can be attached at a time.
func (j *Journal) Attach(b *bus.Bus) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.events != nil {
		return errors.New("journal already attached")
	}

	// A single wildcard subscription keeps state and error events in order.
	id := b.SubscribeWithBuffer("", 1024, func(e bus.Event) {
		if e.Type != bus.EventStateChanged && e.Type != bus.EventError {
			return
		}
		if err := j.Record(context.Background(), e); err != nil && !errors.Is(err, ErrClosed) {
			j.log.Warn().Err(err).Str("event", string(e.Type)).Msg("journal write failed")
		}
	})
	if id == "" {
		return errors.New("bus is closed")
	}
	j.events, j.sub = b, id
	return nil
}

// Detach stops recording events from the attached bus.
func (j *Journal) Detach() {
	j.mu.Lock()
	b, id := j.events, j.sub
	j.events, j.sub = nil, ""
	j.mu.Unlock()

	if b != nil {
		_ = b.Unsubscribe(id)
	}
}

// Record writes a single event. Events without a session ID and event types
// other than state_changed and error are ignored.
func (j *Journal) Record(ctx context.Context, e bus.Event) error {
	if e.SessionID == "" {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	switch e.Type {
	case bus.EventStateChanged:
		return j.recordTransition(ctx, e)
	case bus.EventError:
		return j.recordError(ctx, e)
	}
	return nil
}

func (j *Journal) recordTransition(ctx context.Context, e bus.Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	at := e.Timestamp.UTC().Format(time.RFC3339Nano)

	var endedAt *string
	endReason := ""
	if e.State == "idle" || e.State == "error" {
		endedAt = &at
		endReason = e.Reason
	}
	interruptions := 0
	if e.Reason == interruptedReason {
		interruptions = 1
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (id, started_at, ended_at, turns, interruptions, last_state, end_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		ended_at = COALESCE(excluded.ended_at, sessions.ended_at),
		turns = MAX(sessions.turns, excluded.turns),
		interruptions = sessions.interruptions + excluded.interruptions,
		last_state = excluded.last_state,
		end_reason = CASE WHEN excluded.ended_at IS NULL THEN sessions.end_reason ELSE excluded.end_reason END
	`, e.SessionID, at, endedAt, e.Turn, interruptions, e.State, endReason)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO transitions (session_id, from_state, to_state, reason, turn, at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.PrevState, e.State, e.Reason, e.Turn, at)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	return tx.Commit()
}

func (j *Journal) recordError(ctx context.Context, e bus.Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	at := e.Timestamp.UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (id, started_at, errors) VALUES (?, ?, 1)
	ON CONFLICT(id) DO UPDATE SET errors = sessions.errors + 1
	`, e.SessionID, at)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO errors (session_id, kind, fatal, at) VALUES (?, ?, ?, ?)
	`, e.SessionID, e.ErrorKind, e.Fatal, at)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}

	return tx.Commit()
}

// Sessions returns up to limit sessions, most recent first. A limit of zero
// or less returns all of them.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Summary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
	SELECT id, started_at, ended_at, turns, interruptions, errors, last_state, end_reason
	FROM sessions
	ORDER BY started_at DESC
	LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s       Summary
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.Turns, &s.Interruptions, &s.Errors, &s.LastState, &s.EndReason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if ended.Valid {
			if s.EndedAt, err = time.Parse(time.RFC3339Nano, ended.String); err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Transitions returns the recorded state changes of one session in order.
func (j *Journal) Transitions(ctx context.Context, sessionID string) ([]Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	rows, err := j.db.QueryContext(ctx, `
	SELECT from_state, to_state, reason, turn, at
	FROM transitions
	WHERE session_id = ?
	ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t  Transition
			at string
		)
		if err := rows.Scan(&t.From, &t.To, &t.Reason, &t.Turn, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ErrorKinds counts recorded errors of one session by kind.
func (j *Journal) ErrorKinds(ctx context.Context, sessionID string) (map[string]int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	rows, err := j.db.QueryContext(ctx, `
	SELECT kind, COUNT(*) FROM errors WHERE session_id = ? GROUP BY kind
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan error kind: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Close detaches from the bus and closes the database.
func (j *Journal) Close() error {
	j.Detach()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

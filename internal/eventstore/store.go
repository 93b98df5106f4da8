// Package eventstore keeps a SQLite timeline of utterance lifecycle events.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	_ "modernc.org/sqlite"
)

// Event types written by the speaker and avatar roles.
const (
	TypeSpeakRequested  = "speak.requested"
	TypeSpeakFailed     = "speak.failed"
	TypeStreamBegun     = "stream.begun"
	TypeStreamEnded     = "stream.ended"
	TypeStreamCancelled = "stream.cancelled"
	TypeStreamFinalized = "stream.finalized"
	TypeStreamAbandoned = "stream.abandoned"
	TypeStopped         = "speak.stopped"
)

// Utterance ties a stream identifier to the request that produced it.
type Utterance struct {
	ID        string
	SessionID string
	Voice     string
	Text      string
	CreatedAt time.Time
}

// Event is one timeline entry for an utterance.
type Event struct {
	ID          int64
	UtteranceID string
	SessionID   string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// Store wraps the SQLite timeline. In ephemeral mode every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    utterance_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    voice TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    utterance_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(utterance_id) REFERENCES utterances(utterance_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_session ON utterances(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_utterance_created ON events(utterance_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordUtterance creates or updates the utterance row.
func (s *Store) RecordUtterance(ctx context.Context, u Utterance) error {
	if s.disabled() {
		return nil
	}
	if u.ID == "" {
		return errors.New("utterance id is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(utterance_id, session_id, voice, text, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(utterance_id) DO UPDATE SET session_id=excluded.session_id, voice=excluded.voice, text=excluded.text`,
		u.ID, u.SessionID, u.Voice, u.Text, u.CreatedAt.UnixNano())
	return err
}

// AppendEvent writes an event. An utterance row is created when the avatar
// role sees a stream it has no request for.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.UtteranceID == "" {
		return errors.New("utterance id is required")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO utterances(utterance_id, session_id, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(utterance_id) DO NOTHING`,
		evt.UtteranceID, evt.SessionID, evt.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(utterance_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.UtteranceID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

const eventColumns = `e.id, e.utterance_id, u.session_id, e.event_type, e.payload, e.created_at`

// ListUtteranceEvents returns up to limit events for one utterance, oldest first.
func (s *Store) ListUtteranceEvents(ctx context.Context, utteranceID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events e JOIN utterances u ON u.utterance_id = e.utterance_id
		 WHERE e.utterance_id = ? ORDER BY e.created_at ASC, e.id ASC LIMIT ?`, utteranceID, normalizeLimit(limit))
}

// ListSessionEvents returns up to limit events across a session's utterances.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events e JOIN utterances u ON u.utterance_id = e.utterance_id
		 WHERE u.session_id = ? ORDER BY e.created_at ASC, e.id ASC LIMIT ?`, sessionID, normalizeLimit(limit))
}

// RecentUtterances returns the newest utterances first.
func (s *Store) RecentUtterances(ctx context.Context, limit int) ([]Utterance, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT utterance_id, session_id, voice, text, created_at FROM utterances
		 ORDER BY created_at DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		var created int64
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Voice, &u.Text, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.UtteranceID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxUtterances > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE utterance_id IN (
			SELECT utterance_id FROM utterances ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxUtterances); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure reports an inconsistent ephemeral store.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

// Package eventlog is the host-local write-ahead event log: one durable,
// per-session, per-revision monotonic sequence of events, with
// acknowledgement tracking and discovered-session bookkeeping.
//
// It is backed by SQLite in WAL mode, following the same Open/migrate
// idiom used throughout this codebase for local persistence.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Kind is the closed set of event kinds the supervisor ever produces, with
// an explicit forward-compatibility bucket for notification shapes the
// core doesn't yet recognize.
type Kind string

const (
	KindUserMessage        Kind = "user_message"
	KindAgentMessageChunk  Kind = "agent_message_chunk"
	KindAgentThoughtChunk  Kind = "agent_thought_chunk"
	KindToolCall           Kind = "tool_call"
	KindToolCallUpdate     Kind = "tool_call_update"
	KindSessionInfoUpdate  Kind = "session_info_update"
	KindModeModelUpdate    Kind = "mode_model_update"
	KindPlan               Kind = "plan"
	KindUsage              Kind = "usage"
	KindTerminalOutput     Kind = "terminal_output"
	KindPermissionRequest  Kind = "permission_request"
	KindPermissionResult   Kind = "permission_result"
	KindSessionError       Kind = "session_error"
	KindTurnEnd            Kind = "turn_end"
	KindUnknownUpdate      Kind = "unknown_update"
)

// Event is one immutable record in the log.
type Event struct {
	SessionID string          `json:"sessionId"`
	HostID    string          `json:"hostId"`
	Revision  int64           `json:"revision"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionRow is the log's view of a session's identity and position.
type SessionRow struct {
	SessionID string
	HostID    string
	UserID    string
	BackendID string
	Cwd       string
	Title     string
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Discovered is a session the backend reports knowing about but which is
// not currently loaded on this host.
type Discovered struct {
	SessionID string
	BackendID string
	Title     string
	Stale     bool
	UpdatedAt time.Time
}

// ErrOwnerMismatch is returned by EnsureSession when a session id is
// already claimed by a different (userId, hostId) pair.
type ErrOwnerMismatch struct {
	SessionID string
}

func (e *ErrOwnerMismatch) Error() string {
	return fmt.Sprintf("session %s is owned by a different host/user", e.SessionID)
}

// Log is the durable per-host event store. Callers that need single-writer
// semantics per session (spec §5) should route appends through one
// goroutine per sessionId; Log itself only guarantees that concurrent
// appendEvent calls against the same (sessionId, revision) never collide
// on seq, via a per-session in-memory mutex.
type Log struct {
	db *sql.DB

	mu       sync.Mutex // guards writerLocks map mutation only
	writerLocks map[string]*sync.Mutex
}

// Open creates or opens the event log database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	l := &Log{db: db, writerLocks: make(map[string]*sync.Mutex)}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var version int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}
	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("applying eventlog migration", "version", i+1)
		if err := migrations[i](l.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := l.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return err
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			backend_id TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			revision INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			revision INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			acked INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, revision, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_events_session_rev ON events(session_id, revision);
		CREATE TABLE IF NOT EXISTS discovered_sessions (
			session_id TEXT PRIMARY KEY,
			backend_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			stale INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

func (l *Log) writerLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.writerLocks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.writerLocks[sessionID] = m
	}
	return m
}

// EnsureSession creates the session row if missing and returns the current
// revision; it enforces that a known sessionId may only be re-claimed by
// the same (userId, hostId) pair.
func (l *Log) EnsureSession(sessionID, hostID, userID, backendID, cwd, title string) (int64, error) {
	lock := l.writerLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var existingHost, existingUser string
	var revision int64
	err := l.db.QueryRow(`SELECT host_id, user_id, revision FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&existingHost, &existingUser, &revision)
	switch {
	case err == sql.ErrNoRows:
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := l.db.Exec(
			`INSERT INTO sessions (session_id, host_id, user_id, backend_id, cwd, title, revision, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			sessionID, hostID, userID, backendID, cwd, title, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("create session row: %w", err)
		}
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("query session row: %w", err)
	default:
		if existingHost != hostID || existingUser != userID {
			return 0, &ErrOwnerMismatch{SessionID: sessionID}
		}
		return revision, nil
	}
}

// IncrementRevision atomically advances the revision counter and returns
// the new value.
func (l *Log) IncrementRevision(sessionID string) (int64, error) {
	lock := l.writerLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var revision int64
	if err := tx.QueryRow(`SELECT revision FROM sessions WHERE session_id = ?`, sessionID).Scan(&revision); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	revision++
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE sessions SET revision = ?, updated_at = ? WHERE session_id = ?`, revision, now, sessionID); err != nil {
		return 0, fmt.Errorf("write revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return revision, nil
}

// AppendEvent assigns the next seq within (sessionId, revision) and writes
// the record durably before returning it. Concurrent appends against the
// same session never produce the same seq because the per-session writer
// lock and the SQL transaction serialize them.
func (l *Log) AppendEvent(sessionID, hostID string, revision int64, kind Kind, payload json.RawMessage) (Event, error) {
	lock := l.writerLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM events WHERE session_id = ? AND revision = ?`, sessionID, revision).Scan(&maxSeq); err != nil {
		return Event{}, fmt.Errorf("read max seq: %w", err)
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(
		`INSERT INTO events (session_id, revision, seq, kind, payload, created_at, acked) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		sessionID, revision, seq, string(kind), string(payload), now.Format(time.RFC3339Nano),
	); err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}

	return Event{
		SessionID: sessionID,
		HostID:    hostID,
		Revision:  revision,
		Seq:       seq,
		Kind:      kind,
		CreatedAt: now,
		Payload:   payload,
	}, nil
}

// QueryEvents returns up to limit events with seq > afterSeq, ordered
// ascending, and whether more remain.
func (l *Log) QueryEvents(sessionID string, revision, afterSeq int64, limit int) ([]Event, bool, error) {
	rows, err := l.db.Query(
		`SELECT seq, kind, payload, created_at FROM events
		 WHERE session_id = ? AND revision = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		sessionID, revision, afterSeq, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var createdAt string
		var payload string
		if err := rows.Scan(&e.Seq, &e.Kind, &payload, &createdAt); err != nil {
			return nil, false, fmt.Errorf("scan event: %w", err)
		}
		e.SessionID = sessionID
		e.Revision = revision
		e.Payload = json.RawMessage(payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := false
	if len(out) > limit {
		hasMore = true
		out = out[:limit]
	}
	return out, hasMore, nil
}

// GetUnacked returns the suffix of events at revision that has not yet
// been acknowledged, ordered ascending by seq.
func (l *Log) GetUnacked(sessionID string, revision int64) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT seq, kind, payload, created_at FROM events
		 WHERE session_id = ? AND revision = ? AND acked = 0
		 ORDER BY seq ASC`,
		sessionID, revision,
	)
	if err != nil {
		return nil, fmt.Errorf("query unacked: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var createdAt, payload string
		if err := rows.Scan(&e.Seq, &e.Kind, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.SessionID = sessionID
		e.Revision = revision
		e.Payload = json.RawMessage(payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack marks events with seq <= upToSeq as acknowledged. Idempotent.
func (l *Log) Ack(sessionID string, revision, upToSeq int64) error {
	_, err := l.db.Exec(
		`UPDATE events SET acked = 1 WHERE session_id = ? AND revision = ? AND seq <= ?`,
		sessionID, revision, upToSeq,
	)
	return err
}

// Archive deletes all events for a session. Used only by explicit,
// operator-initiated compaction; disabled by default at the caller layer.
func (l *Log) Archive(sessionID string) error {
	_, err := l.db.Exec(`DELETE FROM events WHERE session_id = ?`, sessionID)
	return err
}

// BulkArchive archives a set of sessions in one statement.
func (l *Log) BulkArchive(sessionIDs []string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range sessionIDs {
		if _, err := tx.Exec(`DELETE FROM events WHERE session_id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveDiscovered records or refreshes a session the backend reports
// knowing about but which is not currently loaded.
func (l *Log) SaveDiscovered(d Discovered) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.Exec(
		`INSERT INTO discovered_sessions (session_id, backend_id, title, stale, updated_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(session_id) DO UPDATE SET backend_id=excluded.backend_id, title=excluded.title, stale=0, updated_at=excluded.updated_at`,
		d.SessionID, d.BackendID, d.Title, now,
	)
	return err
}

// MarkDiscoveredStale flags a discovered session as no longer current.
func (l *Log) MarkDiscoveredStale(sessionID string) error {
	_, err := l.db.Exec(`UPDATE discovered_sessions SET stale = 1, updated_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	return err
}

// GetDiscovered lists discovered sessions, optionally filtered by backendId.
func (l *Log) GetDiscovered(backendID string) ([]Discovered, error) {
	var rows *sql.Rows
	var err error
	if backendID == "" {
		rows, err = l.db.Query(`SELECT session_id, backend_id, title, stale, updated_at FROM discovered_sessions`)
	} else {
		rows, err = l.db.Query(`SELECT session_id, backend_id, title, stale, updated_at FROM discovered_sessions WHERE backend_id = ?`, backendID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Discovered
	for rows.Next() {
		var d Discovered
		var stale int
		var updatedAt string
		if err := rows.Scan(&d.SessionID, &d.BackendID, &d.Title, &stale, &updatedAt); err != nil {
			return nil, err
		}
		d.Stale = stale != 0
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetSession returns the session row, if any.
func (l *Log) GetSession(sessionID string) (SessionRow, bool, error) {
	var row SessionRow
	var createdAt, updatedAt string
	err := l.db.QueryRow(
		`SELECT session_id, host_id, user_id, backend_id, cwd, title, revision, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&row.SessionID, &row.HostID, &row.UserID, &row.BackendID, &row.Cwd, &row.Title, &row.Revision, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return SessionRow{}, false, nil
	}
	if err != nil {
		return SessionRow{}, false, err
	}
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return row, true, nil
}

// ListSessions returns every session row known to this host.
func (l *Log) ListSessions() ([]SessionRow, error) {
	rows, err := l.db.Query(`SELECT session_id, host_id, user_id, backend_id, cwd, title, revision, created_at, updated_at FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var createdAt, updatedAt string
		if err := rows.Scan(&row.SessionID, &row.HostID, &row.UserID, &row.BackendID, &row.Cwd, &row.Title, &row.Revision, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Package history keeps a transcript of finalized turns for the lifetime of
// the process. It is backed by SQLite, in memory by default. If opening the
// DB or executing queries fails, the store falls back to a plain slice.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/carechat-go/internal/backend"
	"github.com/comigor/carechat-go/internal/chat"
	"github.com/comigor/carechat-go/internal/logger"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    risk_score INTEGER,
    risk_level TEXT NOT NULL DEFAULT '',
    triage_activated INTEGER NOT NULL DEFAULT 0,
    human_handoff INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);`

const index = `CREATE INDEX IF NOT EXISTS messages_session ON messages (session_id, seq);`

type entry struct {
	sessionID string
	msg       chat.Message
}

// Store records messages per session. It satisfies chat.Recorder.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	messages []entry // in-memory fallback
}

var _ chat.Recorder = (*Store)(nil)

// Open opens the transcript database at dsn. A dsn of ":memory:" keeps the
// transcript in process memory. When the database cannot be opened the store
// still works, on the in-memory fallback only.
func Open(dsn string) *Store {
	s := &Store{}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return s
	}
	// Every connection to ":memory:" gets its own database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{schema, index} {
		if _, err := db.Exec(stmt); err != nil {
			logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
			_ = db.Close()
			return s
		}
	}

	logger.L.Info("sqlite history DB initialized", "dsn", dsn)
	s.db = db
	return s
}

// Persistent reports whether the store is backed by SQLite.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// Record appends msg to the transcript of sessionID. The in-memory copy is
// always kept; an error means only the SQLite write failed.
func (s *Store) Record(sessionID string, msg chat.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, entry{sessionID: sessionID, msg: msg})
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	var score sql.NullInt64
	if msg.RiskScore != nil {
		score = sql.NullInt64{Int64: int64(*msg.RiskScore), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO messages
        (id, session_id, role, content, risk_score, risk_level, triage_activated, human_handoff, created_at)
        VALUES (?,?,?,?,?,?,?,?,?);`,
		msg.ID, sessionID, string(msg.Role), msg.Content, score, string(msg.RiskLevel),
		boolInt(msg.TriageActivated), boolInt(msg.HumanHandoff), msg.CreatedAt.UnixNano())
	if err != nil {
		logger.L.Error("failed to store message in sqlite; kept in memory", "session_id", sessionID, "error", err)
		return fmt.Errorf("storing message: %w", err)
	}
	return nil
}

// List returns the transcript of a session in the order it was recorded.
func (s *Store) List(sessionID string) ([]chat.Message, error) {
	if s.db != nil {
		out, err := s.query(sessionID)
		if err == nil {
			return out, nil
		}
		logger.L.Error("failed to read history from sqlite; using memory", "session_id", sessionID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, e := range s.messages {
		if e.sessionID == sessionID {
			out = append(out, e.msg)
		}
	}
	return out, nil
}

func (s *Store) query(sessionID string) ([]chat.Message, error) {
	rows, err := s.db.Query(`SELECT id, role, content, risk_score, risk_level, triage_activated, human_handoff, created_at
        FROM messages WHERE session_id = ? ORDER BY seq ASC;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m               chat.Message
			role, level     string
			score           sql.NullInt64
			triage, handoff int64
			created         int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &score, &level, &triage, &handoff, &created); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		m.RiskLevel = backend.RiskLevel(level)
		m.TriageActivated = triage != 0
		m.HumanHandoff = handoff != 0
		m.CreatedAt = time.Unix(0, created).UTC()
		if score.Valid {
			v := int(score.Int64)
			m.RiskScore = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package store persists session turn logs, gap reports, and chat webhook
// responses in SQLite. The turn log is append-only: turns are inserted as
// given and read back in insertion order, with no dedup or reordering.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/sqlprobe/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_turns_session
		ON session_turns(session_id);

	CREATE TABLE IF NOT EXISTS gap_reports (
		session_id TEXT PRIMARY KEY,
		diagnosis TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_responses (
		execution_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendTurn appends a turn to a session's log. Duplicate and out-of-order
// turn numbers are stored as-is; ordering is caller-asserted.
func (s *Store) AppendTurn(sessionID string, turn int, payload json.RawMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO session_turns (session_id, turn, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, turn, string(payload), time.Now(),
	)
	return err
}

// Turns returns a session's turn log in insertion order.
func (s *Store) Turns(sessionID string) ([]model.SessionTurn, error) {
	rows, err := s.db.Query(
		`SELECT turn, payload FROM session_turns WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []model.SessionTurn
	for rows.Next() {
		var t model.SessionTurn
		var payload string
		if err := rows.Scan(&t.Turn, &payload); err != nil {
			return nil, err
		}
		t.Payload = json.RawMessage(payload)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// TurnCount returns the number of logged turns for a session.
func (s *Store) TurnCount(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM session_turns WHERE session_id = ?`, sessionID,
	).Scan(&count)
	return count, err
}

// ProbeTurns returns the session's turns whose payload carries a probe
// role marker.
func (s *Store) ProbeTurns(sessionID string) ([]model.SessionTurn, error) {
	turns, err := s.Turns(sessionID)
	if err != nil {
		return nil, err
	}
	var probes []model.SessionTurn
	for _, t := range turns {
		var payload struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			continue
		}
		if payload.Role == "probe" {
			probes = append(probes, t)
		}
	}
	return probes, nil
}

// SaveGapReport upserts the logger agent's report for a session.
func (s *Store) SaveGapReport(sessionID string, report model.GapReport) error {
	diagnosis, err := json.Marshal(report.Diagnosis)
	if err != nil {
		return fmt.Errorf("marshal diagnosis: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO gap_reports (session_id, diagnosis, summary, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET diagnosis = ?, summary = ?, created_at = ?`,
		sessionID, string(diagnosis), report.Summary, time.Now(),
		string(diagnosis), report.Summary, time.Now(),
	)
	return err
}

// GetGapReport returns the stored report for a session, or nil when none
// exists.
func (s *Store) GetGapReport(sessionID string) (*model.GapReport, error) {
	var diagnosis, summary string
	err := s.db.QueryRow(
		`SELECT diagnosis, summary FROM gap_reports WHERE session_id = ?`, sessionID,
	).Scan(&diagnosis, &summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	report := model.GapReport{Summary: summary}
	if err := json.Unmarshal([]byte(diagnosis), &report.Diagnosis); err != nil {
		return nil, fmt.Errorf("unmarshal diagnosis: %w", err)
	}
	return &report, nil
}

// SaveChatResponse stores a chat webhook reply keyed by execution id.
func (s *Store) SaveChatResponse(executionID, text string) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_responses (execution_id, text, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET text = ?, created_at = ?`,
		executionID, text, time.Now(), text, time.Now(),
	)
	return err
}

// TakeChatResponse returns and removes the stored reply for an execution
// id. The second return is false when nothing is stored yet.
func (s *Store) TakeChatResponse(executionID string) (string, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var text string
	err = tx.QueryRow(
		`SELECT text FROM chat_responses WHERE execution_id = ?`, executionID,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if _, err := tx.Exec(`DELETE FROM chat_responses WHERE execution_id = ?`, executionID); err != nil {
		return "", false, err
	}
	return text, true, tx.Commit()
}

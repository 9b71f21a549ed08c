package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// HistoryStore persists conversation turns and plan snapshots per session.
type HistoryStore struct {
	DB *sql.DB
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			role TEXT,
			content TEXT,
			created_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS plan_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			plan_json TEXT,
			created_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON plan_snapshots (session_id, id);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate history db: %w", err)
		}
	}

	return &HistoryStore{DB: db}, nil
}

func (h *HistoryStore) Close() error {
	return h.DB.Close()
}

func (h *HistoryStore) AddMessage(sessionID string, role schema.ChatMessageType, content string) error {
	query := `INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	_, err := h.DB.Exec(query, sessionID, string(role), content, time.Now().UnixNano())
	return err
}

// GetHistory returns the last limit messages of a session, oldest first.
func (h *HistoryStore) GetHistory(sessionID string, limit int) ([]llms.MessageContent, error) {
	query := `SELECT role, content FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}

		var msgRole schema.ChatMessageType
		switch schema.ChatMessageType(role) {
		case schema.ChatMessageTypeAI:
			msgRole = schema.ChatMessageTypeAI
		case schema.ChatMessageTypeSystem:
			msgRole = schema.ChatMessageTypeSystem
		default:
			msgRole = schema.ChatMessageTypeHuman
		}

		history = append(history, llms.MessageContent{
			Role:  msgRole,
			Parts: []llms.ContentPart{llms.TextPart(content)},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// SavePlanSnapshot appends a copy of steps for the session.
func (h *HistoryStore) SavePlanSnapshot(sessionID string, steps []plan.Step) error {
	if steps == nil {
		steps = []plan.Step{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode plan snapshot: %w", err)
	}
	query := `INSERT INTO plan_snapshots (session_id, plan_json, created_at) VALUES (?, ?, ?)`
	if _, err := h.DB.Exec(query, sessionID, string(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("save plan snapshot: %w", err)
	}
	return nil
}

// LatestPlanSnapshot returns the newest snapshot of the session. ok is false
// when none was ever saved.
func (h *HistoryStore) LatestPlanSnapshot(sessionID string) (snap Snapshot, ok bool, err error) {
	query := `SELECT id, plan_json, created_at FROM plan_snapshots WHERE session_id = ? ORDER BY id DESC LIMIT 1`
	var (
		raw     string
		created int64
	)
	err = h.DB.QueryRow(query, sessionID).Scan(&snap.ID, &raw, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load plan snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &snap.Steps); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode plan snapshot %d: %w", snap.ID, err)
	}
	snap.SessionID = sessionID
	snap.CreatedAt = time.Unix(0, created)
	return snap, true, nil
}

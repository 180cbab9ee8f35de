package monitor

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mkarlsen/memsched/internal/memory"
)

// Schema is applied once when the store opens. Both tables are keyed by
// (user_id, mem_cube_id) plus the entry's own identity.
const Schema = `
CREATE TABLE IF NOT EXISTS query_monitors (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	mem_cube_id TEXT NOT NULL,
	query_text TEXT NOT NULL,
	keywords TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_monitors_scope
	ON query_monitors(user_id, mem_cube_id, created_at);

CREATE TABLE IF NOT EXISTS working_monitors (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	mem_cube_id TEXT NOT NULL,
	mapping_key TEXT NOT NULL,
	memory_text TEXT NOT NULL,
	item_json TEXT NOT NULL DEFAULT '{}',
	sorting_score REAL NOT NULL DEFAULT 0,
	keywords_score REAL NOT NULL DEFAULT 0,
	recording_count INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL,
	UNIQUE(user_id, mem_cube_id, mapping_key)
);
`

// Store persists monitor state to SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the monitor database at path and applies
// the schema. Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open monitor db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply monitor schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle, applying the schema.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply monitor schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveQueries replaces the persisted query history for one (user, cube).
func (s *Store) SaveQueries(userID, cubeID string, entries []QueryItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save queries: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM query_monitors WHERE user_id = ? AND mem_cube_id = ?`,
		userID, cubeID,
	); err != nil {
		return fmt.Errorf("clear query monitors: %w", err)
	}
	for _, e := range entries {
		keywords, err := json.Marshal(e.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO query_monitors (id, user_id, mem_cube_id, query_text, keywords, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, userID, cubeID, e.QueryText, string(keywords), e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert query monitor: %w", err)
		}
	}
	return tx.Commit()
}

// LoadQueries returns the persisted query history, oldest first.
func (s *Store) LoadQueries(userID, cubeID string) ([]QueryItem, error) {
	rows, err := s.db.Query(
		`SELECT id, query_text, keywords, created_at FROM query_monitors
		 WHERE user_id = ? AND mem_cube_id = ? ORDER BY created_at ASC`,
		userID, cubeID,
	)
	if err != nil {
		return nil, fmt.Errorf("load query monitors: %w", err)
	}
	defer rows.Close()

	var out []QueryItem
	for rows.Next() {
		var e QueryItem
		var keywords string
		var createdAt time.Time
		if err := rows.Scan(&e.ID, &e.QueryText, &keywords, &createdAt); err != nil {
			return nil, fmt.Errorf("scan query monitor: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &e.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
		e.Timestamp = createdAt
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveWorking upserts working-monitor entries and removes rows whose
// mapping key is absent from the given set (last writer wins).
func (s *Store) SaveWorking(userID, cubeID string, entries []MemoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save working: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM working_monitors WHERE user_id = ? AND mem_cube_id = ?`,
		userID, cubeID,
	); err != nil {
		return fmt.Errorf("clear working monitors: %w", err)
	}
	now := time.Now().UTC()
	for _, e := range entries {
		itemJSON, err := json.Marshal(e.Item)
		if err != nil {
			return fmt.Errorf("marshal monitor item: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO working_monitors
			 (id, user_id, mem_cube_id, mapping_key, memory_text, item_json,
			  sorting_score, keywords_score, recording_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, userID, cubeID, e.MappingKey, e.MemoryText, string(itemJSON),
			e.SortingScore, e.KeywordsScore, e.RecordingCount, now,
		); err != nil {
			return fmt.Errorf("insert working monitor: %w", err)
		}
	}
	return tx.Commit()
}

// LoadWorking returns the persisted working entries in insertion order.
func (s *Store) LoadWorking(userID, cubeID string) ([]MemoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, mapping_key, memory_text, item_json, sorting_score, keywords_score, recording_count
		 FROM working_monitors WHERE user_id = ? AND mem_cube_id = ? ORDER BY rowid ASC`,
		userID, cubeID,
	)
	if err != nil {
		return nil, fmt.Errorf("load working monitors: %w", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var itemJSON string
		if err := rows.Scan(&e.ID, &e.MappingKey, &e.MemoryText, &itemJSON,
			&e.SortingScore, &e.KeywordsScore, &e.RecordingCount); err != nil {
			return nil, fmt.Errorf("scan working monitor: %w", err)
		}
		var item memory.Item
		if err := json.Unmarshal([]byte(itemJSON), &item); err != nil {
			return nil, fmt.Errorf("decode monitor item: %w", err)
		}
		e.Item = item
		out = append(out, e)
	}
	return out, rows.Err()
}

// ErrNoStore is returned by the manager when persistence is disabled.
var ErrNoStore = errors.New("monitor store not configured")

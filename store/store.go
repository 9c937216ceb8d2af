// Package store provides SQLite persistence for server cooldowns and the
// history of completed tunnel sessions.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Session is one completed stay in the On state.
type Session struct {
	ID             string    `json:"id"`
	ExitPublicKey  string    `json:"exit_public_key"`
	EntryPublicKey string    `json:"entry_public_key,omitempty"`
	Started        time.Time `json:"started"`
	Ended          time.Time `json:"ended"`
	Retries        int       `json:"retries"`
}

// Duration returns how long the session lasted.
func (s Session) Duration() time.Duration {
	return s.Ended.Sub(s.Started)
}

// Store wraps the SQLite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cooldowns (
			public_key TEXT PRIMARY KEY,
			until_unix INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			exit_key TEXT NOT NULL,
			entry_key TEXT,
			started_unix INTEGER NOT NULL,
			ended_unix INTEGER NOT NULL,
			retries INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_unix);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCooldown records that publicKey is excluded until the given time.
func (s *Store) SaveCooldown(publicKey string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cooldowns (public_key, until_unix) VALUES (?, ?)
		ON CONFLICT(public_key) DO UPDATE SET until_unix = excluded.until_unix
	`, publicKey, until.UnixMilli())
	if err != nil {
		return fmt.Errorf("save cooldown: %w", err)
	}
	return nil
}

// LoadCooldowns returns the cooldowns still running at now and prunes the
// expired ones.
func (s *Store) LoadCooldowns(now time.Time) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM cooldowns WHERE until_unix <= ?`, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("prune cooldowns: %w", err)
	}

	rows, err := s.db.Query(`SELECT public_key, until_unix FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("query cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var until int64
		if err := rows.Scan(&key, &until); err != nil {
			return nil, fmt.Errorf("scan cooldown: %w", err)
		}
		out[key] = time.UnixMilli(until)
	}
	return out, rows.Err()
}

// RecordSession stores a finished session, assigning an ID if missing.
func (s *Store) RecordSession(sess Session) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, exit_key, entry_key, started_unix, ended_unix, retries)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ExitPublicKey, sess.EntryPublicKey, sess.Started.UnixMilli(), sess.Ended.UnixMilli(), sess.Retries)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return sess.ID, nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, exit_key, COALESCE(entry_key, ''), started_unix, ended_unix, retries
		FROM sessions ORDER BY started_unix DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var started, ended int64
		if err := rows.Scan(&sess.ID, &sess.ExitPublicKey, &sess.EntryPublicKey, &started, &ended, &sess.Retries); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Started = time.UnixMilli(started)
		sess.Ended = time.UnixMilli(ended)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

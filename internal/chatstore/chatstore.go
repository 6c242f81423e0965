// Package chatstore persists named chats in a SQLite file: the transcript,
// the system prompt and model they ran with, and the opaque context of the
// last turn, which is stored and returned byte for byte.
package chatstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/n0madic/go-chatrelay/internal/types"
)

var (
	// ErrNotFound is returned when no chat has the requested name.
	ErrNotFound = errors.New("chat not found")
	// ErrStoreClosed is returned by every call after Close.
	ErrStoreClosed = errors.New("chat store is closed")
	// ErrEmptyName is returned when a chat is saved without a name.
	ErrEmptyName = errors.New("chat name is required")
)

// Chat is one saved conversation.
type Chat struct {
	Name       string
	Model      string
	System     string
	Transcript []types.ChatMessage
	Context    json.RawMessage
	UpdatedAt  time.Time
}

// Summary is a Chat without its transcript, as returned by List.
type Summary struct {
	Name      string
	Model     string
	Turns     int
	UpdatedAt time.Time
}

// Store is a SQLite-backed chat store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (and creates when missing) the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS chats (
		name        TEXT PRIMARY KEY,
		model       TEXT NOT NULL DEFAULT '',
		system      TEXT NOT NULL DEFAULT '',
		transcript  TEXT NOT NULL,
		turns       INTEGER NOT NULL DEFAULT 0,
		context     BLOB,
		updated_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Save inserts or replaces the chat with c.Name. UpdatedAt is set to now
// when zero.
func (s *Store) Save(c Chat) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	transcript, err := json.Marshal(nonNil(c.Transcript))
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	var ctx []byte
	if types.HasOpaque(c.Context) {
		ctx = []byte(c.Context)
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO chats (name, model, system, transcript, turns, context, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			model = excluded.model,
			system = excluded.system,
			transcript = excluded.transcript,
			turns = excluded.turns,
			context = excluded.context,
			updated_at = excluded.updated_at
	`, name, c.Model, c.System, string(transcript), countTurns(c.Transcript), ctx, updated.UnixNano())
	if err != nil {
		return fmt.Errorf("saving chat %q: %w", name, err)
	}
	return nil
}

// Load returns the chat saved under name.
func (s *Store) Load(name string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		c          Chat
		transcript string
		ctx        []byte
		updated    int64
	)
	err := s.db.QueryRow(`
		SELECT name, model, system, transcript, context, updated_at
		FROM chats WHERE name = ?
	`, strings.TrimSpace(name)).Scan(&c.Name, &c.Model, &c.System, &transcript, &ctx, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(transcript), &c.Transcript); err != nil {
		return nil, fmt.Errorf("decoding transcript of %q: %w", c.Name, err)
	}
	if len(ctx) > 0 {
		c.Context = json.RawMessage(ctx)
	}
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

// Delete removes the chat saved under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM chats WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every saved chat, most recently updated first.
func (s *Store) List() ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT name, model, turns, updated_at FROM chats ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var updated int64
		if err := rows.Scan(&sum.Name, &sum.Model, &sum.Turns, &updated); err != nil {
			return nil, err
		}
		sum.UpdatedAt = time.Unix(0, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// countTurns counts user messages.
func countTurns(transcript []types.ChatMessage) int {
	n := 0
	for _, m := range transcript {
		if m.Role == "user" {
			n++
		}
	}
	return n
}

func nonNil(m []types.ChatMessage) []types.ChatMessage {
	if m == nil {
		return []types.ChatMessage{}
	}
	return m
}

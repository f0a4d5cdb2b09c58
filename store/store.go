// Package store persists chat conversations in a SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hizkifw/lmrelay/message"
	_ "modernc.org/sqlite"
)

const (
	DefaultTitle = "New Chat"
	TypeNormal   = "normal"

	maxTitleRunes = 50
)

var ErrNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	type       TEXT NOT NULL,
	messages   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_updated ON conversations(updated_at);
`

type Conversation struct {
	Id        string
	Title     string
	Type      string
	Messages  message.History
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. The special path ":memory:"
// keeps everything in memory.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add creates an empty conversation.
func (s *Store) Add(kind string) (*Conversation, error) {
	if kind == "" {
		kind = TypeNormal
	}
	now := time.Now()
	c := &Conversation{
		Id:        message.NewId(),
		Title:     DefaultTitle,
		Type:      kind,
		Messages:  message.History{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Save inserts or replaces a conversation and bumps its update time. A
// conversation without a title is named after its first user message.
func (s *Store) Save(c *Conversation) error {
	if c.Id == "" {
		c.Id = message.NewId()
	}
	if c.Type == "" {
		c.Type = TypeNormal
	}
	if c.Title == "" || c.Title == DefaultTitle {
		c.Title = deriveTitle(c.Messages)
	}
	c.UpdatedAt = time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}

	msgs := c.Messages
	if msgs == nil {
		msgs = message.History{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, title, type, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			messages = excluded.messages,
			updated_at = excluded.updated_at`,
		c.Id, c.Title, c.Type, string(data), c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", c.Id, err)
	}
	return nil
}

func (s *Store) Get(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, title, type, messages, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

// List returns all conversations, most recently updated first.
func (s *Store) List() ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, type, messages, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMessages(id string, history message.History) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	c.Messages = history.Clone()
	return s.Save(c)
}

func (s *Store) UpdateTitle(id, title string) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	c.Title = strings.TrimSpace(title)
	return s.Save(c)
}

func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Conversation, error) {
	var (
		c                Conversation
		data             string
		created, updated int64
	)
	if err := row.Scan(&c.Id, &c.Title, &c.Type, &data, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &c.Messages); err != nil {
		return nil, fmt.Errorf("conversation %s has corrupt messages: %w", c.Id, err)
	}
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

// deriveTitle names a conversation after its first user message.
func deriveTitle(history message.History) string {
	for _, m := range history {
		if m.Role != message.RoleUser || strings.TrimSpace(m.Content) == "" {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if runes := []rune(title); len(runes) > maxTitleRunes {
			title = string(runes[:maxTitleRunes-3]) + "..."
		}
		return title
	}
	return DefaultTitle
}

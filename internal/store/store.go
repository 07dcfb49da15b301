// Package store persists the client's session token in a local sqlite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store holds one token per server origin.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			server TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Token returns the token saved for server, or "" when there is none.
func (s *Store) Token(server string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM sessions WHERE server = ?`, server).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return token, nil
}

// SaveToken stores token for server, replacing any previous one.
func (s *Store) SaveToken(server, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (server, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(server) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at
	`, server, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// DeleteToken forgets the token for server.
func (s *Store) DeleteToken(server string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE server = ?`, server); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

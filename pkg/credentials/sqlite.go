package credentials

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists credentials in a SQLite file. Reads go through a
// pooled connection, writes through a dedicated single connection.
type SQLiteStore struct {
	conn      *sql.DB
	writeConn *sql.DB
}

var pragmas = []struct {
	stmt string
	desc string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func configure(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return nil
}

// OpenSQLite opens (creating if needed) the credential database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := configure(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// SQLite allows a single writer
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := configure(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	s := &SQLiteStore{conn: conn, writeConn: writeConn}
	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.writeConn.Exec(`
CREATE TABLE IF NOT EXISTS User (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`)
	return err
}

func (s *SQLiteStore) Register(username, password string) error {
	if username == "" {
		return ErrInvalidUsername
	}

	// The write pool holds one connection, so the transaction serializes
	// registrations
	tx, err := s.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM User WHERE username = ?)`, username).Scan(&exists); err != nil {
		return fmt.Errorf("failed to query user: %w", err)
	}
	if exists {
		return ErrUsernameExists
	}
	if err := CheckPolicy(username, password); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT INTO User (username, password, created_at) VALUES (?, ?, ?)`,
		username, password, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Verify(username, password string) (bool, error) {
	var stored string
	err := s.conn.QueryRow(`SELECT password FROM User WHERE username = ?`, username).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return stored == password, nil
}

// Count returns the number of registered users
func (s *SQLiteStore) Count() (int, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM User`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	s.writeConn.Close()
	return s.conn.Close()
}

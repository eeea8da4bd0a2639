package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// busyTimeout lets the API's reads wait out a journal write instead of failing.
const busyTimeout = 5 * time.Second

// Database is the trade journal: orders, open positions and closed trades.
type Database struct {
	DB   *sql.DB
	path string
}

// New opens the journal at path, creating its directory for file paths. The connection
// is verified before returning, so a bad path fails at startup.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: an in-memory database exists per connection, and the journal has a
	// single writer.
	conn.SetMaxOpenConns(1)
	if memory {
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Database{DB: conn, path: path}, nil
}

// Path returns the path the journal was opened with.
func (d *Database) Path() string { return d.path }

// Close releases the connection.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, sep, busyTimeout.Milliseconds())
}

// Package db opens the workspace SQLite store that holds journeys, action
// requests and the audit log.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	dataDir  = ".journeygate"
	fileName = "journeygate.db"
)

// pragmas apply to every connection. WAL lets the notification dispatcher
// read the event log while the engine writes.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

type Config struct {
	Workspace string
}

func (c Config) dir() string {
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, dataDir)
}

// EnsureWorkspace creates the data directory under workspace.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Config{Workspace: workspace}.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// Open returns a handle limited to one connection, so writers serialize and
// a caller holding a *sql.Tx must read through it.
func Open(cfg Config) (*sql.DB, error) {
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.Join(dir, fileName) + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journey store: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName  = ".foreman"
	fileName = "foreman.db"
)

// Config carries database location settings.
type Config struct {
	Workspace string
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName, fileName)
}

// EnsureWorkspace creates the state directory if missing.
func EnsureWorkspace(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	return os.MkdirAll(filepath.Join(workspace, dirName), 0o755)
}

// Open ensures the workspace exists and opens the sqlite database with
// foreign keys and WAL enabled.
func Open(cfg Config) (*sql.DB, error) {
	if err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}

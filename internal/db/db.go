// Package db locates and opens the SQLite database kept in a workspace's
// .innervoice directory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	DataDir  = ".innervoice"
	FileName = "innervoice.db"
)

type Config struct {
	Workspace string
}

func workspaceDir(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// Dir returns the data directory for the workspace.
func Dir(workspace string) string {
	return filepath.Join(workspaceDir(workspace), DataDir)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), FileName)
}

// EnsureWorkspace creates the workspace data directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Dir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace database in WAL mode with foreign keys on. A TUI
// and one-shot CLI calls may share the file, so writers wait on a busy
// database for up to five seconds instead of failing.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

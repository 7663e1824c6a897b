// Package persistence archives loop iterations in an embedded SQLite
// database so trends survive across workflow runs. Recording is
// best-effort: the loop works the same when the archive is absent.
package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver

	"keepalive/pkg/logx"
)

// Archive is the iteration history database. A nil Archive records nothing
// and answers queries with empty results, so callers that opened it
// best-effort can use it unconditionally.
type Archive struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens or creates the archive at path and brings the schema up to
// date.
func Open(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer. Limiting the pool before schema
	// init also keeps the connection the pragmas ran on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := logx.NewLogger("persistence")
	logger.Info("📦 Iteration archive ready: %s (schema v%d)", path, CurrentSchemaVersion)

	return &Archive{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Package storage opens the shared SQLite database that backs both the
// workflow engine and the shadow index.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open creates (if needed) and opens the database at path with WAL journaling
// so readers never block the writer.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("storage: create state directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY churn under concurrent workflow steps.
	db.SetMaxOpenConns(1)
	return db, nil
}

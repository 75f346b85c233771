package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Open opens a SQLite database at the specified path with the settings the
// publish pipeline depends on. WAL mode allows concurrent reads during
// writes; synchronous=FULL makes a committed publish transaction durable
// before the HTTP 200 goes out.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	// Connection settings ride the DSN so every pooled connection gets
	// them, not just the one a PRAGMA statement happens to run on.
	// synchronous=FULL fsyncs the WAL on every commit; a publish
	// acknowledged with 200 must survive kill -9.
	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
			"synchronous", "FULL",
		)
	}

	return db, nil
}

// Package database opens the sqlite file that backs the workflow store and
// keeps its schema current.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const pingTimeout = 5 * time.Second

// Config holds database configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the go-sqlite3 connection string for c. Transactions take the
// write lock at BEGIN so two writers never deadlock upgrading a read lock.
func (c Config) DSN() string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", c.Path)
}

// Open connects to the database file and checks that it is writable in WAL mode
func Open(cfg Config, logger *zap.Logger) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	var mode, version string
	err = db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode)
	if err == nil {
		err = db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if mode != "wal" && cfg.Path != ":memory:" {
		logger.Warn("Database is not in WAL mode", zap.String("journal_mode", mode))
	}

	logger.Info("Database connection established",
		zap.String("path", cfg.Path),
		zap.String("sqlite_version", version))
	return db, nil
}

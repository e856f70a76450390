package sqlite

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/pkg/database"
)

// Open connects to the database file, applies the embedded migrations and
// returns the transaction-aware wrapper the repositories share
func Open(cfg database.Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := database.NewMigrator(conn, logger).Run(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return NewDB(conn, logger), nil
}

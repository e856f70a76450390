package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/sqlite"
)

// TransitionRepository implements port.TransitionRepository
type TransitionRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewTransitionRepository creates a new transition log repository
func NewTransitionRepository(db *sqlite.DB, logger *zap.Logger) *TransitionRepository {
	return &TransitionRepository{
		db:     db,
		logger: logger,
	}
}

// Append adds a record to the log
func (r *TransitionRepository) Append(ctx context.Context, rec *entity.TransitionRecord) error {
	var snapshot sql.NullString
	if len(rec.Data) > 0 {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("failed to encode transition data: %w", err)
		}
		snapshot = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO workflow_transitions (
			instance_id, from_stage, to_stage, actor_id, result, timestamp, data_snapshot
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Conn(ctx).ExecContext(ctx, query,
		rec.InstanceID,
		rec.FromStage,
		rec.ToStage,
		rec.ActorID,
		rec.Result,
		rec.Timestamp.UTC(),
		snapshot,
	)
	if err != nil {
		r.logger.Error("Failed to append transition", zap.String("instance_id", rec.InstanceID), zap.Error(err))
		return sqlite.Classify(fmt.Errorf("failed to append transition: %w", err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListByInstance returns the log of an instance in append order
func (r *TransitionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*entity.TransitionRecord, error) {
	query := `
		SELECT id, instance_id, from_stage, to_stage, actor_id, result, timestamp, data_snapshot
		FROM workflow_transitions
		WHERE instance_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, instanceID)
	if err != nil {
		r.logger.Error("Failed to list transitions", zap.String("instance_id", instanceID), zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to list transitions: %w", err))
	}
	defer rows.Close()

	records := []*entity.TransitionRecord{}
	for rows.Next() {
		var rec entity.TransitionRecord
		var snapshot sql.NullString
		err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&rec.FromStage,
			&rec.ToStage,
			&rec.ActorID,
			&rec.Result,
			&rec.Timestamp,
			&snapshot,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition record: %w", err)
		}
		if snapshot.Valid {
			if rec.Data, err = decodeJSON(snapshot.String); err != nil {
				return nil, fmt.Errorf("transition %d: %w", rec.ID, err)
			}
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Verify interface compliance
var _ port.TransitionRepository = (*TransitionRepository)(nil)

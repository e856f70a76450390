package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/domain/workflow"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/sqlite"
)

const instanceColumns = `id, process_type, reference_type, reference_id, current_stage,
	status, payload, created_by, created_at, updated_at, version`

// InstanceRepository implements port.InstanceRepository
type InstanceRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sqlite.DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new workflow instance
func (r *InstanceRepository) Create(ctx context.Context, inst *entity.WorkflowInstance) error {
	payload, err := encodeJSON(inst.Payload)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.Conn(ctx).ExecContext(ctx, query,
		inst.ID,
		inst.ProcessType,
		inst.ReferenceType,
		inst.ReferenceID,
		inst.CurrentStage,
		inst.Status,
		payload,
		inst.CreatedBy,
		inst.CreatedAt.UTC(),
		inst.UpdatedAt.UTC(),
		inst.Version,
	)
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return &workflow.Error{Kind: workflow.ErrDuplicateInstance, ProcessType: inst.ProcessType, Cause: err}
		}
		r.logger.Error("Failed to create instance", zap.String("instance_id", inst.ID), zap.Error(err))
		return sqlite.Classify(fmt.Errorf("failed to create instance: %w", err))
	}

	return nil
}

// GetByID retrieves an instance by ID
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*entity.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = ?`

	inst, err := scanInstance(r.db.Conn(ctx).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get instance by ID", zap.String("instance_id", id), zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to get instance: %w", err))
	}
	return inst, nil
}

// FindActive returns the live instance for a reference
func (r *InstanceRepository) FindActive(ctx context.Context, processType workflow.ProcessType, referenceType, referenceID string) (*entity.WorkflowInstance, error) {
	active := workflow.ActiveStatuses()
	args := []interface{}{processType, referenceType, referenceID}
	for _, s := range active {
		args = append(args, s)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE process_type = ? AND reference_type = ? AND reference_id = ?
		AND status IN (` + placeholders(len(active)) + `)
		LIMIT 1`

	inst, err := scanInstance(r.db.Conn(ctx).QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to find active instance",
			zap.String("process_type", processType.String()),
			zap.String("reference_id", referenceID),
			zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to find active instance: %w", err))
	}
	return inst, nil
}

// UpdateState writes stage, status and payload under an optimistic version check
func (r *InstanceRepository) UpdateState(ctx context.Context, inst *entity.WorkflowInstance, expectedVersion int64) error {
	payload, err := encodeJSON(inst.Payload)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances
		SET current_stage = ?, status = ?, payload = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	exec := r.db.Conn(ctx)
	result, err := exec.ExecContext(ctx, query,
		inst.CurrentStage,
		inst.Status,
		payload,
		inst.UpdatedAt.UTC(),
		inst.ID,
		expectedVersion,
	)
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return &workflow.Error{Kind: workflow.ErrDuplicateInstance, InstanceID: inst.ID, ProcessType: inst.ProcessType, Cause: err}
		}
		r.logger.Error("Failed to update instance", zap.String("instance_id", inst.ID), zap.Error(err))
		return sqlite.Classify(fmt.Errorf("failed to update instance: %w", err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := exec.QueryRowContext(ctx, `SELECT 1 FROM workflow_instances WHERE id = ?`, inst.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return workflow.NotFound(inst.ID)
		}
		if err != nil {
			return sqlite.Classify(fmt.Errorf("failed to check instance: %w", err))
		}
		return workflow.ErrConcurrentUpdate
	}

	inst.Version = expectedVersion + 1
	return nil
}

// List retrieves instances matching the filter, newest first
func (r *InstanceRepository) List(ctx context.Context, f port.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	var where []string
	var args []interface{}
	add := func(col string, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("process_type", f.ProcessType.String())
	add("reference_type", f.ReferenceType)
	add("reference_id", f.ReferenceID)
	add("status", f.Status.String())
	add("current_stage", f.Stage.String())

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// rowid breaks ties between instances created in the same instant
	query += ` ORDER BY created_at DESC, rowid DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list instances", zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to list instances: %w", err))
	}
	defer rows.Close()

	instances := []*entity.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*entity.WorkflowInstance, error) {
	var inst entity.WorkflowInstance
	var payload string

	err := row.Scan(
		&inst.ID,
		&inst.ProcessType,
		&inst.ReferenceType,
		&inst.ReferenceID,
		&inst.CurrentStage,
		&inst.Status,
		&payload,
		&inst.CreatedBy,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.Version,
	)
	if err != nil {
		return nil, err
	}

	inst.Payload, err = decodeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	if inst.Payload == nil {
		inst.Payload = map[string]interface{}{}
	}
	return &inst, nil
}

func encodeJSON(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(raw), nil
}

func decodeJSON(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return m, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Verify interface compliance
var _ port.InstanceRepository = (*InstanceRepository)(nil)

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/sqlite"
)

const itemColumns = `id, instance_id, payee_id, payee_name, account, bank_name, amount, method,
	status, provider_reference, raw_response, failure_reason, retry_count,
	dispatched_at, created_at, updated_at`

// DisbursementRepository implements port.DisbursementRepository
type DisbursementRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewDisbursementRepository creates a new line item repository
func NewDisbursementRepository(db *sqlite.DB, logger *zap.Logger) *DisbursementRepository {
	return &DisbursementRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// CreateBatch inserts items, skipping payees that already have one
func (r *DisbursementRepository) CreateBatch(ctx context.Context, items []*entity.DisbursementItem) (int, error) {
	query := `
		INSERT OR IGNORE INTO disbursement_items (
			instance_id, payee_id, payee_name, account, bank_name, amount, method,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	inserted := 0
	err := r.db.WithTransaction(ctx, func(txCtx context.Context) error {
		exec := r.db.Conn(txCtx)
		now := r.now().UTC()
		for _, item := range items {
			status := item.Status
			if status == "" {
				status = entity.ItemPending
			}
			result, err := exec.ExecContext(txCtx, query,
				item.InstanceID,
				item.PayeeID,
				item.PayeeName,
				item.Account,
				item.BankName,
				item.Amount,
				item.Method,
				status,
				now,
				now,
			)
			if err != nil {
				return sqlite.Classify(fmt.Errorf("failed to insert item for payee %s: %w", item.PayeeID, err))
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if n == 0 {
				continue
			}
			if item.ID, err = result.LastInsertId(); err != nil {
				return fmt.Errorf("failed to get last insert id: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to create disbursement items", zap.Error(err))
		return 0, err
	}
	return inserted, nil
}

// ListByInstance returns the items of an instance in insertion order
func (r *DisbursementRepository) ListByInstance(ctx context.Context, instanceID string) ([]*entity.DisbursementItem, error) {
	query := `SELECT ` + itemColumns + ` FROM disbursement_items WHERE instance_id = ? ORDER BY id ASC`

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, instanceID)
	if err != nil {
		r.logger.Error("Failed to list disbursement items", zap.String("instance_id", instanceID), zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to list items: %w", err))
	}
	defer rows.Close()

	items := []*entity.DisbursementItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetByPayee returns the payee's item or nil
func (r *DisbursementRepository) GetByPayee(ctx context.Context, instanceID, payeeID string) (*entity.DisbursementItem, error) {
	query := `SELECT ` + itemColumns + ` FROM disbursement_items WHERE instance_id = ? AND payee_id = ?`

	item, err := scanItem(r.db.Conn(ctx).QueryRowContext(ctx, query, instanceID, payeeID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get item by payee",
			zap.String("instance_id", instanceID),
			zap.String("payee_id", payeeID),
			zap.Error(err))
		return nil, sqlite.Classify(fmt.Errorf("failed to get item: %w", err))
	}
	return item, nil
}

// MarkDispatched moves pending to dispatched
func (r *DisbursementRepository) MarkDispatched(ctx context.Context, id int64) (bool, error) {
	now := r.now().UTC()
	return r.swap(ctx, "mark dispatched", `
		UPDATE disbursement_items
		SET status = ?, dispatched_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, entity.ItemDispatched, now, now, id, entity.ItemPending)
}

// BeginRetry moves failed to dispatched and counts the retry
func (r *DisbursementRepository) BeginRetry(ctx context.Context, id int64) (bool, error) {
	now := r.now().UTC()
	return r.swap(ctx, "begin retry", `
		UPDATE disbursement_items
		SET status = ?, dispatched_at = ?, updated_at = ?, retry_count = retry_count + 1, failure_reason = ''
		WHERE id = ? AND status = ?
	`, entity.ItemDispatched, now, now, id, entity.ItemFailed)
}

// RecordOutcome settles a dispatched item
func (r *DisbursementRepository) RecordOutcome(ctx context.Context, id int64, o entity.ItemOutcome) (bool, error) {
	return r.swap(ctx, "record outcome", `
		UPDATE disbursement_items
		SET status = ?, provider_reference = ?, raw_response = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, o.Status, o.ProviderReference, o.RawResponse, o.FailureReason, r.now().UTC(), id, entity.ItemDispatched)
}

// MarkStale fails items left dispatched since before olderThan
func (r *DisbursementRepository) MarkStale(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	query := `
		UPDATE disbursement_items
		SET status = ?, failure_reason = ?, updated_at = ?
		WHERE status = ? AND dispatched_at IS NOT NULL AND dispatched_at < ?
	`

	result, err := r.db.Conn(ctx).ExecContext(ctx, query,
		entity.ItemFailed, reason, r.now().UTC(), entity.ItemDispatched, olderThan.UTC())
	if err != nil {
		r.logger.Error("Failed to mark stale items", zap.Error(err))
		return 0, sqlite.Classify(fmt.Errorf("failed to mark stale items: %w", err))
	}
	return result.RowsAffected()
}

// CountByStatus tallies an instance's items
func (r *DisbursementRepository) CountByStatus(ctx context.Context, instanceID string) (map[entity.ItemStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM disbursement_items WHERE instance_id = ? GROUP BY status`

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, sqlite.Classify(fmt.Errorf("failed to count items: %w", err))
	}
	defer rows.Close()

	counts := make(map[entity.ItemStatus]int)
	for rows.Next() {
		var status entity.ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *DisbursementRepository) swap(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update item", zap.String("op", op), zap.Error(err))
		return false, sqlite.Classify(fmt.Errorf("failed to %s: %w", op, err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func scanItem(row rowScanner) (*entity.DisbursementItem, error) {
	var item entity.DisbursementItem
	var dispatchedAt sql.NullTime

	err := row.Scan(
		&item.ID,
		&item.InstanceID,
		&item.PayeeID,
		&item.PayeeName,
		&item.Account,
		&item.BankName,
		&item.Amount,
		&item.Method,
		&item.Status,
		&item.ProviderReference,
		&item.RawResponse,
		&item.FailureReason,
		&item.RetryCount,
		&dispatchedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dispatchedAt.Valid {
		t := dispatchedAt.Time
		item.DispatchedAt = &t
	}
	return &item, nil
}

// Verify interface compliance
var _ port.DisbursementRepository = (*DisbursementRepository)(nil)

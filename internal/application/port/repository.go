package port

import (
	"context"
	"time"

	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// InstanceFilter narrows an instance listing; zero fields match everything
type InstanceFilter struct {
	ProcessType   workflow.ProcessType
	ReferenceType string
	ReferenceID   string
	Status        workflow.Status
	Stage         workflow.Stage
	Limit         int
	Offset        int
}

// InstanceRepository defines persistence operations for WorkflowInstance
type InstanceRepository interface {
	// Create inserts a new instance. It returns workflow.ErrDuplicateInstance
	// if an active instance already exists for the same reference.
	Create(ctx context.Context, inst *entity.WorkflowInstance) error

	// GetByID returns nil, nil when the instance does not exist
	GetByID(ctx context.Context, id string) (*entity.WorkflowInstance, error)

	// FindActive returns the active instance for a reference, or nil, nil
	FindActive(ctx context.Context, processType workflow.ProcessType, referenceType, referenceID string) (*entity.WorkflowInstance, error)

	// UpdateState writes stage, status and payload if the stored version still
	// equals expectedVersion, and returns workflow.ErrConcurrentUpdate otherwise.
	// On success inst.Version is the new version.
	UpdateState(ctx context.Context, inst *entity.WorkflowInstance, expectedVersion int64) error

	List(ctx context.Context, filter InstanceFilter) ([]*entity.WorkflowInstance, error)
}

// TransitionRepository is the append-only transition log
type TransitionRepository interface {
	Append(ctx context.Context, rec *entity.TransitionRecord) error
	ListByInstance(ctx context.Context, instanceID string) ([]*entity.TransitionRecord, error)
}

// DisbursementRepository defines persistence operations for DisbursementItem.
// Every status change is conditional on the current status; the bool result
// reports whether the row changed.
type DisbursementRepository interface {
	// CreateBatch inserts items, skipping payees that already have one, and
	// returns the number inserted
	CreateBatch(ctx context.Context, items []*entity.DisbursementItem) (int, error)

	ListByInstance(ctx context.Context, instanceID string) ([]*entity.DisbursementItem, error)

	// GetByPayee returns nil, nil when the payee has no item
	GetByPayee(ctx context.Context, instanceID, payeeID string) (*entity.DisbursementItem, error)

	// MarkDispatched moves pending to dispatched
	MarkDispatched(ctx context.Context, id int64) (bool, error)

	// BeginRetry moves failed to dispatched and increments retry_count
	BeginRetry(ctx context.Context, id int64) (bool, error)

	// RecordOutcome moves dispatched to the outcome status
	RecordOutcome(ctx context.Context, id int64, outcome entity.ItemOutcome) (bool, error)

	// MarkStale fails items dispatched before olderThan and returns how many changed
	MarkStale(ctx context.Context, olderThan time.Time, reason string) (int64, error)

	CountByStatus(ctx context.Context, instanceID string) (map[entity.ItemStatus]int, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Package memory holds in-process implementations of the repository ports.
// They back the "memory" database driver and the application tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// Store is a process-local datastore shared by the memory repositories
type Store struct {
	mu          sync.RWMutex
	instances   map[string]*entity.WorkflowInstance
	order       []string
	transitions map[string][]*entity.TransitionRecord
	items       map[string][]*entity.DisbursementItem
	nextID      int64

	attendance   []*entity.AttendanceRecord
	guardians    map[string]*entity.GuardianContact
	compensation map[string][]entity.Compensation

	now func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		instances:    make(map[string]*entity.WorkflowInstance),
		transitions:  make(map[string][]*entity.TransitionRecord),
		items:        make(map[string][]*entity.DisbursementItem),
		guardians:    make(map[string]*entity.GuardianContact),
		compensation: make(map[string][]entity.Compensation),
		now:          time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Instances returns the instance repository
func (s *Store) Instances() *InstanceRepository { return &InstanceRepository{s: s} }

// Transitions returns the transition log
func (s *Store) Transitions() *TransitionRepository { return &TransitionRepository{s: s} }

// Disbursements returns the line item repository
func (s *Store) Disbursements() *DisbursementRepository { return &DisbursementRepository{s: s} }

// Records returns the collaborator directory backed by this store
func (s *Store) Records() *Records { return &Records{s: s} }

// WithTransaction runs fn directly. Every repository call is atomic on its
// own and no call in the engine's commit path can fail after the version
// check, so there is nothing to roll back.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ port.TransactionManager = (*Store)(nil)

// InstanceRepository implements port.InstanceRepository in memory
type InstanceRepository struct{ s *Store }

var _ port.InstanceRepository = (*InstanceRepository)(nil)

// Create inserts a new instance
func (r *InstanceRepository) Create(_ context.Context, inst *entity.WorkflowInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if inst.Status.IsActive() {
		for _, existing := range r.s.instances {
			if existing.Status.IsActive() &&
				existing.ProcessType == inst.ProcessType &&
				existing.ReferenceType == inst.ReferenceType &&
				existing.ReferenceID == inst.ReferenceID {
				return &workflow.Error{Kind: workflow.ErrDuplicateInstance, InstanceID: existing.ID, ProcessType: inst.ProcessType}
			}
		}
	}
	r.s.instances[inst.ID] = inst.Clone()
	r.s.order = append(r.s.order, inst.ID)
	return nil
}

// GetByID returns a copy of the instance or nil
func (r *InstanceRepository) GetByID(_ context.Context, id string) (*entity.WorkflowInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if inst, ok := r.s.instances[id]; ok {
		return inst.Clone(), nil
	}
	return nil, nil
}

// FindActive returns the active instance for a reference or nil
func (r *InstanceRepository) FindActive(_ context.Context, processType workflow.ProcessType, referenceType, referenceID string) (*entity.WorkflowInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, inst := range r.s.instances {
		if inst.Status.IsActive() &&
			inst.ProcessType == processType &&
			inst.ReferenceType == referenceType &&
			inst.ReferenceID == referenceID {
			return inst.Clone(), nil
		}
	}
	return nil, nil
}

// UpdateState writes the mutable fields under an optimistic version check
func (r *InstanceRepository) UpdateState(_ context.Context, inst *entity.WorkflowInstance, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.instances[inst.ID]
	if !ok {
		return workflow.NotFound(inst.ID)
	}
	if existing.Version != expectedVersion {
		return workflow.ErrConcurrentUpdate
	}

	next := existing.Clone()
	next.CurrentStage = inst.CurrentStage
	next.Status = inst.Status
	next.Payload = inst.Clone().Payload
	next.UpdatedAt = inst.UpdatedAt
	next.Version = expectedVersion + 1
	r.s.instances[inst.ID] = next

	inst.Version = next.Version
	return nil
}

// List returns matching instances, newest first
func (r *InstanceRepository) List(_ context.Context, f port.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*entity.WorkflowInstance
	for i := len(r.s.order) - 1; i >= 0; i-- {
		inst := r.s.instances[r.s.order[i]]
		if f.ProcessType != "" && inst.ProcessType != f.ProcessType {
			continue
		}
		if f.ReferenceType != "" && inst.ReferenceType != f.ReferenceType {
			continue
		}
		if f.ReferenceID != "" && inst.ReferenceID != f.ReferenceID {
			continue
		}
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.Stage != "" && inst.CurrentStage != f.Stage {
			continue
		}
		out = append(out, inst.Clone())
	}

	if f.Offset >= len(out) {
		return []*entity.WorkflowInstance{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// TransitionRepository implements port.TransitionRepository in memory
type TransitionRepository struct{ s *Store }

var _ port.TransitionRepository = (*TransitionRepository)(nil)

// Append adds a record to the log
func (r *TransitionRepository) Append(_ context.Context, rec *entity.TransitionRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec.ID = r.s.id()
	c := *rec
	c.Data = workflow.MergePayload(nil, rec.Data, workflow.MergePolicy{})
	r.s.transitions[rec.InstanceID] = append(r.s.transitions[rec.InstanceID], &c)
	return nil
}

// ListByInstance returns the log of an instance in append order
func (r *TransitionRepository) ListByInstance(_ context.Context, instanceID string) ([]*entity.TransitionRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	recs := r.s.transitions[instanceID]
	out := make([]*entity.TransitionRecord, len(recs))
	for i, rec := range recs {
		c := *rec
		out[i] = &c
	}
	return out, nil
}

// DisbursementRepository implements port.DisbursementRepository in memory
type DisbursementRepository struct{ s *Store }

var _ port.DisbursementRepository = (*DisbursementRepository)(nil)

// CreateBatch inserts items for payees that have none yet
func (r *DisbursementRepository) CreateBatch(_ context.Context, items []*entity.DisbursementItem) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inserted := 0
	now := r.s.now().UTC()
	for _, item := range items {
		if r.find(item.InstanceID, item.PayeeID) != nil {
			continue
		}
		c := *item
		c.ID = r.s.id()
		if c.Status == "" {
			c.Status = entity.ItemPending
		}
		c.CreatedAt, c.UpdatedAt = now, now
		r.s.items[c.InstanceID] = append(r.s.items[c.InstanceID], &c)
		item.ID = c.ID
		inserted++
	}
	return inserted, nil
}

func (r *DisbursementRepository) find(instanceID, payeeID string) *entity.DisbursementItem {
	for _, it := range r.s.items[instanceID] {
		if it.PayeeID == payeeID {
			return it
		}
	}
	return nil
}

func (r *DisbursementRepository) byID(id int64) *entity.DisbursementItem {
	for _, list := range r.s.items {
		for _, it := range list {
			if it.ID == id {
				return it
			}
		}
	}
	return nil
}

// ListByInstance returns the items of an instance in insertion order
func (r *DisbursementRepository) ListByInstance(_ context.Context, instanceID string) ([]*entity.DisbursementItem, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	list := r.s.items[instanceID]
	out := make([]*entity.DisbursementItem, len(list))
	for i, it := range list {
		c := *it
		out[i] = &c
	}
	return out, nil
}

// GetByPayee returns the payee's item or nil
func (r *DisbursementRepository) GetByPayee(_ context.Context, instanceID, payeeID string) (*entity.DisbursementItem, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if it := r.find(instanceID, payeeID); it != nil {
		c := *it
		return &c, nil
	}
	return nil, nil
}

func (r *DisbursementRepository) swap(id int64, from entity.ItemStatus, apply func(*entity.DisbursementItem)) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	it := r.byID(id)
	if it == nil || it.Status != from {
		return false
	}
	apply(it)
	it.UpdatedAt = r.s.now().UTC()
	return true
}

// MarkDispatched moves pending to dispatched
func (r *DisbursementRepository) MarkDispatched(_ context.Context, id int64) (bool, error) {
	return r.swap(id, entity.ItemPending, func(it *entity.DisbursementItem) {
		now := r.s.now().UTC()
		it.Status = entity.ItemDispatched
		it.DispatchedAt = &now
	}), nil
}

// BeginRetry moves failed to dispatched and counts the retry
func (r *DisbursementRepository) BeginRetry(_ context.Context, id int64) (bool, error) {
	return r.swap(id, entity.ItemFailed, func(it *entity.DisbursementItem) {
		now := r.s.now().UTC()
		it.Status = entity.ItemDispatched
		it.DispatchedAt = &now
		it.RetryCount++
		it.FailureReason = ""
	}), nil
}

// RecordOutcome settles a dispatched item
func (r *DisbursementRepository) RecordOutcome(_ context.Context, id int64, o entity.ItemOutcome) (bool, error) {
	return r.swap(id, entity.ItemDispatched, func(it *entity.DisbursementItem) {
		it.Status = o.Status
		it.ProviderReference = o.ProviderReference
		it.RawResponse = o.RawResponse
		it.FailureReason = o.FailureReason
	}), nil
}

// MarkStale fails items left dispatched since before olderThan
func (r *DisbursementRepository) MarkStale(_ context.Context, olderThan time.Time, reason string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, list := range r.s.items {
		for _, it := range list {
			if it.Status == entity.ItemDispatched && it.DispatchedAt != nil && it.DispatchedAt.Before(olderThan) {
				it.Status = entity.ItemFailed
				it.FailureReason = reason
				it.UpdatedAt = r.s.now().UTC()
				n++
			}
		}
	}
	return n, nil
}

// CountByStatus tallies an instance's items
func (r *DisbursementRepository) CountByStatus(_ context.Context, instanceID string) (map[entity.ItemStatus]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	counts := make(map[entity.ItemStatus]int)
	for _, it := range r.s.items[instanceID] {
		counts[it.Status]++
	}
	return counts, nil
}

// Records implements the collaborator ports over the same store
type Records struct{ s *Store }

var (
	_ port.StudentRecords     = (*Records)(nil)
	_ port.GuardianDirectory  = (*Records)(nil)
	_ port.CompensationSource = (*Records)(nil)
)

// CommitAttendance stores the rows of one session, replacing an earlier commit
func (r *Records) CommitAttendance(_ context.Context, instanceID string, session entity.AttendanceSession, rows []entity.AttendanceRow) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.attendance[:0]
	for _, rec := range r.s.attendance {
		if rec.ClassID != session.ClassID || rec.Date != session.Date {
			kept = append(kept, rec)
		}
	}
	r.s.attendance = kept

	now := r.s.now().UTC()
	for _, row := range rows {
		r.s.attendance = append(r.s.attendance, &entity.AttendanceRecord{
			ID:         r.s.id(),
			InstanceID: instanceID,
			ClassID:    session.ClassID,
			Date:       session.Date,
			StudentID:  row.StudentID,
			Status:     row.Status,
			RecordedAt: now,
		})
	}
	return len(rows), nil
}

// Attendance returns the committed rows of a session sorted by student
func (r *Records) Attendance(session entity.AttendanceSession) []*entity.AttendanceRecord {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*entity.AttendanceRecord
	for _, rec := range r.s.attendance {
		if rec.ClassID == session.ClassID && rec.Date == session.Date {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// PutGuardian registers a guardian contact
func (r *Records) PutGuardian(c entity.GuardianContact) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.guardians[c.StudentID] = &c
}

// ContactFor returns the guardian of a student or nil
func (r *Records) ContactFor(_ context.Context, studentID string) (*entity.GuardianContact, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if c, ok := r.s.guardians[studentID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

// PutCompensation sets the compensation list of a period
func (r *Records) PutCompensation(period entity.PayrollPeriod, comp []entity.Compensation) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.compensation[period.Key()] = append([]entity.Compensation{}, comp...)
}

// ListCompensation returns the compensation list of a period
func (r *Records) ListCompensation(_ context.Context, period entity.PayrollPeriod) ([]entity.Compensation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]entity.Compensation{}, r.s.compensation[period.Key()]...), nil
}

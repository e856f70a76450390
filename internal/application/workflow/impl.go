package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/dispatcher"
	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/domain/event"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
	"github.com/kingsway/backoffice-workflow/pkg/retry"
)

// engineImpl is the concrete implementation of Engine. It keeps no
// per-instance state; the version column serialises writers.
type engineImpl struct {
	registry    *domainwf.Registry
	processes   map[domainwf.ProcessType]Process
	instances   port.InstanceRepository
	transitions port.TransitionRepository
	txManager   port.TransactionManager
	oracle      port.PermissionOracle
	dispatcher  dispatcher.Dispatcher
	logger      *zap.Logger
	retry       retry.Policy
	now         func() time.Time
}

// EngineOption configures the workflow engine
type EngineOption func(*engineImpl)

// WithDispatcher sets the event dispatcher for emitting events
func WithDispatcher(d dispatcher.Dispatcher) EngineOption {
	return func(e *engineImpl) {
		e.dispatcher = d
	}
}

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *engineImpl) {
		e.logger = logger
	}
}

// WithRetry bounds the re-read loop run on version conflicts and busy storage
func WithRetry(maxAttempts int, initial, maxDelay time.Duration) EngineOption {
	return func(e *engineImpl) {
		e.retry.MaxAttempts = maxAttempts
		e.retry.Backoff = retry.Jittered{Initial: initial, Max: maxDelay}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *engineImpl) {
		e.now = now
	}
}

// NewEngine creates a new workflow engine over the given processes
func NewEngine(
	instances port.InstanceRepository,
	transitions port.TransitionRepository,
	txManager port.TransactionManager,
	oracle port.PermissionOracle,
	processes []Process,
	opts ...EngineOption,
) (Engine, error) {
	defs := make([]*domainwf.Definition, 0, len(processes))
	byType := make(map[domainwf.ProcessType]Process, len(processes))
	for _, p := range processes {
		if p.Definition == nil {
			return nil, fmt.Errorf("process without definition")
		}
		defs = append(defs, p.Definition)
		byType[p.Definition.Type()] = p
	}

	registry, err := domainwf.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	e := &engineImpl{
		registry:    registry,
		processes:   byType,
		instances:   instances,
		transitions: transitions,
		txManager:   txManager,
		oracle:      oracle,
		logger:      zap.NewNop(),
		retry: retry.Policy{
			MaxAttempts: 5,
			Backoff:     retry.Jittered{Initial: 10 * time.Millisecond, Max: 200 * time.Millisecond},
		},
		now: time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}
	e.retry.Retryable = domainwf.IsTransient

	return e, nil
}

func (e *engineImpl) process(processType domainwf.ProcessType) (Process, *domainwf.Definition, error) {
	def, err := e.registry.Definition(processType)
	if err != nil {
		return Process{}, nil, err
	}
	return e.processes[processType], def, nil
}

// Start creates an instance of a process in its initial stage
func (e *engineImpl) Start(ctx context.Context, req StartRequest) (*Result, error) {
	proc, def, err := e.process(req.ProcessType)
	if err != nil {
		return nil, err
	}
	if req.ActorID == "" {
		return nil, domainwf.ValidationFailed("actor_id is required")
	}

	if proc.Prepare != nil {
		if err := proc.Prepare(ctx, &req); err != nil {
			return nil, asValidation(err, "", def.Initial())
		}
	}
	if req.ReferenceType == "" || req.ReferenceID == "" {
		return nil, domainwf.ValidationFailed("reference_type and reference_id are required")
	}

	if capability := def.StartCapability(); capability != "" {
		if err := e.authorize(ctx, "", req.ActorID, capability); err != nil {
			return nil, err
		}
	}

	existing, err := e.instances.FindActive(ctx, req.ProcessType, req.ReferenceType, req.ReferenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active instances: %w", err)
	}
	if existing != nil {
		return nil, &domainwf.Error{
			Kind:        domainwf.ErrDuplicateInstance,
			Message:     fmt.Sprintf("reference %s:%s already has an active instance", req.ReferenceType, req.ReferenceID),
			InstanceID:  existing.ID,
			ProcessType: req.ProcessType,
		}
	}

	payload, err := domainwf.NormalizePayload(req.Payload)
	if err != nil {
		return nil, asValidation(err, "", def.Initial())
	}

	now := e.now().UTC()
	inst := &entity.WorkflowInstance{
		ID:            uuid.NewString(),
		ProcessType:   req.ProcessType,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		CurrentStage:  def.Initial(),
		Status:        def.StatusOf(def.Initial()),
		Payload:       payload,
		CreatedBy:     req.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	if err := e.instances.Create(ctx, inst); err != nil {
		if errors.Is(err, domainwf.ErrDuplicateInstance) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	e.logger.Info("Workflow instance started",
		zap.String("instance_id", inst.ID),
		zap.String("process_type", inst.ProcessType.String()),
		zap.String("reference", inst.Reference()),
		zap.String("actor_id", req.ActorID))

	e.publish(ctx, event.TypeInstanceStarted, inst, map[string]interface{}{
		"stage":          inst.CurrentStage.String(),
		"reference_type": inst.ReferenceType,
		"reference_id":   inst.ReferenceID,
		"actor_id":       req.ActorID,
	})

	return e.enter(ctx, proc, inst), nil
}

// Transition moves an instance along one declared edge
func (e *engineImpl) Transition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if req.ActorID == "" {
		return nil, domainwf.ValidationFailed("actor_id is required")
	}

	var committed *entity.WorkflowInstance
	var from domainwf.Stage
	var proc Process

	err := retry.Do(ctx, e.retry, func(attempt int) error {
		inst, err := e.load(ctx, req.InstanceID)
		if err != nil {
			return err
		}

		p, def, err := e.process(inst.ProcessType)
		if err != nil {
			return err
		}
		proc = p

		edge, ok := def.Edge(inst.CurrentStage, req.ToStage)
		if !ok {
			e.recordRejection(ctx, inst, req, entity.TransitionRejectedInvalidEdge)
			te := domainwf.InvalidTransition(inst.ID, inst.CurrentStage, req.ToStage)
			te.ProcessType = inst.ProcessType
			return te
		}

		if err := e.authorize(ctx, inst.ID, req.ActorID, edge.Capability); err != nil {
			if errors.Is(err, domainwf.ErrUnauthorized) {
				e.recordRejection(ctx, inst, req, entity.TransitionRejectedPermission)
				if we, ok := domainwf.AsError(err); ok {
					we.FromStage, we.ToStage = inst.CurrentStage, req.ToStage
				}
			}
			return err
		}

		// Typed Go values must take their stored shapes first or the list
		// rules never see them
		delta, err := domainwf.NormalizePayload(req.PayloadDelta)
		if err != nil {
			return asValidation(err, inst.ID, req.ToStage)
		}
		merged, err := domainwf.NormalizePayload(domainwf.MergePayload(inst.Payload, delta, def.MergePolicy()))
		if err != nil {
			return asValidation(err, inst.ID, req.ToStage)
		}

		candidate := inst.Clone()
		candidate.CurrentStage = req.ToStage
		candidate.Status = def.StatusOf(req.ToStage)
		candidate.Payload = merged
		candidate.UpdatedAt = e.now().UTC()

		if guard := proc.Guards[req.ToStage]; guard != nil {
			if err := guard(ctx, candidate.Clone(), delta); err != nil {
				if _, ok := domainwf.AsError(err); ok {
					return asValidation(err, inst.ID, req.ToStage)
				}
				return fmt.Errorf("guard for %s failed: %w", req.ToStage, err)
			}
		}

		expected := inst.Version
		err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := e.instances.UpdateState(txCtx, candidate, expected); err != nil {
				return err
			}
			return e.transitions.Append(txCtx, &entity.TransitionRecord{
				InstanceID: inst.ID,
				FromStage:  inst.CurrentStage,
				ToStage:    req.ToStage,
				ActorID:    req.ActorID,
				Result:     entity.TransitionApplied,
				Timestamp:  candidate.UpdatedAt,
				Data:       snapshot(req.PayloadDelta),
			})
		})
		if err != nil {
			if domainwf.IsTransient(err) {
				e.logger.Debug("Transition lost a race, re-reading",
					zap.String("instance_id", inst.ID),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			return err
		}

		committed, from = candidate, inst.CurrentStage
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Workflow transition applied",
		zap.String("instance_id", committed.ID),
		zap.String("to_stage", committed.CurrentStage.String()),
		zap.String("status", committed.Status.String()),
		zap.String("actor_id", req.ActorID))

	// Subscribers see the stage once its entry hook has settled
	res := e.enter(ctx, proc, committed)
	e.publish(ctx, event.TypeStageEntered, res.Instance, map[string]interface{}{
		"from_stage": from.String(),
		"to_stage":   committed.CurrentStage.String(),
		"status":     committed.Status.String(),
		"actor_id":   req.ActorID,
		"degraded":   res.Degraded(),
	})
	return res, nil
}

// enter runs the stage-entry hook of a committed instance and persists its
// payload delta. A failing hook leaves the stage change in place.
func (e *engineImpl) enter(ctx context.Context, proc Process, inst *entity.WorkflowInstance) *Result {
	hook := proc.Hooks[inst.CurrentStage]
	if hook == nil {
		return &Result{Instance: inst}
	}

	delta, err := hook(ctx, inst.Clone())
	if err == nil && len(delta) > 0 {
		var updated *entity.WorkflowInstance
		updated, err = e.persistHookDelta(ctx, inst, delta)
		if err == nil {
			inst = updated
		}
	}

	if err != nil {
		e.logger.Error("Stage entry hook failed",
			zap.String("instance_id", inst.ID),
			zap.String("stage", inst.CurrentStage.String()),
			zap.Error(err))
		e.publish(ctx, event.TypeHookFailed, inst, map[string]interface{}{
			"stage": inst.CurrentStage.String(),
			"error": err.Error(),
		})
		return &Result{Instance: inst, HookErr: err}
	}

	return &Result{Instance: inst}
}

// persistHookDelta merges a hook's payload delta into the latest stored
// version, re-reading on conflict. The stage is left alone.
func (e *engineImpl) persistHookDelta(ctx context.Context, inst *entity.WorkflowInstance, delta map[string]interface{}) (*entity.WorkflowInstance, error) {
	_, def, err := e.process(inst.ProcessType)
	if err != nil {
		return nil, err
	}

	delta, err = domainwf.NormalizePayload(delta)
	if err != nil {
		return nil, fmt.Errorf("failed to normalise hook payload: %w", err)
	}

	var out *entity.WorkflowInstance
	err = retry.Do(ctx, e.retry, func(int) error {
		current, err := e.load(ctx, inst.ID)
		if err != nil {
			return err
		}
		merged, err := domainwf.NormalizePayload(domainwf.MergePayload(current.Payload, delta, def.MergePolicy()))
		if err != nil {
			return fmt.Errorf("failed to normalise hook payload: %w", err)
		}
		next := current.Clone()
		next.Payload = merged
		next.UpdatedAt = e.now().UTC()
		if err := e.instances.UpdateState(ctx, next, current.Version); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist hook payload: %w", err)
	}
	return out, nil
}

// Get returns an instance or a NotFound error
func (e *engineImpl) Get(ctx context.Context, instanceID string) (*entity.WorkflowInstance, error) {
	return e.load(ctx, instanceID)
}

// List returns instances matching the filter
func (e *engineImpl) List(ctx context.Context, filter port.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	if filter.ProcessType != "" {
		if _, err := e.registry.Definition(filter.ProcessType); err != nil {
			return nil, err
		}
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, domainwf.ValidationFailed("unknown status %s", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	items, err := e.instances.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return items, nil
}

// History returns every recorded transition attempt of an instance
func (e *engineImpl) History(ctx context.Context, instanceID string) ([]*entity.TransitionRecord, error) {
	if _, err := e.load(ctx, instanceID); err != nil {
		return nil, err
	}
	records, err := e.transitions.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	return records, nil
}

// AvailableTransitions returns the edges out of the current stage the actor may take
func (e *engineImpl) AvailableTransitions(ctx context.Context, instanceID, actorID string) ([]domainwf.Edge, error) {
	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	edges, err := e.registry.GetEdges(inst.ProcessType, inst.CurrentStage)
	if err != nil {
		return nil, err
	}

	allowed := make([]domainwf.Edge, 0, len(edges))
	for _, edge := range edges {
		ok, err := e.oracle.Authorized(ctx, actorID, edge.Capability)
		if err != nil {
			return nil, fmt.Errorf("failed to check capability %s: %w", edge.Capability, err)
		}
		if ok {
			allowed = append(allowed, edge)
		}
	}
	return allowed, nil
}

// VerifyHistory replays applied transitions and compares with the stored stage
func (e *engineImpl) VerifyHistory(ctx context.Context, instanceID string) (*Verification, error) {
	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.Definition(inst.ProcessType)
	if err != nil {
		return nil, err
	}
	records, err := e.transitions.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}

	steps := entity.AppliedSteps(records)
	v := &Verification{
		InstanceID:   inst.ID,
		CurrentStage: inst.CurrentStage,
		AppliedSteps: len(steps),
	}

	replayed, err := domainwf.Replay(def, steps)
	v.ReplayedStage = replayed
	switch {
	case err != nil:
		v.Problem = err.Error()
	case replayed != inst.CurrentStage:
		v.Problem = fmt.Sprintf("history ends at %s but instance is at %s", replayed, inst.CurrentStage)
	default:
		v.Consistent = true
	}

	if !v.Consistent {
		e.logger.Warn("Instance history does not replay to its stage",
			zap.String("instance_id", inst.ID),
			zap.String("problem", v.Problem))
	}
	return v, nil
}

func (e *engineImpl) load(ctx context.Context, instanceID string) (*entity.WorkflowInstance, error) {
	inst, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		if domainwf.IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	if inst == nil {
		return nil, domainwf.NotFound(instanceID)
	}
	return inst, nil
}

func (e *engineImpl) authorize(ctx context.Context, instanceID, actorID, capability string) error {
	ok, err := e.oracle.Authorized(ctx, actorID, capability)
	if err != nil {
		return fmt.Errorf("failed to check capability %s: %w", capability, err)
	}
	if !ok {
		return domainwf.Unauthorized(instanceID, actorID, capability)
	}
	return nil
}

// recordRejection appends a rejected attempt. The write failing does not
// change the caller's error.
func (e *engineImpl) recordRejection(ctx context.Context, inst *entity.WorkflowInstance, req TransitionRequest, result entity.TransitionResult) {
	rec := &entity.TransitionRecord{
		InstanceID: inst.ID,
		FromStage:  inst.CurrentStage,
		ToStage:    req.ToStage,
		ActorID:    req.ActorID,
		Result:     result,
		Timestamp:  e.now().UTC(),
		Data:       snapshot(req.PayloadDelta),
	}
	if err := e.transitions.Append(ctx, rec); err != nil {
		e.logger.Warn("Failed to record rejected transition",
			zap.String("instance_id", inst.ID),
			zap.String("result", string(result)),
			zap.Error(err))
	}

	e.publish(ctx, event.TypeTransitionRejected, inst, map[string]interface{}{
		"from_stage": inst.CurrentStage.String(),
		"to_stage":   req.ToStage.String(),
		"result":     string(result),
		"actor_id":   req.ActorID,
	})
}

func (e *engineImpl) publish(ctx context.Context, t event.Type, inst *entity.WorkflowInstance, payload map[string]interface{}) {
	if e.dispatcher == nil {
		return
	}
	e.dispatcher.DispatchAsync(ctx, event.NewEvent(t, inst.ID, inst.ProcessType.String(), payload))
}

// asValidation tags guard and input errors as ValidationFailed
func asValidation(err error, instanceID string, stage domainwf.Stage) error {
	if we, ok := domainwf.AsError(err); ok {
		if we.InstanceID == "" {
			we.InstanceID = instanceID
		}
		if we.ToStage == "" {
			we.ToStage = stage
		}
		return we
	}
	return &domainwf.Error{
		Kind:       domainwf.ErrValidationFailed,
		Message:    err.Error(),
		InstanceID: instanceID,
		ToStage:    stage,
	}
}

func snapshot(delta map[string]interface{}) map[string]interface{} {
	if len(delta) == 0 {
		return nil
	}
	s, err := domainwf.NormalizePayload(delta)
	if err != nil {
		return nil
	}
	return s
}

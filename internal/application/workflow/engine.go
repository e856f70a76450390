package workflow

import (
	"context"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// Engine moves workflow instances between stages
type Engine interface {
	// Start creates an instance of a process in its initial stage
	Start(ctx context.Context, req StartRequest) (*Result, error)

	// Transition moves an instance along one declared edge
	Transition(ctx context.Context, req TransitionRequest) (*Result, error)

	// Get returns an instance or a NotFound error
	Get(ctx context.Context, instanceID string) (*entity.WorkflowInstance, error)

	// List returns instances matching the filter
	List(ctx context.Context, filter port.InstanceFilter) ([]*entity.WorkflowInstance, error)

	// History returns every recorded transition attempt of an instance
	History(ctx context.Context, instanceID string) ([]*entity.TransitionRecord, error)

	// AvailableTransitions returns the edges out of the current stage the actor may take
	AvailableTransitions(ctx context.Context, instanceID, actorID string) ([]domainwf.Edge, error)

	// VerifyHistory replays applied transitions and compares with the stored stage
	VerifyHistory(ctx context.Context, instanceID string) (*Verification, error)
}

// StartRequest asks for a new instance
type StartRequest struct {
	ProcessType   domainwf.ProcessType   `json:"process_type"`
	ReferenceType string                 `json:"reference_type"`
	ReferenceID   string                 `json:"reference_id"`
	ActorID       string                 `json:"actor_id"`
	Payload       map[string]interface{} `json:"payload"`
}

// TransitionRequest asks to move an instance to another stage
type TransitionRequest struct {
	InstanceID   string                 `json:"instance_id"`
	ToStage      domainwf.Stage         `json:"to_stage"`
	ActorID      string                 `json:"actor_id"`
	PayloadDelta map[string]interface{} `json:"payload"`
}

// Result is a committed instance plus the outcome of its stage-entry hook
type Result struct {
	Instance *entity.WorkflowInstance
	// HookErr is set when the transition committed but the entry hook failed
	HookErr error
}

// Degraded returns true if the stage change committed without its hook side effects
func (r *Result) Degraded() bool {
	return r != nil && r.HookErr != nil
}

// Verification is the outcome of replaying an instance's history
type Verification struct {
	InstanceID    string         `json:"instance_id"`
	CurrentStage  domainwf.Stage `json:"current_stage"`
	ReplayedStage domainwf.Stage `json:"replayed_stage"`
	AppliedSteps  int            `json:"applied_steps"`
	Consistent    bool           `json:"consistent"`
	Problem       string         `json:"problem,omitempty"`
}

package entity

import (
	"time"

	"github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// TransitionResult records whether an attempted transition was applied
type TransitionResult string

const (
	TransitionApplied             TransitionResult = "applied"
	TransitionRejectedPermission  TransitionResult = "rejected-permission"
	TransitionRejectedInvalidEdge TransitionResult = "rejected-invalid-edge"
)

// TransitionRecord is one append-only entry of an instance's audit trail
type TransitionRecord struct {
	ID         int64                  `json:"id"`
	InstanceID string                 `json:"instance_id"`
	FromStage  workflow.Stage         `json:"from_stage"`
	ToStage    workflow.Stage         `json:"to_stage"`
	ActorID    string                 `json:"actor_id"`
	Result     TransitionResult       `json:"result"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Applied returns true if the record describes a committed stage change
func (r *TransitionRecord) Applied() bool {
	return r.Result == TransitionApplied
}

// AppliedSteps extracts the committed stage changes from records in order
func AppliedSteps(records []*TransitionRecord) []workflow.Step {
	steps := make([]workflow.Step, 0, len(records))
	for _, r := range records {
		if r.Applied() {
			steps = append(steps, workflow.Step{From: r.FromStage, To: r.ToStage})
		}
	}
	return steps
}

package workflow

import (
	"context"

	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// PrepareFunc validates a start request and fills in the reference it governs
type PrepareFunc func(ctx context.Context, req *StartRequest) error

// GuardFunc checks a move into a stage. inst carries the target stage and
// the merged payload; delta is the payload the caller sent.
type GuardFunc func(ctx context.Context, inst *entity.WorkflowInstance, delta map[string]interface{}) error

// HookFunc runs after an instance has entered a stage and returns a payload
// delta to merge into the instance
type HookFunc func(ctx context.Context, inst *entity.WorkflowInstance) (map[string]interface{}, error)

// Process bundles a definition with its process-specific behaviour
type Process struct {
	Definition *domainwf.Definition
	Prepare    PrepareFunc
	Guards     map[domainwf.Stage]GuardFunc
	Hooks      map[domainwf.Stage]HookFunc
}

package entity

import (
	"time"

	"github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// WorkflowInstance is one execution of a process definition for a business object
type WorkflowInstance struct {
	ID            string                 `json:"id"`
	ProcessType   workflow.ProcessType   `json:"process_type"`
	ReferenceType string                 `json:"reference_type"`
	ReferenceID   string                 `json:"reference_id"`
	CurrentStage  workflow.Stage         `json:"current_stage"`
	Status        workflow.Status        `json:"status"`
	Payload       map[string]interface{} `json:"payload"`
	CreatedBy     string                 `json:"created_by"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Version       int64                  `json:"version"`
}

// Clone returns a copy whose payload can be modified independently
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	c := *w
	c.Payload = workflow.MergePayload(nil, w.Payload, workflow.MergePolicy{})
	return &c
}

// Reference returns the type:id pair of the governed business object
func (w *WorkflowInstance) Reference() string {
	return w.ReferenceType + ":" + w.ReferenceID
}

package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	deps    Dependencies
	version string
	logger  Logger
	now     func() time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(deps Dependencies, version string, logger Logger) *Handlers {
	return &Handlers{
		deps:    deps,
		version: version,
		logger:  logger,
		now:     time.Now,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Error     string `json:"error,omitempty"`
}

// StartInstanceRequest is the body of POST /api/v1/instances
type StartInstanceRequest struct {
	ProcessType   string                 `json:"process_type" binding:"required"`
	ReferenceType string                 `json:"reference_type"`
	ReferenceID   string                 `json:"reference_id"`
	ActorID       string                 `json:"actor_id" binding:"required"`
	Payload       map[string]interface{} `json:"payload"`
}

// TransitionBody is the body of POST /api/v1/instances/:id/transitions
type TransitionBody struct {
	ToStage string                 `json:"to_stage" binding:"required"`
	ActorID string                 `json:"actor_id" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
}

// ListInstancesRequest represents query parameters for listing instances
type ListInstancesRequest struct {
	ProcessType   string `form:"process_type"`
	ReferenceType string `form:"reference_type"`
	ReferenceID   string `form:"reference_id"`
	Status        string `form:"status"`
	Stage         string `form:"stage"`
	Limit         int    `form:"limit"`
	Offset        int    `form:"offset"`
}

// InstanceResponse is an instance plus the outcome of the stage-entry hook
type InstanceResponse struct {
	Instance  *entity.WorkflowInstance `json:"instance"`
	Degraded  bool                     `json:"degraded"`
	HookError string                   `json:"hook_error,omitempty"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Version:   h.version,
	}

	if h.deps.Health != nil {
		if err := h.deps.Health(c.Request.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, Response{Success: false, Data: resp})
			return
		}
	}

	respondOK(c, http.StatusOK, resp)
}

// StartInstance handles POST /api/v1/instances
func (h *Handlers) StartInstance(c *gin.Context) {
	var req StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.deps.Engine.Start(c.Request.Context(), workflow.StartRequest{
		ProcessType:   domainwf.ProcessType(req.ProcessType),
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		ActorID:       req.ActorID,
		Payload:       req.Payload,
	})
	if err != nil {
		h.respondError(c, "start_instance", err)
		return
	}

	respondOK(c, http.StatusCreated, toInstanceResponse(result))
}

// ListInstances handles GET /api/v1/instances
func (h *Handlers) ListInstances(c *gin.Context) {
	var req ListInstancesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondBadRequest(c, "invalid query parameters")
		return
	}

	if req.Limit <= 0 || req.Limit > maxListLimit {
		req.Limit = defaultListLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	instances, err := h.deps.Engine.List(c.Request.Context(), port.InstanceFilter{
		ProcessType:   domainwf.ProcessType(req.ProcessType),
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Status:        domainwf.Status(req.Status),
		Stage:         domainwf.Stage(req.Stage),
		Limit:         req.Limit,
		Offset:        req.Offset,
	})
	if err != nil {
		h.respondError(c, "list_instances", err)
		return
	}
	if instances == nil {
		instances = []*entity.WorkflowInstance{}
	}

	respondOK(c, http.StatusOK, instances)
}

// GetInstance handles GET /api/v1/instances/:id
func (h *Handlers) GetInstance(c *gin.Context) {
	inst, err := h.deps.Engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get_instance", err)
		return
	}
	respondOK(c, http.StatusOK, inst)
}

// Transition handles POST /api/v1/instances/:id/transitions
func (h *Handlers) Transition(c *gin.Context) {
	var body TransitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.deps.Engine.Transition(c.Request.Context(), workflow.TransitionRequest{
		InstanceID:   c.Param("id"),
		ToStage:      domainwf.Stage(body.ToStage),
		ActorID:      body.ActorID,
		PayloadDelta: body.Payload,
	})
	if err != nil {
		h.respondError(c, "transition", err)
		return
	}

	respondOK(c, http.StatusOK, toInstanceResponse(result))
}

// History handles GET /api/v1/instances/:id/history
func (h *Handlers) History(c *gin.Context) {
	records, err := h.deps.Engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "history", err)
		return
	}
	if records == nil {
		records = []*entity.TransitionRecord{}
	}
	respondOK(c, http.StatusOK, records)
}

// AvailableActions handles GET /api/v1/instances/:id/actions?actor_id=
func (h *Handlers) AvailableActions(c *gin.Context) {
	actorID := c.Query("actor_id")
	if actorID == "" {
		respondBadRequest(c, "actor_id is required")
		return
	}

	edges, err := h.deps.Engine.AvailableTransitions(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		h.respondError(c, "available_actions", err)
		return
	}
	if edges == nil {
		edges = []domainwf.Edge{}
	}
	respondOK(c, http.StatusOK, edges)
}

// VerifyHistory handles GET /api/v1/instances/:id/verify
func (h *Handlers) VerifyHistory(c *gin.Context) {
	v, err := h.deps.Engine.VerifyHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "verify_history", err)
		return
	}
	respondOK(c, http.StatusOK, v)
}

// InvalidatePermissionsRequest names the actor whose capabilities to drop
type InvalidatePermissionsRequest struct {
	ActorID string `json:"actor_id"`
	All     bool   `json:"all"`
}

// InvalidatePermissions handles POST /api/v1/permissions/invalidate
func (h *Handlers) InvalidatePermissions(c *gin.Context) {
	var req InvalidatePermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	switch {
	case req.All:
		h.deps.Permissions.InvalidateAll()
		h.logger.Info("Permission cache cleared")
	case req.ActorID != "":
		h.deps.Permissions.Invalidate(req.ActorID)
		h.logger.Info("Actor permissions invalidated", "actor_id", req.ActorID)
	default:
		respondBadRequest(c, "actor_id or all is required")
		return
	}

	respondOK(c, http.StatusOK, req)
}

func toInstanceResponse(r *workflow.Result) InstanceResponse {
	resp := InstanceResponse{Instance: r.Instance, Degraded: r.Degraded()}
	if r.HookErr != nil {
		resp.HookError = r.HookErr.Error()
	}
	return resp
}

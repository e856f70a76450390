package http

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kingsway/backoffice-workflow/internal/application/process/payroll"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/report"
)

// ItemOutcomeResponse is the settled state of a retried item
type ItemOutcomeResponse struct {
	PayeeID           string            `json:"payee_id"`
	Status            entity.ItemStatus `json:"status"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
}

// Disburse handles POST /api/v1/instances/:id/disburse
func (h *Handlers) Disburse(c *gin.Context) {
	sum, err := h.deps.Disbursement.Disburse(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "disburse", err)
		return
	}
	respondOK(c, http.StatusOK, sum)
}

// RetryItem handles POST /api/v1/instances/:id/items/:payee_id/retry
func (h *Handlers) RetryItem(c *gin.Context) {
	payeeID := c.Param("payee_id")
	outcome, err := h.deps.Disbursement.RetryFailedItem(c.Request.Context(), c.Param("id"), payeeID)
	if err != nil && outcome == nil {
		h.respondError(c, "retry_item", err)
		return
	}
	if err != nil {
		// the dispatch settled but the instance stage could not be updated
		h.logger.Error("Retry settled without stage update", "payee_id", payeeID, "error", err)
	}

	respondOK(c, http.StatusOK, ItemOutcomeResponse{
		PayeeID:           payeeID,
		Status:            outcome.Status,
		ProviderReference: outcome.ProviderReference,
		FailureReason:     outcome.FailureReason,
	})
}

// ListItems handles GET /api/v1/instances/:id/items
func (h *Handlers) ListItems(c *gin.Context) {
	sum, err := h.deps.Disbursement.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "list_items", err)
		return
	}
	items := sum.Items
	if items == nil {
		items = []*entity.DisbursementItem{}
	}
	respondOK(c, http.StatusOK, items)
}

// DisbursementSummary handles GET /api/v1/instances/:id/disbursement
func (h *Handlers) DisbursementSummary(c *gin.Context) {
	sum, err := h.deps.Disbursement.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "disbursement_summary", err)
		return
	}
	sum.Items = nil
	respondOK(c, http.StatusOK, sum)
}

// DownloadReport handles GET /api/v1/instances/:id/report.xlsx
func (h *Handlers) DownloadReport(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	inst, err := h.deps.Engine.Get(ctx, id)
	if err != nil {
		h.respondError(c, "report", err)
		return
	}
	period, err := payroll.PeriodOf(inst.Payload)
	if err != nil {
		h.respondError(c, "report", err)
		return
	}
	lines, err := payroll.LinesOf(inst.Payload)
	if err != nil {
		h.respondError(c, "report", err)
		return
	}
	sum, err := h.deps.Disbursement.Summary(ctx, id)
	if err != nil {
		h.respondError(c, "report", err)
		return
	}

	var buf bytes.Buffer
	if err := h.deps.Reports.Write(&buf, report.Input{Period: period, Summary: sum, Lines: lines}); err != nil {
		h.respondError(c, "report", fmt.Errorf("failed to render report: %w", err))
		return
	}

	filename := fmt.Sprintf("disbursement-%s.xlsx", period.Key())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, report.ContentType, buf.Bytes())
}

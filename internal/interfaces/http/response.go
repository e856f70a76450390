package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the error half of a failed response
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Codes used only by the transport layer
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL"
)

var statusByCode = map[string]int{
	"UNDEFINED_PROCESS":  http.StatusNotFound,
	"NOT_FOUND":          http.StatusNotFound,
	"INVALID_TRANSITION": http.StatusConflict,
	"UNAUTHORIZED":       http.StatusForbidden,
	"DUPLICATE_INSTANCE": http.StatusUnprocessableEntity,
	"VALIDATION_FAILED":  http.StatusUnprocessableEntity,
	"INSUFFICIENT_FUNDS": http.StatusPaymentRequired,
	"GATEWAY_FAILURE":    http.StatusBadGateway,
	"CONFLICT":           http.StatusConflict,
}

// StatusFor maps an application error onto an HTTP status
func StatusFor(err error) int {
	if status, ok := statusByCode[domainwf.Code(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Error: &ErrorBody{Code: CodeBadRequest, Message: message},
	})
}

// respondError renders err in the error envelope. Errors outside the domain
// taxonomy are logged and reported without their text.
func (h *Handlers) respondError(c *gin.Context, op string, err error) {
	code := domainwf.Code(err)
	status := StatusFor(err)

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "operation", op, "error", err)
		c.JSON(status, Response{Error: &ErrorBody{Code: CodeInternal, Message: "internal error"}})
		return
	}

	body := &ErrorBody{Code: code, Message: err.Error()}
	var we *domainwf.Error
	if errors.As(err, &we) {
		if d := we.Details(); len(d) > 0 {
			body.Details = d
		}
	}
	h.logger.Info("Request rejected", "operation", op, "code", code, "error", err)
	c.JSON(status, Response{Error: body})
}

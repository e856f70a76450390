package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an instance, item or definition is missing
	ErrNotFound = errors.New("not found")

	// ErrUndefinedProcess is returned for unknown process types or stages
	ErrUndefinedProcess = fmt.Errorf("%w: undefined process", ErrNotFound)

	// ErrInvalidTransition is returned when no edge joins the current and requested stage
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrUnauthorized is returned when the actor lacks the edge capability
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidationFailed is returned when a process precondition does not hold
	ErrValidationFailed = errors.New("validation failed")

	// ErrDuplicateInstance is returned when the reference already has an active instance
	ErrDuplicateInstance = fmt.Errorf("%w: active instance exists for reference", ErrValidationFailed)

	// ErrGatewayFailure is returned when an external payment dispatch fails
	ErrGatewayFailure = errors.New("gateway failure")

	// ErrInsufficientFunds is returned when gateway balances cannot cover a run
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConcurrentUpdate is returned by stores when a version check fails
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrStorageBusy is returned by stores on transient lock contention
	ErrStorageBusy = errors.New("storage busy")
)

// Error carries a taxonomy kind plus the context a caller needs to act on it
type Error struct {
	Kind        error
	Message     string
	InstanceID  string
	ProcessType ProcessType
	FromStage   Stage
	ToStage     Stage
	Capability  string
	PayeeID     string
	ItemID      int64
	Required    *decimal.Decimal
	Available   *decimal.Decimal
	Cause       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.InstanceID != "" {
		fmt.Fprintf(&b, " (instance %s)", e.InstanceID)
	}
	if e.FromStage != "" || e.ToStage != "" {
		fmt.Fprintf(&b, " [%s -> %s]", e.FromStage, e.ToStage)
	}
	if e.Capability != "" {
		fmt.Fprintf(&b, " capability=%s", e.Capability)
	}
	if e.PayeeID != "" {
		fmt.Fprintf(&b, " payee=%s", e.PayeeID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Details returns the structured context as a flat map
func (e *Error) Details() map[string]interface{} {
	d := make(map[string]interface{})
	if e.InstanceID != "" {
		d["instance_id"] = e.InstanceID
	}
	if e.ProcessType != "" {
		d["process_type"] = e.ProcessType
	}
	if e.FromStage != "" {
		d["current_stage"] = e.FromStage
	}
	if e.ToStage != "" {
		d["requested_stage"] = e.ToStage
	}
	if e.Capability != "" {
		d["capability"] = e.Capability
	}
	if e.PayeeID != "" {
		d["payee_id"] = e.PayeeID
	}
	if e.ItemID != 0 {
		d["item_id"] = e.ItemID
	}
	if e.Required != nil {
		d["required"] = e.Required.StringFixed(2)
	}
	if e.Available != nil {
		d["available"] = e.Available.StringFixed(2)
	}
	return d
}

// NotFound builds a NotFound error for an instance
func NotFound(instanceID string) *Error {
	return &Error{Kind: ErrNotFound, Message: "workflow instance not found", InstanceID: instanceID}
}

// InvalidTransition builds an InvalidTransition error naming the actual current stage
func InvalidTransition(instanceID string, current, requested Stage) *Error {
	return &Error{
		Kind:       ErrInvalidTransition,
		Message:    fmt.Sprintf("no edge from %s to %s", current, requested),
		InstanceID: instanceID,
		FromStage:  current,
		ToStage:    requested,
	}
}

// Unauthorized builds an Unauthorized error for a capability
func Unauthorized(instanceID, actorID, capability string) *Error {
	return &Error{
		Kind:       ErrUnauthorized,
		Message:    fmt.Sprintf("actor %s lacks capability", actorID),
		InstanceID: instanceID,
		Capability: capability,
	}
}

// ValidationFailed builds a ValidationFailed error with a formatted message
func ValidationFailed(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidationFailed, Message: fmt.Sprintf(format, args...)}
}

// Code maps an error onto a stable string code
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUndefinedProcess):
		return "UNDEFINED_PROCESS"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrDuplicateInstance):
		return "DUPLICATE_INSTANCE"
	case errors.Is(err, ErrValidationFailed):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrGatewayFailure):
		return "GATEWAY_FAILURE"
	case errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrStorageBusy):
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}

// IsTransient reports whether err is storage contention worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrStorageBusy)
}

// AsError extracts a structured *Error if one is in the chain
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

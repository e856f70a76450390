package event

// Type identifies the type of domain event
type Type string

const (
	TypeInstanceStarted      Type = "instance.started"
	TypeStageEntered         Type = "stage.entered"
	TypeTransitionRejected   Type = "transition.rejected"
	TypeHookFailed           Type = "hook.failed"
	TypeItemSettled          Type = "disbursement.item_settled"
	TypeDisbursementFinished Type = "disbursement.finished"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeInstanceStarted,
		TypeStageEntered,
		TypeTransitionRejected,
		TypeHookFailed,
		TypeItemSettled,
		TypeDisbursementFinished:
		return true
	default:
		return false
	}
}

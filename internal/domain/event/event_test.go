package event

import (
	"testing"
	"time"
)

type namedStage string

func (s namedStage) String() string { return string(s) }

func TestType_String(t *testing.T) {
	tests := []struct {
		name      string
		eventType Type
		want      string
	}{
		{"instance started", TypeInstanceStarted, "instance.started"},
		{"stage entered", TypeStageEntered, "stage.entered"},
		{"transition rejected", TypeTransitionRejected, "transition.rejected"},
		{"hook failed", TypeHookFailed, "hook.failed"},
		{"item settled", TypeItemSettled, "disbursement.item_settled"},
		{"disbursement finished", TypeDisbursementFinished, "disbursement.finished"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.String(); got != tt.want {
				t.Errorf("Type.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestType_IsValid(t *testing.T) {
	tests := []struct {
		name      string
		eventType Type
		want      bool
	}{
		{"valid - instance started", TypeInstanceStarted, true},
		{"valid - stage entered", TypeStageEntered, true},
		{"valid - transition rejected", TypeTransitionRejected, true},
		{"valid - hook failed", TypeHookFailed, true},
		{"valid - item settled", TypeItemSettled, true},
		{"valid - disbursement finished", TypeDisbursementFinished, true},
		{"invalid - unknown type", Type("unknown.type"), false},
		{"invalid - empty string", Type(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.IsValid(); got != tt.want {
				t.Errorf("Type.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEvent(t *testing.T) {
	payload := map[string]interface{}{
		"to_stage": "approved",
	}

	event := NewEvent(TypeStageEntered, "inst-123", "payroll", payload)

	if event == nil {
		t.Fatal("NewEvent() returned nil")
	}
	if event.ID == "" {
		t.Error("Event ID should not be empty")
	}
	if event.Type != TypeStageEntered {
		t.Errorf("Event Type = %v, want %v", event.Type, TypeStageEntered)
	}
	if event.InstanceID != "inst-123" {
		t.Errorf("Event InstanceID = %v, want %v", event.InstanceID, "inst-123")
	}
	if event.ProcessType != "payroll" {
		t.Errorf("Event ProcessType = %v, want payroll", event.ProcessType)
	}
	if event.Payload["to_stage"] != "approved" {
		t.Errorf("Event Payload[to_stage] = %v, want approved", event.Payload["to_stage"])
	}
	if event.CorrelationID == "" {
		t.Error("Event CorrelationID should not be empty")
	}
	if time.Since(event.Timestamp) > time.Second {
		t.Error("Event Timestamp should be recent")
	}

	other := NewEvent(TypeStageEntered, "inst-123", "payroll", nil)
	if other.ID == event.ID {
		t.Error("Event IDs should be unique")
	}
}

func TestNewEventWithCorrelation(t *testing.T) {
	event := NewEventWithCorrelation(TypeItemSettled, "inst-789", "payroll", nil, "corr-1")

	if event.CorrelationID != "corr-1" {
		t.Errorf("Event CorrelationID = %v, want corr-1", event.CorrelationID)
	}
	if event.InstanceID != "inst-789" {
		t.Errorf("Event InstanceID = %v, want inst-789", event.InstanceID)
	}
}

func TestEvent_WithPayload(t *testing.T) {
	original := NewEvent(TypeInstanceStarted, "inst-1", "attendance", map[string]interface{}{
		"key1": "value1",
	})

	modified := original.WithPayload("key2", "value2")

	if _, exists := original.Payload["key2"]; exists {
		t.Error("Original event should not be modified")
	}
	if modified.Payload["key1"] != "value1" || modified.Payload["key2"] != "value2" {
		t.Errorf("Modified payload = %v", modified.Payload)
	}
	if modified.ID != original.ID || modified.CorrelationID != original.CorrelationID {
		t.Error("Modified event should keep identity fields")
	}
}

func TestEvent_PayloadGetters(t *testing.T) {
	event := NewEvent(TypeDisbursementFinished, "inst-1", "payroll", map[string]interface{}{
		"stage":       "completed",
		"typed_stage": namedStage("partial"),
		"failed":      2,
		"succeeded":   float64(5),
		"interrupted": true,
		"number":      123,
	})

	if got := event.GetPayloadString("stage"); got != "completed" {
		t.Errorf("GetPayloadString(stage) = %v", got)
	}
	if got := event.GetPayloadString("typed_stage"); got != "partial" {
		t.Errorf("GetPayloadString(typed_stage) = %v", got)
	}
	if got := event.GetPayloadString("number"); got != "" {
		t.Errorf("GetPayloadString(number) = %v, want empty", got)
	}
	if got := event.GetPayloadInt("failed"); got != 2 {
		t.Errorf("GetPayloadInt(failed) = %v", got)
	}
	if got := event.GetPayloadInt("succeeded"); got != 5 {
		t.Errorf("GetPayloadInt(succeeded) = %v", got)
	}
	if got := event.GetPayloadInt("missing"); got != 0 {
		t.Errorf("GetPayloadInt(missing) = %v", got)
	}
	if !event.GetPayloadBool("interrupted") {
		t.Error("GetPayloadBool(interrupted) = false")
	}
	if event.GetPayloadBool("stage") {
		t.Error("GetPayloadBool(stage) = true")
	}
}

package workflow

import (
	"errors"
	"strings"
	"testing"
)

const (
	stageA Stage = "a"
	stageB Stage = "b"
	stageC Stage = "c"
	stageD Stage = "d"
)

func testDefinition(t *testing.T) *Definition {
	t.Helper()
	b := NewBuilder(ProcessType("test")).
		Initial(stageA).
		Stages(stageA, stageB, stageC, stageD).
		Status(stageD, StatusCompleted)
	b.Configure(stageA).Permit(stageB, "cap-ab")
	b.Configure(stageB).
		Permit(stageC, "cap-bc").
		Permit(stageA, "cap-ba")
	b.Configure(stageC).Permit(stageD, "cap-cd")

	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return def
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		expected bool
	}{
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusPartial, true},
		{StatusRejected, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.expected {
				t.Errorf("Status.IsTerminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStatus_IsActive(t *testing.T) {
	tests := []struct {
		status   Status
		expected bool
	}{
		{StatusInProgress, true},
		{StatusPartial, true},
		{StatusRejected, true},
		{StatusCompleted, false},
		{StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsActive(); got != tt.expected {
				t.Errorf("Status.IsActive() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"valid status", StatusInProgress, true},
		{"valid status", StatusCancelled, true},
		{"invalid status", Status("INVALID"), false},
		{"empty status", Status(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.expected {
				t.Errorf("Status.IsValid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuilder_Build(t *testing.T) {
	def := testDefinition(t)

	if def.Type() != "test" {
		t.Errorf("Type() = %v, want test", def.Type())
	}
	if def.Initial() != stageA {
		t.Errorf("Initial() = %v, want %v", def.Initial(), stageA)
	}
	if got := len(def.Stages()); got != 4 {
		t.Errorf("len(Stages()) = %d, want 4", got)
	}
	if got := def.StatusOf(stageD); got != StatusCompleted {
		t.Errorf("StatusOf(d) = %v, want completed", got)
	}
	if got := def.StatusOf(stageB); got != StatusInProgress {
		t.Errorf("StatusOf(b) = %v, want in_progress", got)
	}
}

func TestBuilder_RejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		build   func() Builder
		errPart string
	}{
		{
			name: "undeclared initial stage",
			build: func() Builder {
				return NewBuilder("p").Initial("x").Stages(stageA)
			},
			errPart: "initial stage",
		},
		{
			name: "edge to undeclared stage",
			build: func() Builder {
				b := NewBuilder("p").Initial(stageA).Stages(stageA)
				b.Configure(stageA).Permit("ghost", "cap")
				return b
			},
			errPart: "undeclared target stage",
		},
		{
			name: "configure undeclared stage",
			build: func() Builder {
				b := NewBuilder("p").Initial(stageA).Stages(stageA)
				b.Configure("ghost")
				return b
			},
			errPart: "undeclared stage ghost",
		},
		{
			name: "unreachable stage",
			build: func() Builder {
				b := NewBuilder("p").Initial(stageA).Stages(stageA, stageB, stageC)
				b.Configure(stageA).Permit(stageB, "cap")
				return b
			},
			errPart: "stage c is unreachable",
		},
		{
			name: "missing capability",
			build: func() Builder {
				b := NewBuilder("p").Initial(stageA).Stages(stageA, stageB)
				b.Configure(stageA).Permit(stageB, "")
				return b
			},
			errPart: "capability is required",
		},
		{
			name: "duplicate edge",
			build: func() Builder {
				b := NewBuilder("p").Initial(stageA).Stages(stageA, stageB)
				b.Configure(stageA).Permit(stageB, "x").Permit(stageB, "y")
				return b
			},
			errPart: "declared twice",
		},
		{
			name: "upsert without key",
			build: func() Builder {
				return NewBuilder("p").Initial(stageA).Stages(stageA).
					MergeList("rows", ListRule{Mode: ListUpsert})
			},
			errPart: "upsert requires a key",
		},
		{
			name: "missing process type",
			build: func() Builder {
				return NewBuilder("").Initial(stageA).Stages(stageA)
			},
			errPart: "process type is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := tt.build().Build()
			if err == nil {
				t.Fatalf("Build() = %v, want error", def)
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Build() error = %v, want it to contain %q", err, tt.errPart)
			}
		})
	}
}

func TestMustBuild_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustBuild() did not panic on invalid definition")
		}
	}()
	MustBuild(NewBuilder("p"))
}

func TestDefinition_Edges(t *testing.T) {
	def := testDefinition(t)

	edges, err := def.Edges(stageB)
	if err != nil {
		t.Fatalf("Edges(b) error = %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("len(Edges(b)) = %d, want 2", len(edges))
	}

	edges, err = def.Edges(stageD)
	if err != nil {
		t.Fatalf("Edges(d) error = %v", err)
	}
	if edges == nil || len(edges) != 0 {
		t.Errorf("Edges(d) = %v, want empty non-nil slice", edges)
	}

	if _, err := def.Edges("ghost"); !errors.Is(err, ErrUndefinedProcess) {
		t.Errorf("Edges(ghost) error = %v, want ErrUndefinedProcess", err)
	}

	edge, ok := def.Edge(stageA, stageB)
	if !ok || edge.Capability != "cap-ab" {
		t.Errorf("Edge(a, b) = %v, %v", edge, ok)
	}
}

func TestDefinition_EdgesAreCopies(t *testing.T) {
	def := testDefinition(t)
	edges, _ := def.Edges(stageA)
	edges[0].Capability = "tampered"

	edge, _ := def.Edge(stageA, stageB)
	if edge.Capability != "cap-ab" {
		t.Errorf("definition mutated through Edges(): %v", edge.Capability)
	}
}

func TestMachine_Fire(t *testing.T) {
	def := testDefinition(t)
	m, err := NewMachine(def, stageA)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}

	if !m.CanFire(stageB) {
		t.Error("CanFire(b) = false, want true")
	}
	if m.CanFire(stageC) {
		t.Error("CanFire(c) = true, want false")
	}

	if err := m.Fire(stageC); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Fire(c) error = %v, want ErrInvalidTransition", err)
	}
	if m.Stage() != stageA {
		t.Errorf("Stage() = %v after failed fire, want a", m.Stage())
	}

	if err := m.Fire(stageB); err != nil {
		t.Fatalf("Fire(b) error = %v", err)
	}
	if got := len(m.Permitted()); got != 2 {
		t.Errorf("len(Permitted()) = %d, want 2", got)
	}
}

func TestNewMachine_UnknownStage(t *testing.T) {
	def := testDefinition(t)
	if _, err := NewMachine(def, "ghost"); !errors.Is(err, ErrUndefinedProcess) {
		t.Errorf("NewMachine(ghost) error = %v, want ErrUndefinedProcess", err)
	}
}

func TestReplay(t *testing.T) {
	def := testDefinition(t)

	tests := []struct {
		name    string
		steps   []Step
		want    Stage
		wantErr bool
	}{
		{"no steps", nil, stageA, false},
		{"forward path", []Step{{stageA, stageB}, {stageB, stageC}, {stageC, stageD}}, stageD, false},
		{"loop back", []Step{{stageA, stageB}, {stageB, stageA}, {stageA, stageB}}, stageB, false},
		{"undeclared edge", []Step{{stageA, stageC}}, stageA, true},
		{"gap in chain", []Step{{stageA, stageB}, {stageC, stageD}}, stageB, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Replay(def, tt.steps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Replay() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Replay() = %v, want %v", got, tt.want)
			}
		})
	}
}

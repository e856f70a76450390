package workflow

import "fmt"

// Machine tracks a current stage over a definition and validates moves
type Machine struct {
	def     *Definition
	current Stage
}

// NewMachine creates a machine positioned at the given stage
func NewMachine(def *Definition, current Stage) (*Machine, error) {
	if !def.HasStage(current) {
		return nil, fmt.Errorf("%w: %s has no stage %s", ErrUndefinedProcess, def.Type(), current)
	}
	return &Machine{def: def, current: current}, nil
}

// Stage returns the current stage
func (m *Machine) Stage() Stage {
	return m.current
}

// CanFire returns true if an edge leads from the current stage to the target
func (m *Machine) CanFire(to Stage) bool {
	_, ok := m.def.Edge(m.current, to)
	return ok
}

// Fire moves to the target stage if an edge allows it
func (m *Machine) Fire(to Stage) error {
	if !m.CanFire(to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, m.current, to)
	}
	m.current = to
	return nil
}

// Permitted returns the edges leaving the current stage
func (m *Machine) Permitted() []Edge {
	edges, _ := m.def.Edges(m.current)
	return edges
}

// Step is one applied stage change
type Step struct {
	From Stage
	To   Stage
}

// Replay re-applies steps from the initial stage and returns the stage reached.
// Each step must start where the previous one ended and follow a declared edge.
func Replay(def *Definition, steps []Step) (Stage, error) {
	m, err := NewMachine(def, def.Initial())
	if err != nil {
		return "", err
	}
	for i, s := range steps {
		if s.From != m.Stage() {
			return m.Stage(), fmt.Errorf("%w: step %d starts at %s, machine is at %s", ErrInvalidTransition, i, s.From, m.Stage())
		}
		if err := m.Fire(s.To); err != nil {
			return m.Stage(), fmt.Errorf("step %d: %w", i, err)
		}
	}
	return m.Stage(), nil
}

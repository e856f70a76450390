package workflow

import "fmt"

// Registry holds one definition per process type. It is populated at
// construction and read-only afterwards.
type Registry struct {
	defs map[ProcessType]*Definition
}

// NewRegistry creates a registry from definitions
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[ProcessType]*Definition, len(defs))}
	for _, d := range defs {
		if d == nil {
			return nil, fmt.Errorf("nil definition")
		}
		if _, dup := r.defs[d.Type()]; dup {
			return nil, fmt.Errorf("process %s registered twice", d.Type())
		}
		r.defs[d.Type()] = d
	}
	return r, nil
}

// Definition returns the definition for a process type
func (r *Registry) Definition(processType ProcessType) (*Definition, error) {
	d, ok := r.defs[processType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedProcess, processType)
	}
	return d, nil
}

// GetEdges returns the edges leaving fromStage for a process type
func (r *Registry) GetEdges(processType ProcessType, fromStage Stage) ([]Edge, error) {
	d, err := r.Definition(processType)
	if err != nil {
		return nil, err
	}
	return d.Edges(fromStage)
}

// ProcessTypes returns the registered process types
func (r *Registry) ProcessTypes() []ProcessType {
	types := make([]ProcessType, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}

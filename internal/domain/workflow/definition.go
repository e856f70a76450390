package workflow

import "fmt"

// Edge is a legal stage change and the capability needed to traverse it
type Edge struct {
	To         Stage  `json:"to"`
	Capability string `json:"capability"`
}

// Definition is the static stage graph of one process type
type Definition struct {
	processType     ProcessType
	initial         Stage
	stages          []Stage
	stageSet        map[Stage]bool
	edges           map[Stage][]Edge
	statuses        map[Stage]Status
	startCapability string
	mergePolicy     MergePolicy
}

// Type returns the process type
func (d *Definition) Type() ProcessType {
	return d.processType
}

// Initial returns the stage new instances start in
func (d *Definition) Initial() Stage {
	return d.initial
}

// Stages returns the declared stages in declaration order
func (d *Definition) Stages() []Stage {
	return append([]Stage{}, d.stages...)
}

// HasStage reports whether the stage is declared
func (d *Definition) HasStage(stage Stage) bool {
	return d.stageSet[stage]
}

// Edges returns the outgoing edges of a stage. A declared stage with no
// outgoing edges yields an empty slice, an undeclared one an error.
func (d *Definition) Edges(from Stage) ([]Edge, error) {
	if !d.stageSet[from] {
		return nil, fmt.Errorf("%w: %s has no stage %s", ErrUndefinedProcess, d.processType, from)
	}
	return append([]Edge{}, d.edges[from]...), nil
}

// Edge returns the edge joining from and to, if declared
func (d *Definition) Edge(from, to Stage) (Edge, bool) {
	for _, e := range d.edges[from] {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// StatusOf returns the instance status implied by a stage
func (d *Definition) StatusOf(stage Stage) Status {
	if st, ok := d.statuses[stage]; ok {
		return st
	}
	return StatusInProgress
}

// StartCapability returns the capability needed to start an instance, if any
func (d *Definition) StartCapability() string {
	return d.startCapability
}

// MergePolicy returns the payload merge rules of the process
func (d *Definition) MergePolicy() MergePolicy {
	return d.mergePolicy
}

package workflow

import (
	"errors"
	"fmt"
)

// Builder assembles a process Definition from declarative edge data
type Builder interface {
	// Initial sets the stage new instances start in
	Initial(stage Stage) Builder

	// Stages declares the stages of the process
	Stages(stages ...Stage) Builder

	// Configure returns the edge configuration for a declared stage
	Configure(stage Stage) StageConfiguration

	// Status maps a stage onto the instance status it implies
	Status(stage Stage, status Status) Builder

	// StartCapability sets the capability required to start an instance
	StartCapability(capability string) Builder

	// MergeList sets the list merge rule for a dotted payload path
	MergeList(path string, rule ListRule) Builder

	// Build validates the configuration and returns an immutable definition
	Build() (*Definition, error)
}

// StageConfiguration configures the outgoing edges of one stage
type StageConfiguration interface {
	// Permit allows a move to the target stage for holders of capability
	Permit(toStage Stage, capability string) StageConfiguration
}

// stageConfig implements StageConfiguration
type stageConfig struct {
	builder *definitionBuilder
	from    Stage
}

// definitionBuilder implements Builder
type definitionBuilder struct {
	processType     ProcessType
	initial         Stage
	stages          []Stage
	stageSet        map[Stage]bool
	edges           map[Stage][]Edge
	statuses        map[Stage]Status
	startCapability string
	lists           map[string]ListRule
	errs            []error
}

// NewBuilder creates a new definition builder for a process type
func NewBuilder(processType ProcessType) Builder {
	return &definitionBuilder{
		processType: processType,
		stageSet:    make(map[Stage]bool),
		edges:       make(map[Stage][]Edge),
		statuses:    make(map[Stage]Status),
		lists:       make(map[string]ListRule),
	}
}

func (b *definitionBuilder) Initial(stage Stage) Builder {
	b.initial = stage
	return b
}

func (b *definitionBuilder) Stages(stages ...Stage) Builder {
	for _, s := range stages {
		if s == "" {
			b.errs = append(b.errs, errors.New("empty stage name"))
			continue
		}
		if b.stageSet[s] {
			continue
		}
		b.stageSet[s] = true
		b.stages = append(b.stages, s)
	}
	return b
}

func (b *definitionBuilder) Configure(stage Stage) StageConfiguration {
	if !b.stageSet[stage] {
		b.errs = append(b.errs, fmt.Errorf("configure: undeclared stage %s", stage))
	}
	return &stageConfig{builder: b, from: stage}
}

func (b *definitionBuilder) Status(stage Stage, status Status) Builder {
	if !status.IsValid() {
		b.errs = append(b.errs, fmt.Errorf("stage %s: invalid status %s", stage, status))
	}
	b.statuses[stage] = status
	return b
}

func (b *definitionBuilder) StartCapability(capability string) Builder {
	b.startCapability = capability
	return b
}

func (b *definitionBuilder) MergeList(path string, rule ListRule) Builder {
	if rule.Mode == ListUpsert && rule.Key == "" {
		b.errs = append(b.errs, fmt.Errorf("merge rule %s: upsert requires a key", path))
	}
	b.lists[path] = rule
	return b
}

// Permit allows a move to the target stage for holders of capability
func (c *stageConfig) Permit(toStage Stage, capability string) StageConfiguration {
	b := c.builder
	if !b.stageSet[toStage] {
		b.errs = append(b.errs, fmt.Errorf("edge %s -> %s: undeclared target stage", c.from, toStage))
		return c
	}
	if capability == "" {
		b.errs = append(b.errs, fmt.Errorf("edge %s -> %s: capability is required", c.from, toStage))
		return c
	}
	for _, e := range b.edges[c.from] {
		if e.To == toStage {
			b.errs = append(b.errs, fmt.Errorf("edge %s -> %s declared twice", c.from, toStage))
			return c
		}
	}
	b.edges[c.from] = append(b.edges[c.from], Edge{To: toStage, Capability: capability})
	return c
}

// Build validates the configuration and returns an immutable definition
func (b *definitionBuilder) Build() (*Definition, error) {
	errs := append([]error{}, b.errs...)

	if b.processType == "" {
		errs = append(errs, errors.New("process type is required"))
	}
	if !b.stageSet[b.initial] {
		errs = append(errs, fmt.Errorf("initial stage %q is not declared", b.initial))
	}
	for stage := range b.statuses {
		if !b.stageSet[stage] {
			errs = append(errs, fmt.Errorf("status mapped for undeclared stage %s", stage))
		}
	}

	if len(errs) == 0 {
		reached := b.reachable()
		for _, s := range b.stages {
			if !reached[s] {
				errs = append(errs, fmt.Errorf("stage %s is unreachable from %s", s, b.initial))
			}
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid %s definition: %w", b.processType, errors.Join(errs...))
	}

	// Copy so later builder calls cannot mutate the definition
	edgesCopy := make(map[Stage][]Edge, len(b.edges))
	for from, edges := range b.edges {
		edgesCopy[from] = append([]Edge{}, edges...)
	}
	stageSet := make(map[Stage]bool, len(b.stageSet))
	for s := range b.stageSet {
		stageSet[s] = true
	}
	statuses := make(map[Stage]Status, len(b.statuses))
	for s, st := range b.statuses {
		statuses[s] = st
	}
	lists := make(map[string]ListRule, len(b.lists))
	for p, r := range b.lists {
		lists[p] = r
	}

	return &Definition{
		processType:     b.processType,
		initial:         b.initial,
		stages:          append([]Stage{}, b.stages...),
		stageSet:        stageSet,
		edges:           edgesCopy,
		statuses:        statuses,
		startCapability: b.startCapability,
		mergePolicy:     MergePolicy{Lists: lists},
	}, nil
}

// reachable walks the edge graph breadth-first from the initial stage
func (b *definitionBuilder) reachable() map[Stage]bool {
	seen := map[Stage]bool{b.initial: true}
	queue := []Stage{b.initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range b.edges[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

// MustBuild is Build for static definitions; it panics on invalid configuration
func MustBuild(b Builder) *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

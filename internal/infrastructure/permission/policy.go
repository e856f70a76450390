// Package permission implements the permission oracle: a static role policy
// and a TTL cache in front of any capability resolver.
package permission

import (
	"context"
	"sort"
	"sync"
)

// CapabilitySet is the set of capabilities an actor holds
type CapabilitySet map[string]bool

// Has reports whether the set contains capability
func (s CapabilitySet) Has(capability string) bool {
	return s[capability]
}

// List returns the capabilities in sorted order
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Resolver computes the full capability set of an actor
type Resolver interface {
	Capabilities(ctx context.Context, actorID string) (CapabilitySet, error)
}

// RolePolicy resolves capabilities from two static maps: actor to roles and
// role to capabilities. Unknown actors hold nothing.
type RolePolicy struct {
	mu     sync.RWMutex
	roles  map[string][]string
	actors map[string][]string
}

// NewRolePolicy creates a policy from role→capabilities and actor→roles
func NewRolePolicy(roles, actors map[string][]string) *RolePolicy {
	p := &RolePolicy{}
	p.Replace(roles, actors)
	return p
}

// Replace swaps both maps atomically. Callers holding a CachedOracle should
// InvalidateAll afterwards.
func (p *RolePolicy) Replace(roles, actors map[string][]string) {
	r := make(map[string][]string, len(roles))
	for k, v := range roles {
		r[k] = append([]string(nil), v...)
	}
	a := make(map[string][]string, len(actors))
	for k, v := range actors {
		a[k] = append([]string(nil), v...)
	}

	p.mu.Lock()
	p.roles, p.actors = r, a
	p.mu.Unlock()
}

// Capabilities returns the union of capabilities over the actor's roles
func (p *RolePolicy) Capabilities(_ context.Context, actorID string) (CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(CapabilitySet)
	for _, role := range p.actors[actorID] {
		for _, c := range p.roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Package merge arbitrates competing values for one target.
//
// Two independent axes are configured per dependency graph. The horizontal
// axis picks among concurrent event-driven contributions; the vertical axis
// decides between a locally computed value and values asserted by a parent.
// Resolution is deterministic and side-effect free: it only decides which
// staged value is persisted.
package merge

import (
	"fmt"
	"sync"

	"github.com/roach88/unirep/internal/ir"
)

// Candidate is one locally computed value for a target.
type Candidate struct {
	Value   ir.IRValue
	EventID string
	Seq     int64
}

// Decision is the value to persist and where it came from.
type Decision struct {
	Value ir.IRValue

	// EventID and Seq identify the winning local candidate. They are set even
	// when a parent value wins so the applied-sequence floor still advances.
	EventID string
	Seq     int64

	FromParent bool
}

// Strategy picks the winner among at least one local candidate.
type Strategy func(cands []Candidate) Candidate

// Overwrite keeps the contribution with the highest log sequence; ties are
// broken by the lexically greater event id.
func Overwrite(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Seq > best.Seq || (c.Seq == best.Seq && c.EventID > best.EventID) {
			best = c
		}
	}
	return best
}

// Resolver holds the registered horizontal strategies.
//
// Thread-safe: Register may run concurrently with Resolve.
type Resolver struct {
	mu         sync.RWMutex
	horizontal map[ir.HorizontalPolicy]Strategy
}

// NewResolver returns a resolver with OVERWRITE registered.
func NewResolver() *Resolver {
	return &Resolver{
		horizontal: map[ir.HorizontalPolicy]Strategy{
			ir.HorizontalOverwrite: Overwrite,
		},
	}
}

// Register adds or replaces a horizontal strategy.
func (r *Resolver) Register(name ir.HorizontalPolicy, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.horizontal[name] = s
}

// Supports reports whether policy can be resolved.
func (r *Resolver) Supports(policy ir.GraphPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.horizontal[policy.Horizontal]; !ok {
		return fmt.Errorf("unsupported horizontal policy %q", policy.Horizontal)
	}
	return nil
}

// Resolve decides the value to persist. parents are parent-asserted values in
// assertion order. ok is false when there is nothing to persist.
//
// Under PARENT a parent value beats the local winner whenever both are
// present. Several parents are ordered by policy.ParentOrder: LATEST (the
// default) takes the last assertion, EARLIEST the first.
func (r *Resolver) Resolve(policy ir.GraphPolicy, local []Candidate, parents []ir.IRValue) (Decision, bool, error) {
	if err := r.Supports(policy); err != nil {
		return Decision{}, false, err
	}

	var (
		d      Decision
		hasAny bool
	)
	if len(local) > 0 {
		r.mu.RLock()
		strategy := r.horizontal[policy.Horizontal]
		r.mu.RUnlock()

		win := strategy(local)
		d = Decision{Value: win.Value, EventID: win.EventID, Seq: win.Seq}
		hasAny = true
	}

	if len(parents) > 0 {
		parent := parents[len(parents)-1]
		if policy.ParentOrder == ir.ParentEarliest {
			parent = parents[0]
		}
		d.Value = parent
		d.FromParent = true
		hasAny = true
	}
	return d, hasAny, nil
}

var defaultResolver = NewResolver()

// Resolve uses the package default resolver.
func Resolve(policy ir.GraphPolicy, local []Candidate, parents []ir.IRValue) (Decision, bool, error) {
	return defaultResolver.Resolve(policy, local, parents)
}

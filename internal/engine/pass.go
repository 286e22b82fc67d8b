package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// PassResult counts what one propagation pass did.
type PassResult struct {
	// Dirtied counts targets scheduled for evaluation, including revisits.
	Dirtied   int `json:"dirtied"`
	Evaluated int `json:"evaluated"`
	Changed   int `json:"changed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	// Deferred counts targets pushed to a later pass after using up their
	// evaluations in this one.
	Deferred int `json:"deferred"`

	// Blocked counts targets left DIRTY because a dependency failed or was
	// deferred in the same pass.
	Blocked   int `json:"blocked"`
	Suspended int `json:"suspended"`
}

// Add accumulates other into r.
func (r *PassResult) Add(other PassResult) {
	r.Dirtied += other.Dirtied
	r.Evaluated += other.Evaluated
	r.Changed += other.Changed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Deferred += other.Deferred
	r.Blocked += other.Blocked
	r.Suspended += other.Suspended
}

// Progress is non-zero when the pass changed any persisted node state.
func (r PassResult) Progress() int {
	return r.Evaluated + r.Failed + r.Deferred + r.Suspended
}

// pass is the bookkeeping of one propagation pass over one tenant.
// Outcomes are settled on the calling goroutine, so none of it is locked.
type pass struct {
	e      *Engine
	tenant string
	cycles *CycleDetector

	pending  map[ir.TargetID]bool
	blocked  map[ir.TargetID]bool
	deferred map[ir.TargetID]bool

	// committed holds targets whose last outcome in this pass was a commit,
	// with the node's cycle pass count at that commit.
	committed map[ir.TargetID]int
	touched   map[ir.ProxyKey]bool
	domains   map[string]*domainEntry

	result PassResult
}

// Pass marks seeds DIRTY, propagates along dependedBy edges and evaluates
// every dirtied target of the tenant in waves.
//
// A target is ready once none of the targets it read during its last
// evaluation are still pending. Targets whose committed value changed
// schedule their dependents again; a target may be evaluated at most
// MaxEvaluationsPerPass times per pass and is deferred to a later pass after
// that. When nothing is ready, every pending target waits on another one,
// so one target on a pending cycle is evaluated first to break the tie.
//
// A committed target that still sits on a dependency cycle once the pass
// ends stays DIRTY for the next pass, whether or not its value changed.
// Cycles may only exist transiently: a target found on one in more
// consecutive passes than allowed is suspended with CYCLE_DETECTED.
//
// Failures of one target never abort the pass. Only context cancellation
// and store failures that prevent scheduling are returned; nodes left
// unevaluated stay DIRTY and are picked up again by RetryDue.
func (e *Engine) Pass(ctx context.Context, tenantID string, seeds ...ir.TargetID) (res PassResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Pass", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("seeds", len(seeds)),
	))
	defer func() { endSpan(span, err) }()

	if len(seeds) == 0 {
		return PassResult{}, nil
	}
	if err := e.ensureTenant(ctx, tenantID); err != nil {
		return PassResult{}, err
	}

	p := &pass{
		e:         e,
		tenant:    tenantID,
		cycles:    NewCycleDetector(MaxEvaluationsPerPass),
		pending:   make(map[ir.TargetID]bool),
		blocked:   make(map[ir.TargetID]bool),
		deferred:  make(map[ir.TargetID]bool),
		committed: make(map[ir.TargetID]int),
		touched:   make(map[ir.ProxyKey]bool),
		domains:   make(map[string]*domainEntry),
	}
	if err := p.addDirty(ctx, seeds); err != nil {
		return p.result, err
	}

	for len(p.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return p.result, err
		}
		p.propagateBlocked()

		wave := p.ready()
		if len(wave) == 0 {
			wave = p.breakCycle()
		}
		if len(wave) == 0 {
			for _, t := range sortTargets(p.pending) {
				p.block(t)
			}
			break
		}
		if err := p.runWave(ctx, wave); err != nil {
			return p.result, err
		}
	}

	p.settleCycles(ctx)
	p.renderTouched(ctx)

	slog.Debug("propagation pass complete",
		"tenant_id", tenantID,
		"dirtied", p.result.Dirtied,
		"evaluated", p.result.Evaluated,
		"changed", p.result.Changed,
		"failed", p.result.Failed,
		"deferred", p.result.Deferred,
		"blocked", p.result.Blocked,
	)
	return p.result, nil
}

// addDirty marks targets and their transitive dependents DIRTY, in memory
// and in the store, and schedules them. Targets that used up their
// evaluations in this pass are deferred instead.
func (p *pass) addDirty(ctx context.Context, targets []ir.TargetID) error {
	dirtied := p.e.graph.MarkDirty(p.tenant, targets...)
	if err := p.e.store.SetNodesDirty(ctx, p.tenant, dirtied...); err != nil {
		return persistenceError("mark dirty", err)
	}
	for _, t := range dirtied {
		if p.pending[t] || p.blocked[t] {
			continue
		}
		if !p.cycles.CanEvaluate(t) {
			p.deferTarget(ctx, t)
			continue
		}
		p.pending[t] = true
		p.result.Dirtied++
	}
	return nil
}

// propagateBlocked blocks pending targets that read a blocked target, until
// nothing changes.
func (p *pass) propagateBlocked() {
	for changed := true; changed; {
		changed = false
		for _, t := range sortTargets(p.pending) {
			for _, dep := range p.e.graph.DependsOn(p.tenant, t) {
				if dep != t && p.blocked[dep] {
					p.block(t)
					changed = true
					break
				}
			}
		}
	}
}

func (p *pass) block(t ir.TargetID) {
	delete(p.pending, t)
	if !p.blocked[t] {
		p.blocked[t] = true
		p.result.Blocked++
	}
}

// ready returns pending targets with no pending dependency, in target order.
// A self-reference counts as waiting on itself.
func (p *pass) ready() []ir.TargetID {
	var out []ir.TargetID
	for _, t := range sortTargets(p.pending) {
		if !slices.ContainsFunc(p.e.graph.DependsOn(p.tenant, t), func(dep ir.TargetID) bool {
			return p.pending[dep]
		}) {
			out = append(out, t)
		}
	}
	return out
}

// breakCycle picks the first pending target that sits on a cycle of pending
// targets.
func (p *pass) breakCycle() []ir.TargetID {
	deps := func(t ir.TargetID) []ir.TargetID { return p.e.graph.DependsOn(p.tenant, t) }
	inPending := func(t ir.TargetID) bool { return p.pending[t] }
	for _, t := range sortTargets(p.pending) {
		if p.cycles.CanEvaluate(t) && OnCycle(t, deps, inPending) {
			slog.Debug("evaluating cycle member first",
				"tenant_id", p.tenant,
				"target_id", t.String(),
			)
			return []ir.TargetID{t}
		}
	}
	return nil
}

// runWave evaluates wave in parallel and settles the outcomes in order.
func (p *pass) runWave(ctx context.Context, wave []ir.TargetID) error {
	for _, t := range wave {
		if _, err := p.domain(ctx, t.DomainID); err != nil {
			return err
		}
	}

	outcomes := make([]outcome, len(wave))
	g := new(errgroup.Group)
	g.SetLimit(p.e.workers)
	for i, t := range wave {
		dom := p.domains[t.DomainID]
		g.Go(func() error {
			outcomes[i] = p.e.evaluateTarget(ctx, p.tenant, t, dom)
			return nil
		})
	}
	_ = g.Wait()

	// The whole wave leaves pending before settling, so a changed target
	// reschedules wave siblings that read it.
	for _, t := range wave {
		delete(p.pending, t)
		p.cycles.Record(t)
	}
	for i, t := range wave {
		o := outcomes[i]
		switch o.kind {
		case outcomeCancelled:
			return o.err
		case outcomeCommitted:
			p.committed[t] = o.deferrals
			p.result.Evaluated++
			if !o.changed {
				continue
			}
			p.result.Changed++
			p.touched[t.ProxyKey()] = true
			if err := p.revisitDependents(ctx, t); err != nil {
				return err
			}
		case outcomeSkipped:
			delete(p.committed, t)
			p.result.Skipped++
			if o.suspended {
				p.result.Suspended++
			}
		case outcomeFailed:
			delete(p.committed, t)
			p.result.Failed++
			if o.suspended {
				p.result.Suspended++
			}
			p.blocked[t] = true
		}
	}
	return nil
}

// revisitDependents schedules the dependents of a target whose value changed.
// Dependents still waiting in this pass will see the new value anyway.
func (p *pass) revisitDependents(ctx context.Context, t ir.TargetID) error {
	var again []ir.TargetID
	for _, dep := range p.e.graph.DependedBy(p.tenant, t) {
		if p.pending[dep] || p.blocked[dep] {
			continue
		}
		again = append(again, dep)
	}
	if len(again) == 0 {
		return nil
	}
	return p.addDirty(ctx, again)
}

// settleCycles checks every target committed in this pass against the
// edges it now has. One that sits on a cycle is deferred like a target that
// ran out of evaluations; one that left every cycle starts counting again.
func (p *pass) settleCycles(ctx context.Context) {
	deps := func(t ir.TargetID) []ir.TargetID { return p.e.graph.DependsOn(p.tenant, t) }
	anyNode := func(ir.TargetID) bool { return true }
	for _, t := range sortTargets(p.committedSet()) {
		if p.deferred[t] {
			continue
		}
		if OnCycle(t, deps, anyNode) {
			p.deferTarget(ctx, t)
			continue
		}
		if p.committed[t] > 0 {
			p.resetCycleCount(ctx, t)
		}
	}
}

func (p *pass) committedSet() map[ir.TargetID]bool {
	out := make(map[ir.TargetID]bool, len(p.committed))
	for t := range p.committed {
		out[t] = true
	}
	return out
}

func (p *pass) resetCycleCount(ctx context.Context, t ir.TargetID) {
	unlock := p.e.locks.Lock(t.Key(p.tenant))
	defer unlock()
	_, err := p.e.store.UpdateNode(ctx, p.tenant, t, func(n *ir.GraphNode) error {
		n.CycleDeferrals = 0
		return nil
	})
	if err != nil {
		slog.Warn("reset cycle count failed",
			"tenant_id", p.tenant,
			"target_id", t.String(),
			"error", err,
		)
	}
}

// deferTarget leaves t DIRTY for a later pass and counts one cycle pass. A
// target counted in more consecutive passes than allowed is suspended with
// a CYCLE_DETECTED standing error.
func (p *pass) deferTarget(ctx context.Context, t ir.TargetID) {
	if p.deferred[t] {
		return
	}
	p.deferred[t] = true
	p.blocked[t] = true
	delete(p.pending, t)
	p.result.Deferred++

	e := p.e
	unlock := e.locks.Lock(t.Key(p.tenant))
	defer unlock()

	var suspend bool
	n, err := e.store.UpdateNode(ctx, p.tenant, t, func(n *ir.GraphNode) error {
		n.Status = ir.NodeDirty
		n.CycleDeferrals++
		if n.CycleDeferrals > e.maxCyclePasses {
			n.Suspended = true
			suspend = true
		}
		return nil
	})
	if err != nil {
		slog.Error("record deferral failed",
			"tenant_id", p.tenant,
			"target_id", t.String(),
			"error", err,
		)
		return
	}

	if !suspend {
		slog.Warn("target deferred to next pass",
			"tenant_id", p.tenant,
			"target_id", t.String(),
			"deferrals", n.CycleDeferrals,
		)
		return
	}

	p.result.Suspended++
	cause := NewCycleError(p.tenant, t, n.CycleDeferrals)
	slog.Error("target suspended",
		"tenant_id", p.tenant,
		"target_id", t.String(),
		"code", cause.Code,
		"error", cause,
	)
	e.putTargetError(ctx, p.tenant, t, cause, n.CycleDeferrals)
}

// domainEntry caches a domain, its effective policy and whether it carries
// a configuration error, for the duration of a pass.
type domainEntry struct {
	domain  *ir.Domain
	policy  ir.GraphPolicy
	healthy bool
}

func (p *pass) domain(ctx context.Context, id string) (*domainEntry, error) {
	if d, ok := p.domains[id]; ok {
		return d, nil
	}
	entry := &domainEntry{healthy: true}

	d, err := p.e.store.GetDomain(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, persistenceError("load domain", err)
	default:
		entry.domain = &d
	}

	if entry.policy, err = p.e.store.GetPolicy(ctx, id); err != nil {
		return nil, persistenceError("load policy", err)
	}

	se, err := p.e.store.DomainStandingError(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, persistenceError("load domain error", err)
	default:
		entry.healthy = se.Class != ir.ClassConfiguration
	}

	p.domains[id] = entry
	return entry, nil
}

func sortTargets(set map[ir.TargetID]bool) []ir.TargetID {
	out := make([]ir.TargetID, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b ir.TargetID) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

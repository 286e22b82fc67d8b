package engine

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/roach88/unirep/internal/expr"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/merge"
	"github.com/roach88/unirep/internal/store"
)

type outcomeKind int

const (
	outcomeCommitted outcomeKind = iota + 1
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
)

// outcome is the result of evaluating one target.
type outcome struct {
	kind      outcomeKind
	changed   bool
	suspended bool
	err       error

	// deferrals is the committed node's count of consecutive cycle passes.
	deferrals int
}

// evaluateTarget recomputes one target and commits the merged value.
//
// Staged event contributions are evaluated against their events; if none
// are staged (the target was dirtied by propagation) the event of the last
// committed value is used again. Contributions older than the applied
// sequence are dropped. Parent contributions feed the vertical policy: when
// the local value cannot be computed because of a data error, a staged
// parent value is still committed and the error is kept on the node.
//
// The node stays DIRTY on any other failure; its previous value is kept.
func (e *Engine) evaluateTarget(ctx context.Context, tenantID string, t ir.TargetID, dom *domainEntry) (o outcome) {
	ctx, span := e.tracer.Start(ctx, "engine.EvaluateTarget", targetAttrs(tenantID, t))
	defer func() { endSpan(span, o.err) }()

	unlock := e.locks.Lock(t.Key(tenantID))
	defer unlock()
	gen := e.graph.Generation(tenantID, t)

	node, err := e.store.GetNode(ctx, tenantID, t)
	switch {
	case errors.Is(err, store.ErrNotFound):
		node = ir.GraphNode{TenantID: tenantID, Target: t, Status: ir.NodeDirty}
	case err != nil:
		return e.fail(ctx, tenantID, t, persistenceError("load node", err))
	}
	if node.Suspended {
		return outcome{kind: outcomeSkipped}
	}

	if dom.domain == nil {
		return e.retire(ctx, tenantID, t, gen, node.Pending, "domain not registered")
	}
	field, ok := dom.domain.Field(t.FieldID)
	if !ok {
		return e.retire(ctx, tenantID, t, gen, node.Pending, "field not declared by domain")
	}
	if !dom.healthy {
		return e.suspendForDomain(ctx, tenantID, t)
	}

	proxy, err := e.store.GetProxy(ctx, tenantID, t.DomainID, t.ContextKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		proxy = ir.Proxy{DynamicFields: ir.IRObject{}, Fragments: ir.IRObject{}}
	case err != nil:
		return e.fail(ctx, tenantID, t, persistenceError("load proxy", err))
	}

	var (
		events   []ir.ImportedEvent
		asserted []ir.Contribution
	)
	consumed := node.Pending
	for _, c := range node.Pending {
		switch c.Kind {
		case ir.ContributionEvent:
			if c.Seq < node.AppliedSeq {
				slog.Debug("dropping stale contribution",
					"tenant_id", tenantID,
					"target_id", t.String(),
					"event_id", c.EventID,
					"seq", c.Seq,
					"applied_seq", node.AppliedSeq,
				)
				continue
			}
			ev, err := e.store.GetEvent(ctx, c.EventID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return e.fail(ctx, tenantID, t, persistenceError("load event", err))
			}
			events = append(events, ev)
		case ir.ContributionParent:
			asserted = append(asserted, c)
		}
	}
	parents := parentValues(asserted)
	if len(events) == 0 && node.LastEventID != "" {
		ev, err := e.store.GetEvent(ctx, node.LastEventID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return e.fail(ctx, tenantID, t, persistenceError("load event", err))
		default:
			events = append(events, ev)
		}
	}

	slices.SortFunc(events, func(a, b ir.ImportedEvent) int { return cmp.Compare(a.Seq, b.Seq) })

	rec := newDepRecorder(ctx, e.store, tenantID)
	local := make([]merge.Candidate, 0, len(events))
	var localErr error
	for i := range events {
		ev := &events[i]
		res, err := expr.Eval(field.Expression, &expr.Env{
			TenantID:  tenantID,
			Target:    t,
			Event:     ev,
			Fragments: proxy.Fragments,
			Resolve:   rec.resolve,
		})
		if rec.err != nil {
			return e.fail(ctx, tenantID, t, persistenceError("resolve reference", rec.err))
		}
		if err != nil && ClassOf(err) == ir.ClassData && i < len(events)-1 {
			slog.Warn("skipping superseded contribution",
				"tenant_id", tenantID,
				"target_id", t.String(),
				"event_id", ev.ID,
				"seq", ev.Seq,
				"error", err,
			)
			continue
		}
		if err != nil && len(parents) > 0 && ClassOf(err) == ir.ClassData {
			localErr = err
			continue
		}
		if err != nil {
			return e.fail(ctx, tenantID, t, err)
		}
		local = append(local, merge.Candidate{Value: res.ValueOrNull(), EventID: ev.ID, Seq: ev.Seq})
	}

	decision, ok, err := e.resolver.Resolve(dom.policy, local, parents)
	if err != nil {
		return e.fail(ctx, tenantID, t, NewConfigurationError(t.DomainID, "unsupported graph policy", err))
	}
	if !ok {
		return e.settleEmpty(ctx, tenantID, t, gen, consumed)
	}

	value := decision.Value
	if value == nil {
		value = ir.IRNull{}
	}
	prev, had := proxy.DynamicFields[t.FieldID]
	changed := !had || !ir.Equal(prev, value)

	if localErr != nil {
		slog.Warn("local evaluation failed, committing parent value",
			"tenant_id", tenantID,
			"target_id", t.String(),
			"error", localErr,
		)
	}

	committed, err := e.store.CommitTarget(ctx, store.Commit{
		TenantID:  tenantID,
		Target:    t,
		Value:     value,
		DependsOn: rec.deps,
		Apply: func(n *ir.GraphNode) {
			n.Pending = withoutContributions(n.Pending, consumed)
			n.Status = ir.NodeEvaluated
			if len(n.Pending) > 0 {
				n.Status = ir.NodeDirty
			}
			if decision.EventID != "" && decision.Seq >= n.AppliedSeq {
				n.LastEventID = decision.EventID
				n.AppliedSeq = decision.Seq
			}
			n.Attempts = 0
			n.LastError = ""
			if localErr != nil {
				n.LastError = localErr.Error()
			}
			n.NextAttemptAt = nil
		},
	})
	if err != nil {
		return e.fail(ctx, tenantID, t, persistenceError("commit", err))
	}

	e.graph.ReplaceEdges(tenantID, t, rec.deps)
	e.graph.MarkEvaluated(tenantID, t, gen)
	if node.LastError != "" && localErr == nil {
		if err := e.store.ClearTargetError(ctx, tenantID, t); err != nil {
			slog.Warn("clear standing error failed", "tenant_id", tenantID, "target_id", t.String(), "error", err)
		}
	}

	slog.Debug("target committed",
		"tenant_id", tenantID,
		"target_id", t.String(),
		"event_id", decision.EventID,
		"seq", decision.Seq,
		"from_parent", decision.FromParent,
		"changed", changed,
		"depends_on", len(rec.deps),
	)
	return outcome{kind: outcomeCommitted, changed: changed, deferrals: committed.CycleDeferrals}
}

// settleEmpty marks a target EVALUATED when there was nothing to merge.
// Edges are kept since no expression ran.
func (e *Engine) settleEmpty(ctx context.Context, tenantID string, t ir.TargetID, gen uint64, consumed []ir.Contribution) outcome {
	_, err := e.store.UpdateNode(ctx, tenantID, t, func(n *ir.GraphNode) error {
		n.Pending = withoutContributions(n.Pending, consumed)
		n.Status = ir.NodeEvaluated
		if len(n.Pending) > 0 {
			n.Status = ir.NodeDirty
		}
		n.Attempts = 0
		n.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return e.fail(ctx, tenantID, t, persistenceError("settle node", err))
	}
	e.graph.MarkEvaluated(tenantID, t, gen)
	return outcome{kind: outcomeCommitted}
}

// retire settles a target whose domain or field no longer exists. The
// proxy keeps its last value.
func (e *Engine) retire(ctx context.Context, tenantID string, t ir.TargetID, gen uint64, consumed []ir.Contribution, reason string) outcome {
	slog.Warn("retiring target",
		"tenant_id", tenantID,
		"target_id", t.String(),
		"reason", reason,
	)
	o := e.settleEmpty(ctx, tenantID, t, gen, consumed)
	if o.kind == outcomeCommitted {
		return outcome{kind: outcomeSkipped}
	}
	return o
}

// suspendForDomain parks a target of a domain with a configuration error.
// Re-registering the domain resumes it.
func (e *Engine) suspendForDomain(ctx context.Context, tenantID string, t ir.TargetID) outcome {
	_, err := e.store.UpdateNode(ctx, tenantID, t, func(n *ir.GraphNode) error {
		n.Status = ir.NodeDirty
		n.Suspended = true
		return nil
	})
	if err != nil {
		return e.fail(ctx, tenantID, t, persistenceError("suspend node", err))
	}
	slog.Warn("target suspended until domain is fixed",
		"tenant_id", tenantID,
		"target_id", t.String(),
		"domain_id", t.DomainID,
	)
	return outcome{kind: outcomeSkipped, suspended: true}
}

// fail records a failed evaluation and schedules or suspends the target
// according to the retry budget. Cancellation is not a failure: the node
// simply stays DIRTY.
func (e *Engine) fail(ctx context.Context, tenantID string, t ir.TargetID, cause error) outcome {
	if ctx.Err() != nil {
		return outcome{kind: outcomeCancelled, err: ctx.Err()}
	}

	class := ClassOf(cause)
	now := e.store.Now()
	var verdict Verdict
	n, err := e.store.UpdateNode(ctx, tenantID, t, func(n *ir.GraphNode) error {
		n.Status = ir.NodeDirty
		n.Attempts++
		n.LastError = cause.Error()
		verdict = e.budget.Charge(class, n.Attempts)
		if verdict.Suspend {
			n.Suspended = true
			n.NextAttemptAt = nil
		} else {
			at := now.Add(verdict.Delay)
			n.NextAttemptAt = &at
		}
		return nil
	})
	if err != nil {
		slog.Error("record failure failed",
			"tenant_id", tenantID,
			"target_id", t.String(),
			"cause", cause,
			"error", err,
		)
		return outcome{kind: outcomeFailed, err: cause}
	}

	if !verdict.Suspend {
		slog.Warn("target evaluation failed",
			"tenant_id", tenantID,
			"target_id", t.String(),
			"class", class,
			"attempts", n.Attempts,
			"retry_in", verdict.Delay,
			"error", cause,
		)
		return outcome{kind: outcomeFailed, err: cause}
	}

	if class == ir.ClassData {
		cause = NewRetryExhaustedError(tenantID, t, n.Attempts, cause)
	}
	slog.Error("target suspended",
		"tenant_id", tenantID,
		"target_id", t.String(),
		"class", class,
		"code", CodeOf(cause),
		"attempts", n.Attempts,
		"error", cause,
	)
	e.putTargetError(ctx, tenantID, t, cause, n.Attempts)
	return outcome{kind: outcomeFailed, suspended: true, err: cause}
}

func (e *Engine) putTargetError(ctx context.Context, tenantID string, t ir.TargetID, cause error, attempts int) {
	err := e.store.PutStandingError(ctx, ir.StandingError{
		TenantID: tenantID,
		Scope:    ir.ScopeTarget,
		DomainID: t.DomainID,
		TargetID: t.String(),
		Code:     CodeOf(cause),
		Class:    ClassOf(cause),
		Message:  cause.Error(),
		Attempts: attempts,
	})
	if err != nil {
		slog.Error("record standing error failed",
			"tenant_id", tenantID,
			"target_id", t.String(),
			"error", err,
		)
	}
}

// stage adds a contribution to a target and marks it DIRTY. Event
// contributions are deduplicated by event id. Parent contributions are
// stamped here, after any parent stamp already pending on the node, so
// assertion order is the order they were staged. A target suspended after
// exhausting its data-error retries gets a fresh budget, since new input
// may fix the data.
func (e *Engine) stage(ctx context.Context, tenantID string, t ir.TargetID, c ir.Contribution) error {
	unlock := e.locks.Lock(t.Key(tenantID))
	defer unlock()

	resume := false
	se, err := e.store.TargetStandingError(ctx, tenantID, t)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return persistenceError("load target error", err)
	default:
		resume = se.Class == ir.ClassData
	}

	_, err = e.store.UpdateNode(ctx, tenantID, t, func(n *ir.GraphNode) error {
		n.Status = ir.NodeDirty
		if resume && n.Suspended {
			n.Suspended = false
			n.Attempts = 0
			n.NextAttemptAt = nil
		}
		switch c.Kind {
		case ir.ContributionEvent:
			if hasEventContribution(n.Pending, c.EventID) {
				return nil
			}
		case ir.ContributionParent:
			for _, p := range n.Pending {
				if p.Kind == ir.ContributionParent {
					e.assertions.Observe(p.Seq)
				}
			}
			c.Seq = e.assertions.Stamp()
		}
		n.Pending = append(n.Pending, c)
		return nil
	})
	if err != nil {
		return persistenceError("stage contribution", err)
	}
	return nil
}

// parentValues returns asserted values in stamp order, earliest first.
func parentValues(asserted []ir.Contribution) []ir.IRValue {
	slices.SortStableFunc(asserted, func(a, b ir.Contribution) int { return cmp.Compare(a.Seq, b.Seq) })
	values := make([]ir.IRValue, len(asserted))
	for i, c := range asserted {
		values[i] = ir.IRNull{}
		if c.Value != nil && c.Value.Value != nil {
			values[i] = c.Value.Value
		}
	}
	return values
}

func hasEventContribution(pending []ir.Contribution, eventID string) bool {
	for _, c := range pending {
		if c.Kind == ir.ContributionEvent && c.EventID == eventID {
			return true
		}
	}
	return false
}

// withoutContributions removes consumed from pending, keeping anything
// staged after the evaluation read the node.
func withoutContributions(pending, consumed []ir.Contribution) []ir.Contribution {
	if len(consumed) == 0 {
		return pending
	}
	used := make([]bool, len(consumed))
	var out []ir.Contribution
	for _, c := range pending {
		matched := false
		for i, u := range consumed {
			if !used[i] && sameContribution(c, u) {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, c)
		}
	}
	return out
}

func sameContribution(a, b ir.Contribution) bool {
	if a.Kind != b.Kind || a.EventID != b.EventID || a.Seq != b.Seq {
		return false
	}
	if a.Value == nil || b.Value == nil {
		return a.Value == b.Value
	}
	return ir.Equal(a.Value.Value, b.Value.Value)
}

// depRecorder resolves references for one evaluation and records every
// target read, in first-read order. The first store error is kept and
// fails the evaluation.
type depRecorder struct {
	ctx    context.Context
	store  *store.Store
	tenant string

	seen map[ir.TargetID]bool
	deps []ir.TargetID
	err  error
}

func newDepRecorder(ctx context.Context, s *store.Store, tenantID string) *depRecorder {
	return &depRecorder{
		ctx:    ctx,
		store:  s,
		tenant: tenantID,
		seen:   make(map[ir.TargetID]bool),
	}
}

func (r *depRecorder) resolve(t ir.TargetID) (ir.IRValue, bool) {
	if !r.seen[t] {
		r.seen[t] = true
		r.deps = append(r.deps, t)
	}
	if r.err != nil {
		return nil, false
	}
	v, ok, err := r.store.GetProxyField(r.ctx, r.tenant, t)
	if err != nil {
		r.err = err
		return nil, false
	}
	return v, ok
}

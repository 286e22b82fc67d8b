package engine

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	// Events is the number of events pulled.
	Events int `json:"events"`

	// Processed is the number of events marked processed. Events whose
	// staging failed stay leased and are pulled again after the lease.
	Processed int `json:"processed"`

	Matches int        `json:"matches"`
	Pass    PassResult `json:"pass"`
}

// domainMatch pairs a trigger match with the domain that produced it.
type domainMatch struct {
	domain *ir.Domain
	match  ir.TriggerMatch
}

// ProcessBatch leases a batch of unprocessed events, matches them against
// the registered domains, stages a contribution on every field of every
// matched proxy, marks the events processed and runs one propagation pass
// per tenant.
func (e *Engine) ProcessBatch(ctx context.Context) (res BatchResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.ProcessBatch")
	defer func() {
		span.SetAttributes(
			attribute.Int("events", res.Events),
			attribute.Int("matches", res.Matches),
		)
		endSpan(span, err)
	}()

	events, err := e.store.PullUnprocessed(ctx, e.batchSize, e.leaseTTL)
	if err != nil {
		return res, persistenceError("pull unprocessed", err)
	}
	res.Events = len(events)
	if len(events) == 0 {
		return res, nil
	}

	m := newMatcher(e)
	seeds := make(map[string][]ir.TargetID)
	seen := make(map[string]map[ir.TargetID]bool)
	done := make([]string, 0, len(events))

	for i := range events {
		ev := &events[i]
		matches, err := m.match(ctx, ev)
		if err != nil {
			slog.Error("match failed, event will be retried",
				"event_id", ev.ID,
				"seq", ev.Seq,
				"error", err,
			)
			continue
		}

		staged := true
		for _, dm := range matches {
			res.Matches++
			key := ir.ProxyKey{DomainID: dm.match.DomainID, ContextKey: dm.match.ContextKey}
			for _, fieldID := range dm.domain.FieldIDs() {
				t := key.Target(fieldID)
				c := ir.Contribution{Kind: ir.ContributionEvent, EventID: ev.ID, Seq: ev.Seq}
				if err := e.stage(ctx, ev.TenantID, t, c); err != nil {
					slog.Error("stage contribution failed, event will be retried",
						"event_id", ev.ID,
						"target_id", t.String(),
						"error", err,
					)
					staged = false
					break
				}
				if seen[ev.TenantID] == nil {
					seen[ev.TenantID] = make(map[ir.TargetID]bool)
				}
				if !seen[ev.TenantID][t] {
					seen[ev.TenantID][t] = true
					seeds[ev.TenantID] = append(seeds[ev.TenantID], t)
				}
			}
			if !staged {
				break
			}
		}
		if staged {
			done = append(done, ev.ID)
		}

		slog.Debug("event matched",
			"event_id", ev.ID,
			"tenant_id", ev.TenantID,
			"source", ev.Source,
			"seq", ev.Seq,
			"matches", len(matches),
		)
	}

	if err := e.store.MarkProcessed(ctx, done...); err != nil {
		return res, persistenceError("mark processed", err)
	}
	res.Processed = len(done)

	for _, tenant := range sortedKeys(seeds) {
		pr, err := e.Pass(ctx, tenant, seeds[tenant]...)
		res.Pass.Add(pr)
		if err != nil {
			return res, err
		}
	}

	slog.Info("batch processed",
		"events", res.Events,
		"processed", res.Processed,
		"matches", res.Matches,
		"evaluated", res.Pass.Evaluated,
		"changed", res.Pass.Changed,
		"failed", res.Pass.Failed,
	)
	return res, nil
}

// matcher caches domain lookups for one batch.
type matcher struct {
	e         *Engine
	bySource  map[string][]ir.Domain
	unhealthy map[string]bool
}

func newMatcher(e *Engine) *matcher {
	return &matcher{
		e:         e,
		bySource:  make(map[string][]ir.Domain),
		unhealthy: make(map[string]bool),
	}
}

// match returns the matches of ev across all domains listening to its
// source. Configuration errors are attached to the domain, which is then
// skipped until it is registered again; data errors skip the domain for
// this event only. Only store failures are returned.
func (m *matcher) match(ctx context.Context, ev *ir.ImportedEvent) ([]domainMatch, error) {
	domains, ok := m.bySource[ev.Source]
	if !ok {
		var err error
		if domains, err = m.e.store.DomainsForSource(ctx, ev.Source); err != nil {
			return nil, persistenceError("load domains", err)
		}
		for _, d := range domains {
			if _, seen := m.unhealthy[d.ID]; seen {
				continue
			}
			se, err := m.e.store.DomainStandingError(ctx, d.ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				m.unhealthy[d.ID] = false
			case err != nil:
				return nil, persistenceError("load domain error", err)
			default:
				m.unhealthy[d.ID] = se.Class == ir.ClassConfiguration
			}
		}
		m.bySource[ev.Source] = domains
	}

	var out []domainMatch
	for i := range domains {
		d := &domains[i]
		if m.unhealthy[d.ID] {
			continue
		}
		tm, ok, err := MatchDomain(d, ev)
		if err != nil {
			if IsConfigurationError(err) {
				m.e.recordDomainError(ctx, d.ID, err)
				m.unhealthy[d.ID] = true
				continue
			}
			slog.Warn("trigger evaluation failed, domain skipped for event",
				"domain_id", d.ID,
				"event_id", ev.ID,
				"error", err,
			)
			continue
		}
		if ok {
			out = append(out, domainMatch{domain: d, match: tm})
		}
	}
	return out, nil
}

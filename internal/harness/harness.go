package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/unirep/internal/compiler"
	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
	"github.com/roach88/unirep/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios against a real engine with a deterministic clock and
// sequential event ids.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	clock   *testutil.Clock
	logger  *slog.Logger
	tenants map[string]bool
	domains []string
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Load, validate and register the domain definitions
// 3. Execute flow steps, checking expect clauses
// 4. Drain whatever is still pending
// 5. Evaluate assertions and capture the final snapshot
//
// A returned error means the scenario could not be executed; failed
// expectations and assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewClock(time.Time{})
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	eng := engine.New(st,
		engine.WithIDGenerator(testutil.NewSequentialIDs("evt")),
		engine.WithWorkers(1),
		engine.WithRetryBackoff(time.Second, time.Minute),
	)

	h := &Harness{
		store:   st,
		engine:  eng,
		clock:   clock,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		tenants: map[string]bool{DefaultTenant: true},
	}

	ctx := context.Background()
	if err := h.registerDomains(ctx, scenario.Domains); err != nil {
		return nil, fmt.Errorf("failed to register domains: %w", err)
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	if _, err := eng.Drain(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain: %w", err)
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	snap, err := h.snapshot(ctx, scenario.Name, result.Trace)
	if err != nil {
		return nil, fmt.Errorf("failed to capture snapshot: %w", err)
	}
	result.Snapshot = snap
	return result, nil
}

func (h *Harness) registerDomains(ctx context.Context, paths []string) error {
	loaded, errs := compiler.LoadFiles(paths, compiler.LoadModeCollectAll)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if verrs := compiler.ValidateAll(loaded.Definitions); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return errors.Join(joined...)
	}
	for _, def := range loaded.Definitions {
		if _, err := h.engine.RegisterDomain(ctx, def.Domain, def.Policy); err != nil {
			return fmt.Errorf("domain %s: %w", def.Domain.ID, err)
		}
		h.domains = append(h.domains, def.Domain.ID)
	}
	slices.Sort(h.domains)
	return nil
}

// executeFlow runs all flow steps and validates expect clauses.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		ev, stepErr, err := h.executeStep(ctx, i, step)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
		if stepErr != nil {
			ev.Error = stepErr.Error()
		}
		result.AddTrace(ev)

		for _, msg := range checkExpect(i, step.Expect, ev, stepErr) {
			result.AddError(msg)
		}

		h.logger.Info("flow step completed",
			"step", i,
			"type", ev.Type,
			"event_id", ev.EventID,
			"error", ev.Error,
		)
	}
	return nil
}

// executeStep runs one step. stepErr is an engine rejection the scenario may
// expect; err means the harness itself failed.
func (h *Harness) executeStep(ctx context.Context, i int, step FlowStep) (ev TraceEvent, stepErr, err error) {
	ev.Step = i
	switch {
	case step.Ingest != nil:
		ev.Type = "ingest"
		in, err := toEvent(step.Ingest)
		if err != nil {
			return ev, nil, err
		}
		h.tenants[in.TenantID] = true
		stored, inserted, ingestErr := h.engine.Ingest(ctx, in)
		if ingestErr != nil {
			return ev, ingestErr, nil
		}
		ev.EventID, ev.Duplicate = stored.ID, !inserted

	case step.Update != nil:
		ev.Type = "update"
		req, err := toUpdate(step.Update)
		if err != nil {
			return ev, nil, err
		}
		h.tenants[req.TenantID] = true
		res, updateErr := h.engine.UpdateProxy(ctx, req)
		if updateErr != nil {
			return ev, updateErr, nil
		}
		ev.Pass = &res

	case step.Drain:
		ev.Type = "drain"
		res, drainErr := h.engine.Drain(ctx)
		if drainErr != nil {
			return ev, nil, drainErr
		}
		ev.Pass = &res

	case step.Advance != "":
		ev.Type = "advance"
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return ev, nil, err
		}
		h.clock.Advance(d)
	}
	return ev, nil, nil
}

func checkExpect(i int, expect *ExpectClause, ev TraceEvent, stepErr error) []string {
	var out []string
	want := ""
	if expect != nil {
		want = expect.Error
	}
	switch {
	case stepErr == nil && want != "":
		out = append(out, fmt.Sprintf("flow[%d]: expected error containing %q, step succeeded", i, want))
	case stepErr != nil && want == "":
		out = append(out, fmt.Sprintf("flow[%d]: unexpected error: %v", i, stepErr))
	case stepErr != nil && !strings.Contains(stepErr.Error(), want):
		out = append(out, fmt.Sprintf("flow[%d]: expected error containing %q, got %v", i, want, stepErr))
	}
	if expect != nil && expect.Duplicate != nil && stepErr == nil && *expect.Duplicate != ev.Duplicate {
		out = append(out, fmt.Sprintf("flow[%d]: expected duplicate=%t, got %t", i, *expect.Duplicate, ev.Duplicate))
	}
	return out
}

func toEvent(s *EventStep) (ir.ImportedEvent, error) {
	prev, err := ir.ObjectFromAny(s.PreviousValues)
	if err != nil {
		return ir.ImportedEvent{}, fmt.Errorf("previousValues: %w", err)
	}
	cur, err := ir.ObjectFromAny(s.CurrentValues)
	if err != nil {
		return ir.ImportedEvent{}, fmt.Errorf("currentValues: %w", err)
	}
	meta, err := ir.ObjectFromAny(s.Metadata)
	if err != nil {
		return ir.ImportedEvent{}, fmt.Errorf("metadata: %w", err)
	}
	return ir.ImportedEvent{
		TenantID:       tenantOr(s.Tenant),
		Source:         s.Source,
		SourceDocID:    s.SourceDocID,
		PreviousValues: prev,
		CurrentValues:  cur,
		Metadata:       meta,
	}, nil
}

func toUpdate(s *UpdateStep) (engine.UpdateRequest, error) {
	fields, err := ir.ObjectFromAny(s.Fields)
	if err != nil {
		return engine.UpdateRequest{}, fmt.Errorf("fields: %w", err)
	}
	frags, err := ir.ObjectFromAny(s.Fragments)
	if err != nil {
		return engine.UpdateRequest{}, fmt.Errorf("fragments: %w", err)
	}
	meta := make(map[string]bool, len(fields)+len(frags))
	for k := range fields {
		meta["dynamicFields."+k] = true
	}
	for k := range frags {
		meta["fragments."+k] = true
	}
	return engine.UpdateRequest{
		TenantID:   tenantOr(s.Tenant),
		DomainID:   s.Domain,
		ContextKey: s.ContextKey,
		Proxy:      engine.ProxyPayload{DynamicFields: fields, Fragments: frags},
		Metadata:   meta,
	}, nil
}

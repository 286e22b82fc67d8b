package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/unirep/internal/ir"
)

// Snapshot captures the final state of a scenario run. Timestamps are left
// out so snapshots are stable across runs.
type Snapshot struct {
	ScenarioName string          `json:"scenario_name"`
	Trace        []TraceEvent    `json:"trace"`
	Proxies      []ProxySnapshot `json:"proxies"`
	Errors       []ErrorSnapshot `json:"errors"`
}

// ProxySnapshot is a proxy without its timestamps.
type ProxySnapshot struct {
	TenantID      string      `json:"tenant_id"`
	DomainID      string      `json:"domain_id"`
	ContextKey    string      `json:"context_key"`
	DynamicFields ir.IRObject `json:"dynamic_fields"`
	Fragments     ir.IRObject `json:"fragments,omitempty"`
}

// ErrorSnapshot is a standing error without its timestamps.
type ErrorSnapshot struct {
	TenantID string `json:"tenant_id,omitempty"`
	DomainID string `json:"domain_id"`
	TargetID string `json:"target_id,omitempty"`
	Code     string `json:"code"`
	Class    string `json:"class"`
	Attempts int    `json:"attempts"`
}

const snapshotPageSize = 500

func (h *Harness) snapshot(ctx context.Context, name string, trace []TraceEvent) (*Snapshot, error) {
	snap := &Snapshot{ScenarioName: name, Trace: trace, Proxies: []ProxySnapshot{}, Errors: []ErrorSnapshot{}}

	tenants := make([]string, 0, len(h.tenants))
	for t := range h.tenants {
		tenants = append(tenants, t)
	}
	slices.Sort(tenants)

	seenDomainErr := make(map[string]bool)
	for _, tenant := range tenants {
		for _, domainID := range h.domains {
			for page := 1; ; page++ {
				items, total, err := h.store.ListProxies(ctx, tenant, domainID, page, snapshotPageSize)
				if err != nil {
					return nil, err
				}
				for _, p := range items {
					snap.Proxies = append(snap.Proxies, ProxySnapshot{
						TenantID:      p.TenantID,
						DomainID:      p.DomainID,
						ContextKey:    p.ContextKey,
						DynamicFields: p.DynamicFields,
						Fragments:     p.Fragments,
					})
				}
				if page*snapshotPageSize >= total {
					break
				}
			}
		}

		errs, err := h.store.ListStandingErrors(ctx, tenant)
		if err != nil {
			return nil, err
		}
		for _, e := range errs {
			// Domain-scoped errors are listed for every tenant.
			if e.TenantID == "" {
				if seenDomainErr[e.DomainID+e.Code] {
					continue
				}
				seenDomainErr[e.DomainID+e.Code] = true
			}
			snap.Errors = append(snap.Errors, ErrorSnapshot{
				TenantID: e.TenantID,
				DomainID: e.DomainID,
				TargetID: e.TargetID,
				Code:     e.Code,
				Class:    string(e.Class),
				Attempts: e.Attempts,
			})
		}
	}
	return snap, nil
}

// Canonical renders the snapshot as indented canonical JSON: keys sorted,
// strings normalized.
func (s *Snapshot) Canonical() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	v, err := ir.ParseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	canon, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, canon, "", "  "); err != nil {
		return nil, fmt.Errorf("indent snapshot: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares an existing result's snapshot against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	if result.Snapshot == nil {
		return fmt.Errorf("result has no snapshot")
	}
	data, err := result.Snapshot.Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

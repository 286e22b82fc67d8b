package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/unirep/internal/expr"
	"github.com/roach88/unirep/internal/ir"
)

// ValidateDomain checks a domain definition and its optional policy:
// structure, every expression in the trigger and proxy fields, every
// expression nested in fragment templates, and that the policy can be
// resolved.
func (e *Engine) ValidateDomain(d *ir.Domain, policy *ir.GraphPolicy) error {
	var errs []error
	if err := d.Validate(); err != nil {
		errs = append(errs, err)
	}
	if x := d.Trigger.ContextKeyExpression; x != nil {
		if err := expr.Validate(x); err != nil {
			errs = append(errs, fmt.Errorf("trigger.contextKeyExpression: %w", err))
		}
	}
	if x := d.Trigger.EmitExpression; x != nil {
		if err := expr.Validate(x); err != nil {
			errs = append(errs, fmt.Errorf("trigger.emitExpression: %w", err))
		}
	}
	for _, f := range d.ProxyFields {
		if f.Expression == nil {
			continue
		}
		if err := expr.Validate(f.Expression); err != nil {
			errs = append(errs, fmt.Errorf("proxyFields.%s: %w", f.ID, err))
		}
	}
	if len(d.Fragments) > 0 {
		if err := expr.ValidateTemplate(d.Fragments); err != nil {
			errs = append(errs, fmt.Errorf("fragments: %w", err))
		}
	}
	if policy != nil {
		p := *policy
		if p.GraphID == "" {
			p.GraphID = d.ID
		}
		if err := e.resolver.Supports(p); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RegisterDomain validates and stores a domain and, optionally, its graph
// policy. An invalid definition is not stored; it is recorded as a standing
// configuration error on the domain id and a CONFIGURATION RuntimeError is
// returned.
//
// A successful registration clears the domain's configuration errors,
// resumes its suspended targets and re-evaluates them.
func (e *Engine) RegisterDomain(ctx context.Context, d ir.Domain, policy *ir.GraphPolicy) (PassResult, error) {
	if err := e.ValidateDomain(&d, policy); err != nil {
		cause := NewConfigurationError(d.ID, "invalid domain definition", err)
		if d.ID != "" {
			e.recordDomainError(ctx, d.ID, cause)
		}
		return PassResult{}, cause
	}

	version, err := e.store.PutDomain(ctx, d)
	if err != nil {
		return PassResult{}, persistenceError("put domain", err)
	}
	if policy != nil {
		p := *policy
		p.GraphID = d.ID
		if err := e.store.PutPolicy(ctx, p); err != nil {
			return PassResult{}, persistenceError("put policy", err)
		}
	}
	if err := e.store.ClearDomainConfigErrors(ctx, d.ID); err != nil {
		return PassResult{}, persistenceError("clear domain errors", err)
	}
	resumed, err := e.store.ResumeDomainTargets(ctx, d.ID)
	if err != nil {
		return PassResult{}, persistenceError("resume targets", err)
	}

	slog.Info("domain registered",
		"domain_id", d.ID,
		"version", version,
		"sources", d.Trigger.Sources,
		"fields", len(d.ProxyFields),
		"resumed", len(resumed),
	)

	byTenant := make(map[string][]ir.TargetID)
	for _, n := range resumed {
		byTenant[n.TenantID] = append(byTenant[n.TenantID], n.Target)
	}
	var total PassResult
	for _, tenant := range sortedKeys(byTenant) {
		res, err := e.Pass(ctx, tenant, byTenant[tenant]...)
		total.Add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

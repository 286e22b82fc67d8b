package engine

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/unirep/internal/expr"
	"github.com/roach88/unirep/internal/ir"
)

// renderTouched re-renders fragment templates of every proxy whose fields
// changed during the pass.
func (p *pass) renderTouched(ctx context.Context) {
	keys := make([]ir.ProxyKey, 0, len(p.touched))
	for k := range p.touched {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b ir.ProxyKey) int {
		if c := strings.Compare(a.DomainID, b.DomainID); c != 0 {
			return c
		}
		return strings.Compare(a.ContextKey, b.ContextKey)
	})

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		dom, err := p.domain(ctx, key.DomainID)
		if err != nil {
			slog.Error("render fragments: load domain", "domain_id", key.DomainID, "error", err)
			continue
		}
		if dom.domain == nil || !dom.healthy || len(dom.domain.Fragments) == 0 {
			continue
		}
		p.e.renderFragments(ctx, p.tenant, key, dom.domain)
	}
}

// renderFragments evaluates every expression nested in the domain's fragment
// templates against the proxy and stores the rendered documents. Fragments
// asserted by a parent are left alone.
func (e *Engine) renderFragments(ctx context.Context, tenantID string, key ir.ProxyKey, d *ir.Domain) {
	proxy, err := e.store.GetProxy(ctx, tenantID, key.DomainID, key.ContextKey)
	if err != nil {
		slog.Error("render fragments: load proxy",
			"tenant_id", tenantID,
			"domain_id", key.DomainID,
			"context_key", key.ContextKey,
			"error", err,
		)
		return
	}

	rec := newDepRecorder(ctx, e.store, tenantID)
	env := &expr.Env{
		TenantID:  tenantID,
		Target:    key.Target(""),
		Fragments: proxy.Fragments,
		Resolve:   rec.resolve,
	}
	rendered := make(ir.IRObject, len(d.Fragments))
	for _, name := range d.Fragments.SortedKeys() {
		if slices.Contains(proxy.AssertedFragments, name) {
			continue
		}
		out, err := expr.Render(d.Fragments[name], expr.EvalRenderer(env))
		switch {
		case rec.err != nil:
			slog.Error("render fragments: resolve reference",
				"tenant_id", tenantID,
				"domain_id", key.DomainID,
				"context_key", key.ContextKey,
				"error", rec.err,
			)
			return
		case err != nil && expr.Class(err) == ir.ClassData:
			slog.Warn("fragment render failed",
				"tenant_id", tenantID,
				"domain_id", key.DomainID,
				"context_key", key.ContextKey,
				"fragment", name,
				"error", err,
			)
			continue
		case err != nil:
			e.recordDomainError(ctx, d.ID, NewConfigurationError(d.ID, "fragment "+name+" cannot be rendered", err))
			return
		}
		rendered[name] = out
	}
	if len(rendered) == 0 {
		return
	}

	if _, err := e.store.SetRenderedFragments(ctx, tenantID, key, rendered); err != nil {
		slog.Error("render fragments: store",
			"tenant_id", tenantID,
			"domain_id", key.DomainID,
			"context_key", key.ContextKey,
			"error", err,
		)
		return
	}
	slog.Debug("fragments rendered",
		"tenant_id", tenantID,
		"domain_id", key.DomainID,
		"context_key", key.ContextKey,
		"fragments", len(rendered),
	)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// ErrInvalidUpdate is returned for malformed proxy update requests.
var ErrInvalidUpdate = errors.New("invalid proxy update")

// Metadata key prefixes of a proxy update.
const (
	updatePrefixField    = "dynamicFields."
	updatePrefixFragment = "fragments."
)

// ProxyPayload is the partial proxy carried by an update.
type ProxyPayload struct {
	DynamicFields ir.IRObject `json:"dynamicFields"`
	Fragments     ir.IRObject `json:"fragments"`
}

// UpdateRequest pushes parent-asserted values into one proxy. Only keys
// flagged true in Metadata are applied: "dynamicFields.<fieldId>" and
// "fragments.<name>". Everything else in Proxy is ignored.
type UpdateRequest struct {
	TenantID   string          `json:"tenantId"`
	DomainID   string          `json:"domainId"`
	ContextKey string          `json:"contextKey"`
	Proxy      ProxyPayload    `json:"proxy"`
	Metadata   map[string]bool `json:"metadata"`
}

// UpdateProxy applies a parent update and propagates it synchronously.
//
// Flagged fragments are written and pinned against template rendering.
// Flagged fields are staged as parent contributions and their targets, plus
// everything depending on them, are re-evaluated in one pass; the vertical
// policy lets the asserted value win over the locally computed one. Fields
// that are not flagged are not touched.
func (e *Engine) UpdateProxy(ctx context.Context, req UpdateRequest) (PassResult, error) {
	if req.TenantID == "" || req.DomainID == "" || req.ContextKey == "" {
		return PassResult{}, fmt.Errorf("%w: tenantId, domainId and contextKey are required", ErrInvalidUpdate)
	}
	d, err := e.store.GetDomain(ctx, req.DomainID)
	if errors.Is(err, store.ErrNotFound) {
		return PassResult{}, fmt.Errorf("%w: unknown domain %q", ErrInvalidUpdate, req.DomainID)
	}
	if err != nil {
		return PassResult{}, persistenceError("load domain", err)
	}

	fields, fragments, err := touchedKeys(&d, req)
	if err != nil {
		return PassResult{}, err
	}
	key := ir.ProxyKey{DomainID: req.DomainID, ContextKey: req.ContextKey}

	if len(fragments) > 0 {
		asserted := make(ir.IRObject, len(fragments))
		for _, name := range fragments {
			asserted[name] = req.Proxy.Fragments[name]
		}
		if _, err := e.store.AssertFragments(ctx, req.TenantID, key, asserted); err != nil {
			return PassResult{}, persistenceError("assert fragments", err)
		}
	}

	targets := make([]ir.TargetID, 0, len(fields))
	for _, fieldID := range fields {
		t := key.Target(fieldID)
		c := ir.Contribution{
			Kind:  ir.ContributionParent,
			Value: ir.NewLiteral(req.Proxy.DynamicFields[fieldID]),
		}
		if err := e.stage(ctx, req.TenantID, t, c); err != nil {
			return PassResult{}, err
		}
		targets = append(targets, t)
	}

	slog.Info("proxy update accepted",
		"tenant_id", req.TenantID,
		"domain_id", req.DomainID,
		"context_key", req.ContextKey,
		"fields", len(fields),
		"fragments", len(fragments),
	)
	return e.Pass(ctx, req.TenantID, targets...)
}

// touchedKeys validates the metadata map and returns the flagged field ids
// and fragment names, sorted.
func touchedKeys(d *ir.Domain, req UpdateRequest) (fields, fragments []string, err error) {
	for k, touched := range req.Metadata {
		if !touched {
			continue
		}
		switch {
		case strings.HasPrefix(k, updatePrefixField):
			id := strings.TrimPrefix(k, updatePrefixField)
			if _, ok := d.Field(id); !ok {
				return nil, nil, fmt.Errorf("%w: domain %s has no field %q", ErrInvalidUpdate, d.ID, id)
			}
			if _, ok := req.Proxy.DynamicFields[id]; !ok {
				return nil, nil, fmt.Errorf("%w: %s flagged but missing from payload", ErrInvalidUpdate, k)
			}
			fields = append(fields, id)
		case strings.HasPrefix(k, updatePrefixFragment):
			name := strings.TrimPrefix(k, updatePrefixFragment)
			if name == "" {
				return nil, nil, fmt.Errorf("%w: empty fragment name", ErrInvalidUpdate)
			}
			if _, ok := req.Proxy.Fragments[name]; !ok {
				return nil, nil, fmt.Errorf("%w: %s flagged but missing from payload", ErrInvalidUpdate, k)
			}
			fragments = append(fragments, name)
		default:
			return nil, nil, fmt.Errorf("%w: unsupported metadata key %q", ErrInvalidUpdate, k)
		}
	}
	slices.Sort(fields)
	slices.Sort(fragments)
	return fields, fragments, nil
}

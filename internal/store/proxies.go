package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/unirep/internal/ir"
)

const proxyColumns = `tenant_id, domain_id, context_key, dynamic_fields, fragments, asserted_fragments, created_at, updated_at`

// Commit is the outcome of one target evaluation, persisted atomically.
type Commit struct {
	TenantID string
	Target   ir.TargetID

	// Value is written to dynamicFields[Target.FieldID]. Only that key of the
	// proxy is touched.
	Value ir.IRValue

	// DependsOn replaces the outgoing edges of the target.
	DependsOn []ir.TargetID

	// Apply updates node bookkeeping (status, applied seq, pending) inside
	// the same transaction.
	Apply func(*ir.GraphNode)
}

// CommitTarget writes one field value, its node state and its edges in a
// single transaction. The proxy is created on first write.
func (s *Store) CommitTarget(ctx context.Context, c Commit) (ir.GraphNode, error) {
	var out ir.GraphNode
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		key := c.Target.ProxyKey()
		p, err := readProxyTx(ctx, tx, c.TenantID, key)
		if err != nil {
			return err
		}
		value := c.Value
		if value == nil {
			value = ir.IRNull{}
		}
		p.DynamicFields[c.Target.FieldID] = value
		p.UpdatedAt = s.now()
		if err := saveProxyTx(ctx, tx, p); err != nil {
			return err
		}

		n, err := readNodeTx(ctx, tx, c.TenantID, c.Target)
		if err != nil {
			return err
		}
		if c.Apply != nil {
			c.Apply(&n)
		}
		n.UpdatedAt = s.now()
		if err := saveNodeTx(ctx, tx, n); err != nil {
			return err
		}
		if err := replaceEdgesTx(ctx, tx, c.TenantID, c.Target, c.DependsOn); err != nil {
			return err
		}
		n.DependsOn = c.DependsOn
		out = n
		return nil
	})
	if err != nil {
		return ir.GraphNode{}, fmt.Errorf("commit %s: %w", c.Target, err)
	}
	return out, nil
}

// GetProxy returns one proxy. Returns ErrNotFound if it was never materialized.
func (s *Store) GetProxy(ctx context.Context, tenantID, domainID, contextKey string) (ir.Proxy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proxyColumns+` FROM proxies
		WHERE tenant_id = ? AND domain_id = ? AND context_key = ?
	`, tenantID, domainID, contextKey)
	p, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Proxy{}, ErrNotFound
	}
	if err != nil {
		return ir.Proxy{}, fmt.Errorf("get proxy: %w", err)
	}
	return p, nil
}

// GetProxyField returns a single materialized field value. The boolean is
// false when the proxy or the field does not exist.
func (s *Store) GetProxyField(ctx context.Context, tenantID string, target ir.TargetID) (ir.IRValue, bool, error) {
	p, err := s.GetProxy(ctx, tenantID, target.DomainID, target.ContextKey)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, ok := p.DynamicFields[target.FieldID]
	return v, ok, nil
}

// ListProxies returns one page of a tenant's proxies for a domain, ordered by
// context key, and the total count. page is 1-based.
func (s *Store) ListProxies(ctx context.Context, tenantID, domainID string, page, pageSize int) ([]ir.Proxy, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proxies WHERE tenant_id = ? AND domain_id = ?
	`, tenantID, domainID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count proxies: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proxyColumns+` FROM proxies
		WHERE tenant_id = ? AND domain_id = ?
		ORDER BY context_key COLLATE BINARY ASC
		LIMIT ? OFFSET ?
	`, tenantID, domainID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	out := []ir.Proxy{}
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan proxy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate proxies: %w", err)
	}
	return out, total, nil
}

// UpdateProxy reads, modifies and writes a proxy in one transaction. The
// proxy is created if absent.
func (s *Store) UpdateProxy(ctx context.Context, tenantID string, key ir.ProxyKey, fn func(*ir.Proxy) error) (ir.Proxy, error) {
	var out ir.Proxy
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := readProxyTx(ctx, tx, tenantID, key)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		if err := saveProxyTx(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return ir.Proxy{}, fmt.Errorf("update proxy %s/%s: %w", key.DomainID, key.ContextKey, err)
	}
	return out, nil
}

// SetRenderedFragments writes template-rendered fragments. Fragments asserted
// by a parent are left untouched.
func (s *Store) SetRenderedFragments(ctx context.Context, tenantID string, key ir.ProxyKey, rendered ir.IRObject) (ir.Proxy, error) {
	return s.UpdateProxy(ctx, tenantID, key, func(p *ir.Proxy) error {
		for name, v := range rendered {
			if slices.Contains(p.AssertedFragments, name) {
				continue
			}
			p.Fragments[name] = v
		}
		return nil
	})
}

// AssertFragments writes parent-asserted fragments and pins them against
// template rendering.
func (s *Store) AssertFragments(ctx context.Context, tenantID string, key ir.ProxyKey, asserted ir.IRObject) (ir.Proxy, error) {
	return s.UpdateProxy(ctx, tenantID, key, func(p *ir.Proxy) error {
		for _, name := range asserted.SortedKeys() {
			p.Fragments[name] = asserted[name]
			if !slices.Contains(p.AssertedFragments, name) {
				p.AssertedFragments = append(p.AssertedFragments, name)
			}
		}
		slices.Sort(p.AssertedFragments)
		return nil
	})
}

func readProxyTx(ctx context.Context, tx *sql.Tx, tenantID string, key ir.ProxyKey) (ir.Proxy, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+proxyColumns+` FROM proxies
		WHERE tenant_id = ? AND domain_id = ? AND context_key = ?
	`, tenantID, key.DomainID, key.ContextKey)
	p, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Proxy{
			TenantID:      tenantID,
			DomainID:      key.DomainID,
			ContextKey:    key.ContextKey,
			DynamicFields: ir.IRObject{},
			Fragments:     ir.IRObject{},
		}, nil
	}
	if err != nil {
		return ir.Proxy{}, fmt.Errorf("read proxy: %w", err)
	}
	return p, nil
}

func saveProxyTx(ctx context.Context, tx *sql.Tx, p ir.Proxy) error {
	fields, err := marshalObject(p.DynamicFields)
	if err != nil {
		return err
	}
	frags, err := marshalObject(p.Fragments)
	if err != nil {
		return err
	}
	asserted := "[]"
	if len(p.AssertedFragments) > 0 {
		if asserted, err = marshalJSON(p.AssertedFragments); err != nil {
			return err
		}
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = p.UpdatedAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proxies
		(tenant_id, domain_id, context_key, proxy_id, dynamic_fields, fragments, asserted_fragments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, domain_id, context_key) DO UPDATE SET
			dynamic_fields = excluded.dynamic_fields,
			fragments = excluded.fragments,
			asserted_fragments = excluded.asserted_fragments,
			updated_at = excluded.updated_at
	`, p.TenantID, p.DomainID, p.ContextKey, p.ID(), fields, frags, asserted,
		formatTime(created), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save proxy: %w", err)
	}
	return nil
}

func scanProxy(row rowScanner) (ir.Proxy, error) {
	var (
		p                       ir.Proxy
		fields, frags, asserted string
		createdAt, updatedAt    string
	)
	err := row.Scan(&p.TenantID, &p.DomainID, &p.ContextKey, &fields, &frags, &asserted, &createdAt, &updatedAt)
	if err != nil {
		return ir.Proxy{}, err
	}
	if p.DynamicFields, err = unmarshalObject(fields); err != nil {
		return ir.Proxy{}, err
	}
	if p.Fragments, err = unmarshalObject(frags); err != nil {
		return ir.Proxy{}, err
	}
	if p.AssertedFragments, err = unmarshalStrings(asserted); err != nil {
		return ir.Proxy{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Proxy{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ir.Proxy{}, err
	}
	return p, nil
}

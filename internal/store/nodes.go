package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/unirep/internal/ir"
)

const nodeColumns = `tenant_id, domain_id, context_key, field_id, status, last_event_id, applied_seq,
	pending, attempts, cycle_deferrals, suspended, next_attempt_at, last_error, updated_at`

// GetNode returns one graph node with both edge directions filled.
// Returns ErrNotFound if the target has never been touched.
func (s *Store) GetNode(ctx context.Context, tenantID string, target ir.TargetID) (ir.GraphNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE tenant_id = ? AND target_id = ?`,
		tenantID, target.String())
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.GraphNode{}, ErrNotFound
	}
	if err != nil {
		return ir.GraphNode{}, fmt.Errorf("get node: %w", err)
	}
	if n.DependsOn, err = s.edgeTargets(ctx, `SELECT to_target FROM graph_edges WHERE tenant_id = ? AND from_target = ? ORDER BY to_target`, tenantID, target); err != nil {
		return ir.GraphNode{}, err
	}
	if n.DependedBy, err = s.edgeTargets(ctx, `SELECT from_target FROM graph_edges WHERE tenant_id = ? AND to_target = ? ORDER BY from_target`, tenantID, target); err != nil {
		return ir.GraphNode{}, err
	}
	return n, nil
}

// LoadGraph returns every node of a tenant with DependsOn filled, ordered by
// target id. Used to rebuild the in-memory graph after restart.
func (s *Store) LoadGraph(ctx context.Context, tenantID string) ([]ir.GraphNode, error) {
	nodes, err := s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE tenant_id = ? ORDER BY target_id COLLATE BINARY`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.Target.String()] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_target, to_target FROM graph_edges
		WHERE tenant_id = ?
		ORDER BY from_target, to_target
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		i, ok := index[from]
		if !ok {
			continue
		}
		t, err := ir.ParseTargetID(to)
		if err != nil {
			return nil, err
		}
		nodes[i].DependsOn = append(nodes[i].DependsOn, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return nodes, nil
}

// ListTenants returns every tenant with at least one graph node.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM graph_nodes ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateNode reads, modifies and writes a node in one transaction. A node
// that does not exist yet starts out DIRTY. Edges are not touched.
func (s *Store) UpdateNode(ctx context.Context, tenantID string, target ir.TargetID, fn func(*ir.GraphNode) error) (ir.GraphNode, error) {
	var out ir.GraphNode
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := readNodeTx(ctx, tx, tenantID, target)
		if err != nil {
			return err
		}
		if err := fn(&n); err != nil {
			return err
		}
		n.UpdatedAt = s.now()
		if err := saveNodeTx(ctx, tx, n); err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return ir.GraphNode{}, fmt.Errorf("update node %s: %w", target, err)
	}
	return out, nil
}

// SetNodesDirty marks targets DIRTY, creating nodes that do not exist yet.
// Other node state is preserved.
func (s *Store) SetNodesDirty(ctx context.Context, tenantID string, targets ...ir.TargetID) error {
	if len(targets) == 0 {
		return nil
	}
	now := formatTime(s.now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range targets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO graph_nodes (tenant_id, target_id, domain_id, context_key, field_id, status, updated_at)
				VALUES (?, ?, ?, ?, ?, 'DIRTY', ?)
				ON CONFLICT(tenant_id, target_id) DO UPDATE SET status = 'DIRTY', updated_at = excluded.updated_at
			`, tenantID, t.String(), t.DomainID, t.ContextKey, t.FieldID, now)
			if err != nil {
				return fmt.Errorf("mark %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set nodes dirty: %w", err)
	}
	return nil
}

// ListRetryable returns DIRTY, non-suspended nodes whose retry deadline has
// passed (or was never set), across all tenants.
func (s *Store) ListRetryable(ctx context.Context, now time.Time, limit int) ([]ir.GraphNode, error) {
	nodes, err := s.queryNodes(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE status = 'DIRTY' AND suspended = 0
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY tenant_id, target_id COLLATE BINARY
		LIMIT ?
	`, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	return nodes, nil
}

// ListSuspended returns suspended nodes of a tenant, or of every tenant when
// tenantID is empty.
func (s *Store) ListSuspended(ctx context.Context, tenantID string) ([]ir.GraphNode, error) {
	nodes, err := s.queryNodes(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE suspended = 1 AND (? = '' OR tenant_id = ?)
		ORDER BY tenant_id, target_id COLLATE BINARY
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list suspended: %w", err)
	}
	return nodes, nil
}

// ResumeDomainTargets lifts suspension and resets retry counters for every
// target of a domain. last_error is kept so the next successful evaluation
// clears the matching standing error. Returns the resumed nodes.
func (s *Store) ResumeDomainTargets(ctx context.Context, domainID string) ([]ir.GraphNode, error) {
	var out []ir.GraphNode
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE domain_id = ? AND suspended = 1 ORDER BY tenant_id, target_id`, domainID)
		if err != nil {
			return err
		}
		out = out[:0]
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, n)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE graph_nodes
			SET suspended = 0, attempts = 0, cycle_deferrals = 0, next_attempt_at = NULL, updated_at = ?
			WHERE domain_id = ? AND suspended = 1
		`, formatTime(s.now()), domainID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resume domain %s: %w", domainID, err)
	}
	for i := range out {
		out[i].Suspended = false
		out[i].Attempts = 0
		out[i].CycleDeferrals = 0
		out[i].NextAttemptAt = nil
	}
	return out, nil
}

func (s *Store) edgeTargets(ctx context.Context, query, tenantID string, target ir.TargetID) ([]ir.TargetID, error) {
	rows, err := s.db.QueryContext(ctx, query, tenantID, target.String())
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	var out []ir.TargetID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		t, err := ir.ParseTargetID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]ir.GraphNode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ir.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func readNodeTx(ctx context.Context, tx *sql.Tx, tenantID string, target ir.TargetID) (ir.GraphNode, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE tenant_id = ? AND target_id = ?`,
		tenantID, target.String())
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.GraphNode{TenantID: tenantID, Target: target, Status: ir.NodeDirty}, nil
	}
	if err != nil {
		return ir.GraphNode{}, fmt.Errorf("read node: %w", err)
	}
	return n, nil
}

func saveNodeTx(ctx context.Context, tx *sql.Tx, n ir.GraphNode) error {
	pending := "[]"
	if len(n.Pending) > 0 {
		var err error
		if pending, err = marshalJSON(n.Pending); err != nil {
			return fmt.Errorf("marshal pending: %w", err)
		}
	}
	if n.Status == "" {
		n.Status = ir.NodeDirty
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO graph_nodes
		(tenant_id, target_id, domain_id, context_key, field_id, status, last_event_id, applied_seq,
		 pending, attempts, cycle_deferrals, suspended, next_attempt_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, target_id) DO UPDATE SET
			status = excluded.status,
			last_event_id = excluded.last_event_id,
			applied_seq = excluded.applied_seq,
			pending = excluded.pending,
			attempts = excluded.attempts,
			cycle_deferrals = excluded.cycle_deferrals,
			suspended = excluded.suspended,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, n.TenantID, n.Target.String(), n.Target.DomainID, n.Target.ContextKey, n.Target.FieldID,
		string(n.Status), n.LastEventID, n.AppliedSeq, pending, n.Attempts, n.CycleDeferrals,
		boolToInt(n.Suspended), timeToNanos(n.NextAttemptAt), n.LastError, formatTime(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	return nil
}

// replaceEdgesTx swaps the outgoing edges of from for deps.
func replaceEdgesTx(ctx context.Context, tx *sql.Tx, tenantID string, from ir.TargetID, deps []ir.TargetID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE tenant_id = ? AND from_target = ?`, tenantID, from.String()); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges (tenant_id, from_target, to_target) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, tenantID, from.String(), d.String()); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}
	return nil
}

func scanNode(row rowScanner) (ir.GraphNode, error) {
	var (
		n                             ir.GraphNode
		domainID, contextKey, fieldID string
		status, pending, updatedAt    string
		suspended                     int
		nextAttempt                   sql.NullInt64
	)
	err := row.Scan(&n.TenantID, &domainID, &contextKey, &fieldID, &status, &n.LastEventID, &n.AppliedSeq,
		&pending, &n.Attempts, &n.CycleDeferrals, &suspended, &nextAttempt, &n.LastError, &updatedAt)
	if err != nil {
		return ir.GraphNode{}, err
	}
	n.Target = ir.TargetID{DomainID: domainID, ContextKey: contextKey, FieldID: fieldID}
	n.Status = ir.NodeStatus(status)
	n.Suspended = suspended == 1
	n.NextAttemptAt = nanosToTime(nextAttempt)
	if n.Pending, err = unmarshalContributions(pending); err != nil {
		return ir.GraphNode{}, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ir.GraphNode{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return n, nil
}

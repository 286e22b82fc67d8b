package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/unirep/internal/ir"
)

// PutPolicy inserts or replaces a graph policy.
func (s *Store) PutPolicy(ctx context.Context, p ir.GraphPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	if p.ParentOrder == "" {
		p.ParentOrder = ir.ParentLatest
	}
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_policies (graph_id, horizontal, vertical, parent_order, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(graph_id) DO UPDATE SET
				horizontal = excluded.horizontal,
				vertical = excluded.vertical,
				parent_order = excluded.parent_order,
				updated_at = excluded.updated_at
		`, p.GraphID, string(p.Horizontal), string(p.Vertical), string(p.ParentOrder), formatTime(s.now()))
		return err
	})
	if err != nil {
		return fmt.Errorf("put policy %s: %w", p.GraphID, err)
	}
	return nil
}

// GetPolicy returns the policy for graphID, falling back to the stored
// default graph and then to ir.DefaultPolicy.
func (s *Store) GetPolicy(ctx context.Context, graphID string) (ir.GraphPolicy, error) {
	for _, id := range []string{graphID, ir.DefaultGraphID} {
		if id == "" {
			continue
		}
		var p ir.GraphPolicy
		var horizontal, vertical, order string
		err := s.db.QueryRowContext(ctx, `
			SELECT graph_id, horizontal, vertical, parent_order FROM graph_policies WHERE graph_id = ?
		`, id).Scan(&p.GraphID, &horizontal, &vertical, &order)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return ir.GraphPolicy{}, fmt.Errorf("get policy: %w", err)
		}
		p.Horizontal = ir.HorizontalPolicy(horizontal)
		p.Vertical = ir.VerticalPolicy(vertical)
		p.ParentOrder = ir.ParentOrder(order)
		return p, nil
	}
	return ir.DefaultPolicy(), nil
}

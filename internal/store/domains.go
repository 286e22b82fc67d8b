package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/unirep/internal/ir"
)

// PutDomain inserts or replaces a domain definition and its source index.
// Returns the stored version, which increments on every replacement.
func (s *Store) PutDomain(ctx context.Context, d ir.Domain) (int, error) {
	def, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("put domain: marshal: %w", err)
	}
	now := formatTime(s.now())

	var version int
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO domains (id, name, definition, version, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				definition = excluded.definition,
				version = domains.version + 1,
				updated_at = excluded.updated_at
		`, d.ID, d.Name, string(def), now, now)
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM domain_sources WHERE domain_id = ?`, d.ID); err != nil {
			return fmt.Errorf("clear sources: %w", err)
		}
		for _, src := range d.Trigger.Sources {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO domain_sources (source, domain_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING
			`, src, d.ID); err != nil {
				return fmt.Errorf("insert source: %w", err)
			}
		}
		return tx.QueryRowContext(ctx, `SELECT version FROM domains WHERE id = ?`, d.ID).Scan(&version)
	})
	if err != nil {
		return 0, fmt.Errorf("put domain %s: %w", d.ID, err)
	}
	return version, nil
}

// GetDomain returns a domain by id. Returns ErrNotFound if absent.
func (s *Store) GetDomain(ctx context.Context, id string) (ir.Domain, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM domains WHERE id = ?`, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Domain{}, ErrNotFound
	}
	if err != nil {
		return ir.Domain{}, fmt.Errorf("get domain: %w", err)
	}
	return decodeDomain(def)
}

// ListDomains returns all domains ordered by id.
func (s *Store) ListDomains(ctx context.Context) ([]ir.Domain, error) {
	return s.queryDomains(ctx, `SELECT definition FROM domains ORDER BY id COLLATE BINARY ASC`)
}

// DomainsForSource returns the domains whose trigger lists source, ordered by id.
func (s *Store) DomainsForSource(ctx context.Context, source string) ([]ir.Domain, error) {
	return s.queryDomains(ctx, `
		SELECT d.definition
		FROM domains d
		JOIN domain_sources ds ON ds.domain_id = d.id
		WHERE ds.source = ?
		ORDER BY d.id COLLATE BINARY ASC
	`, source)
}

// DeleteDomain removes a domain definition. Materialized proxies are kept.
func (s *Store) DeleteDomain(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM domain_sources WHERE domain_id = ?`, id); err != nil {
			return fmt.Errorf("delete sources: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM domains WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete domain: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) queryDomains(ctx context.Context, query string, args ...any) ([]ir.Domain, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	var out []ir.Domain
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		d, err := decodeDomain(def)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return out, nil
}

func decodeDomain(def string) (ir.Domain, error) {
	var d ir.Domain
	if err := json.Unmarshal([]byte(def), &d); err != nil {
		return ir.Domain{}, fmt.Errorf("decode domain: %w", err)
	}
	return d, nil
}

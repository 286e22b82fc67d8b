package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/unirep/internal/ir"
)

const standingColumns = `tenant_id, domain_id, target_id, scope, code, class, message, attempts, created_at, updated_at`

// PutStandingError records or refreshes a standing error. created_at is kept
// from the first occurrence.
func (s *Store) PutStandingError(ctx context.Context, e ir.StandingError) error {
	if e.Scope == ir.ScopeDomain {
		e.TenantID = ""
		e.TargetID = ""
	}
	now := formatTime(s.now())
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO standing_errors (`+standingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, domain_id, target_id) DO UPDATE SET
				scope = excluded.scope,
				code = excluded.code,
				class = excluded.class,
				message = excluded.message,
				attempts = excluded.attempts,
				updated_at = excluded.updated_at
		`, e.TenantID, e.DomainID, e.TargetID, string(e.Scope), e.Code, string(e.Class), e.Message, e.Attempts, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("put standing error: %w", err)
	}
	return nil
}

// ClearTargetError removes the standing error of one target, if any.
func (s *Store) ClearTargetError(ctx context.Context, tenantID string, target ir.TargetID) error {
	return s.exec(ctx, "clear target error", `
		DELETE FROM standing_errors WHERE tenant_id = ? AND domain_id = ? AND target_id = ?
	`, tenantID, target.DomainID, target.String())
}

// ClearDomainConfigErrors removes every configuration-class error attached to
// a domain or to any of its targets. Data errors stay until the target commits.
func (s *Store) ClearDomainConfigErrors(ctx context.Context, domainID string) error {
	return s.exec(ctx, "clear domain errors", `
		DELETE FROM standing_errors WHERE domain_id = ? AND class = 'configuration'
	`, domainID)
}

// DomainStandingError returns the domain-scoped error of a domain.
// Returns ErrNotFound if the domain is healthy.
func (s *Store) DomainStandingError(ctx context.Context, domainID string) (ir.StandingError, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+standingColumns+` FROM standing_errors
		WHERE tenant_id = '' AND domain_id = ? AND target_id = ''
	`, domainID)
	e, err := scanStandingError(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.StandingError{}, ErrNotFound
	}
	if err != nil {
		return ir.StandingError{}, fmt.Errorf("domain standing error: %w", err)
	}
	return e, nil
}

// TargetStandingError returns the standing error of one target.
// Returns ErrNotFound if the target has none.
func (s *Store) TargetStandingError(ctx context.Context, tenantID string, target ir.TargetID) (ir.StandingError, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+standingColumns+` FROM standing_errors
		WHERE tenant_id = ? AND domain_id = ? AND target_id = ?
	`, tenantID, target.DomainID, target.String())
	e, err := scanStandingError(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.StandingError{}, ErrNotFound
	}
	if err != nil {
		return ir.StandingError{}, fmt.Errorf("target standing error: %w", err)
	}
	return e, nil
}

// ListStandingErrors returns standing errors visible to a tenant: its own
// target errors plus every domain-scoped error. An empty tenantID lists all.
func (s *Store) ListStandingErrors(ctx context.Context, tenantID string) ([]ir.StandingError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+standingColumns+` FROM standing_errors
		WHERE ? = '' OR tenant_id = ? OR scope = 'domain'
		ORDER BY domain_id, tenant_id, target_id
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list standing errors: %w", err)
	}
	defer rows.Close()

	out := []ir.StandingError{}
	for rows.Next() {
		e, err := scanStandingError(rows)
		if err != nil {
			return nil, fmt.Errorf("scan standing error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate standing errors: %w", err)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func scanStandingError(row rowScanner) (ir.StandingError, error) {
	var (
		e                    ir.StandingError
		scope, class         string
		createdAt, updatedAt string
	)
	err := row.Scan(&e.TenantID, &e.DomainID, &e.TargetID, &scope, &e.Code, &class, &e.Message, &e.Attempts, &createdAt, &updatedAt)
	if err != nil {
		return ir.StandingError{}, err
	}
	e.Scope = ir.ErrorScope(scope)
	e.Class = ir.ErrorClass(class)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.StandingError{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ir.StandingError{}, err
	}
	return e, nil
}

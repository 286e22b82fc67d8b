package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/unirep/internal/ir"
)

// replayPageSize bounds how many events are read per page during replay.
const replayPageSize = 200

const eventColumns = `seq, id, tenant_id, source, source_doc_id, previous_values, current_values,
	metadata, content_hash, processed, created_at, processed_at`

// AppendEvent appends an imported event to the log and returns the stored
// record. If an unprocessed event with the same (tenant, source, document,
// content hash) already exists, the existing record is returned and inserted
// is false: duplicates are coalesced, never double counted.
//
// ev.ID must be set by the caller; ContentHash is computed here.
func (s *Store) AppendEvent(ctx context.Context, ev ir.ImportedEvent) (stored ir.ImportedEvent, inserted bool, err error) {
	if ev.ID == "" {
		return ir.ImportedEvent{}, false, errors.New("append event: id is required")
	}
	if err := ev.Validate(); err != nil {
		return ir.ImportedEvent{}, false, fmt.Errorf("append event: %w", err)
	}

	hash, err := ir.EventContentHash(ev.TenantID, ev.Source, ev.SourceDocID, ev.CurrentValues)
	if err != nil {
		return ir.ImportedEvent{}, false, fmt.Errorf("append event: %w", err)
	}
	prev, err := marshalObject(ev.PreviousValues)
	if err != nil {
		return ir.ImportedEvent{}, false, fmt.Errorf("append event: %w", err)
	}
	cur, err := marshalObject(ev.CurrentValues)
	if err != nil {
		return ir.ImportedEvent{}, false, fmt.Errorf("append event: %w", err)
	}
	meta, err := marshalObject(ev.Metadata)
	if err != nil {
		return ir.ImportedEvent{}, false, fmt.Errorf("append event: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO imported_events
			(id, tenant_id, source, source_doc_id, previous_values, current_values, metadata, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, ev.ID, ev.TenantID, ev.Source, ev.SourceDocID, prev, cur, meta, hash, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		inserted = n == 1

		// The new row, the coalesced unprocessed duplicate, or an earlier
		// append of the same id. At most one unprocessed row matches the
		// content tuple, so unprocessed rows sort first.
		row := tx.QueryRowContext(ctx, `
			SELECT `+eventColumns+`
			FROM imported_events
			WHERE (tenant_id = ? AND source = ? AND source_doc_id = ? AND content_hash = ? AND processed = 0)
			   OR id = ?
			ORDER BY processed ASC, seq ASC
			LIMIT 1
		`, ev.TenantID, ev.Source, ev.SourceDocID, hash, ev.ID)
		stored, err = scanEvent(row)
		return err
	})
	if err != nil {
		return ir.ImportedEvent{}, false, fmt.Errorf("append event: %w", err)
	}
	return stored, inserted, nil
}

// PullUnprocessed leases up to batchSize unprocessed events in log order.
// Leased events are invisible to other pullers until the lease expires, so an
// abandoned batch is re-pulled after leaseTTL. Downstream steps are idempotent.
func (s *Store) PullUnprocessed(ctx context.Context, batchSize int, leaseTTL time.Duration) ([]ir.ImportedEvent, error) {
	if batchSize <= 0 {
		return []ir.ImportedEvent{}, nil
	}

	var events []ir.ImportedEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		events = events[:0]
		now := s.now()
		rows, err := tx.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM imported_events
			WHERE processed = 0 AND (lease_until IS NULL OR lease_until <= ?)
			ORDER BY seq ASC
			LIMIT ?
		`, now.UnixNano(), batchSize)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			events = append(events, ev)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate: %w", err)
		}

		leaseUntil := now.Add(leaseTTL).UnixNano()
		for _, ev := range events {
			if _, err := tx.ExecContext(ctx, `UPDATE imported_events SET lease_until = ? WHERE id = ?`, leaseUntil, ev.ID); err != nil {
				return fmt.Errorf("lease: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pull unprocessed: %w", err)
	}
	if events == nil {
		events = []ir.ImportedEvent{}
	}
	return events, nil
}

// MarkProcessed flags events as consumed. Already-processed events are left
// untouched, so a partially failed batch can be marked again safely.
func (s *Store) MarkProcessed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(s.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE imported_events SET processed = 1, processed_at = ?, lease_until = NULL
		WHERE processed = 0 AND id IN (` + placeholders(len(ids)) + `)`

	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// GetEvent retrieves a single event by id. Returns ErrNotFound if absent.
func (s *Store) GetEvent(ctx context.Context, id string) (ir.ImportedEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM imported_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ImportedEvent{}, ErrNotFound
	}
	if err != nil {
		return ir.ImportedEvent{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// CountUnprocessed returns the number of events not yet consumed.
func (s *Store) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM imported_events WHERE processed = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

// ReplayEvents calls fn for every event in log order, reading in pages.
// Returning an error from fn stops the replay.
func (s *Store) ReplayEvents(ctx context.Context, fn func(ir.ImportedEvent) error) error {
	var after int64
	for {
		page, err := s.readEventPage(ctx, after, replayPageSize)
		if err != nil {
			return fmt.Errorf("replay events: %w", err)
		}
		for _, ev := range page {
			if err := fn(ev); err != nil {
				return err
			}
			after = ev.Seq
		}
		if len(page) < replayPageSize {
			return nil
		}
	}
}

func (s *Store) readEventPage(ctx context.Context, afterSeq int64, limit int) ([]ir.ImportedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM imported_events
		WHERE seq > ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []ir.ImportedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ir.ImportedEvent, error) {
	var (
		ev              ir.ImportedEvent
		prev, cur, meta string
		processed       int
		createdAt       string
		processedAt     sql.NullString
	)
	err := row.Scan(&ev.Seq, &ev.ID, &ev.TenantID, &ev.Source, &ev.SourceDocID,
		&prev, &cur, &meta, &ev.ContentHash, &processed, &createdAt, &processedAt)
	if err != nil {
		return ir.ImportedEvent{}, err
	}

	if ev.PreviousValues, err = unmarshalObject(prev); err != nil {
		return ir.ImportedEvent{}, err
	}
	if ev.CurrentValues, err = unmarshalObject(cur); err != nil {
		return ir.ImportedEvent{}, err
	}
	if ev.Metadata, err = unmarshalObject(meta); err != nil {
		return ir.ImportedEvent{}, err
	}
	ev.Processed = processed == 1
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.ImportedEvent{}, fmt.Errorf("parse created_at: %w", err)
	}
	if ev.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return ir.ImportedEvent{}, fmt.Errorf("parse processed_at: %w", err)
	}
	return ev, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

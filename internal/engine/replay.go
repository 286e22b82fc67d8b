package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// Replay rebuilds every proxy from another store's event log.
//
// Domains and policies are copied first, then events are appended in log
// order under their original ids and drained page by page. Materialization
// is a pure function of the log and the domain definitions: contributions
// are deduplicated by event id, OVERWRITE keys on log sequence and the
// applied-sequence floor drops late arrivals, so replaying into a fresh
// store converges to the same proxies.
//
// Events that were coalesced in the source log were never appended twice,
// so nothing is double counted.
func (e *Engine) Replay(ctx context.Context, src *store.Store) (PassResult, error) {
	domains, err := src.ListDomains(ctx)
	if err != nil {
		return PassResult{}, persistenceError("list source domains", err)
	}

	def, err := src.GetPolicy(ctx, ir.DefaultGraphID)
	if err != nil {
		return PassResult{}, persistenceError("load default policy", err)
	}
	if err := e.store.PutPolicy(ctx, def); err != nil {
		return PassResult{}, persistenceError("copy default policy", err)
	}

	for _, d := range domains {
		if _, err := e.store.PutDomain(ctx, d); err != nil {
			return PassResult{}, persistenceError("copy domain", err)
		}
		p, err := src.GetPolicy(ctx, d.ID)
		if err != nil {
			return PassResult{}, persistenceError("load policy", err)
		}
		if p.GraphID == d.ID {
			if err := e.store.PutPolicy(ctx, p); err != nil {
				return PassResult{}, persistenceError("copy policy", err)
			}
		}
	}

	var (
		total    PassResult
		appended int
	)
	drain := func() error {
		res, err := e.Drain(ctx)
		total.Add(res)
		return err
	}
	err = src.ReplayEvents(ctx, func(ev ir.ImportedEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, _, err := e.store.AppendEvent(ctx, ev); err != nil {
			return persistenceError("append event", err)
		}
		appended++
		if appended%e.batchSize == 0 {
			return drain()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := drain(); err != nil {
		return total, err
	}

	slog.Info("replay complete",
		"domains", len(domains),
		"events", appended,
		"evaluated", total.Evaluated,
		"failed", total.Failed,
	)
	return total, nil
}

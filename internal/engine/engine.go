package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/unirep/internal/graph"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/merge"
	"github.com/roach88/unirep/internal/store"
)

// Defaults for engine options.
const (
	DefaultWorkers        = 4
	DefaultBatchSize      = 100
	DefaultLeaseTTL       = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultMaxCyclePasses = 3
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultRetryMaxDelay  = time.Minute
	DefaultPollInterval   = time.Second

	// MaxEvaluationsPerPass allows one evaluation plus one revisit of a
	// target within a propagation pass before it is deferred.
	MaxEvaluationsPerPass = 2

	// maxDrainRounds bounds Drain when targets keep failing or deferring.
	maxDrainRounds = 1000

	tracerName = "github.com/roach88/unirep/internal/engine"
)

// Engine turns imported events into materialized proxies.
//
// Events are appended to the log by Ingest and consumed in batches by
// ProcessBatch: each event is matched against the domains listening to its
// source, matching targets receive a staged contribution and are marked
// DIRTY, and a propagation pass evaluates them together with everything
// that depends on them.
//
// Thread-safety model:
//   - Ingest, UpdateProxy, RegisterDomain: safe from any goroutine
//   - ProcessBatch, Pass, RetryDue: safe to run concurrently; evaluation of a
//     single target is serialized by a keyed lock
//   - Run: starts the worker pool and blocks until ctx is done
type Engine struct {
	store      *store.Store
	graph      *graph.Graph
	locks      *graph.Locks
	resolver   *merge.Resolver
	ids        IDGenerator
	assertions *assertionClock
	queue      *taskQueue
	tracer     trace.Tracer

	workers        int
	batchSize      int
	leaseTTL       time.Duration
	maxAttempts    int
	maxCyclePasses int
	retryInitial   time.Duration
	retryMax       time.Duration
	pollInterval   time.Duration
	budget         RetryBudget

	mu     sync.Mutex
	loaded map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the worker pool size and the per-wave evaluation parallelism.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithBatchSize sets how many events one ProcessBatch pulls.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithLeaseTTL sets how long pulled events stay invisible to other workers.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = d }
}

// WithMaxAttempts sets how often a data error is retried before the target
// is suspended.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithMaxCyclePasses sets how many passes a target may be deferred in a row
// before it is reported as a non-converging cycle.
func WithMaxCyclePasses(n int) Option {
	return func(e *Engine) { e.maxCyclePasses = n }
}

// WithRetryBackoff sets the initial and maximum retry delay.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.retryInitial = initial
		e.retryMax = max
	}
}

// WithPollInterval sets how often idle workers poll the log and the retry sweep runs.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithIDGenerator replaces the UUIDv7 event id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithResolver replaces the merge resolver, e.g. to register extra
// horizontal strategies.
func WithResolver(r *merge.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// New creates an Engine over s.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		graph:          graph.New(),
		locks:          graph.NewLocks(graph.DefaultShards),
		resolver:       merge.NewResolver(),
		ids:            UUIDv7Generator{},
		assertions:     newAssertionClock(s.Now),
		queue:          newTaskQueue(),
		workers:        DefaultWorkers,
		batchSize:      DefaultBatchSize,
		leaseTTL:       DefaultLeaseTTL,
		maxAttempts:    DefaultMaxAttempts,
		maxCyclePasses: DefaultMaxCyclePasses,
		retryInitial:   DefaultRetryBackoff,
		retryMax:       DefaultRetryMaxDelay,
		pollInterval:   DefaultPollInterval,
		loaded:         make(map[string]bool),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.batchSize < 1 {
		e.batchSize = DefaultBatchSize
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	e.budget = NewRetryBudget(e.maxAttempts, e.retryInitial, e.retryMax)
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Graph returns the in-memory dependency graph.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Ingest appends an event to the log and wakes a worker. An id is assigned
// when ev.ID is empty. inserted is false when the event was coalesced with
// an unprocessed duplicate or was already appended under the same id.
func (e *Engine) Ingest(ctx context.Context, ev ir.ImportedEvent) (stored ir.ImportedEvent, inserted bool, err error) {
	if ev.ID == "" {
		ev.ID = e.ids.Generate()
	}
	stored, inserted, err = e.store.AppendEvent(ctx, ev)
	if err != nil {
		return ir.ImportedEvent{}, false, err
	}

	slog.Info("event ingested",
		"event_id", stored.ID,
		"tenant_id", stored.TenantID,
		"source", stored.Source,
		"source_doc_id", stored.SourceDocID,
		"seq", stored.Seq,
		"coalesced", !inserted,
	)
	e.queue.Enqueue(Task{Kind: TaskBatch})
	return stored, inserted, nil
}

// Run starts the worker pool and the retry sweeper. Blocks until ctx is
// cancelled or Stop is called. Failures inside a batch or pass are logged;
// they never stop the pool.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"workers", e.workers,
		"batch_size", e.batchSize,
		"poll_interval", e.pollInterval,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			e.work(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		e.sweep(ctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-e.stop:
			cancel()
		}
		e.queue.Close()
		return nil
	})

	err := g.Wait()
	slog.Info("engine stopped")
	return err
}

// Stop makes Run return. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// QueueLen returns the number of queued tasks.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

func (e *Engine) work(ctx context.Context, id int) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if task, ok := e.queue.TryDequeue(); ok {
			e.handle(ctx, task)
			continue
		}
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping", "worker", id)
			return
		case _, open := <-e.queue.Wait():
			if !open {
				return
			}
		case <-ticker.C:
			e.handle(ctx, Task{Kind: TaskBatch})
		}
	}
}

func (e *Engine) handle(ctx context.Context, task Task) {
	switch task.Kind {
	case TaskBatch:
		for ctx.Err() == nil {
			res, err := e.ProcessBatch(ctx)
			if err != nil {
				slog.Error("batch processing failed", "error", err)
				return
			}
			if res.Events < e.batchSize {
				return
			}
		}
	case TaskPass:
		if _, err := e.Pass(ctx, task.TenantID, task.Targets...); err != nil {
			slog.Error("propagation pass failed",
				"tenant_id", task.TenantID,
				"targets", len(task.Targets),
				"error", err,
			)
		}
	}
}

// sweep periodically hands due retries to the workers.
func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := e.retryable(ctx)
			if err != nil {
				slog.Error("retry sweep failed", "error", err)
				continue
			}
			for _, tenant := range sortedKeys(due) {
				e.queue.Enqueue(Task{Kind: TaskPass, TenantID: tenant, Targets: due[tenant]})
			}
		}
	}
}

// RetryDue runs a propagation pass for every DIRTY, non-suspended target
// whose retry deadline has passed, tenant by tenant.
func (e *Engine) RetryDue(ctx context.Context) (PassResult, error) {
	due, err := e.retryable(ctx)
	if err != nil {
		return PassResult{}, err
	}
	var total PassResult
	for _, tenant := range sortedKeys(due) {
		res, err := e.Pass(ctx, tenant, due[tenant]...)
		total.Add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) retryable(ctx context.Context) (map[string][]ir.TargetID, error) {
	nodes, err := e.store.ListRetryable(ctx, e.store.Now(), e.batchSize*10)
	if err != nil {
		return nil, persistenceError("list retryable targets", err)
	}
	due := make(map[string][]ir.TargetID)
	for _, n := range nodes {
		due[n.TenantID] = append(due[n.TenantID], n.Target)
	}
	return due, nil
}

// Drain processes the log and due retries until no events are left and a
// round makes no progress. Used by the CLI, replay and tests.
func (e *Engine) Drain(ctx context.Context) (PassResult, error) {
	var total PassResult
	for round := 0; round < maxDrainRounds; round++ {
		batch, err := e.ProcessBatch(ctx)
		if err != nil {
			return total, err
		}
		total.Add(batch.Pass)

		retry, err := e.RetryDue(ctx)
		if err != nil {
			return total, err
		}
		total.Add(retry)

		if batch.Events == 0 && retry.Progress() == 0 {
			return total, nil
		}
	}
	slog.Warn("drain stopped before reaching a fixpoint", "rounds", maxDrainRounds)
	return total, nil
}

// ensureTenant hydrates the in-memory graph from the store the first time a
// tenant is touched.
func (e *Engine) ensureTenant(ctx context.Context, tenantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded[tenantID] {
		return nil
	}
	nodes, err := e.store.LoadGraph(ctx, tenantID)
	if err != nil {
		return persistenceError("load graph", err)
	}
	e.graph.Load(nodes)
	e.loaded[tenantID] = true

	slog.Debug("graph loaded", "tenant_id", tenantID, "nodes", len(nodes))
	return nil
}

// recordDomainError attaches a configuration error to a domain.
func (e *Engine) recordDomainError(ctx context.Context, domainID string, cause error) {
	slog.Error("domain configuration error",
		"domain_id", domainID,
		"code", CodeOf(cause),
		"error", cause,
	)
	err := e.store.PutStandingError(ctx, ir.StandingError{
		Scope:    ir.ScopeDomain,
		DomainID: domainID,
		Code:     CodeOf(cause),
		Class:    ir.ClassConfiguration,
		Message:  cause.Error(),
	})
	if err != nil {
		slog.Error("record domain error failed", "domain_id", domainID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func targetAttrs(tenantID string, t ir.TargetID) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("target_id", t.String()),
	)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

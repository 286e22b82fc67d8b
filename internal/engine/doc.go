// Package engine materializes proxies from imported events.
//
// # Pipeline
//
//  1. Ingest appends an event to the log (store.AppendEvent). Duplicates of
//     an unprocessed event are coalesced.
//  2. ProcessBatch leases a batch, runs the trigger matcher for every domain
//     listening to the event source and stages an event contribution on each
//     field of each matched proxy.
//  3. Pass marks the staged targets DIRTY, propagates along dependedBy edges
//     and evaluates dirty targets in waves. Each evaluation records the
//     targets it read; those become its new dependsOn edges.
//  4. The materializer merges local candidates and parent assertions with the
//     graph's policy and writes only dynamicFields[fieldId] of the proxy,
//     together with the node state and edges, in one transaction.
//
// # Ordering
//
// Event order is the log sequence, never wall time. For one target the
// committed value never goes back to an older event: contributions below
// the node's applied sequence are dropped.
//
// # Concurrency
//
// A fixed pool of workers pulls batches. Targets of one wave are evaluated
// in parallel; all work on a single target is serialized by a keyed lock,
// and the graph generation check keeps a target that was dirtied while it
// was being evaluated DIRTY. A pass abandoned on shutdown is safe to resume
// because nodes stay DIRTY until their write commits.
//
// # Failures
//
// Errors are classified as transient, configuration or data (see ClassOf).
// Transient failures retry with backoff; data errors retry up to a budget and
// then suspend the target with a standing error; configuration errors
// suspend immediately. Targets that keep changing inside a reference cycle
// are deferred pass after pass and finally suspended with CYCLE_DETECTED.
// A failing target never blocks unrelated targets or tenants.
package engine

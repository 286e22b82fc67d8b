// Package harness provides conformance testing for reporting domains.
//
// The harness loads domain definitions, executes scenarios against a real
// engine backed by an in-memory store, and checks the materialized proxies.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	domains:
//	  - ../domains/case.cue
//	flow:
//	  - ingest:
//	      source: cases
//	      sourceDocId: c1
//	      currentValues: {status: OPEN}
//	  - ingest: {...}
//	    expect:
//	      duplicate: true
//	  - drain: true
//	  - update:
//	      domain: case
//	      contextKey: c1
//	      fields: {priority: 5}
//	  - advance: 2s
//	assertions:
//	  - type: proxy_field
//	    domain: case
//	    contextKey: c1
//	    field: status
//	    value: OPEN
//
// # Assertion Types
//
//   - proxy_field: a dynamic field of a proxy holds a value
//   - fragment: a rendered fragment holds a value
//   - proxy_absent: no proxy exists for a context key
//   - proxy_count: a domain has exactly N proxies for the tenant
//   - standing_error: an error code stands for a domain, optionally a field
//   - no_errors: the tenant has no standing errors
//   - unprocessed: exactly N events remain unprocessed
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite database, a manual clock starting
// at testutil.Epoch and sequential event ids (evt-0001, evt-0002, ...), so
// snapshots are identical across runs and can be compared against golden
// files.
package harness

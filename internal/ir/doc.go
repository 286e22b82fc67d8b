// Package ir provides the canonical data model for the reporting engine.
//
// This package contains type definitions and value helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// data model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Values flowing through expressions, events and proxies are IRValue
//     (sealed): null, string, int, float, bool, array, object.
//   - Ordering uses event log sequence numbers, never wall-clock timestamps.
//     Timestamps on records are audit data only.
//   - Content hashes use canonical JSON (sorted keys, NFC strings) with
//     domain-separated SHA-256.
//   - JSON tags follow the external interface (camelCase) so API payloads and
//     stored documents share one shape.
package ir

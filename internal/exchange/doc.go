// Package exchange defines the unit of work that flows through an
// aggregation repository and the codec that persists it.
//
// # Persisted form
//
// Every value (the body and each header) is written as a versioned envelope:
//
//	{"v":1,"type":"string","value":"ABCDE"}
//
// Built-in tags cover null, string, bytes, int, float, bool, time and plain
// JSON maps/slices. Any other Go type must be registered in a TypeRegistry
// under a stable name, and is written as {"type":"<name>","value":<json>}.
//
// # Type filter
//
// Stored payloads may come from a shared database that was tampered with or
// written by an older release. Before a custom type is materialized its name
// is checked against the TypeFilter. The filter fails closed: an unknown or
// unlisted name is rejected with errs.CodeSecurity ("filter status:
// REJECTED") and the payload is left untouched in storage.
//
// # Properties
//
// Exchange.Properties are process-local and are never persisted. A reloaded
// exchange has an empty property map; this is not a round-trip bug.
package exchange

// Package storage provides the transactional SQL backend behind aggregation
// repositories.
//
// Each repository owns two tables:
//   - <name>: in-progress aggregates, one row per correlation key
//   - <name>_completed: completed exchanges awaiting confirmation
//
// Dead-letter tables are created separately with EnsureDeadLetterTable.
//
// # Transactions
//
// Every table operation runs on a Tx obtained from Backend.InTx. A callback
// error or panic rolls the transaction back, so a Remove that fails after
// the delete leaves the in-progress row in place.
//
// # Versions
//
// The in-progress version column backs optimistic locking. Insert refuses an
// existing key, and UpdateVersion and DeleteForKeyVersion only touch a row
// whose stored version matches the caller's. All report a lost race as
// false, never as an error.
//
// # Drivers
//
//   - sqlite3 (mattn/go-sqlite3): WAL, synchronous=NORMAL, busy_timeout=5000,
//     one open connection
//   - pgx (jackc/pgx/v5 stdlib): $n placeholders, BYTEA blobs
//
// Timestamps are stored as UTC unix nanoseconds so ordering is identical on
// both drivers.
package storage

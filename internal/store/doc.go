// Package store provides the SQLite-backed durable replica.
//
// A replica holds:
//   - Snapshot tables: one snap_<table> per synced table, the last synced or
//     acknowledged version of each record keyed by its canonical id
//   - txlog: the write-ahead log of local mutations awaiting server ack
//   - sync_cursor: the {lsn, snapmin} position in the server stream
//
// # Guarantees
//
// Every exported mutation is one SQL transaction: on failure nothing is
// visible. ApplySnapshot and ApplyCommit update rows and cursor together,
// and AckLog removes log entries in the same transaction that folds them
// into the snapshot, so a crash never leaves a write both acknowledged and
// missing.
//
// Tombstoned rows (_deleted_at set) are kept in storage. Read views built
// by package merge exclude them.
//
// Records are stored as RFC 8785 canonical JSON (see internal/ir), so the
// same record always produces the same bytes.
//
// # Versioning
//
// Open takes a schema version tracked in PRAGMA user_version. Raising the
// version creates missing snapshot tables without touching existing ones.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store

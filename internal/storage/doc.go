// Package storage persists live flight records.
//
// A Batcher accumulates records and writes them to a Store in batches:
//   - "sqlite": aircraft, flights and frames tables (modernc.org/sqlite)
//   - "file": append-only JSON Lines plus a compacted known-id snapshot
//   - "memory": in-process, for tests and dry runs
package storage

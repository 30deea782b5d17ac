// Package storage is the durable state of the bot: the guest registry and
// the append-only photo audit log.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local maps, for tests and dry runs
package storage

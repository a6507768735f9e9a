// Package storage is the durable source of truth for reminder records.
//
// The sqlite backend (modernc.org/sqlite, WAL mode, single writer connection)
// is the default; a volatile memory backend exists for tests.
package storage

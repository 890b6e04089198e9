// Package store persists host-side state in SQLite.
//
// # Data
//
// Two kinds of data are stored:
//
//   - Settings: small string values grouped by namespace and key. The
//     permission policy lives in the "permissions" namespace.
//   - Decisions: an append-only ledger of permission outcomes, one row per
//     arbitrated request.
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo).
// MockStore is an in-memory implementation for tests.
package store

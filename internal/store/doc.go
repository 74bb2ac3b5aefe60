// Package store provides named database connection handles.
//
// A Connections registry is built from config.Settings and hands out one
// *Handle per configured name ("default" plus every additional database).
// Handles are stable: Get returns the same pointer for a name for the life
// of the registry, so callers may compare handles by identity.
//
// Handles open lazily on first use:
//   - sqlite: mattn/go-sqlite3, single connection, WAL journal,
//     synchronous=NORMAL, busy_timeout=5000, foreign_keys=ON
//   - postgres: jackc/pgx through its database/sql driver
//
// A failed open is not cached; the next DB call retries.
package store

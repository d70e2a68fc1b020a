// Package backend is a reference cart REST API speaking the same wire
// contract the sync engine's HTTP transport consumes.
//
// It exists to exercise the engine end to end: the catalog lives in SQLite,
// carts live in SQLite or Redis behind CartRepository, and error responses
// reproduce the shapes real cart backends emit (flat 409 duplicates,
// double-encoded 403 ownership errors, {"error":"Unauthorized"} on 401).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Schema changes are tracked with PRAGMA user_version; see runMigrations.
package backend

// Package store provides SQLite-backed key/value storage for persisted
// container envelopes.
//
// Store implements persist.Storage (sync) and persist.Watcher. Every write
// bumps a database-wide revision counter and stamps the row with it, so
// Watch can discover writes made by other connections, including other
// processes sharing the file, by polling for rows newer than the last
// revision it saw.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - user_version: schema migrations, applied in order on Open
//
// Deletes are not reported to watchers: a deleted key has no revision left
// to observe.
package store

// Package storage persists the relay's state: tracked posts, the delivery
// records attached to them, and user subscriptions.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local maps, for tests and throwaway runs
package storage

// Package storage persists the subscriber registry and the dispatch log.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local maps, for tests and dry runs
//
// Both drivers implement subscriber.Directory with the same eligibility
// rules: a subscriber is effective when raw membership is set or an
// exemption exists.
package storage

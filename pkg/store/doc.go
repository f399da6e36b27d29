// Package store archives engine reports in BoltDB for post-run audits.
// It never persists world state; snapshots remain the only input.
package store

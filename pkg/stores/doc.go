// Package stores provides the run-history persistence layer for devstation.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// CRUD operations for runs, phase results, and events.
package stores

// Package gorm implements the pipeline's store interfaces on GORM.
//
// A production DSN (postgres://) opens the PostgreSQL driver; anything
// else opens the pure-Go SQLite driver, which is what the tests and
// the default configuration use. Schema changes run through versioned
// gormigrate migrations at startup.
//
// The five tables mirror the domain: authors, claims (append-only
// history), records (claim arrays per bibcode), change_log (fact
// audit) and storage (checkpoints). Per-entity stores wrap a shared
// *Store that owns pooling, health checks and slow-query logging.
package gorm

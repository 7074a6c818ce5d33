// Package store defines the persistence contracts for profile records, crawl
// sessions and list-crawl checkpoints. Implementations live under
// internal/storage; this package must not import database drivers.
package store

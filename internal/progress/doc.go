// Package progress fans crawl lifecycle events (sessions, listing pages,
// classified profiles, detail batches) out to pluggable sinks. Producers call
// Emit from hot paths; the Hub batches events and never blocks the caller.
package progress

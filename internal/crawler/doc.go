// Package crawler holds the domain model shared by the list crawler, the detail
// crawler, the stores and the API: profile records and their status lifecycle,
// crawl sessions, resume checkpoints, page snapshots, and the interfaces of the
// collaborators (browser, extractor, clock, publisher) the crawlers are built on.
package crawler

package crawler

import (
	"context"
	"io"
	"time"
)

// Browser opens page automation contexts (tabs). Implementations must release a
// tab on Close and whenever the context passed to Open is done.
type Browser interface {
	OpenListing(ctx context.Context, url string) (ListingPage, error)
	OpenDetail(ctx context.Context, url string) (DetailPage, error)
	Close() error
}

// ListingPage is a tab positioned on one page of a paginated listing.
type ListingPage interface {
	// LoadAll waits for the page and forces lazy-loaded content to materialize.
	LoadAll(ctx context.Context) error
	Snapshot(ctx context.Context) (PageSnapshot, error)
	// Next triggers the next page affordance. It returns false when there is none.
	Next(ctx context.Context) (bool, error)
	Close() error
}

// DetailPage is a tab showing one profile.
type DetailPage interface {
	Snapshot(ctx context.Context) (PageSnapshot, error)
	Close() error
}

// Extractor turns page snapshots into identifiers or profile details.
type Extractor interface {
	ListingIdentifiers(snap PageSnapshot) ([]string, error)
	Detail(snap PageSnapshot) (DetailExtraction, error)
}

// Clock returns the current time and sleeps (replaceable in tests).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces session identifiers.
type IDGenerator interface {
	NewSessionID() (string, error)
}

// Publisher pushes scraped-profile events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes export artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

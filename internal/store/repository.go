package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTerminalStatus signals a write against a scraped or invalid record.
	ErrTerminalStatus = errors.New("record is in a terminal status")
	// ErrSessionNotFound signals an unknown crawl session.
	ErrSessionNotFound = errors.New("crawl session not found")
	// ErrSessionEnded signals that the session was already ended.
	ErrSessionEnded = errors.New("crawl session already ended")
)

// IdentityBatch is one page worth of identifiers discovered by the list crawler.
type IdentityBatch struct {
	// IDs are reserved in order; duplicates and known identifiers are skipped.
	IDs []string
	// SessionID optionally attributes new rows to a crawl session and bumps its counters.
	SessionID string
	// Page is the listing page the identifiers came from (0 when unknown).
	Page int
	// SeenAt becomes first_seen_at for new rows.
	SeenAt time.Time
}

// PendingFilter narrows FetchPendingIdentities.
type PendingFilter struct {
	// SessionID restricts to rows first seen in that session.
	SessionID string
	// After resumes strictly after this identifier in insertion order.
	After string
}

// ProfileQuery pages through stored records.
type ProfileQuery struct {
	SessionID string
	Status    crawler.Status
	Limit     int
	Offset    int
}

// ProfileRepository owns the profile table.
type ProfileRepository interface {
	// UpsertIdentityBatch inserts absent identifiers as id_only and returns how many were new.
	UpsertIdentityBatch(ctx context.Context, batch IdentityBatch) (int, error)
	// FetchPendingIdentities returns up to limit id_only identifiers in insertion order.
	FetchPendingIdentities(ctx context.Context, limit int, filter PendingFilter) ([]string, error)
	// FetchFailedIdentities returns up to limit failed identifiers in insertion order.
	FetchFailedIdentities(ctx context.Context, limit int, filter PendingFilter) ([]string, error)
	// ApplyDetailResult writes an outcome. Terminal rows return ErrTerminalStatus.
	ApplyDetailResult(ctx context.Context, id string, outcome crawler.Outcome, at time.Time) error
	// ProgressSummary counts rows by status, optionally for one session.
	ProgressSummary(ctx context.Context, sessionID string) (crawler.ProgressSummary, error)
	// GetProfile loads one record or returns ErrNotFound.
	GetProfile(ctx context.Context, id string) (crawler.ProfileRecord, error)
	// ListProfiles returns records in insertion order.
	ListProfiles(ctx context.Context, query ProfileQuery) ([]crawler.ProfileRecord, error)
	// ClearProfiles deletes every row, or one session's rows, and returns the count.
	ClearProfiles(ctx context.Context, sessionID string) (int64, error)
	// ProfileStats reports row and page coverage, optionally for one session.
	ProfileStats(ctx context.Context, sessionID string) (crawler.ProfileStats, error)
	// PurgeIdentities deletes, in one transaction, every row whose identifier
	// valid rejects, and returns the deleted identifiers in insertion order.
	PurgeIdentities(ctx context.Context, valid func(id string) bool) ([]string, error)
}

// SessionRepository owns the crawl session table.
type SessionRepository interface {
	CreateSession(ctx context.Context, session crawler.CrawlSession) error
	// EndSession stamps ended_at. It returns ErrSessionNotFound or ErrSessionEnded.
	EndSession(ctx context.Context, id string, endedAt time.Time) (crawler.CrawlSession, error)
	GetSession(ctx context.Context, id string) (crawler.CrawlSession, error)
	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context, limit, offset int) ([]crawler.CrawlSession, error)
}

// CheckpointRepository persists list-crawl resume points.
type CheckpointRepository interface {
	SaveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error
	// LoadCheckpoint returns ErrNotFound when no checkpoint is stored under key.
	LoadCheckpoint(ctx context.Context, key string) (crawler.Checkpoint, error)
	ClearCheckpoint(ctx context.Context, key string) error
}

// Repository is the full store used by the application.
type Repository interface {
	ProfileRepository
	SessionRepository
	CheckpointRepository
	Ping(ctx context.Context) error
	Close() error
}

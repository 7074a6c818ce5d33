// Package session tracks crawl session boundaries and runs list and detail
// crawls on behalf of the API and CLI.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/progress"
)

var (
	// ErrSessionActive is returned when a list session is already open in this process.
	ErrSessionActive = errors.New("a crawl session is already active")
	// ErrNoActiveSession is returned by End with an empty id when nothing is open.
	ErrNoActiveSession = errors.New("no active crawl session")
)

// Store is the session slice of the repository.
type Store interface {
	CreateSession(ctx context.Context, session crawler.CrawlSession) error
	EndSession(ctx context.Context, id string, endedAt time.Time) (crawler.CrawlSession, error)
	GetSession(ctx context.Context, id string) (crawler.CrawlSession, error)
	ProgressSummary(ctx context.Context, sessionID string) (crawler.ProgressSummary, error)
}

// Tracker opens and closes sessions. At most one session is active at a time.
type Tracker struct {
	store   Store
	ids     crawler.IDGenerator
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger

	mu     sync.Mutex
	active string
}

// NewTracker wires a Tracker.
func NewTracker(st Store, ids crawler.IDGenerator, clock crawler.Clock, emitter progress.Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: st, ids: ids, clock: clock, emitter: progress.OrNop(emitter), logger: logger}
}

// Active returns the open session id, if any.
func (t *Tracker) Active() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.active != ""
}

// Start creates a session row and marks it active.
func (t *Tracker) Start(ctx context.Context, filters map[string]string) (crawler.CrawlSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != "" {
		return crawler.CrawlSession{}, fmt.Errorf("%w: %s", ErrSessionActive, t.active)
	}
	id, err := t.ids.NewSessionID()
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("generate session id: %w", err)
	}
	sess := crawler.CrawlSession{ID: id, StartedAt: t.clock.Now(), Filters: filters}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("create session: %w", err)
	}
	t.active = id
	t.emitter.Emit(progress.Event{TS: sess.StartedAt, Stage: progress.StageSessionStart, SessionID: id})
	t.logger.Info("crawl session started", zap.String("session_id", id), zap.Any("filters", filters))
	return sess, nil
}

// End closes a session; an empty id means the active one. Ending twice or
// ending an unknown session returns the store's error after logging it, and
// never panics or aborts the caller's crawl.
func (t *Tracker) End(ctx context.Context, id string) (crawler.CrawlSession, error) {
	t.mu.Lock()
	if id == "" {
		id = t.active
	}
	if id != "" && id == t.active {
		t.active = ""
	}
	t.mu.Unlock()
	if id == "" {
		t.logger.Warn("end session ignored", zap.Error(ErrNoActiveSession))
		return crawler.CrawlSession{}, ErrNoActiveSession
	}

	sess, err := t.store.EndSession(ctx, id, t.clock.Now())
	if err != nil {
		t.logger.Warn("end session failed", zap.String("session_id", id), zap.Error(err))
		return sess, fmt.Errorf("end session %s: %w", id, err)
	}
	t.emitter.Emit(progress.Event{TS: t.clock.Now(), Stage: progress.StageSessionEnd, SessionID: id, Count: sess.TotalProfiles})
	t.logger.Info("crawl session ended",
		zap.String("session_id", id),
		zap.Int("total_profiles", sess.TotalProfiles),
		zap.Int("max_page", sess.MaxPage),
	)
	return sess, nil
}

// Get loads a session.
func (t *Tracker) Get(ctx context.Context, id string) (crawler.CrawlSession, error) {
	sess, err := t.store.GetSession(ctx, id)
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// Progress returns counts for one session, or for everything when id is empty.
func (t *Tracker) Progress(ctx context.Context, sessionID string) (crawler.ProgressSummary, error) {
	sum, err := t.store.ProgressSummary(ctx, sessionID)
	if err != nil {
		return crawler.ProgressSummary{}, fmt.Errorf("progress summary: %w", err)
	}
	return sum, nil
}

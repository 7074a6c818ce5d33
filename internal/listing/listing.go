// Package listing walks a paginated profile listing page by page, reserving the
// identifiers it finds and keeping a resume checkpoint.
package listing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/progress"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

// State is a list crawl state.
type State string

// List crawl states. Pages are processed strictly in increasing order.
const (
	StateIdle          State = "idle"
	StateFetchingPage  State = "fetching_page"
	StateExtracting    State = "extracting"
	StatePersisting    State = "persisting"
	StateAdvancingPage State = "advancing_page"
	StateStopped       State = "stopped"
	StateCompleted     State = "completed"
)

// DefaultCheckpointKey names the checkpoint row when none is configured.
const DefaultCheckpointKey = "list"

// ErrNoStartURL is returned when there is neither a start URL nor a checkpoint.
var ErrNoStartURL = errors.New("listing: start url is required")

// Store is the slice of the repository the list crawler writes to.
type Store interface {
	UpsertIdentityBatch(ctx context.Context, batch store.IdentityBatch) (int, error)
	SaveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error
	LoadCheckpoint(ctx context.Context, key string) (crawler.Checkpoint, error)
	ClearCheckpoint(ctx context.Context, key string) error
}

// Config tunes the crawler.
type Config struct {
	CheckpointKey string
	ReservedPaths []string
	MinLength     int
	// PageSettle is waited after a page loads and before extraction.
	PageSettle time.Duration
}

// Request starts one crawl.
type Request struct {
	StartURL  string
	Resume    bool
	SessionID string
}

// Result summarizes a finished crawl.
type Result struct {
	State    State `json:"state"`
	Pages    int   `json:"pages"`
	LastPage int   `json:"last_page"`
	Found    int   `json:"found"`
	Inserted int   `json:"inserted"`
}

// Status is a point-in-time view of a running crawler.
type Status struct {
	State State `json:"state"`
	Page  int   `json:"page"`
}

// Crawler drives one listing tab through the page state machine.
type Crawler struct {
	cfg       Config
	filter    Filter
	browser   crawler.Browser
	extractor crawler.Extractor
	store     Store
	clock     crawler.Clock
	emitter   progress.Emitter
	logger    *zap.Logger

	mu     sync.Mutex
	status Status
}

// New wires a list crawler.
func New(
	cfg Config,
	browser crawler.Browser,
	extractor crawler.Extractor,
	st Store,
	clock crawler.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Crawler {
	if cfg.CheckpointKey == "" {
		cfg.CheckpointKey = DefaultCheckpointKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:       cfg,
		filter:    NewFilter(cfg.ReservedPaths, cfg.MinLength),
		browser:   browser,
		extractor: extractor,
		store:     st,
		clock:     clock,
		emitter:   progress.OrNop(emitter),
		logger:    logger,
		status:    Status{State: StateIdle},
	}
}

// Status returns the current state and page.
func (c *Crawler) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Checkpoint returns the stored resume point, or store.ErrNotFound.
func (c *Crawler) Checkpoint(ctx context.Context) (crawler.Checkpoint, error) {
	cp, err := c.store.LoadCheckpoint(ctx, c.cfg.CheckpointKey)
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func (c *Crawler) enter(state State, page int) {
	c.mu.Lock()
	c.status = Status{State: state, Page: page}
	c.mu.Unlock()
}

// Run crawls until the listing is exhausted (Completed), ctx is cancelled
// (Stopped, nil error) or a page fails (Stopped, error). Only Completed clears
// the checkpoint.
func (c *Crawler) Run(ctx context.Context, req Request) (Result, error) {
	startURL, page, err := c.startPoint(ctx, req)
	if err != nil {
		c.enter(StateStopped, 0)
		return Result{State: StateStopped}, err
	}
	log := c.logger.With(zap.String("session_id", req.SessionID))
	log.Info("list crawl starting", zap.String("url", startURL), zap.Int("page", page))

	res := Result{}
	err = c.crawl(ctx, req.SessionID, startURL, page, &res, log)
	switch {
	case err == nil:
		res.State = StateCompleted
		if clearErr := c.store.ClearCheckpoint(context.WithoutCancel(ctx), c.cfg.CheckpointKey); clearErr != nil {
			log.Warn("clear checkpoint failed", zap.Error(clearErr))
		}
	case ctx.Err() != nil:
		res.State = StateStopped
		err = nil
	default:
		res.State = StateStopped
	}
	c.enter(res.State, res.LastPage)
	c.emitter.Emit(progress.Event{
		TS:        c.clock.Now(),
		Stage:     progress.StageListDone,
		SessionID: req.SessionID,
		Count:     res.Found,
		Inserted:  res.Inserted,
		Note:      string(res.State),
	})
	if err != nil {
		log.Error("list crawl stopped on error", zap.Int("page", c.Status().Page), zap.Error(err))
		return res, err
	}
	log.Info("list crawl finished",
		zap.String("state", string(res.State)),
		zap.Int("pages", res.Pages),
		zap.Int("found", res.Found),
		zap.Int("inserted", res.Inserted),
	)
	return res, nil
}

func (c *Crawler) startPoint(ctx context.Context, req Request) (string, int, error) {
	if req.Resume {
		cp, err := c.store.LoadCheckpoint(ctx, c.cfg.CheckpointKey)
		switch {
		case err == nil && cp.URL != "":
			page := cp.Page
			if page < 1 {
				page = 1
			}
			return cp.URL, page, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return "", 0, fmt.Errorf("load checkpoint: %w", err)
		}
		c.logger.Info("no checkpoint to resume, starting from the beginning")
	}
	if req.StartURL == "" {
		return "", 0, ErrNoStartURL
	}
	return req.StartURL, 1, nil
}

func (c *Crawler) crawl(ctx context.Context, sessionID, startURL string, page int, res *Result, log *zap.Logger) error {
	c.enter(StateFetchingPage, page)
	tab, err := c.browser.OpenListing(ctx, startURL)
	if err != nil {
		return fmt.Errorf("open listing page %d: %w", page, err)
	}
	defer func() {
		if closeErr := tab.Close(); closeErr != nil {
			log.Debug("close listing tab", zap.Error(closeErr))
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.enter(StateFetchingPage, page)
		if err := tab.LoadAll(ctx); err != nil {
			return fmt.Errorf("load page %d: %w", page, err)
		}
		if c.cfg.PageSettle > 0 {
			if err := c.clock.Sleep(ctx, c.cfg.PageSettle); err != nil {
				return err
			}
		}

		c.enter(StateExtracting, page)
		snap, err := tab.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot page %d: %w", page, err)
		}
		raw, err := c.extractor.ListingIdentifiers(snap)
		if err != nil {
			return fmt.Errorf("extract page %d: %w", page, err)
		}
		ids := c.filter.Apply(raw)
		log.Debug("page extracted", zap.Int("page", page), zap.Int("raw", len(raw)), zap.Int("valid", len(ids)))
		if len(ids) == 0 {
			return nil
		}

		c.enter(StatePersisting, page)
		now := c.clock.Now()
		inserted, err := c.store.UpsertIdentityBatch(ctx, store.IdentityBatch{
			IDs:       ids,
			SessionID: sessionID,
			Page:      page,
			SeenAt:    now,
		})
		if err != nil {
			return fmt.Errorf("persist page %d: %w", page, err)
		}
		pageURL := snap.URL
		if pageURL == "" {
			pageURL = startURL
		}
		if err := c.store.SaveCheckpoint(ctx, crawler.Checkpoint{
			Key:       c.cfg.CheckpointKey,
			Page:      page,
			URL:       pageURL,
			SessionID: sessionID,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("save checkpoint for page %d: %w", page, err)
		}
		res.Pages++
		res.LastPage = page
		res.Found += len(ids)
		res.Inserted += inserted
		c.emitter.Emit(progress.Event{
			TS:        now,
			Stage:     progress.StagePagePersisted,
			SessionID: sessionID,
			Page:      page,
			Count:     len(ids),
			Inserted:  inserted,
			Note:      pageURL,
		})
		log.Info("page persisted", zap.Int("page", page), zap.Int("found", len(ids)), zap.Int("inserted", inserted))

		c.enter(StateAdvancingPage, page+1)
		more, err := tab.Next(ctx)
		if err != nil {
			return fmt.Errorf("advance past page %d: %w", page, err)
		}
		if !more {
			return nil
		}
		page++
	}
}

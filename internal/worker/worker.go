// Package worker runs one profile detail attempt: open a tab, let it settle,
// extract, classify and record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/metrics"
	"github.com/JakeFAU/creator-crawler/internal/progress"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

const (
	defaultItemTimeout = 30 * time.Second
	defaultTopic       = crawler.EventProfileScraped
)

// Config controls Worker behavior.
type Config struct {
	BaseURL     string
	ItemTimeout time.Duration
	// SettleDelay is waited after the tab opens and before extraction. Zero skips it.
	SettleDelay time.Duration
	// NameOnlyInvalid classifies a page with a name and nothing else as
	// invalid; otherwise it is retried.
	NameOnlyInvalid bool
	// Topic receives scraped-profile events.
	Topic string
}

// Store records classified outcomes.
type Store interface {
	ApplyDetailResult(ctx context.Context, id string, outcome crawler.Outcome, at time.Time) error
}

// Result is what happened to one identifier.
type Result struct {
	ID      string
	Outcome crawler.Outcome
	// Written is false when the outcome was not stored (write error or forced stop).
	Written bool
	Err     error
}

// Worker processes detail items. It holds no per-item state, so one Worker
// serves every concurrent slot.
type Worker struct {
	cfg       Config
	browser   crawler.Browser
	extractor crawler.Extractor
	store     Store
	publisher crawler.Publisher
	clock     crawler.Clock
	emitter   progress.Emitter
	logger    *zap.Logger
}

// New constructs a Worker. publisher and emitter may be nil.
func New(
	cfg Config,
	browser crawler.Browser,
	extractor crawler.Extractor,
	st Store,
	publisher crawler.Publisher,
	clock crawler.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Worker {
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:       cfg,
		browser:   browser,
		extractor: extractor,
		store:     st,
		publisher: publisher,
		clock:     clock,
		emitter:   progress.OrNop(emitter),
		logger:    logger,
	}
}

// Process runs one attempt for id. Failures are folded into the outcome; the
// only errors reported in Result.Err come from writing it.
func (w *Worker) Process(ctx context.Context, id, sessionID string) Result {
	start := w.clock.Now()
	log := w.logger.With(zap.String("profile_id", id))

	itemCtx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
	outcome, snapURL := w.attempt(itemCtx, id)
	timedOut := errors.Is(itemCtx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		log.Warn("detail attempt abandoned by stop", zap.String("outcome", string(outcome.Kind)))
		return Result{ID: id, Outcome: outcome, Err: ctx.Err()}
	}
	if timedOut && outcome.Kind == crawler.OutcomeRetryable {
		outcome = crawler.Retryable(fmt.Sprintf("timeout after %s", w.cfg.ItemTimeout))
	}

	res := Result{ID: id, Outcome: outcome}
	err := w.store.ApplyDetailResult(ctx, id, outcome, w.clock.Now())
	metrics.ObserveStoreWrite(string(outcome.Kind), err)
	switch {
	case err == nil:
		res.Written = true
	case errors.Is(err, store.ErrTerminalStatus), errors.Is(err, store.ErrNotFound):
		log.Warn("detail result rejected", zap.String("outcome", string(outcome.Kind)), zap.Error(err))
		res.Err = err
	default:
		log.Error("detail result write failed", zap.String("outcome", string(outcome.Kind)), zap.Error(err))
		res.Err = fmt.Errorf("apply detail result for %s: %w", id, err)
	}

	if res.Written && outcome.Kind == crawler.OutcomeScraped {
		w.publish(ctx, id, snapURL, outcome.Details, log)
	}

	dur := w.clock.Now().Sub(start)
	w.emitter.Emit(progress.Event{
		TS:        w.clock.Now(),
		Stage:     progress.StageItemDone,
		SessionID: sessionID,
		ProfileID: id,
		Outcome:   outcome.Kind,
		Dur:       max(dur, 0),
		Note:      outcome.Reason,
	})
	log.Debug("detail attempt done",
		zap.String("outcome", string(outcome.Kind)),
		zap.String("reason", outcome.Reason),
		zap.Duration("dur", dur),
	)
	return res
}

func (w *Worker) attempt(ctx context.Context, id string) (crawler.Outcome, string) {
	profileURL := crawler.ProfileURL(w.cfg.BaseURL, id)
	tab, err := w.browser.OpenDetail(ctx, profileURL)
	if err != nil {
		return crawler.Retryable(fmt.Sprintf("open tab: %v", err)), profileURL
	}
	metrics.TabOpened()
	defer func() {
		metrics.TabClosed()
		if closeErr := tab.Close(); closeErr != nil {
			w.logger.Debug("close detail tab", zap.String("profile_id", id), zap.Error(closeErr))
		}
	}()

	if w.cfg.SettleDelay > 0 {
		if err := w.clock.Sleep(ctx, w.cfg.SettleDelay); err != nil {
			return crawler.Retryable(fmt.Sprintf("settle: %v", err)), profileURL
		}
	}
	snap, err := tab.Snapshot(ctx)
	if err != nil {
		return crawler.Retryable(fmt.Sprintf("snapshot: %v", err)), profileURL
	}
	if snap.URL != "" {
		profileURL = snap.URL
	}
	ext, err := w.extractor.Detail(snap)
	if err != nil {
		return crawler.Retryable(fmt.Sprintf("extract: %v", err)), profileURL
	}
	return Classify(ext, w.cfg.NameOnlyInvalid), profileURL
}

func (w *Worker) publish(ctx context.Context, id, profileURL string, details crawler.ProfileDetails, log *zap.Logger) {
	if w.publisher == nil {
		return
	}
	evt := crawler.NewScrapedEvent(id, profileURL, details, w.clock.Now())
	msgID, err := w.publisher.Publish(ctx, w.cfg.Topic, evt)
	metrics.ObservePublish(err)
	if err != nil {
		log.Warn("publish scraped profile failed", zap.Error(err))
		return
	}
	log.Debug("scraped profile published", zap.String("message_id", msgID))
}

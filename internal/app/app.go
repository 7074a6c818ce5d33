// Package app builds the long-lived services from configuration and runs the
// HTTP server. Commands construct one App and close it when they finish.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/creator-crawler/internal/api"
	"github.com/JakeFAU/creator-crawler/internal/clock/system"
	"github.com/JakeFAU/creator-crawler/internal/config"
	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/dispatcher"
	"github.com/JakeFAU/creator-crawler/internal/export"
	"github.com/JakeFAU/creator-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/creator-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/creator-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/creator-crawler/internal/id/uuid"
	"github.com/JakeFAU/creator-crawler/internal/listing"
	"github.com/JakeFAU/creator-crawler/internal/metrics"
	"github.com/JakeFAU/creator-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/creator-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/creator-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/creator-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/creator-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/creator-crawler/internal/session"
	gcsstorage "github.com/JakeFAU/creator-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/creator-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/creator-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/creator-crawler/internal/storage/postgres"
	"github.com/JakeFAU/creator-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/creator-crawler/internal/store"
	"github.com/JakeFAU/creator-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	store      store.Repository
	browser    crawler.Browser
	hub        *progress.Hub
	publisher  crawler.Publisher
	blobs      crawler.BlobStore
	tracker    *session.Tracker
	controller *session.Controller
	exporter   *export.Exporter
	api        *api.Server

	// closers release clients owned by the App, in reverse order of creation.
	closers    []func() error
	baseCancel context.CancelFunc
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.String("browser", cfg.Browser.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.String("export", cfg.Export.Backend),
	)

	if err = a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = a.setupBrowser(); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.setupBlobs(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(); err != nil {
		return nil, err
	}
	a.setupCrawlers()

	a.api = api.NewServer(api.Deps{
		Store:          a.store,
		Sessions:       a.tracker,
		Crawls:         a.controller,
		Snapshotter:    a.exporter,
		Clock:          a.clock,
		ValidID:        a.idFilter().Valid,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         a.logger,
	})
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:         a.cfg.Store.DSN,
			MaxConns:    a.cfg.Store.MaxConns,
			MaxAttempts: a.cfg.Store.MaxAttempts,
			Migrate:     true,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = st
	default:
		st, err := sqlite.Open(ctx, sqlite.Config{
			Path:        a.cfg.Store.SQLitePath,
			MaxAttempts: a.cfg.Store.MaxAttempts,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = st
		a.logger.Debug("sqlite store opened", zap.String("path", a.cfg.Store.SQLitePath))
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *App) setupBrowser() error {
	bc := a.cfg.Browser
	switch bc.Backend {
	case config.BrowserColly:
		a.browser = collyfetcher.New(collyfetcher.Config{
			UserAgent: bc.UserAgent,
			Timeout:   bc.NavigationTimeout,
			PageParam: a.cfg.Site.PageParam,
		})
		a.logger.Info("using static page driver", zap.String("user_agent", bc.UserAgent))
	default:
		b, err := headlessfetcher.New(headlessfetcher.Config{
			MaxTabs:           bc.MaxTabs,
			UserAgent:         bc.UserAgent,
			NavigationTimeout: bc.NavigationTimeout,
			Headful:           !bc.Headless,
			ScrollPause:       bc.ScrollPause,
			MaxScrolls:        bc.MaxScrolls,
			NextSelector:      bc.NextSelector,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("headless browser init failed: %w", err)
		}
		a.browser = b
		a.logger.Info("using headless browser", zap.Int("max_tabs", bc.MaxTabs), zap.Bool("headless", bc.Headless))
	}
	a.closers = append(a.closers, a.browser.Close)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Backend {
	case config.PublisherPubSub:
		p, err := gcppublisher.Dial(ctx, gcppublisher.Config{
			ProjectID: a.cfg.Publisher.ProjectID,
			TopicID:   a.cfg.Publisher.TopicID,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = p
		a.closers = append(a.closers, p.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.TopicID),
		)
	case config.PublisherMemory:
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("scraped-profile events disabled")
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Export.Backend {
	case config.ExportGCS:
		bs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Export.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = bs
		a.closers = append(a.closers, bs.Close)
		a.logger.Debug("GCS export backend", zap.String("bucket", a.cfg.Export.Bucket))
	case config.ExportLocal:
		bs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = bs
		a.logger.Debug("local export backend", zap.String("path", a.cfg.Export.BaseDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory export backend")
	}
	a.exporter = export.NewExporter(a.store, a.blobs, a.clock, a.cfg.Export.Prefix, a.logger.Named("export"))
	return nil
}

func (a *App) setupProgress() error {
	pc := a.cfg.Progress
	if !pc.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pc.PrometheusEnabled {
		ps, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			return fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinkList = append(sinkList, ps)
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.BatchSize,
		MaxBatchWait:   pc.FlushInterval,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", pc.BufferSize),
		zap.Int("max_batch_events", pc.BatchSize),
		zap.Duration("max_batch_wait", pc.FlushInterval),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// idFilter is the identifier rule shared by list crawls and purges.
func (a *App) idFilter() listing.Filter {
	return listing.NewFilter(a.cfg.Site.ReservedPaths, a.cfg.Site.MinLength)
}

// emitter returns the hub, or nil when progress is disabled.
func (a *App) emitter() progress.Emitter {
	if a.hub == nil {
		return nil
	}
	return a.hub
}

func (a *App) setupCrawlers() {
	site := a.cfg.Site
	extractor := extract.New(site.Selectors)
	emitter := a.emitter()

	list := listing.New(listing.Config{
		CheckpointKey: a.cfg.Listing.CheckpointKey,
		ReservedPaths: site.ReservedPaths,
		MinLength:     site.MinLength,
		PageSettle:    a.cfg.Listing.PageSettle,
	}, a.browser, extractor, a.store, a.clock, emitter, a.logger.Named("listing"))

	dc := a.cfg.Detail
	w := worker.New(worker.Config{
		BaseURL:         site.BaseURL,
		ItemTimeout:     dc.ItemTimeout,
		SettleDelay:     dc.SettleDelay,
		NameOnlyInvalid: dc.NameOnlyInvalid,
	}, a.browser, extractor, a.store, a.publisher, a.clock, emitter, a.logger.Named("worker"))

	pacer := ratelimit.New(ratelimit.Config{Interval: dc.OpenInterval}).OnDelay(metrics.ObserveTabOpenDelay)
	details := dispatcher.New(dispatcher.Config{
		BaseURL:     site.BaseURL,
		BatchSize:   dc.BatchSize,
		MaxParallel: dc.MaxParallel,
		StopGrace:   dc.StopGrace,
	}, a.store, w, pacer, a.clock, emitter, a.logger.Named("dispatcher"))

	a.tracker = session.NewTracker(a.store, uuid.New(), a.clock, emitter, a.logger.Named("session"))

	base, cancel := context.WithCancel(context.Background())
	a.baseCancel = cancel
	a.controller = session.NewController(base, a.tracker, list, details, site.PageParam, a.logger.Named("controller"))
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Store exposes the record store.
func (a *App) Store() store.Repository { return a.store }

// Controller exposes the crawl controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Exporter exposes the CSV snapshot exporter.
func (a *App) Exporter() *export.Exporter { return a.exporter }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Run serves HTTP until ctx is canceled or the server fails, then shuts the
// server down. It does not Close the App.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// Close stops running crawls, drains progress events and releases clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.controller != nil {
		if err := a.controller.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.baseCancel != nil {
		a.baseCancel()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if err := a.release(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) release() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package dispatcher drains the pending worklist in batches, running at most
// MaxParallel detail attempts at a time.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/progress"
	"github.com/JakeFAU/creator-crawler/internal/store"
	"github.com/JakeFAU/creator-crawler/internal/worker"
)

const (
	defaultBatchSize   = 20
	defaultMaxParallel = 2
	defaultStopGrace   = 2 * time.Minute
)

// ErrAlreadyRunning is returned by Run while another run is in progress.
var ErrAlreadyRunning = errors.New("detail crawl already running")

// Source serves worklist identifiers in insertion order.
type Source interface {
	FetchPendingIdentities(ctx context.Context, limit int, filter store.PendingFilter) ([]string, error)
	FetchFailedIdentities(ctx context.Context, limit int, filter store.PendingFilter) ([]string, error)
}

// Processor handles one identifier.
type Processor interface {
	Process(ctx context.Context, id, sessionID string) worker.Result
}

// Pacer delays tab opens.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config holds the batching parameters.
type Config struct {
	BaseURL     string
	BatchSize   int
	MaxParallel int
	// StopGrace bounds how long in-flight items may run after Stop.
	StopGrace time.Duration
}

// Request parameterizes one run. Zero values fall back to Config.
type Request struct {
	MaxParallel int  `json:"maxParallel"`
	RetryFailed bool `json:"retryFailed"`
	// SessionID restricts the worklist to one session's identifiers.
	SessionID string `json:"sessionId,omitempty"`
}

// Summary counts what a run did.
type Summary struct {
	Running   bool `json:"running"`
	Stopped   bool `json:"stopped"`
	Passes    int  `json:"passes"`
	Batches   int  `json:"batches"`
	Processed int  `json:"processed"`
	Scraped   int  `json:"scraped"`
	Invalid   int  `json:"invalid"`
	Retryable int  `json:"retryable"`
	Abandoned int  `json:"abandoned"`
	Errors    int  `json:"errors"`
}

func (s *Summary) record(res worker.Result) {
	s.Processed++
	if res.Err != nil {
		s.Errors++
	}
	if !res.Written && res.Err != nil && errors.Is(res.Err, context.Canceled) {
		s.Abandoned++
		return
	}
	switch res.Outcome.Kind {
	case crawler.OutcomeScraped:
		s.Scraped++
	case crawler.OutcomeInvalid:
		s.Invalid++
	default:
		s.Retryable++
	}
}

// Dispatcher coordinates detail runs. One run at a time.
type Dispatcher struct {
	cfg     Config
	src     Source
	proc    Processor
	pacer   Pacer
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	summary Summary
}

// New builds a Dispatcher. pacer and emitter may be nil.
func New(
	cfg Config,
	src Source,
	proc Processor,
	pacer Pacer,
	clock crawler.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		src:     src,
		proc:    proc,
		pacer:   pacer,
		clock:   clock,
		emitter: progress.OrNop(emitter),
		logger:  logger,
	}
}

// Status returns a snapshot of the current or last run.
func (d *Dispatcher) Status() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary
}

// Running reports whether a run is in progress.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stop asks the current run to stop taking work. In-flight items get
// StopGrace to finish before their contexts are cancelled. It reports whether
// a run was active.
func (d *Dispatcher) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.stop == nil {
		return false
	}
	d.stop()
	return true
}

// Run drains the worklist. It returns when a pass ends without any terminal
// write, when Stop is called, or when ctx is cancelled. Cancelling ctx behaves
// like Stop. Batches are a total order: every item of batch k has finished
// before batch k+1 is fetched.
func (d *Dispatcher) Run(ctx context.Context, req Request) (Summary, error) {
	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	if err := d.begin(stopIntake); err != nil {
		return Summary{}, err
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	finished := make(chan struct{})
	defer close(finished)
	go d.enforceGrace(intakeCtx, finished, cancelWork)

	parallel := req.MaxParallel
	if parallel <= 0 {
		parallel = d.cfg.MaxParallel
	}
	fetch := d.src.FetchPendingIdentities
	if req.RetryFailed {
		fetch = d.src.FetchFailedIdentities
	}
	log := d.logger.With(zap.Int("max_parallel", parallel), zap.Bool("retry_failed", req.RetryFailed))
	log.Info("detail crawl starting", zap.Int("batch_size", d.cfg.BatchSize))

	slots := semaphore.NewWeighted(int64(parallel))
	var runErr error
	for runErr == nil && intakeCtx.Err() == nil {
		progressed, err := d.pass(intakeCtx, workCtx, fetch, slots, req, log)
		d.update(func(s *Summary) { s.Passes++ })
		runErr = err
		if !progressed {
			break
		}
	}

	summary := d.finish(intakeCtx.Err() != nil)
	if runErr != nil {
		log.Error("detail crawl failed", zap.Error(runErr))
		return summary, runErr
	}
	log.Info("detail crawl finished",
		zap.Bool("stopped", summary.Stopped),
		zap.Int("passes", summary.Passes),
		zap.Int("processed", summary.Processed),
		zap.Int("scraped", summary.Scraped),
		zap.Int("invalid", summary.Invalid),
		zap.Int("retryable", summary.Retryable),
	)
	return summary, nil
}

func (d *Dispatcher) begin(stop context.CancelFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	d.running = true
	d.stop = stop
	d.summary = Summary{Running: true}
	return nil
}

func (d *Dispatcher) finish(stopped bool) Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.stop = nil
	d.summary.Running = false
	d.summary.Stopped = stopped
	return d.summary
}

func (d *Dispatcher) update(fn func(*Summary)) {
	d.mu.Lock()
	fn(&d.summary)
	d.mu.Unlock()
}

func (d *Dispatcher) enforceGrace(intakeCtx context.Context, finished <-chan struct{}, cancelWork context.CancelFunc) {
	select {
	case <-finished:
		return
	case <-intakeCtx.Done():
	}
	timer := time.NewTimer(d.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		d.logger.Warn("stop grace elapsed, cancelling in-flight detail items", zap.Duration("grace", d.cfg.StopGrace))
		cancelWork()
	}
}

type fetchFunc func(ctx context.Context, limit int, filter store.PendingFilter) ([]string, error)

// pass walks the worklist once from the start and reports whether any item
// reached a terminal status.
func (d *Dispatcher) pass(
	intakeCtx, workCtx context.Context,
	fetch fetchFunc,
	slots *semaphore.Weighted,
	req Request,
	log *zap.Logger,
) (bool, error) {
	cursor := ""
	terminal := 0
	for intakeCtx.Err() == nil {
		ids, err := fetch(intakeCtx, d.cfg.BatchSize, store.PendingFilter{SessionID: req.SessionID, After: cursor})
		if err != nil {
			if intakeCtx.Err() != nil {
				return terminal > 0, nil
			}
			return terminal > 0, fmt.Errorf("fetch worklist: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		cursor = ids[len(ids)-1]
		terminal += d.batch(intakeCtx, workCtx, ids, slots, req.SessionID, log)
	}
	return terminal > 0, nil
}

// batch runs ids through the processor and waits for all of them. It returns
// the number of terminal outcomes written.
func (d *Dispatcher) batch(
	intakeCtx, workCtx context.Context,
	ids []string,
	slots *semaphore.Weighted,
	sessionID string,
	log *zap.Logger,
) int {
	start := d.clock.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		terminal int
		started  int
	)
	for _, id := range ids {
		if err := slots.Acquire(intakeCtx, 1); err != nil {
			break
		}
		if d.pacer != nil {
			if err := d.pacer.Wait(intakeCtx, crawler.ProfileURL(d.cfg.BaseURL, id)); err != nil {
				slots.Release(1)
				break
			}
		}
		started++
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer slots.Release(1)
			res := d.proc.Process(workCtx, id, sessionID)
			d.update(func(s *Summary) { s.record(res) })
			if res.Written && res.Outcome.Kind != crawler.OutcomeRetryable {
				mu.Lock()
				terminal++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	dur := d.clock.Now().Sub(start)
	d.update(func(s *Summary) { s.Batches++ })
	d.emitter.Emit(progress.Event{
		TS:        d.clock.Now(),
		Stage:     progress.StageBatchDone,
		SessionID: sessionID,
		Count:     started,
		Dur:       max(dur, 0),
	})
	log.Info("detail batch done",
		zap.Int("size", len(ids)),
		zap.Int("started", started),
		zap.Int("terminal", terminal),
		zap.Duration("dur", dur),
	)
	return terminal
}

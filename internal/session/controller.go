package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/dispatcher"
	"github.com/JakeFAU/creator-crawler/internal/listing"
)

// ErrListRunning is returned when a list crawl is already running.
var ErrListRunning = errors.New("list crawl already running")

// ListRunner is the list crawler.
type ListRunner interface {
	Run(ctx context.Context, req listing.Request) (listing.Result, error)
	Status() listing.Status
	Checkpoint(ctx context.Context) (crawler.Checkpoint, error)
}

// DetailRunner is the detail dispatcher.
type DetailRunner interface {
	Run(ctx context.Context, req dispatcher.Request) (dispatcher.Summary, error)
	Stop() bool
	Status() dispatcher.Summary
	Running() bool
}

// ListRequest starts a list crawl.
type ListRequest struct {
	URL    string `json:"url"`
	Resume bool   `json:"resume"`
}

// ListStatus describes the current or last list crawl.
type ListStatus struct {
	Running   bool            `json:"running"`
	SessionID string          `json:"sessionId,omitempty"`
	State     listing.State   `json:"state"`
	Page      int             `json:"page"`
	Last      *listing.Result `json:"last,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

// Status is the combined crawl status.
type Status struct {
	List    ListStatus         `json:"list"`
	Details dispatcher.Summary `json:"details"`
}

// Controller owns the list and detail crawls of one process.
type Controller struct {
	tracker   *Tracker
	list      ListRunner
	details   DetailRunner
	pageParam string
	base      context.Context
	logger    *zap.Logger

	mu         sync.Mutex
	listCancel context.CancelFunc
	listSess   string
	lastList   *listing.Result
	lastErr    string
	detailsBg  bool
	wg         sync.WaitGroup
}

// NewController wires a Controller. Background crawls derive from base.
func NewController(
	base context.Context,
	tracker *Tracker,
	list ListRunner,
	details DetailRunner,
	pageParam string,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		tracker:   tracker,
		list:      list,
		details:   details,
		pageParam: pageParam,
		base:      base,
		logger:    logger,
	}
}

// Tracker exposes the session tracker.
func (c *Controller) Tracker() *Tracker { return c.tracker }

// RunList opens a session, crawls in the foreground and closes the session.
// A failure to close the session is logged, not returned.
func (c *Controller) RunList(ctx context.Context, req ListRequest) (crawler.CrawlSession, listing.Result, error) {
	sess, err := c.tracker.Start(ctx, crawler.FiltersFromURL(req.URL, c.pageParam))
	if err != nil {
		return crawler.CrawlSession{}, listing.Result{}, err
	}
	res, err := c.crawlList(ctx, sess.ID, req)
	return sess, res, err
}

// StartList opens a session and crawls in the background.
func (c *Controller) StartList(req ListRequest) (crawler.CrawlSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listCancel != nil {
		return crawler.CrawlSession{}, ErrListRunning
	}
	sess, err := c.tracker.Start(c.base, crawler.FiltersFromURL(req.URL, c.pageParam))
	if err != nil {
		return crawler.CrawlSession{}, err
	}
	ctx, cancel := context.WithCancel(c.base)
	c.listCancel = cancel
	c.listSess = sess.ID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		_, _ = c.crawlList(ctx, sess.ID, req)
		c.mu.Lock()
		c.listCancel = nil
		c.mu.Unlock()
	}()
	return sess, nil
}

func (c *Controller) crawlList(ctx context.Context, sessionID string, req ListRequest) (listing.Result, error) {
	res, runErr := c.list.Run(ctx, listing.Request{StartURL: req.URL, Resume: req.Resume, SessionID: sessionID})
	if _, err := c.tracker.End(context.WithoutCancel(ctx), sessionID); err != nil {
		c.logger.Warn("session close after list crawl", zap.String("session_id", sessionID), zap.Error(err))
	}
	c.mu.Lock()
	c.lastList = &res
	c.listSess = sessionID
	c.lastErr = ""
	if runErr != nil {
		c.lastErr = runErr.Error()
	}
	c.mu.Unlock()
	if runErr != nil {
		return res, fmt.Errorf("list crawl: %w", runErr)
	}
	return res, nil
}

// StopList stops a background list crawl. It reports whether one was running.
func (c *Controller) StopList() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listCancel == nil {
		return false
	}
	c.listCancel()
	return true
}

// Checkpoint returns the stored list resume point.
func (c *Controller) Checkpoint(ctx context.Context) (crawler.Checkpoint, error) {
	return c.list.Checkpoint(ctx)
}

// RunDetails drains the worklist in the foreground.
func (c *Controller) RunDetails(ctx context.Context, req dispatcher.Request) (dispatcher.Summary, error) {
	sum, err := c.details.Run(ctx, req)
	if err != nil {
		return sum, fmt.Errorf("detail crawl: %w", err)
	}
	return sum, nil
}

// StartDetails drains the worklist in the background.
func (c *Controller) StartDetails(req dispatcher.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detailsBg || c.details.Running() {
		return dispatcher.ErrAlreadyRunning
	}
	c.detailsBg = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.details.Run(c.base, req); err != nil {
			c.logger.Warn("background detail crawl ended with error", zap.Error(err))
		}
		c.mu.Lock()
		c.detailsBg = false
		c.mu.Unlock()
	}()
	return nil
}

// StopDetails asks the detail crawl to stop. It reports whether one was running.
func (c *Controller) StopDetails() bool {
	return c.details.Stop()
}

// Status reports both crawls.
func (c *Controller) Status() Status {
	ls := c.list.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		List: ListStatus{
			Running:   c.listCancel != nil,
			SessionID: c.listSess,
			State:     ls.State,
			Page:      ls.Page,
			Last:      c.lastList,
			LastError: c.lastErr,
		},
		Details: c.details.Status(),
	}
}

// Shutdown stops both crawls and waits for background work until ctx is done.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.StopList()
	c.StopDetails()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawls: %w", ctx.Err())
	}
}

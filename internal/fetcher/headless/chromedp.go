// Package headless drives Chrome tabs through chromedp for listing and profile pages.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/logging"
)

// Config controls the behavior of the headless browser.
type Config struct {
	// MaxTabs caps concurrently open tabs. 0 means unlimited.
	MaxTabs           int
	UserAgent         string
	NavigationTimeout time.Duration
	// Headful shows the browser window.
	Headful bool
	// ScrollPause is the wait after each scroll while materializing lazy content.
	ScrollPause time.Duration
	// MaxScrolls bounds the lazy-load scroll loop.
	MaxScrolls int
	// NextSelector locates the next-page affordance on listing pages.
	NextSelector string
}

// Browser implements crawler.Browser using chromedp and Chrome.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ crawler.Browser = (*Browser)(nil)

// New creates a Browser. Chrome is launched lazily on the first tab.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = 750 * time.Millisecond
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = 20
	}
	var limiter chan struct{}
	if cfg.MaxTabs > 0 {
		limiter = make(chan struct{}, cfg.MaxTabs)
	}

	headless := any("new")
	if cfg.Headful {
		headless = false
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logging.OrNop(logger).Named("chromedp"),
	}, nil
}

// Close shuts Chrome down and cancels the allocator.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCtx, b.browserCancel = nil, nil
	}
	b.mu.Unlock()
	b.allocCancel()
	return nil
}

// root returns the browser-level context, launching Chrome on first use.
func (b *Browser) root() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil {
		return b.browserCtx, nil
	}
	ctx, cancel := chromedp.NewContext(b.allocator)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	b.browserCtx, b.browserCancel = ctx, cancel
	b.logger.Info("chrome launched")
	return ctx, nil
}

// OpenListing opens a tab on a listing page.
func (b *Browser) OpenListing(ctx context.Context, url string) (crawler.ListingPage, error) {
	t, err := b.openTab(ctx, url)
	if err != nil {
		return nil, err
	}
	return &listingTab{tab: t}, nil
}

// OpenDetail opens a tab on a profile page.
func (b *Browser) OpenDetail(ctx context.Context, url string) (crawler.DetailPage, error) {
	return b.openTab(ctx, url)
}

func (b *Browser) openTab(ctx context.Context, url string) (*tab, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	root, err := b.root()
	if err != nil {
		b.release()
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(root)
	// The tab dies with the caller's context, so a timed out item never leaks it.
	stop := context.AfterFunc(ctx, cancel)
	t := &tab{browser: b, ctx: tabCtx, cancel: cancel, stop: stop, meta: newResponseMeta()}
	chromedp.ListenTarget(tabCtx, t.meta.captureEvent)

	// The first Run attaches the target and binds its event loop to tabCtx for the
	// tab's whole life. It must not carry a per-action deadline.
	if err := t.attach(); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("open tab for %s: %w", url, err)
	}
	if err := t.run(ctx, b.networkSetupAction(), chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	return t, nil
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tab slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

func (b *Browser) navTimeout() time.Duration {
	if b.cfg.NavigationTimeout > 0 {
		return b.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

// tab is one Chrome target. Close is idempotent and releases the tab slot.
type tab struct {
	browser *Browser
	ctx     context.Context
	cancel  context.CancelFunc
	stop    func() bool
	meta    *responseMeta
	once    sync.Once
}

func (t *tab) attach() error {
	timer := time.AfterFunc(t.browser.navTimeout(), t.cancel)
	defer timer.Stop()
	return chromedp.Run(t.ctx)
}

// run executes actions on the tab bounded by the navigation timeout and the caller's context.
func (t *tab) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(t.ctx, t.browser.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		return err
	}
	return nil
}

// Snapshot returns the rendered DOM of the tab.
func (t *tab) Snapshot(ctx context.Context) (crawler.PageSnapshot, error) {
	var snap crawler.PageSnapshot
	err := t.run(ctx,
		chromedp.Title(&snap.Title),
		chromedp.Location(&snap.URL),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.PageSnapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	snap.StatusCode, snap.URL = t.meta.statusAndURL(snap.URL)
	return snap, nil
}

// Close closes the Chrome target and frees the slot.
func (t *tab) Close() error {
	t.once.Do(func() {
		t.stop()
		t.cancel()
		t.browser.release()
	})
	return nil
}

type listingTab struct {
	*tab
}

// LoadAll scrolls to the bottom until the document stops growing.
func (l *listingTab) LoadAll(ctx context.Context) error {
	var last int64 = -1
	for i := 0; i < l.browser.cfg.MaxScrolls; i++ {
		var height int64
		if err := l.run(ctx, chromedp.Evaluate(scrollScript, &height)); err != nil {
			return fmt.Errorf("scroll listing: %w", err)
		}
		if err := sleep(ctx, l.browser.cfg.ScrollPause); err != nil {
			return err
		}
		if height == last {
			return nil
		}
		last = height
	}
	return nil
}

type nextLink struct {
	Found bool   `json:"found"`
	Href  string `json:"href"`
}

// Next follows the next-page link, or clicks it when it has no href.
func (l *listingTab) Next(ctx context.Context) (bool, error) {
	sel := l.browser.cfg.NextSelector
	if sel == "" {
		return false, nil
	}
	var next nextLink
	if err := l.run(ctx, chromedp.Evaluate(nextLinkScript(sel), &next)); err != nil {
		return false, fmt.Errorf("find next page: %w", err)
	}
	if !next.Found {
		return false, nil
	}

	var err error
	if next.Href != "" {
		err = l.run(ctx, chromedp.Navigate(next.Href), chromedp.WaitReady("body", chromedp.ByQuery))
	} else {
		err = l.run(ctx,
			chromedp.Click(sel, chromedp.ByQuery),
			chromedp.Sleep(l.browser.cfg.ScrollPause),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}
	if err != nil {
		return false, fmt.Errorf("advance page: %w", err)
	}
	return true, nil
}

const scrollScript = `(() => { window.scrollTo(0, document.body.scrollHeight); return document.body.scrollHeight; })()`

func nextLinkScript(selector string) string {
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el || el.disabled || el.getAttribute("aria-disabled") === "true") return {found: false, href: ""};
		return {found: true, href: el.href || ""};
	})()`, selector)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// responseMeta records the status of the last document response seen by a tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// statusAndURL falls back to 200 and the tab location when no document response was seen.
func (m *responseMeta) statusAndURL(location string) (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, url := m.status, location
	if url == "" {
		url = m.url
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

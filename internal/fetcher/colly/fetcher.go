// Package collyfetcher implements a static crawler.Browser using gocolly. It
// needs no Chrome, but it sees only server-rendered markup.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PageParam is the listing query parameter carrying the page number.
	PageParam string
}

// Browser implements crawler.Browser with plain HTTP requests.
type Browser struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ crawler.Browser = (*Browser)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Browser.
func New(cfg Config) *Browser {
	if cfg.PageParam == "" {
		cfg.PageParam = "pg"
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Browser{cfg: cfg, baseCollector: c}
}

// Close is a no-op; the transport is shared for the life of the process.
func (b *Browser) Close() error {
	return nil
}

// OpenListing fetches one listing page.
func (b *Browser) OpenListing(ctx context.Context, rawURL string) (crawler.ListingPage, error) {
	snap, err := b.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return &listingPage{browser: b, current: rawURL, snap: snap}, nil
}

// OpenDetail fetches one profile page.
func (b *Browser) OpenDetail(ctx context.Context, rawURL string) (crawler.DetailPage, error) {
	snap, err := b.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return detailPage{snap: snap}, nil
}

func (b *Browser) fetch(ctx context.Context, rawURL string) (crawler.PageSnapshot, error) {
	var (
		snap     crawler.PageSnapshot
		fetchErr error
	)
	collector := b.buildCollector()
	b.configureCollectorHooks(collector, &snap, &fetchErr)
	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return crawler.PageSnapshot{}, err
	}
	return snap, nil
}

func (b *Browser) buildCollector() *colly.Collector {
	collector := b.baseCollector.Clone()
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	timeout := b.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.ParseHTTPErrorResponse = true
	return collector
}

func (b *Browser) configureCollectorHooks(hooks collectorHooks, snap *crawler.PageSnapshot, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		// A 404/410 page is a valid answer: the extractor reads it as not found.
		if r.StatusCode >= http.StatusBadRequest && r.StatusCode != http.StatusNotFound && r.StatusCode != http.StatusGone {
			*fetchErr = fmt.Errorf("unexpected status %d", r.StatusCode)
			return
		}
		*snap = crawler.PageSnapshot{
			URL:        r.Request.URL.String(),
			HTML:       string(r.Body),
			StatusCode: r.StatusCode,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("colly fetch canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

type listingPage struct {
	browser *Browser
	current string
	snap    crawler.PageSnapshot
}

// LoadAll is a no-op: static markup has no lazy content to trigger.
func (p *listingPage) LoadAll(context.Context) error {
	return nil
}

func (p *listingPage) Snapshot(context.Context) (crawler.PageSnapshot, error) {
	return p.snap, nil
}

// Next requests the following page by incrementing the page parameter.
func (p *listingPage) Next(ctx context.Context) (bool, error) {
	next, err := NextPageURL(p.current, p.browser.cfg.PageParam)
	if err != nil {
		return false, err
	}
	snap, err := p.browser.fetch(ctx, next)
	if err != nil {
		return false, err
	}
	p.current, p.snap = next, snap
	return true, nil
}

func (p *listingPage) Close() error {
	return nil
}

type detailPage struct {
	snap crawler.PageSnapshot
}

func (d detailPage) Snapshot(context.Context) (crawler.PageSnapshot, error) {
	return d.snap, nil
}

func (detailPage) Close() error {
	return nil
}

// NextPageURL increments param in rawURL, treating a missing or bad value as page 1.
func NextPageURL(rawURL, param string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse listing url: %w", err)
	}
	q := u.Query()
	page, err := strconv.Atoi(q.Get(param))
	if err != nil || page < 1 {
		page = 1
	}
	q.Set(param, strconv.Itoa(page+1))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PageNumber reads param from rawURL, defaulting to 1.
func PageNumber(rawURL, param string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 1
	}
	page, err := strconv.Atoi(u.Query().Get(param))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

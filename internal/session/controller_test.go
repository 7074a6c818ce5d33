package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/creator-crawler/internal/clock/system"
	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/dispatcher"
	"github.com/JakeFAU/creator-crawler/internal/id/uuid"
	"github.com/JakeFAU/creator-crawler/internal/listing"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

func newController(t *testing.T, list *fakeList, details *fakeDetails) (*Controller, *Tracker) {
	t.Helper()
	st := newSQLite(t)
	tr := NewTracker(st, uuid.New(), system.New(), nil, zaptest.NewLogger(t))
	return NewController(context.Background(), tr, list, details, "pg", zaptest.NewLogger(t)), tr
}

func TestRunListWrapsSession(t *testing.T) {
	t.Parallel()

	list := &fakeList{result: listing.Result{State: listing.StateCompleted, Pages: 2}}
	c, tr := newController(t, list, &fakeDetails{})

	sess, res, err := c.RunList(context.Background(), ListRequest{URL: "https://site.test/influencers?platform=tiktok&pg=3"})
	require.NoError(t, err)
	assert.Equal(t, listing.StateCompleted, res.State)
	assert.Equal(t, map[string]string{"platform": "tiktok"}, sess.Filters)
	assert.Equal(t, sess.ID, list.lastRequest().SessionID)

	got, err := tr.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt, "session is closed after the crawl")
	_, active := tr.Active()
	assert.False(t, active)
}

func TestStartListRunsInBackgroundAndStops(t *testing.T) {
	t.Parallel()

	list := &fakeList{block: true, started: make(chan struct{}, 1)}
	c, tr := newController(t, list, &fakeDetails{})

	sess, err := c.StartList(ListRequest{URL: "https://site.test/influencers"})
	require.NoError(t, err)
	<-list.started

	_, err = c.StartList(ListRequest{URL: "https://site.test/influencers"})
	require.ErrorIs(t, err, ErrListRunning)
	assert.True(t, c.Status().List.Running)

	require.True(t, c.StopList())
	require.Eventually(t, func() bool { return !c.Status().List.Running }, time.Second, 5*time.Millisecond)

	got, err := tr.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, listing.StateStopped, c.Status().List.Last.State)
	assert.False(t, c.StopList())
}

func TestStartDetailsRejectsSecondRun(t *testing.T) {
	t.Parallel()

	details := &fakeDetails{release: make(chan struct{})}
	c, _ := newController(t, &fakeList{}, details)

	require.NoError(t, c.StartDetails(dispatcher.Request{MaxParallel: 3}))
	require.ErrorIs(t, c.StartDetails(dispatcher.Request{}), dispatcher.ErrAlreadyRunning)

	close(details.release)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 3, details.lastRequest().MaxParallel)
	require.NoError(t, c.StartDetails(dispatcher.Request{}))
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestShutdownStopsBackgroundList(t *testing.T) {
	t.Parallel()

	list := &fakeList{block: true, started: make(chan struct{}, 1)}
	c, _ := newController(t, list, &fakeDetails{})
	_, err := c.StartList(ListRequest{URL: "https://site.test/influencers"})
	require.NoError(t, err)
	<-list.started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

type fakeList struct {
	mu      sync.Mutex
	req     listing.Request
	result  listing.Result
	block   bool
	started chan struct{}
}

func (l *fakeList) Run(ctx context.Context, req listing.Request) (listing.Result, error) {
	l.mu.Lock()
	l.req = req
	l.mu.Unlock()
	if l.started != nil {
		l.started <- struct{}{}
	}
	if l.block {
		<-ctx.Done()
		return listing.Result{State: listing.StateStopped}, nil
	}
	return l.result, nil
}

func (l *fakeList) Status() listing.Status { return listing.Status{State: listing.StateIdle} }

func (l *fakeList) Checkpoint(context.Context) (crawler.Checkpoint, error) {
	return crawler.Checkpoint{}, store.ErrNotFound
}

func (l *fakeList) lastRequest() listing.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.req
}

type fakeDetails struct {
	mu      sync.Mutex
	req     dispatcher.Request
	running bool
	release chan struct{}
}

func (d *fakeDetails) Run(ctx context.Context, req dispatcher.Request) (dispatcher.Summary, error) {
	d.mu.Lock()
	d.req = req
	d.running = true
	d.mu.Unlock()
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
		}
	}
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return dispatcher.Summary{}, nil
}

func (d *fakeDetails) Stop() bool { return false }

func (d *fakeDetails) Status() dispatcher.Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dispatcher.Summary{Running: d.running}
}

func (d *fakeDetails) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDetails) lastRequest() dispatcher.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.req
}

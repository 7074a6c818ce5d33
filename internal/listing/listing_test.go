package listing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/progress"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

func TestRunCompletesOnEmptyPageAndClearsCheckpoint(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: [][]string{
		{"adilmalnick", "-10271", "ab", "janedoe", "adilmalnick"},
		{"42", "about"},
	}}
	st := newFakeStore()
	st.checkpoints[DefaultCheckpointKey] = crawler.Checkpoint{Key: DefaultCheckpointKey, Page: 9, URL: "stale"}
	emitter := &recordingEmitter{}
	c := newTestCrawler(t, browser, st, emitter)

	res, err := c.Run(context.Background(), Request{StartURL: "https://site.test/influencers?pg=1", SessionID: "session_1"})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, []string{"adilmalnick", "janedoe"}, st.ids)
	require.Len(t, st.batches, 1)
	assert.Equal(t, "session_1", st.batches[0].SessionID)
	assert.Equal(t, 1, st.batches[0].Page)
	assert.Empty(t, st.checkpoints)
	assert.Equal(t, 1, st.saved)
	assert.Equal(t, StateCompleted, c.Status().State)
	assert.True(t, browser.closed)

	stages := emitter.Stages()
	assert.Equal(t, []progress.Stage{progress.StagePagePersisted, progress.StageListDone}, stages)
}

func TestRunCompletesWhenNoNextPage(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: [][]string{{"alice", "bobby"}}, lastHasNext: false}
	st := newFakeStore()
	c := newTestCrawler(t, browser, st, nil)

	res, err := c.Run(context.Background(), Request{StartURL: "https://site.test/influencers"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.LastPage)
	assert.Empty(t, st.checkpoints)
}

func TestRunStopsOnPageErrorAndKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{
		pages:     [][]string{{"alice"}, {"bobby"}, {"carol"}},
		loadErrAt: 2,
	}
	st := newFakeStore()
	c := newTestCrawler(t, browser, st, nil)

	res, err := c.Run(context.Background(), Request{StartURL: "https://site.test/influencers"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errLoad)
	assert.Equal(t, StateStopped, res.State)
	assert.Equal(t, []string{"alice"}, st.ids)

	cp, ok := st.checkpoints[DefaultCheckpointKey]
	require.True(t, ok)
	assert.Equal(t, 1, cp.Page)
	assert.Equal(t, "https://site.test/influencers?pg=1", cp.URL)
}

func TestRunStopsQuietlyOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	browser := &fakeBrowser{pages: [][]string{{"alice"}, {"bobby"}, {"carol"}}}
	browser.onNext = func(page int) {
		if page == 1 {
			cancel()
		}
	}
	st := newFakeStore()
	c := newTestCrawler(t, browser, st, nil)

	res, err := c.Run(ctx, Request{StartURL: "https://site.test/influencers"})
	require.NoError(t, err)
	assert.Equal(t, StateStopped, res.State)
	assert.Equal(t, []string{"alice"}, st.ids)
	assert.Contains(t, st.checkpoints, DefaultCheckpointKey)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: [][]string{{"alice"}, {"bobby"}, {"carol"}, {}}}
	st := newFakeStore()
	st.checkpoints[DefaultCheckpointKey] = crawler.Checkpoint{
		Key: DefaultCheckpointKey, Page: 2, URL: "https://site.test/influencers?pg=2",
	}
	c := newTestCrawler(t, browser, st, nil)

	res, err := c.Run(context.Background(), Request{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "https://site.test/influencers?pg=2", browser.opened)
	require.Len(t, st.batches, 2)
	assert.Equal(t, 2, st.batches[0].Page)
	assert.Equal(t, 3, st.batches[1].Page)
	assert.Equal(t, []string{"bobby", "carol"}, st.ids)
}

func TestRunResumeWithoutCheckpointNeedsURL(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, &fakeBrowser{}, newFakeStore(), nil)
	_, err := c.Run(context.Background(), Request{Resume: true})
	require.ErrorIs(t, err, ErrNoStartURL)
}

func TestRunDedupesAcrossPages(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: [][]string{{"alice", "bobby"}, {"bobby", "carol"}, {}}}
	st := newFakeStore()
	c := newTestCrawler(t, browser, st, nil)

	res, err := c.Run(context.Background(), Request{StartURL: "https://site.test/influencers"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Found)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, []string{"alice", "bobby", "carol"}, st.ids)
}

var errLoad = errors.New("navigation failed")

func newTestCrawler(t *testing.T, browser *fakeBrowser, st *fakeStore, emitter progress.Emitter) *Crawler {
	t.Helper()
	return New(Config{}, browser, idExtractor{}, st, fakeClock{}, emitter, zaptest.NewLogger(t))
}

// fakeBrowser serves pages[i] as the identifiers of page i+1. The snapshot HTML
// carries the page index so idExtractor can look the identifiers up.
type fakeBrowser struct {
	pages       [][]string
	loadErrAt   int
	lastHasNext bool
	onNext      func(page int)

	opened string
	closed bool
}

func (b *fakeBrowser) OpenListing(_ context.Context, url string) (crawler.ListingPage, error) {
	b.opened = url
	page := 1
	if n := crawlerPageParam(url); n > 0 {
		page = n
	}
	return &fakeListing{browser: b, page: page}, nil
}

func (b *fakeBrowser) OpenDetail(context.Context, string) (crawler.DetailPage, error) {
	return nil, errors.New("not used")
}

func (b *fakeBrowser) Close() error { return nil }

type fakeListing struct {
	browser *fakeBrowser
	page    int
}

func (l *fakeListing) LoadAll(context.Context) error {
	if l.browser.loadErrAt == l.page {
		return errLoad
	}
	return nil
}

func (l *fakeListing) Snapshot(context.Context) (crawler.PageSnapshot, error) {
	var ids []string
	if l.page-1 < len(l.browser.pages) {
		ids = l.browser.pages[l.page-1]
	}
	return crawler.PageSnapshot{
		URL:        pageURL(l.page),
		HTML:       joinIDs(ids),
		StatusCode: 200,
	}, nil
}

func (l *fakeListing) Next(context.Context) (bool, error) {
	if l.browser.onNext != nil {
		l.browser.onNext(l.page)
	}
	if l.page >= len(l.browser.pages) {
		return l.browser.lastHasNext, nil
	}
	l.page++
	return true, nil
}

func (l *fakeListing) Close() error {
	l.browser.closed = true
	return nil
}

type idExtractor struct{}

func (idExtractor) ListingIdentifiers(snap crawler.PageSnapshot) ([]string, error) {
	return splitIDs(snap.HTML), nil
}

func (idExtractor) Detail(crawler.PageSnapshot) (crawler.DetailExtraction, error) {
	return crawler.DetailExtraction{}, nil
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func (fakeClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fakeStore struct {
	mu          sync.Mutex
	ids         []string
	known       map[string]struct{}
	batches     []store.IdentityBatch
	checkpoints map[string]crawler.Checkpoint
	saved       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{known: map[string]struct{}{}, checkpoints: map[string]crawler.Checkpoint{}}
}

func (s *fakeStore) UpsertIdentityBatch(_ context.Context, batch store.IdentityBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	inserted := 0
	for _, id := range batch.IDs {
		if _, ok := s.known[id]; ok {
			continue
		}
		s.known[id] = struct{}{}
		s.ids = append(s.ids, id)
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, cp crawler.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved++
	s.checkpoints[cp.Key] = cp
	return nil
}

func (s *fakeStore) LoadCheckpoint(_ context.Context, key string) (crawler.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[key]
	if !ok {
		return crawler.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

func (s *fakeStore) ClearCheckpoint(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, key)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

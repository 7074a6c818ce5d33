package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/creator-crawler/internal/clock/system"
	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/dispatcher"
	"github.com/JakeFAU/creator-crawler/internal/export"
	"github.com/JakeFAU/creator-crawler/internal/id/uuid"
	"github.com/JakeFAU/creator-crawler/internal/session"
	"github.com/JakeFAU/creator-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

type testEnv struct {
	server *Server
	store  *sqlite.Store
	crawls *fakeCrawls
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := sqlite.Open(context.Background(), sqlite.Config{Path: sqlite.MemoryPath, MaxAttempts: 2}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := system.New()
	crawls := &fakeCrawls{}
	srv := NewServer(Deps{
		Store:          st,
		Sessions:       session.NewTracker(st, uuid.New(), clock, nil, logger),
		Crawls:         crawls,
		Clock:          clock,
		AllowedOrigins: []string{"chrome-extension://*"},
		Logger:         logger,
	})
	return &testEnv{server: srv, store: st, crawls: crawls}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "creator-crawler")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflightForExtension(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/profiles", nil)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "chrome-extension://abcdef", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestProfileWorklistFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/profiles", `{"profiles":[{"id":"a"},{"id":"b"},{"id":" "},{"id":"c"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"received": 3, "inserted": 3}, decode[map[string]int](t, rec))

	rec = env.do(t, http.MethodPost, "/api/profiles", `{"profiles":[{"id":"a"}]}`)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["inserted"])

	rec = env.do(t, http.MethodPut, "/api/profiles/a",
		`{"name":"A","bio":"hi","social_platforms":[{"platform":"Instagram","link":"https://instagram.com/a","followers":1200}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPut, "/api/profiles/b", `{"status":"failed","error":"timeout"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/profiles/unscraped?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Profiles []profileRef `json:"profiles"`
	}](t, rec)
	assert.Equal(t, []profileRef{{ID: "b"}, {ID: "c"}}, pending.Profiles)

	rec = env.do(t, http.MethodGet, "/api/profiles/progress", "")
	sum := decode[crawler.ProgressSummary](t, rec)
	assert.Equal(t, int64(3), sum.Total)
	assert.Equal(t, int64(1), sum.Scraped)
	assert.Equal(t, 33, sum.Percentage)

	rec = env.do(t, http.MethodGet, "/api/profiles/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[crawler.ProfileRecord](t, rec)
	assert.Equal(t, crawler.StatusScraped, got.Status)
	require.Len(t, got.Socials, 1)
	assert.Equal(t, crawler.PlatformInstagram, got.Socials[0].Platform)

	rec = env.do(t, http.MethodGet, "/api/profiles/b", "")
	assert.Equal(t, 1, decode[crawler.ProfileRecord](t, rec).AttemptCount)
}

func TestApplyProfileErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.store.UpsertIdentityBatch(context.Background(), store.IdentityBatch{IDs: []string{"a"}})
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown profile", path: "/api/profiles/zzz", body: `{"status":"invalid"}`, want: http.StatusNotFound},
		{name: "scraped without name", path: "/api/profiles/a", body: `{"bio":"x"}`, want: http.StatusBadRequest},
		{name: "unknown status", path: "/api/profiles/a", body: `{"status":"done"}`, want: http.StatusBadRequest},
		{name: "bad json", path: "/api/profiles/a", body: `{`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodPut, tt.path, tt.body)
		assert.Equal(t, tt.want, rec.Code, tt.name)
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/profiles/a", `{"status":"invalid"}`).Code)
	rec := env.do(t, http.MethodPut, "/api/profiles/a", `{"name":"A","bio":"late"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListAndClearProfiles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"a", "b"}})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/profiles?status=id_only&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Profiles []crawler.ProfileRecord `json:"profiles"`
	}](t, rec)
	require.Len(t, list.Profiles, 1)
	assert.Equal(t, "a", list.Profiles[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/profiles?status=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/profiles?limit=-1", "").Code)

	rec = env.do(t, http.MethodDelete, "/api/profiles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[map[string]int64](t, rec)["deleted"])
}

func TestStatsReportsPagesPerSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/session/start", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decode[crawler.CrawlSession](t, rec)

	body := `{"sessionId":"` + sess.ID + `","page":1,"profiles":[{"id":"alice"},{"id":"bob"}]}`
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/profiles", body).Code)
	body = `{"sessionId":"` + sess.ID + `","page":2,"profiles":[{"id":"cara"}]}`
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/profiles", body).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/profiles", `{"profiles":[{"id":"dave"}]}`).Code)

	rec = env.do(t, http.MethodGet, "/api/stats?sessionId="+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Stats crawler.ProfileStats `json:"stats"`
	}](t, rec)
	assert.Equal(t, crawler.ProfileStats{
		TotalProfiles:   3,
		UniqueProfiles:  3,
		TotalPages:      2,
		ProfilesPerPage: []crawler.PageCount{{Page: 1, Count: 2}, {Page: 2, Count: 1}},
	}, got.Stats)

	rec = env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalProfiles":4`)
}

func TestPurgeInvalidProfiles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body := `{"profiles":[{"id":"adilmalnick"},{"id":"-10271"},{"id":"ab"},{"id":"influencers"}]}`
	rec := env.do(t, http.MethodPost, "/api/profiles", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decode[map[string]int](t, rec)["inserted"])

	rec = env.do(t, http.MethodDelete, "/api/profiles/invalid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Deleted int      `json:"deleted"`
		IDs     []string `json:"ids"`
	}](t, rec)
	assert.Equal(t, 3, got.Deleted)
	assert.Equal(t, []string{"-10271", "ab", "influencers"}, got.IDs)

	rec = env.do(t, http.MethodGet, "/api/profiles/unscraped", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = env.do(t, http.MethodDelete, "/api/profiles/invalid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":0,"ids":[]}`, rec.Body.String())
}

func TestSessionRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/session/start", `{"filters":{"platform":"tiktok"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decode[crawler.CrawlSession](t, rec)
	require.NotEmpty(t, sess.ID)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/session/start", `{}`).Code)

	rec = env.do(t, http.MethodGet, "/api/session/"+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tiktok", decode[crawler.CrawlSession](t, rec).Filters["platform"])

	body := `{"sessionId":"` + sess.ID + `"}`
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/session/end", body).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/session/end", body).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/session/end", `{"sessionId":"missing"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/session/end", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/session/missing", "").Code)

	rec = env.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Sessions []crawler.CrawlSession `json:"sessions"`
	}](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.NotNil(t, list.Sessions[0].EndedAt)
}

func TestExportCSVStreamsRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.store.UpsertIdentityBatch(context.Background(), store.IdentityBatch{IDs: []string{"a", "b"}})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/export/csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "profiles.csv")
	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, export.Header(), rows[0])
	assert.Equal(t, "a", rows[1][0])
}

func TestExportSnapshotRequiresStore(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/export/snapshot", "").Code)
}

func TestCrawlControlRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/crawl/list/start", `{}`).Code)

	rec := env.do(t, http.MethodPost, "/api/crawl/list/start", `{"url":"https://site.test/influencers"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "https://site.test/influencers", env.crawls.list.URL)

	env.crawls.listErr = session.ErrListRunning
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/crawl/list/start", `{"resume":true}`).Code)

	rec = env.do(t, http.MethodPost, "/api/crawl/list/stop", "")
	assert.Equal(t, map[string]bool{"stopping": true}, decode[map[string]bool](t, rec))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/crawl/list/checkpoint", "").Code)

	rec = env.do(t, http.MethodPost, "/api/crawl/details/start", `{"maxParallel":3,"retryFailed":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, dispatcher.Request{MaxParallel: 3, RetryFailed: true}, env.crawls.details)

	env.crawls.detailsErr = dispatcher.ErrAlreadyRunning
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/crawl/details/start", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/crawl/details/start", `{"maxParallel":-1}`).Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/crawl/details/stop", "").Code)
	rec = env.do(t, http.MethodGet, "/api/crawl/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[session.Status](t, rec).Details.Running)
}

func TestCrawlControlUnavailable(t *testing.T) {
	t.Parallel()
	srv := NewServer(Deps{Store: nil, Clock: system.New()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/crawl/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	h := env.server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fakeCrawls struct {
	list       session.ListRequest
	listErr    error
	details    dispatcher.Request
	detailsErr error
}

func (f *fakeCrawls) StartList(req session.ListRequest) (crawler.CrawlSession, error) {
	if f.listErr != nil {
		return crawler.CrawlSession{}, f.listErr
	}
	f.list = req
	return crawler.CrawlSession{ID: "s-1"}, nil
}

func (f *fakeCrawls) StopList() bool { return true }

func (f *fakeCrawls) Checkpoint(context.Context) (crawler.Checkpoint, error) {
	return crawler.Checkpoint{}, store.ErrNotFound
}

func (f *fakeCrawls) StartDetails(req dispatcher.Request) error {
	if f.detailsErr != nil {
		return f.detailsErr
	}
	f.details = req
	return nil
}

func (f *fakeCrawls) StopDetails() bool { return false }

func (f *fakeCrawls) Status() session.Status {
	return session.Status{Details: dispatcher.Summary{Running: true}}
}

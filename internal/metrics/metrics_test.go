package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Collabstr.com/influencers?pg=2": "collabstr.com",
		"example.com/path":                      "example.com",
		"example.com:8080":                      "example.com",
		"http://%":                              "unknown",
		"":                                      "unknown",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeSite(in), in)
	}
}

// Collectors are process-global, so these assertions compare deltas.
func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(storeWritesTotal.WithLabelValues("scraped", "error"))
	ObserveStoreWrite("scraped", errors.New("boom"))
	assert.InDelta(t, before+1, testutil.ToFloat64(storeWritesTotal.WithLabelValues("scraped", "error")), 1e-9)

	before = testutil.ToFloat64(publishTotal.WithLabelValues("ok"))
	ObservePublish(nil)
	assert.InDelta(t, before+1, testutil.ToFloat64(publishTotal.WithLabelValues("ok")), 1e-9)

	before = testutil.ToFloat64(openTabs)
	TabOpened()
	TabOpened()
	TabClosed()
	assert.InDelta(t, before+1, testutil.ToFloat64(openTabs), 1e-9)
	TabClosed()

	before = testutil.ToFloat64(exportBytesTotal)
	ObserveExportBytes(0)
	ObserveExportBytes(128)
	assert.InDelta(t, before+128, testutil.ToFloat64(exportBytesTotal), 1e-9)

	ObserveTabOpenDelay("https://collabstr.com/alice", 250*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(tabOpenDelaySeconds))
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/profiles/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	resp, err := http.Get(srv.URL + "/profiles/alice")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 1e-9)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, seed := range []string{"http://example.com", "https://collabstr.com/x", "ftp://example.com"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		if SanitizeSite(raw) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", raw)
		}
	})
}

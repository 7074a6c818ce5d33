package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, maxAttempts int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: MemoryPath, MaxAttempts: maxAttempts}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	_, err := s.UpsertIdentityBatch(context.Background(), store.IdentityBatch{IDs: ids, SeenAt: t0})
	require.NoError(t, err)
}

func statusOf(t *testing.T, s *Store, id string) crawler.Status {
	t.Helper()
	rec, err := s.GetProfile(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func TestUpsertIdentityBatchIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	n, err := s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"a", "b", "a", " ", "c"}, SeenAt: t0})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"a", "b", "c"}, SeenAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Zero(t, n)

	summary, err := s.ProgressSummary(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(3), summary.Total)
	require.Equal(t, int64(3), summary.IDOnly)

	rec, err := s.GetProfile(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusIDOnly, rec.Status)
	require.True(t, rec.FirstSeenAt.Equal(t0))
	require.Equal(t, 1, rec.TouchCount)
}

func TestScrapedRemovesFromPendingInInsertionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)
	seed(t, s, "a", "b", "c")

	require.NoError(t, s.ApplyDetailResult(ctx, "a", crawler.Scraped(crawler.ProfileDetails{Name: "A"}), t0))

	ids, err := s.FetchPendingIdentities(ctx, 10, store.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids)

	rec, err := s.GetProfile(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusScraped, rec.Status)
	require.Equal(t, "A", rec.Name)
	require.Equal(t, 2, rec.TouchCount)
	require.NotNil(t, rec.LastUpdatedAt)
}

func TestRetryableLeavesIdentityPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)
	seed(t, s, "a", "b", "c")

	require.NoError(t, s.ApplyDetailResult(ctx, "b", crawler.Retryable("timeout"), t0))
	require.Equal(t, crawler.StatusIDOnly, statusOf(t, s, "b"))

	ids, err := s.FetchPendingIdentities(ctx, 10, store.PendingFilter{})
	require.NoError(t, err)
	require.Contains(t, ids, "b")

	rec, err := s.GetProfile(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, rec.AttemptCount)
	require.Equal(t, "timeout", rec.LastError)
}

func TestRetryBudgetMovesToFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 2)
	seed(t, s, "a", "b")

	require.NoError(t, s.ApplyDetailResult(ctx, "a", crawler.Retryable("boom"), t0))
	require.Equal(t, crawler.StatusIDOnly, statusOf(t, s, "a"))
	require.NoError(t, s.ApplyDetailResult(ctx, "a", crawler.Retryable("boom"), t0))
	require.Equal(t, crawler.StatusFailed, statusOf(t, s, "a"))

	pending, err := s.FetchPendingIdentities(ctx, 10, store.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, pending)

	failed, err := s.FetchFailedIdentities(ctx, 10, store.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, failed)

	// A later retry of a failed row can still succeed.
	require.NoError(t, s.ApplyDetailResult(ctx, "a", crawler.Retryable("again"), t0))
	require.Equal(t, crawler.StatusFailed, statusOf(t, s, "a"))
	require.NoError(t, s.ApplyDetailResult(ctx, "a", crawler.Scraped(crawler.ProfileDetails{Name: "A"}), t0))
	require.Equal(t, crawler.StatusScraped, statusOf(t, s, "a"))
}

func TestTerminalRowsRejectWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)
	seed(t, s, "a", "b")

	require.NoError(t, s.ApplyDetailResult(ctx, "a", crawler.Scraped(crawler.ProfileDetails{Name: "A", Bio: "hi"}), t0))
	require.NoError(t, s.ApplyDetailResult(ctx, "b", crawler.Invalid("not found"), t0))

	outcomes := []crawler.Outcome{
		crawler.Scraped(crawler.ProfileDetails{Name: "Other"}),
		crawler.Invalid("x"),
		crawler.Failed("x"),
		crawler.Retryable("x"),
	}
	for _, id := range []string{"a", "b"} {
		for _, o := range outcomes {
			err := s.ApplyDetailResult(ctx, id, o, t0)
			require.ErrorIs(t, err, store.ErrTerminalStatus, "%s %s", id, o.Kind)
		}
	}

	rec, err := s.GetProfile(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "A", rec.Name)
	require.Equal(t, crawler.StatusScraped, rec.Status)
	require.Equal(t, crawler.StatusInvalid, statusOf(t, s, "b"))
}

func TestApplyToUnknownProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	require.ErrorIs(t, s.ApplyDetailResult(ctx, "ghost", crawler.Invalid("x"), t0), store.ErrNotFound)
	require.ErrorIs(t, s.ApplyDetailResult(ctx, "ghost", crawler.Retryable("x"), t0), store.ErrNotFound)

	// Scraped results upsert unknown identifiers.
	require.NoError(t, s.ApplyDetailResult(ctx, "ghost", crawler.Scraped(crawler.ProfileDetails{Name: "G"}), t0))
	require.Equal(t, crawler.StatusScraped, statusOf(t, s, "ghost"))
}

func TestScrapedDetailsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)
	seed(t, s, "ada")

	followers := int64(29800)
	rating := 4.8
	reviews := int64(12)
	details := crawler.ProfileDetails{
		Name:         "Ada",
		Location:     "Austin, TX",
		Bio:          "Maker",
		ReviewRating: &rating,
		ReviewCount:  &reviews,
		Socials: []crawler.SocialLink{
			{Platform: crawler.PlatformInstagram, Link: "https://instagram.com/ada", Followers: &followers},
			{Platform: crawler.PlatformAmazon, Link: "https://amazon.com/shop/ada"},
		},
	}
	require.NoError(t, s.ApplyDetailResult(ctx, "ada", crawler.Scraped(details), t0))

	rec, err := s.GetProfile(ctx, "ada")
	require.NoError(t, err)
	require.Equal(t, details, rec.ProfileDetails)
}

func TestFetchPendingCursorAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)
	seed(t, s, "a", "b", "c", "d")

	ids, err := s.FetchPendingIdentities(ctx, 2, store.PendingFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	ids, err = s.FetchPendingIdentities(ctx, 2, store.PendingFilter{After: "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, ids)

	ids, err = s.FetchPendingIdentities(ctx, 2, store.PendingFilter{After: "d"})
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = s.FetchPendingIdentities(ctx, 0, store.PendingFilter{})
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestProgressSummaryPercentage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	summary, err := s.ProgressSummary(ctx, "")
	require.NoError(t, err)
	require.Equal(t, crawler.ProgressSummary{}, summary)

	seed(t, s, "a", "b", "c")
	require.NoError(t, s.ApplyDetailResult(ctx, "a", crawler.Scraped(crawler.ProfileDetails{Name: "A"}), t0))
	summary, err = s.ProgressSummary(ctx, "")
	require.NoError(t, err)
	require.Equal(t, crawler.ProgressSummary{Total: 3, Scraped: 1, IDOnly: 2, Percentage: 33}, summary)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	sess := crawler.CrawlSession{ID: "session_1", StartedAt: t0, Filters: map[string]string{"p": "tiktok"}}
	require.NoError(t, s.CreateSession(ctx, sess))

	n, err := s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"a", "b"}, SessionID: "session_1", Page: 1, SeenAt: t0})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"b", "c"}, SessionID: "session_1", Page: 2, SeenAt: t0})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ended, err := s.EndSession(ctx, "session_1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ended.Active())
	require.Equal(t, 4, ended.TotalProfiles)
	require.Equal(t, 2, ended.MaxPage)
	require.Equal(t, map[string]string{"p": "tiktok"}, ended.Filters)

	_, err = s.EndSession(ctx, "session_1", t0.Add(2*time.Minute))
	require.ErrorIs(t, err, store.ErrSessionEnded)
	_, err = s.EndSession(ctx, "nope", t0)
	require.ErrorIs(t, err, store.ErrSessionNotFound)

	summary, err := s.ProgressSummary(ctx, "session_1")
	require.NoError(t, err)
	require.Equal(t, int64(3), summary.Total)

	_, err = s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"z"}, SessionID: "nope", SeenAt: t0})
	require.ErrorIs(t, err, store.ErrSessionNotFound)
	_, err = s.GetProfile(ctx, "z")
	require.ErrorIs(t, err, store.ErrNotFound, "failed batch must roll back")
}

func TestListSessionsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	require.NoError(t, s.CreateSession(ctx, crawler.CrawlSession{ID: "session_old", StartedAt: t0}))
	require.NoError(t, s.CreateSession(ctx, crawler.CrawlSession{ID: "session_new", StartedAt: t0.Add(time.Second)}))

	sessions, err := s.ListSessions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "session_new", sessions[0].ID)
	require.True(t, sessions[0].Active())
}

func TestCheckpointSaveLoadClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	_, err := s.LoadCheckpoint(ctx, "default")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveCheckpoint(ctx, crawler.Checkpoint{Key: "default", Page: 3, URL: "https://x/?pg=3", UpdatedAt: t0}))
	require.NoError(t, s.SaveCheckpoint(ctx, crawler.Checkpoint{Key: "default", Page: 4, URL: "https://x/?pg=4", UpdatedAt: t0}))

	cp, err := s.LoadCheckpoint(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, 4, cp.Page)
	require.Equal(t, "https://x/?pg=4", cp.URL)

	require.NoError(t, s.ClearCheckpoint(ctx, "default"))
	_, err = s.LoadCheckpoint(ctx, "default")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListAndClearProfiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	require.NoError(t, s.CreateSession(ctx, crawler.CrawlSession{ID: "s1", StartedAt: t0}))
	_, err := s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"a", "b"}, SessionID: "s1", Page: 1, SeenAt: t0})
	require.NoError(t, err)
	seed(t, s, "c")
	require.NoError(t, s.ApplyDetailResult(ctx, "b", crawler.Invalid("empty"), t0))

	all, err := s.ListProfiles(ctx, store.ProfileQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "s1", all[0].SessionID)
	require.Equal(t, 1, all[0].Page)

	invalid, err := s.ListProfiles(ctx, store.ProfileQuery{Status: crawler.StatusInvalid})
	require.NoError(t, err)
	require.Len(t, invalid, 1)

	page, err := s.ListProfiles(ctx, store.ProfileQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "b", page[0].ID)

	n, err := s.ClearProfiles(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	n, err = s.ClearProfiles(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestProfileStatsPerPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	empty, err := s.ProfileStats(ctx, "")
	require.NoError(t, err)
	require.Zero(t, empty.TotalProfiles)
	require.Zero(t, empty.TotalPages)
	require.Empty(t, empty.ProfilesPerPage)

	require.NoError(t, s.CreateSession(ctx, crawler.CrawlSession{ID: "s1", StartedAt: t0}))
	_, err = s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"alice", "bob"}, SessionID: "s1", Page: 1, SeenAt: t0})
	require.NoError(t, err)
	_, err = s.UpsertIdentityBatch(ctx, store.IdentityBatch{IDs: []string{"bob", "cara", "dave"}, SessionID: "s1", Page: 3, SeenAt: t0})
	require.NoError(t, err)
	seed(t, s, "eve")

	stats, err := s.ProfileStats(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.TotalProfiles)
	require.Equal(t, int64(4), stats.UniqueProfiles)
	require.Equal(t, 3, stats.TotalPages)
	require.Equal(t, []crawler.PageCount{{Page: 1, Count: 2}, {Page: 3, Count: 2}}, stats.ProfilesPerPage)

	all, err := s.ProfileStats(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(5), all.TotalProfiles)
	require.Equal(t, []crawler.PageCount{{Page: 0, Count: 1}, {Page: 1, Count: 2}, {Page: 3, Count: 2}}, all.ProfilesPerPage)
}

func TestPurgeIdentitiesDeletesRejectedRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, 0)

	seed(t, s, "alice", "-10271", "ab", "bob", "123")
	require.NoError(t, s.ApplyDetailResult(ctx, "alice", crawler.Scraped(crawler.ProfileDetails{Name: "Alice"}), t0))

	valid := func(id string) bool { return len(id) >= 3 && id != "-10271" && id != "123" }
	ids, err := s.PurgeIdentities(ctx, valid)
	require.NoError(t, err)
	require.Equal(t, []string{"-10271", "ab", "123"}, ids)

	summary, err := s.ProgressSummary(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), summary.Total)
	require.Equal(t, crawler.StatusScraped, statusOf(t, s, "alice"))
	_, err = s.GetProfile(ctx, "ab")
	require.ErrorIs(t, err, store.ErrNotFound)

	ids, err = s.PurgeIdentities(ctx, valid)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = s.PurgeIdentities(ctx, nil)
	require.Error(t, err)
}

package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/hash/sha256"
	"github.com/JakeFAU/creator-crawler/internal/storage/memory"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

func TestWriteCSVPagesThroughSource(t *testing.T) {
	t.Parallel()

	src := &sliceSource{recs: sampleRecords(5)}
	var buf bytes.Buffer
	rows, err := WriteCSV(context.Background(), &buf, src, "", 2)
	require.NoError(t, err)
	assert.Equal(t, 5, rows)
	assert.Equal(t, 3, src.calls)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, Header(), records[0])
	assert.Equal(t, "p0", records[1][0])
}

func TestRowRendersEveryColumn(t *testing.T) {
	t.Parallel()

	rating := 4.5
	count := int64(12)
	followers := int64(29800)
	updated := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	rec := crawler.ProfileRecord{
		ID: "alice",
		ProfileDetails: crawler.ProfileDetails{
			Name:         "Alice",
			Location:     "Austin, TX",
			Bio:          "Hello, \"world\"",
			ReviewRating: &rating,
			ReviewCount:  &count,
			Socials: []crawler.SocialLink{
				{Platform: crawler.PlatformTikTok, Link: "https://tiktok.com/@alice", Followers: &followers},
			},
		},
		Status:        crawler.StatusScraped,
		SessionID:     "session_1",
		Page:          3,
		FirstSeenAt:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		LastUpdatedAt: &updated,
		TouchCount:    2,
	}
	row := Row(rec)
	header := Header()
	require.Len(t, row, len(header))

	byCol := make(map[string]string, len(header))
	for i, h := range header {
		byCol[h] = row[i]
	}
	assert.Equal(t, "scraped", byCol["status"])
	assert.Equal(t, "4.5", byCol["review_rating"])
	assert.Equal(t, "12", byCol["review_count"])
	assert.Equal(t, "https://tiktok.com/@alice", byCol["tiktok_link"])
	assert.Equal(t, "29800", byCol["tiktok_followers"])
	assert.Equal(t, "", byCol["instagram_link"])
	assert.Equal(t, "3", byCol["page"])
	assert.Equal(t, "2024-05-02T00:00:00Z", byCol["last_updated_at"])
	assert.Equal(t, "2", byCol["touch_count"])
}

func TestWriteCSVPropagatesSourceError(t *testing.T) {
	t.Parallel()

	src := &sliceSource{err: errors.New("db gone")}
	_, err := WriteCSV(context.Background(), &bytes.Buffer{}, src, "", 10)
	require.Error(t, err)
}

func TestExporterUploadsSnapshot(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	src := &sliceSource{recs: sampleRecords(3)}
	exp := NewExporter(src, blobs, fixedClock{}, "", zaptest.NewLogger(t))

	res, err := exp.Export(context.Background(), "session_1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.True(t, strings.HasPrefix(res.Path, "exports/session_1/20240501T120000Z-"))
	assert.Equal(t, "memory://"+res.Path, res.URI)

	obj, ok := blobs.Get(res.Path)
	require.True(t, ok)
	assert.Equal(t, res.SHA256, sha256.Sum(obj.Data))
	assert.Equal(t, int64(len(obj.Data)), res.Bytes)
	assert.Equal(t, "session_1", src.lastSession)
}

type sliceSource struct {
	recs        []crawler.ProfileRecord
	err         error
	calls       int
	lastSession string
}

func (s *sliceSource) ListProfiles(_ context.Context, q store.ProfileQuery) ([]crawler.ProfileRecord, error) {
	s.calls++
	s.lastSession = q.SessionID
	if s.err != nil {
		return nil, s.err
	}
	if q.Offset >= len(s.recs) {
		return nil, nil
	}
	end := min(q.Offset+q.Limit, len(s.recs))
	return s.recs[q.Offset:end], nil
}

func sampleRecords(n int) []crawler.ProfileRecord {
	out := make([]crawler.ProfileRecord, n)
	for i := range out {
		out[i] = crawler.ProfileRecord{
			ID:          "p" + string(rune('0'+i)),
			Status:      crawler.StatusIDOnly,
			FirstSeenAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			TouchCount:  1,
		}
	}
	return out
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func (fixedClock) Sleep(context.Context, time.Duration) error { return nil }

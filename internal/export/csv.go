// Package export renders stored profiles as CSV and ships snapshots to a blob store.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/storage/profilerow"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

// DefaultPageSize is how many rows are read from the store per query.
const DefaultPageSize = 500

// Source pages through stored profiles.
type Source interface {
	ListProfiles(ctx context.Context, query store.ProfileQuery) ([]crawler.ProfileRecord, error)
}

// Header returns the CSV header row.
func Header() []string {
	cols := []string{"id", "status"}
	cols = append(cols, profilerow.DetailColumns()...)
	return append(cols,
		"session_id", "page", "first_seen_at", "last_updated_at",
		"touch_count", "attempt_count", "last_error",
	)
}

// Row renders one record in Header order.
func Row(rec crawler.ProfileRecord) []string {
	row := []string{rec.ID, string(rec.Status)}
	for _, v := range profilerow.DetailArgs(rec.ProfileDetails) {
		row = append(row, cell(v))
	}
	updated := ""
	if rec.LastUpdatedAt != nil {
		updated = rec.LastUpdatedAt.UTC().Format(time.RFC3339)
	}
	page := ""
	if rec.Page > 0 {
		page = strconv.Itoa(rec.Page)
	}
	return append(row,
		rec.SessionID,
		page,
		rec.FirstSeenAt.UTC().Format(time.RFC3339),
		updated,
		strconv.Itoa(rec.TouchCount),
		strconv.Itoa(rec.AttemptCount),
		rec.LastError,
	)
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// WriteCSV streams every profile (or one session's) to w in insertion order
// and returns the number of data rows.
func WriteCSV(ctx context.Context, w io.Writer, src Source, sessionID string, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	rows := 0
	for offset := 0; ; offset += pageSize {
		recs, err := src.ListProfiles(ctx, store.ProfileQuery{SessionID: sessionID, Limit: pageSize, Offset: offset})
		if err != nil {
			return rows, fmt.Errorf("list profiles at offset %d: %w", offset, err)
		}
		for _, rec := range recs {
			if err := cw.Write(Row(rec)); err != nil {
				return rows, fmt.Errorf("write csv row %s: %w", rec.ID, err)
			}
			rows++
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return rows, fmt.Errorf("flush csv: %w", err)
		}
		if len(recs) < pageSize {
			return rows, nil
		}
	}
}

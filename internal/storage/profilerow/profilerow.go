// Package profilerow maps profile details onto the flat per-platform column
// layout shared by the SQLite and Postgres stores.
package profilerow

import (
	"database/sql"
	"strings"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
)

var detailColumns = buildDetailColumns()

func buildDetailColumns() []string {
	cols := []string{"name", "location", "bio", "review_rating", "review_count"}
	for _, p := range crawler.Platforms {
		cols = append(cols, string(p)+"_link", string(p)+"_followers")
	}
	return cols
}

// DetailColumns returns the enrichment columns in a fixed order.
func DetailColumns() []string {
	out := make([]string, len(detailColumns))
	copy(out, detailColumns)
	return out
}

// DetailArgs returns query arguments matching DetailColumns. Absent values are nil.
func DetailArgs(d crawler.ProfileDetails) []any {
	args := []any{
		nullableString(d.Name),
		nullableString(d.Location),
		nullableString(d.Bio),
		nil,
		nil,
	}
	if d.ReviewRating != nil {
		args[3] = *d.ReviewRating
	}
	if d.ReviewCount != nil {
		args[4] = *d.ReviewCount
	}
	for _, p := range crawler.Platforms {
		link, ok := d.Social(p)
		if !ok {
			args = append(args, nil, nil)
			continue
		}
		var followers any
		if link.Followers != nil {
			followers = *link.Followers
		}
		args = append(args, nullableString(link.Link), followers)
	}
	return args
}

// Assignments renders "col = excluded.col" pairs for an upsert.
func Assignments() string {
	parts := make([]string, 0, len(detailColumns))
	for _, col := range detailColumns {
		parts = append(parts, col+" = excluded."+col)
	}
	return strings.Join(parts, ", ")
}

// DetailScanner collects nullable detail columns during a row scan.
type DetailScanner struct {
	name, location, bio sql.NullString
	rating              sql.NullFloat64
	reviews             sql.NullInt64
	links               []sql.NullString
	followers           []sql.NullInt64
}

// NewDetailScanner allocates a scanner for one row.
func NewDetailScanner() *DetailScanner {
	return &DetailScanner{
		links:     make([]sql.NullString, len(crawler.Platforms)),
		followers: make([]sql.NullInt64, len(crawler.Platforms)),
	}
}

// Targets returns scan destinations in DetailColumns order.
func (s *DetailScanner) Targets() []any {
	targets := []any{&s.name, &s.location, &s.bio, &s.rating, &s.reviews}
	for i := range crawler.Platforms {
		targets = append(targets, &s.links[i], &s.followers[i])
	}
	return targets
}

// Details converts the scanned columns.
func (s *DetailScanner) Details() crawler.ProfileDetails {
	d := crawler.ProfileDetails{
		Name:     s.name.String,
		Location: s.location.String,
		Bio:      s.bio.String,
	}
	if s.rating.Valid {
		v := s.rating.Float64
		d.ReviewRating = &v
	}
	if s.reviews.Valid {
		v := s.reviews.Int64
		d.ReviewCount = &v
	}
	for i, p := range crawler.Platforms {
		if !s.links[i].Valid && !s.followers[i].Valid {
			continue
		}
		link := crawler.SocialLink{Platform: p, Link: s.links[i].String}
		if s.followers[i].Valid {
			v := s.followers[i].Int64
			link.Followers = &v
		}
		d.Socials = append(d.Socials, link)
	}
	return d
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// Package extract pulls profile identifiers from listing pages and profile
// details from profile pages using goquery selectors.
package extract

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
)

// Selectors locates the fields on the target site. Zero values fall back to DefaultSelectors.
type Selectors struct {
	ListingLink string `mapstructure:"listing_link"`
	Name        string `mapstructure:"name"`
	Location    string `mapstructure:"location"`
	Bio         string `mapstructure:"bio"`
	Reviews     string `mapstructure:"reviews"`
	Platform    string `mapstructure:"platform"`
}

// DefaultSelectors matches the markup of the creator marketplace.
func DefaultSelectors() Selectors {
	return Selectors{
		ListingLink: "a.profile-listing-link",
		Name:        ".profile-name-desktop",
		Location:    ".profile-name-location",
		Bio:         ".listing-description",
		Reviews:     ".section-title.top-review-desktop, .section-title.top-review-mobile",
		Platform:    ".platform-img-holder.platform-img-holder-creator .platform-img",
	}
}

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	sel Selectors
}

var _ crawler.Extractor = (*Extractor)(nil)

// New creates an Extractor, filling unset selectors from DefaultSelectors.
func New(sel Selectors) *Extractor {
	def := DefaultSelectors()
	if sel.ListingLink == "" {
		sel.ListingLink = def.ListingLink
	}
	if sel.Name == "" {
		sel.Name = def.Name
	}
	if sel.Location == "" {
		sel.Location = def.Location
	}
	if sel.Bio == "" {
		sel.Bio = def.Bio
	}
	if sel.Reviews == "" {
		sel.Reviews = def.Reviews
	}
	if sel.Platform == "" {
		sel.Platform = def.Platform
	}
	return &Extractor{sel: sel}
}

// ListingIdentifiers returns the raw identifier of every profile link, in page order.
// Validation and deduplication are left to the list crawler.
func (e *Extractor) ListingIdentifiers(snap crawler.PageSnapshot) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	base, _ := url.Parse(snap.URL)

	var ids []string
	doc.Find(e.sel.ListingLink).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		if id := IdentifierFromHref(base, href); id != "" {
			ids = append(ids, id)
		}
	})
	return ids, nil
}

// IdentifierFromHref returns the first path segment of a profile link.
func IdentifierFromHref(base *url.URL, href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	seg, _, _ := strings.Cut(path, "/")
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	return seg
}

var (
	ratingPattern      = regexp.MustCompile(`([\d.]+)`)
	reviewCountPattern = regexp.MustCompile(`(?i)(\d+)\s*Review`)
	locationPrefix     = regexp.MustCompile(`^.*?\|`)
	spaceRun           = regexp.MustCompile(`\s+`)
)

// Detail extracts profile fields and checks for not-found indicators.
func (e *Extractor) Detail(snap crawler.PageSnapshot) (crawler.DetailExtraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return crawler.DetailExtraction{}, fmt.Errorf("parse detail html: %w", err)
	}

	var d crawler.ProfileDetails
	d.Name = text(doc.Find(e.sel.Name).First())
	if loc := text(doc.Find(e.sel.Location).First()); loc != "" {
		d.Location = strings.TrimSpace(locationPrefix.ReplaceAllString(loc, ""))
	}
	d.Bio = text(doc.Find(e.sel.Bio).First())

	if reviews := text(doc.Find(e.sel.Reviews).First()); reviews != "" {
		if m := ratingPattern.FindStringSubmatch(reviews); m != nil {
			if v, err := strconv.ParseFloat(strings.Trim(m[1], "."), 64); err == nil {
				d.ReviewRating = &v
			}
		}
		if m := reviewCountPattern.FindStringSubmatch(reviews); m != nil {
			if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				d.ReviewCount = &v
			}
		}
	}

	doc.Find(e.sel.Platform).Each(func(_ int, s *goquery.Selection) {
		link := s.Find("a").First()
		if link.Length() == 0 {
			return
		}
		platform, ok := platformOf(link, s)
		if !ok {
			return
		}
		if _, dup := d.Social(platform); dup {
			return
		}
		href, _ := link.Attr("href")
		d.Socials = append(d.Socials, crawler.SocialLink{
			Platform:  platform,
			Link:      strings.TrimSpace(href),
			Followers: ParseFollowerCount(text(link)),
		})
	})

	title := snap.Title
	if title == "" {
		title = doc.Find("title").First().Text()
	}
	return crawler.DetailExtraction{
		Details:  d,
		NotFound: NotFound(snap.StatusCode, title, doc.Find("body").Text()),
	}, nil
}

func platformOf(link, container *goquery.Selection) (crawler.Platform, bool) {
	if p, ok := link.Attr("data-platform"); ok {
		if platform, known := crawler.ParsePlatform(p); known {
			return platform, true
		}
	}
	src, _ := container.Find("img").First().Attr("src")
	src = strings.ToLower(src)
	for _, p := range crawler.Platforms {
		if strings.Contains(src, string(p)) {
			return p, true
		}
	}
	return "", false
}

// NotFound reports whether a page declares the profile missing.
func NotFound(statusCode int, title, body string) bool {
	if statusCode == 404 || statusCode == 410 {
		return true
	}
	t := strings.ToLower(title)
	return strings.Contains(t, "not found") ||
		strings.Contains(t, "404") ||
		strings.Contains(body, "Page not found") ||
		strings.Contains(body, "doesn't exist")
}

var followerSuffix = regexp.MustCompile(`(?i)\s*(followers|subscribers|views?)\s*`)

// ParseFollowerCount reads counts such as "29.8k Followers" or "1,204". "View" and
// unparseable text yield nil.
func ParseFollowerCount(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "View" {
		return nil
	}
	cleaned := strings.TrimSpace(followerSuffix.ReplaceAllString(raw, ""))
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return nil
	}

	multiplier := int64(1)
	switch cleaned[len(cleaned)-1] {
	case 'k', 'K':
		multiplier = 1_000
		cleaned = cleaned[:len(cleaned)-1]
	case 'm', 'M':
		multiplier = 1_000_000
		cleaned = cleaned[:len(cleaned)-1]
	}
	// Exact decimal arithmetic, truncated: "1.2345k" is 1234 and "4.35k" is 4350.
	v, ok := new(big.Rat).SetString(strings.TrimSpace(cleaned))
	if !ok {
		return nil
	}
	v.Mul(v, new(big.Rat).SetInt64(multiplier))
	q := new(big.Int).Quo(v.Num(), v.Denom())
	if !q.IsInt64() {
		return nil
	}
	n := q.Int64()
	return &n
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s.Text(), " "))
}

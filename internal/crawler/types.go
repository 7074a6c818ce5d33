package crawler

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Status is the lifecycle state of a profile record.
type Status string

// Status values persisted in the profile store.
const (
	StatusIDOnly  Status = "id_only"
	StatusScraped Status = "scraped"
	StatusInvalid Status = "invalid"
	StatusFailed  Status = "failed"
)

// ParseStatus validates a status string. An empty string is read as id_only.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return StatusIDOnly, nil
	case StatusIDOnly, StatusScraped, StatusInvalid, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// Terminal reports whether no automatic retry ever leaves this status.
func (s Status) Terminal() bool {
	return s == StatusScraped || s == StatusInvalid
}

// CanTransitionTo reports whether s may be overwritten with next.
// id_only moves to scraped, invalid or failed; failed moves to scraped or invalid.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case "", StatusIDOnly:
		return next == StatusScraped || next == StatusInvalid || next == StatusFailed
	case StatusFailed:
		return next == StatusScraped || next == StatusInvalid
	default:
		return false
	}
}

// Platform names a social network tracked per profile.
type Platform string

// Tracked platforms. Each has a link and a follower count column.
const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformTwitter   Platform = "twitter"
	PlatformTwitch    Platform = "twitch"
	PlatformAmazon    Platform = "amazon"
)

// Platforms lists every tracked platform in column order.
var Platforms = []Platform{
	PlatformInstagram,
	PlatformTikTok,
	PlatformYouTube,
	PlatformTwitter,
	PlatformTwitch,
	PlatformAmazon,
}

// ParsePlatform maps a platform label (case-insensitive, "x" accepted for twitter).
func ParsePlatform(raw string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if p == "x" {
		p = PlatformTwitter
	}
	for _, known := range Platforms {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// SocialLink is one platform entry on a profile.
type SocialLink struct {
	Platform  Platform `json:"platform"`
	Link      string   `json:"link"`
	Followers *int64   `json:"followers"`
}

// ProfileDetails is the enrichment a detail page yields.
type ProfileDetails struct {
	Name         string       `json:"name,omitempty"`
	Location     string       `json:"location,omitempty"`
	Bio          string       `json:"bio,omitempty"`
	ReviewRating *float64     `json:"review_rating,omitempty"`
	ReviewCount  *int64       `json:"review_count,omitempty"`
	Socials      []SocialLink `json:"social_platforms,omitempty"`
}

// HasName reports whether the display name was found.
func (d ProfileDetails) HasName() bool {
	return strings.TrimSpace(d.Name) != ""
}

// HasSecondary reports whether anything beyond the name was found.
func (d ProfileDetails) HasSecondary() bool {
	return strings.TrimSpace(d.Location) != "" ||
		strings.TrimSpace(d.Bio) != "" ||
		len(d.Socials) > 0
}

// Social returns the entry for p, if present.
func (d ProfileDetails) Social(p Platform) (SocialLink, bool) {
	for _, s := range d.Socials {
		if s.Platform == p {
			return s, true
		}
	}
	return SocialLink{}, false
}

// ProfileRecord is one persisted row, keyed by identifier.
type ProfileRecord struct {
	ID string `json:"id"`
	ProfileDetails
	Status        Status     `json:"status"`
	SessionID     string     `json:"session_id,omitempty"`
	Page          int        `json:"page,omitempty"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastUpdatedAt *time.Time `json:"last_updated_at,omitempty"`
	TouchCount    int        `json:"touch_count"`
	AttemptCount  int        `json:"attempt_count"`
	LastError     string     `json:"last_error,omitempty"`
}

// OutcomeKind classifies one detail extraction attempt.
type OutcomeKind string

// Outcome kinds.
const (
	// OutcomeScraped stores the details and marks the row scraped.
	OutcomeScraped OutcomeKind = "scraped"
	// OutcomeInvalid marks the row invalid. It is never retried.
	OutcomeInvalid OutcomeKind = "invalid"
	// OutcomeRetryable leaves the status alone so the row is served again.
	OutcomeRetryable OutcomeKind = "retryable"
	// OutcomeFailed marks the row failed after its retry budget is spent.
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is the classified result applied to a profile record.
type Outcome struct {
	Kind    OutcomeKind
	Details ProfileDetails
	Reason  string
}

// Scraped builds a successful outcome carrying details.
func Scraped(details ProfileDetails) Outcome {
	return Outcome{Kind: OutcomeScraped, Details: details}
}

// Invalid builds a terminal outcome.
func Invalid(reason string) Outcome {
	return Outcome{Kind: OutcomeInvalid, Reason: reason}
}

// Retryable builds an outcome that leaves the record pending.
func Retryable(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason}
}

// Failed builds an outcome that parks the record in failed.
func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

// TargetStatus is the status the outcome writes, or "" when it writes none.
func (o Outcome) TargetStatus() Status {
	switch o.Kind {
	case OutcomeScraped:
		return StatusScraped
	case OutcomeInvalid:
		return StatusInvalid
	case OutcomeFailed:
		return StatusFailed
	default:
		return ""
	}
}

// Validate rejects unknown kinds and scraped outcomes without a name.
func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeScraped:
		if !o.Details.HasName() {
			return fmt.Errorf("scraped outcome requires a name")
		}
	case OutcomeInvalid, OutcomeRetryable, OutcomeFailed:
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
	return nil
}

// PageCount is how many identifiers were first seen on one listing page.
type PageCount struct {
	Page  int   `json:"page"`
	Count int64 `json:"count"`
}

// ProfileStats describes listing coverage: rows stored, pages reached and the
// per-page yield.
type ProfileStats struct {
	TotalProfiles   int64       `json:"totalProfiles"`
	UniqueProfiles  int64       `json:"uniqueProfiles"`
	TotalPages      int         `json:"totalPages"`
	ProfilesPerPage []PageCount `json:"profilesPerPage"`
}

// ProgressSummary aggregates record counts by status.
type ProgressSummary struct {
	Total      int64 `json:"total"`
	Scraped    int64 `json:"scraped"`
	IDOnly     int64 `json:"idOnly"`
	Failed     int64 `json:"failed"`
	Invalid    int64 `json:"invalid"`
	Percentage int   `json:"percentage"`
}

// NewProgressSummary fills in Percentage from the counts.
func NewProgressSummary(total, scraped, idOnly, failed, invalid int64) ProgressSummary {
	return ProgressSummary{
		Total:      total,
		Scraped:    scraped,
		IDOnly:     idOnly,
		Failed:     failed,
		Invalid:    invalid,
		Percentage: Percentage(scraped, total),
	}
}

// Percentage returns round(part/total*100), or 0 when total is 0.
func Percentage(part, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}

// CrawlSession is one list-crawl invocation.
type CrawlSession struct {
	ID            string            `json:"session_id"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	Filters       map[string]string `json:"filters,omitempty"`
	TotalProfiles int               `json:"total_profiles"`
	MaxPage       int               `json:"max_page"`
}

// Active reports whether the session has not been ended.
func (s CrawlSession) Active() bool {
	return s.EndedAt == nil
}

// Checkpoint is the last page a list crawl persisted.
type Checkpoint struct {
	Key       string    `json:"key"`
	Page      int       `json:"page"`
	URL       string    `json:"url"`
	SessionID string    `json:"session_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PageSnapshot is the loaded state of a browser page.
type PageSnapshot struct {
	URL        string
	Title      string
	HTML       string
	StatusCode int
}

// DetailExtraction is what an extractor finds on a profile page.
type DetailExtraction struct {
	Details  ProfileDetails
	NotFound bool
}

// ProfileURL joins the site base URL and a profile identifier.
func ProfileURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(id)
}

// FiltersFromURL returns the listing filter parameters encoded in a listing URL.
// Pagination parameters are not filters and are dropped.
func FiltersFromURL(raw, pageParam string) map[string]string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	out := make(map[string]string)
	for key, values := range u.Query() {
		if key == pageParam || len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// EventProfileScraped is the event type published after a profile is scraped.
const EventProfileScraped = "profile.scraped"

// ScrapedEvent is the payload published for a newly scraped profile.
type ScrapedEvent struct {
	Type      string         `json:"type"`
	ProfileID string         `json:"profile_id"`
	URL       string         `json:"url"`
	Details   ProfileDetails `json:"details"`
	ScrapedAt time.Time      `json:"scraped_at"`
}

// NewScrapedEvent builds the event for id.
func NewScrapedEvent(id, profileURL string, details ProfileDetails, at time.Time) ScrapedEvent {
	return ScrapedEvent{
		Type:      EventProfileScraped,
		ProfileID: id,
		URL:       profileURL,
		Details:   details,
		ScrapedAt: at.UTC(),
	}
}

// Attributes are message attributes for brokers that support them.
func (e ScrapedEvent) Attributes() map[string]string {
	return map[string]string{"event_type": e.Type, "profile_id": e.ProfileID}
}

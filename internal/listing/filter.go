package listing

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultReservedPaths are first path segments that never name a profile.
var DefaultReservedPaths = []string{
	"influencers", "brands", "login", "signup", "search", "how-it-works",
	"pricing", "about", "contact", "terms", "privacy", "faq",
}

// DefaultMinLength is the shortest identifier accepted.
const DefaultMinLength = 3

var numericID = regexp.MustCompile(`^-?\d+$`)

// Filter decides which raw listing identifiers name real profiles.
type Filter struct {
	reserved  map[string]struct{}
	minLength int
}

// NewFilter builds a filter. A nil reserved list uses DefaultReservedPaths and
// a non-positive minLength uses DefaultMinLength.
func NewFilter(reserved []string, minLength int) Filter {
	if reserved == nil {
		reserved = DefaultReservedPaths
	}
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	f := Filter{reserved: make(map[string]struct{}, len(reserved)), minLength: minLength}
	for _, r := range reserved {
		f.reserved[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return f
}

// Valid reports whether id passes every rule.
func (f Filter) Valid(id string) bool {
	if utf8.RuneCountInString(id) < f.minLength {
		return false
	}
	if numericID.MatchString(id) {
		return false
	}
	_, reserved := f.reserved[strings.ToLower(id)]
	return !reserved
}

// Apply trims, validates and dedupes ids, keeping first occurrences in order.
func (f Filter) Apply(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if !f.Valid(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

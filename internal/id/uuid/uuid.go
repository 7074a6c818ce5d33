// Package uuid generates the time-ordered identifiers used for crawl sessions and requests.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionPrefix marks crawl session identifiers.
const SessionPrefix = "session_"

// Generator creates UUIDv7 based identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewSessionID returns an opaque session identifier whose embedded timestamp sorts by creation.
func (g Generator) NewSessionID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return SessionPrefix + id, nil
}

// SessionTime extracts the creation time embedded in a session identifier.
func SessionTime(sessionID string) (time.Time, bool) {
	if len(sessionID) <= len(SessionPrefix) || sessionID[:len(SessionPrefix)] != SessionPrefix {
		return time.Time{}, false
	}
	id, err := uuid.Parse(sessionID[len(SessionPrefix):])
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, session crawler.CrawlSession) error {
	filters := session.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	raw, err := json.Marshal(filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, started_at, filters, total_profiles, max_page)
		VALUES ($1, $2, $3, 0, 0)`,
		session.ID, session.StartedAt, raw)
	if err != nil {
		return fmt.Errorf("create session %q: %w", session.ID, err)
	}
	return nil
}

// EndSession stamps ended_at once.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time) (crawler.CrawlSession, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $1 WHERE session_id = $2 AND ended_at IS NULL`, endedAt, id)
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("end session %q: %w", id, err)
	}
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return crawler.CrawlSession{}, err
	}
	if tag.RowsAffected() == 0 {
		return session, store.ErrSessionEnded
	}
	return session, nil
}

const sessionSelect = `SELECT session_id, started_at, ended_at, filters, total_profiles, max_page FROM sessions`

func scanSession(row pgx.Row) (crawler.CrawlSession, error) {
	var (
		sess    crawler.CrawlSession
		filters []byte
	)
	if err := row.Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &filters, &sess.TotalProfiles, &sess.MaxPage); err != nil {
		return crawler.CrawlSession{}, err
	}
	if trimmed := strings.TrimSpace(string(filters)); trimmed != "" && trimmed != "{}" && trimmed != "null" {
		if err := json.Unmarshal(filters, &sess.Filters); err != nil {
			return crawler.CrawlSession{}, fmt.Errorf("decode filters: %w", err)
		}
	}
	return sess, nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (crawler.CrawlSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, sessionSelect+` WHERE session_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlSession{}, store.ErrSessionNotFound
	}
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session %q: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]crawler.CrawlSession, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		sessionSelect+` ORDER BY started_at DESC, session_id DESC LIMIT $1 OFFSET $2`, lim, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []crawler.CrawlSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveCheckpoint replaces the checkpoint stored under cp.Key.
func (s *Store) SaveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_checkpoints (key, page, url, session_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			page = excluded.page,
			url = excluded.url,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		cp.Key, cp.Page, cp.URL, nullable(cp.SessionID), cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", cp.Key, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint stored under key.
func (s *Store) LoadCheckpoint(ctx context.Context, key string) (crawler.Checkpoint, error) {
	var cp crawler.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT key, page, url, COALESCE(session_id, ''), updated_at FROM crawl_checkpoints WHERE key = $1`, key).
		Scan(&cp.Key, &cp.Page, &cp.URL, &cp.SessionID, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint %q: %w", key, err)
	}
	return cp, nil
}

// ClearCheckpoint removes the checkpoint stored under key.
func (s *Store) ClearCheckpoint(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_checkpoints WHERE key = $1`, key); err != nil {
		return fmt.Errorf("clear checkpoint %q: %w", key, err)
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// placeholders renders "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

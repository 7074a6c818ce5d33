// Package sqlite implements store.Repository on an embedded SQLite database.
// It is the default backend for a single local crawler process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/logging"
	"github.com/JakeFAU/creator-crawler/internal/storage/profilerow"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config configures the SQLite store.
type Config struct {
	// Path is the database file, or MemoryPath.
	Path string
	// MaxAttempts moves a row to failed after this many retryable results. 0 disables it.
	MaxAttempts int
}

// Store persists profiles, sessions and checkpoints in SQLite.
type Store struct {
	db          *sql.DB
	maxAttempts int
	logger      *zap.Logger
}

var _ store.Repository = (*Store)(nil)

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be >= 0")
	}

	dsn := "file::memory:"
	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, maxAttempts: cfg.MaxAttempts, logger: logging.OrNop(logger).Named("sqlite")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	s.logger.Info("sqlite store ready", zap.String("path", path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var platformCols strings.Builder
	for _, p := range crawler.Platforms {
		fmt.Fprintf(&platformCols, "\t\t%s_link TEXT,\n\t\t%s_followers INTEGER,\n", p, p)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		name TEXT,
		location TEXT,
		bio TEXT,
		review_rating REAL,
		review_count INTEGER,
` + platformCols.String() + `
		status TEXT NOT NULL DEFAULT 'id_only',
		session_id TEXT,
		page INTEGER NOT NULL DEFAULT 0,
		first_seen_at TEXT NOT NULL,
		last_updated_at TEXT,
		touch_count INTEGER NOT NULL DEFAULT 1,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_status_seq ON profiles(status, seq);
	CREATE INDEX IF NOT EXISTS idx_profiles_session ON profiles(session_id);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		filters TEXT NOT NULL DEFAULT '{}',
		total_profiles INTEGER NOT NULL DEFAULT 0,
		max_page INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS crawl_checkpoints (
		key TEXT PRIMARY KEY,
		page INTEGER NOT NULL,
		url TEXT NOT NULL,
		session_id TEXT,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertIdentityBatch reserves new identifiers in one transaction.
func (s *Store) UpsertIdentityBatch(ctx context.Context, batch store.IdentityBatch) (int, error) {
	ids := uniqueIDs(batch.IDs)
	seenAt := formatTime(batch.SeenAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin identity batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (id, status, session_id, page, first_seen_at, touch_count)
			VALUES (?, 'id_only', ?, ?, ?, 1)
			ON CONFLICT(id) DO NOTHING`,
			id, nullable(batch.SessionID), batch.Page, seenAt)
		if err != nil {
			return 0, fmt.Errorf("insert identity %q: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("identity rows affected: %w", err)
		}
		inserted += int(n)
	}

	if batch.SessionID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET total_profiles = total_profiles + ?, max_page = MAX(max_page, ?)
			WHERE session_id = ?`,
			len(ids), batch.Page, batch.SessionID)
		if err != nil {
			return 0, fmt.Errorf("update session counters: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, store.ErrSessionNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit identity batch: %w", err)
	}
	return inserted, nil
}

// FetchPendingIdentities returns id_only identifiers in insertion order.
func (s *Store) FetchPendingIdentities(ctx context.Context, limit int, filter store.PendingFilter) ([]string, error) {
	return s.fetchIDs(ctx, "(status = 'id_only' OR status IS NULL OR status = '')", limit, filter)
}

// FetchFailedIdentities returns failed identifiers in insertion order.
func (s *Store) FetchFailedIdentities(ctx context.Context, limit int, filter store.PendingFilter) ([]string, error) {
	return s.fetchIDs(ctx, "status = 'failed'", limit, filter)
}

func (s *Store) fetchIDs(ctx context.Context, statusClause string, limit int, filter store.PendingFilter) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	where := []string{statusClause}
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.After != "" {
		where = append(where, "seq > COALESCE((SELECT seq FROM profiles WHERE id = ?), 0)")
		args = append(args, filter.After)
	}
	args = append(args, limit)

	query := "SELECT id FROM profiles WHERE " + strings.Join(where, " AND ") + " ORDER BY seq LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyDetailResult writes one classified outcome atomically.
func (s *Store) ApplyDetailResult(ctx context.Context, id string, outcome crawler.Outcome, at time.Time) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("profile id is required")
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	ts := formatTime(at)
	switch outcome.Kind {
	case crawler.OutcomeScraped:
		cols := profilerow.DetailColumns()
		args := append([]any{id, ts, ts}, profilerow.DetailArgs(outcome.Details)...)
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO profiles (id, status, first_seen_at, last_updated_at, touch_count, `+strings.Join(cols, ", ")+`)
			VALUES (?, 'scraped', ?, ?, 1, `+placeholders(len(cols))+`)
			ON CONFLICT(id) DO UPDATE SET
				status = 'scraped',
				last_updated_at = excluded.last_updated_at,
				touch_count = profiles.touch_count + 1,
				last_error = NULL,
				`+profilerow.Assignments()+`
			WHERE profiles.status IN ('id_only', 'failed') OR profiles.status IS NULL`,
			args...)
	case crawler.OutcomeInvalid:
		res, err = s.db.ExecContext(ctx, `
			UPDATE profiles
			SET status = 'invalid', last_updated_at = ?, touch_count = touch_count + 1, last_error = ?
			WHERE id = ? AND (status IN ('id_only', 'failed') OR status IS NULL)`,
			ts, nullable(outcome.Reason), id)
	case crawler.OutcomeFailed:
		res, err = s.db.ExecContext(ctx, `
			UPDATE profiles
			SET status = 'failed', last_updated_at = ?, touch_count = touch_count + 1, last_error = ?
			WHERE id = ? AND (status = 'id_only' OR status IS NULL)`,
			ts, nullable(outcome.Reason), id)
	case crawler.OutcomeRetryable:
		res, err = s.db.ExecContext(ctx, `
			UPDATE profiles
			SET attempt_count = attempt_count + 1,
				last_error = ?,
				status = CASE WHEN status = 'id_only' AND ? > 0 AND attempt_count + 1 >= ? THEN 'failed' ELSE status END,
				touch_count = CASE WHEN status = 'id_only' AND ? > 0 AND attempt_count + 1 >= ? THEN touch_count + 1 ELSE touch_count END,
				last_updated_at = CASE WHEN status = 'id_only' AND ? > 0 AND attempt_count + 1 >= ? THEN ? ELSE last_updated_at END
			WHERE id = ? AND status IN ('id_only', 'failed')`,
			nullable(outcome.Reason),
			s.maxAttempts, s.maxAttempts,
			s.maxAttempts, s.maxAttempts,
			s.maxAttempts, s.maxAttempts, ts,
			id)
	}
	if err != nil {
		return fmt.Errorf("apply %s result to %q: %w", outcome.Kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.explainNoop(ctx, id, outcome)
}

// explainNoop maps a write that matched no row onto ErrNotFound or ErrTerminalStatus.
func (s *Store) explainNoop(ctx context.Context, id string, outcome crawler.Outcome) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM profiles WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("profile %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load status for %q: %w", id, err)
	}
	return fmt.Errorf("profile %q is %s, cannot apply %s: %w", id, status, outcome.Kind, store.ErrTerminalStatus)
}

// ProgressSummary counts rows by status.
func (s *Store) ProgressSummary(ctx context.Context, sessionID string) (crawler.ProgressSummary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'scraped' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'id_only' OR status IS NULL OR status = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'invalid' THEN 1 ELSE 0 END), 0)
		FROM profiles`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	var total, scraped, idOnly, failed, invalid int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &scraped, &idOnly, &failed, &invalid); err != nil {
		return crawler.ProgressSummary{}, fmt.Errorf("progress summary: %w", err)
	}
	return crawler.NewProgressSummary(total, scraped, idOnly, failed, invalid), nil
}

func profileSelect() string {
	return "SELECT id, " + strings.Join(profilerow.DetailColumns(), ", ") +
		", status, session_id, page, first_seen_at, last_updated_at, touch_count, attempt_count, last_error FROM profiles"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (crawler.ProfileRecord, error) {
	var (
		rec       crawler.ProfileRecord
		status    sql.NullString
		sessionID sql.NullString
		firstSeen string
		updated   sql.NullString
		lastError sql.NullString
	)
	details := profilerow.NewDetailScanner()
	dest := append([]any{&rec.ID}, details.Targets()...)
	dest = append(dest, &status, &sessionID, &rec.Page, &firstSeen, &updated, &rec.TouchCount, &rec.AttemptCount, &lastError)
	if err := row.Scan(dest...); err != nil {
		return crawler.ProfileRecord{}, err
	}
	rec.ProfileDetails = details.Details()
	rec.Status = crawler.StatusIDOnly
	if status.Valid && status.String != "" {
		rec.Status = crawler.Status(status.String)
	}
	rec.SessionID = sessionID.String
	rec.LastError = lastError.String
	rec.FirstSeenAt = parseTime(firstSeen)
	if updated.Valid {
		t := parseTime(updated.String)
		rec.LastUpdatedAt = &t
	}
	return rec, nil
}

// GetProfile loads one record.
func (s *Store) GetProfile(ctx context.Context, id string) (crawler.ProfileRecord, error) {
	rec, err := scanProfile(s.db.QueryRowContext(ctx, profileSelect()+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ProfileRecord{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.ProfileRecord{}, fmt.Errorf("get profile %q: %w", id, err)
	}
	return rec, nil
}

// ListProfiles returns records in insertion order.
func (s *Store) ListProfiles(ctx context.Context, q store.ProfileQuery) ([]crawler.ProfileRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	query := profileSelect()
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY seq LIMIT ? OFFSET ?"
	args = append(args, limit, max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []crawler.ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearProfiles deletes all rows or one session's rows.
func (s *Store) ClearProfiles(ctx context.Context, sessionID string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if sessionID == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM profiles`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM profiles WHERE session_id = ?`, sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("clear profiles: %w", err)
	}
	return res.RowsAffected()
}

// ProfileStats reports row counts, the deepest page and the per-page yield.
func (s *Store) ProfileStats(ctx context.Context, sessionID string) (crawler.ProfileStats, error) {
	where := ""
	var args []any
	if sessionID != "" {
		where = " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	var stats crawler.ProfileStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT id), COALESCE(MAX(page), 0) FROM profiles`+where, args...).
		Scan(&stats.TotalProfiles, &stats.UniqueProfiles, &stats.TotalPages)
	if err != nil {
		return crawler.ProfileStats{}, fmt.Errorf("profile stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT page, COUNT(*) FROM profiles`+where+` GROUP BY page ORDER BY page`, args...)
	if err != nil {
		return crawler.ProfileStats{}, fmt.Errorf("profiles per page: %w", err)
	}
	defer rows.Close()

	stats.ProfilesPerPage = []crawler.PageCount{}
	for rows.Next() {
		var pc crawler.PageCount
		if err := rows.Scan(&pc.Page, &pc.Count); err != nil {
			return crawler.ProfileStats{}, fmt.Errorf("scan page count: %w", err)
		}
		stats.ProfilesPerPage = append(stats.ProfilesPerPage, pc)
	}
	return stats, rows.Err()
}

// PurgeIdentities deletes rows whose identifier fails valid.
func (s *Store) PurgeIdentities(ctx context.Context, valid func(id string) bool) ([]string, error) {
	if valid == nil {
		return nil, fmt.Errorf("identifier predicate is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM profiles ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		if !valid(id) {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close identifier scan: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}

	for _, id := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete identifier %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	if len(doomed) > 0 {
		s.logger.Info("invalid identifiers purged", zap.Int("count", len(doomed)))
	}
	return doomed, nil
}

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, session crawler.CrawlSession) error {
	filters, err := json.Marshal(nonNilFilters(session.Filters))
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, started_at, filters, total_profiles, max_page)
		VALUES (?, ?, ?, 0, 0)`,
		session.ID, formatTime(session.StartedAt), string(filters))
	if err != nil {
		return fmt.Errorf("create session %q: %w", session.ID, err)
	}
	return nil
}

// EndSession stamps ended_at once.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time) (crawler.CrawlSession, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
		formatTime(endedAt), id)
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("end session %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("end session rows affected: %w", err)
	}
	session, getErr := s.GetSession(ctx, id)
	if getErr != nil {
		return crawler.CrawlSession{}, getErr
	}
	if n == 0 {
		return session, store.ErrSessionEnded
	}
	return session, nil
}

const sessionSelect = `SELECT session_id, started_at, ended_at, filters, total_profiles, max_page FROM sessions`

func scanSession(row rowScanner) (crawler.CrawlSession, error) {
	var (
		sess    crawler.CrawlSession
		started string
		ended   sql.NullString
		filters string
	)
	if err := row.Scan(&sess.ID, &started, &ended, &filters, &sess.TotalProfiles, &sess.MaxPage); err != nil {
		return crawler.CrawlSession{}, err
	}
	sess.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		sess.EndedAt = &t
	}
	if filters != "" && filters != "{}" && filters != "null" {
		if err := json.Unmarshal([]byte(filters), &sess.Filters); err != nil {
			return crawler.CrawlSession{}, fmt.Errorf("decode filters: %w", err)
		}
	}
	return sess, nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (crawler.CrawlSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+" WHERE session_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CrawlSession{}, store.ErrSessionNotFound
	}
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session %q: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]crawler.CrawlSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		sessionSelect+" ORDER BY started_at DESC, session_id DESC LIMIT ? OFFSET ?", limit, max(offset, 0))
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_checkpoints (key, page, url, session_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			page = excluded.page,
			url = excluded.url,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		cp.Key, cp.Page, cp.URL, nullable(cp.SessionID), formatTime(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", cp.Key, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint stored under key.
func (s *Store) LoadCheckpoint(ctx context.Context, key string) (crawler.Checkpoint, error) {
	var (
		cp        crawler.Checkpoint
		sessionID sql.NullString
		updated   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, page, url, session_id, updated_at FROM crawl_checkpoints WHERE key = ?`, key).
		Scan(&cp.Key, &cp.Page, &cp.URL, &sessionID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("load checkpoint %q: %w", key, err)
	}
	cp.SessionID = sessionID.String
	cp.UpdatedAt = parseTime(updated)
	return cp, nil
}

// ClearCheckpoint removes the checkpoint stored under key.
func (s *Store) ClearCheckpoint(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM crawl_checkpoints WHERE key = ?`, key); err != nil {
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilFilters(f map[string]string) map[string]string {
	if f == nil {
		return map[string]string{}
	}
	return f
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

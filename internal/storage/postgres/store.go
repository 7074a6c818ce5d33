// Package postgres implements store.Repository on Postgres through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/logging"
	"github.com/JakeFAU/creator-crawler/internal/storage/profilerow"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// MaxAttempts moves a row to failed after this many retryable results. 0 disables it.
	MaxAttempts int
	// Migrate applies the schema on startup.
	Migrate bool
}

// pgxPool is the subset of pgxpool.Pool the store uses (pgxmock implements it too).
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store persists profiles, sessions and checkpoints in Postgres.
type Store struct {
	pool        pgxPool
	maxAttempts int
	logger      *zap.Logger
}

var _ store.Repository = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.MaxAttempts, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, maxAttempts int, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if maxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be >= 0")
	}
	return &Store{pool: pool, maxAttempts: maxAttempts, logger: logging.OrNop(logger).Named("postgres")}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	var platformCols strings.Builder
	for _, p := range crawler.Platforms {
		fmt.Fprintf(&platformCols, "\t\t%s_link TEXT,\n\t\t%s_followers BIGINT,\n", p, p)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		name TEXT,
		location TEXT,
		bio TEXT,
		review_rating DOUBLE PRECISION,
		review_count BIGINT,
` + platformCols.String() + `
		status TEXT NOT NULL DEFAULT 'id_only',
		session_id TEXT,
		page INTEGER NOT NULL DEFAULT 0,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_updated_at TIMESTAMPTZ,
		touch_count INTEGER NOT NULL DEFAULT 1,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_status_seq ON profiles (status, seq);
	CREATE INDEX IF NOT EXISTS idx_profiles_session ON profiles (session_id);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		filters JSONB NOT NULL DEFAULT '{}'::jsonb,
		total_profiles INTEGER NOT NULL DEFAULT 0,
		max_page INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS crawl_checkpoints (
		key TEXT PRIMARY KEY,
		page INTEGER NOT NULL,
		url TEXT NOT NULL,
		session_id TEXT,
		updated_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// UpsertIdentityBatch reserves new identifiers in one transaction.
func (s *Store) UpsertIdentityBatch(ctx context.Context, batch store.IdentityBatch) (int, error) {
	ids := uniqueIDs(batch.IDs)
	seenAt := batch.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin identity batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, id := range ids {
		tag, err := tx.Exec(ctx, `
			INSERT INTO profiles (id, status, session_id, page, first_seen_at, touch_count)
			VALUES ($1, 'id_only', $2, $3, $4, 1)
			ON CONFLICT (id) DO NOTHING`,
			id, nullable(batch.SessionID), batch.Page, seenAt)
		if err != nil {
			return 0, fmt.Errorf("insert identity %q: %w", id, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if batch.SessionID != "" {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions
			SET total_profiles = total_profiles + $1, max_page = GREATEST(max_page, $2)
			WHERE session_id = $3`,
			len(ids), batch.Page, batch.SessionID)
		if err != nil {
			return 0, fmt.Errorf("update session counters: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, store.ErrSessionNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
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
	query := `
		SELECT id FROM profiles
		WHERE ` + statusClause + `
		  AND ($1::text IS NULL OR session_id = $1)
		  AND seq > COALESCE((SELECT seq FROM profiles WHERE id = $2::text), 0)
		ORDER BY seq
		LIMIT $3`
	rows, err := s.pool.Query(ctx, query, nullable(filter.SessionID), filter.After, limit)
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
		tag pgconn.CommandTag
		err error
	)
	switch outcome.Kind {
	case crawler.OutcomeScraped:
		cols := profilerow.DetailColumns()
		args := append([]any{id, at}, profilerow.DetailArgs(outcome.Details)...)
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO profiles (id, status, first_seen_at, last_updated_at, touch_count, `+strings.Join(cols, ", ")+`)
			VALUES ($1, 'scraped', $2, $2, 1, `+placeholders(3, len(cols))+`)
			ON CONFLICT (id) DO UPDATE SET
				status = 'scraped',
				last_updated_at = excluded.last_updated_at,
				touch_count = profiles.touch_count + 1,
				last_error = NULL,
				`+profilerow.Assignments()+`
			WHERE profiles.status IN ('id_only', 'failed')`,
			args...)
	case crawler.OutcomeInvalid:
		tag, err = s.pool.Exec(ctx, `
			UPDATE profiles
			SET status = 'invalid', last_updated_at = $1, touch_count = touch_count + 1, last_error = $2
			WHERE id = $3 AND status IN ('id_only', 'failed')`,
			at, nullable(outcome.Reason), id)
	case crawler.OutcomeFailed:
		tag, err = s.pool.Exec(ctx, `
			UPDATE profiles
			SET status = 'failed', last_updated_at = $1, touch_count = touch_count + 1, last_error = $2
			WHERE id = $3 AND status = 'id_only'`,
			at, nullable(outcome.Reason), id)
	case crawler.OutcomeRetryable:
		tag, err = s.pool.Exec(ctx, `
			UPDATE profiles
			SET attempt_count = attempt_count + 1,
				last_error = $1,
				status = CASE WHEN status = 'id_only' AND $2::int > 0 AND attempt_count + 1 >= $2::int THEN 'failed' ELSE status END,
				touch_count = CASE WHEN status = 'id_only' AND $2::int > 0 AND attempt_count + 1 >= $2::int THEN touch_count + 1 ELSE touch_count END,
				last_updated_at = CASE WHEN status = 'id_only' AND $2::int > 0 AND attempt_count + 1 >= $2::int THEN $3 ELSE last_updated_at END
			WHERE id = $4 AND status IN ('id_only', 'failed')`,
			nullable(outcome.Reason), s.maxAttempts, at, id)
	}
	if err != nil {
		return fmt.Errorf("apply %s result to %q: %w", outcome.Kind, id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainNoop(ctx, id, outcome)
}

func (s *Store) explainNoop(ctx context.Context, id string, outcome crawler.Outcome) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM profiles WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
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
			COUNT(*) FILTER (WHERE status = 'scraped'),
			COUNT(*) FILTER (WHERE status = 'id_only' OR status IS NULL OR status = ''),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'invalid')
		FROM profiles
		WHERE ($1::text IS NULL OR session_id = $1)`
	var total, scraped, idOnly, failed, invalid int64
	err := s.pool.QueryRow(ctx, query, nullable(sessionID)).Scan(&total, &scraped, &idOnly, &failed, &invalid)
	if err != nil {
		return crawler.ProgressSummary{}, fmt.Errorf("progress summary: %w", err)
	}
	return crawler.NewProgressSummary(total, scraped, idOnly, failed, invalid), nil
}

func profileSelect() string {
	return "SELECT id, " + strings.Join(profilerow.DetailColumns(), ", ") +
		", status, COALESCE(session_id, ''), page, first_seen_at, last_updated_at, touch_count, attempt_count, COALESCE(last_error, '') FROM profiles"
}

func scanProfile(row pgx.Row) (crawler.ProfileRecord, error) {
	var (
		rec    crawler.ProfileRecord
		status string
	)
	details := profilerow.NewDetailScanner()
	dest := append([]any{&rec.ID}, details.Targets()...)
	dest = append(dest, &status, &rec.SessionID, &rec.Page, &rec.FirstSeenAt, &rec.LastUpdatedAt,
		&rec.TouchCount, &rec.AttemptCount, &rec.LastError)
	if err := row.Scan(dest...); err != nil {
		return crawler.ProfileRecord{}, err
	}
	rec.ProfileDetails = details.Details()
	rec.Status = crawler.Status(status)
	if rec.Status == "" {
		rec.Status = crawler.StatusIDOnly
	}
	return rec, nil
}

// GetProfile loads one record.
func (s *Store) GetProfile(ctx context.Context, id string) (crawler.ProfileRecord, error) {
	rec, err := scanProfile(s.pool.QueryRow(ctx, profileSelect()+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ProfileRecord{}, store.ErrNotFound
	}
	if err != nil {
		return crawler.ProfileRecord{}, fmt.Errorf("get profile %q: %w", id, err)
	}
	return rec, nil
}

// ListProfiles returns records in insertion order.
func (s *Store) ListProfiles(ctx context.Context, q store.ProfileQuery) ([]crawler.ProfileRecord, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	query := profileSelect() + `
		WHERE ($1::text IS NULL OR session_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY seq
		LIMIT $3 OFFSET $4`
	rows, err := s.pool.Query(ctx, query, nullable(q.SessionID), nullable(string(q.Status)), limit, max(q.Offset, 0))
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
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE ($1::text IS NULL OR session_id = $1)`, nullable(sessionID))
	if err != nil {
		return 0, fmt.Errorf("clear profiles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ProfileStats reports row counts, the deepest page and the per-page yield.
func (s *Store) ProfileStats(ctx context.Context, sessionID string) (crawler.ProfileStats, error) {
	const where = ` WHERE ($1::text IS NULL OR session_id = $1)`
	var stats crawler.ProfileStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT id), COALESCE(MAX(page), 0) FROM profiles`+where,
		nullable(sessionID)).Scan(&stats.TotalProfiles, &stats.UniqueProfiles, &stats.TotalPages)
	if err != nil {
		return crawler.ProfileStats{}, fmt.Errorf("profile stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT page, COUNT(*) FROM profiles`+where+` GROUP BY page ORDER BY page`, nullable(sessionID))
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

// PurgeIdentities deletes rows whose identifier fails valid. Scanned rows stay
// locked until the delete commits.
func (s *Store) PurgeIdentities(ctx context.Context, valid func(id string) bool) ([]string, error) {
	if valid == nil {
		return nil, fmt.Errorf("identifier predicate is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id FROM profiles ORDER BY seq FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		if !valid(id) {
			doomed = append(doomed, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}

	if len(doomed) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM profiles WHERE id = ANY($1)`, doomed); err != nil {
			return nil, fmt.Errorf("delete invalid identifiers: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	if len(doomed) > 0 {
		s.logger.Info("invalid identifiers purged", zap.Int("count", len(doomed)))
	}
	return doomed, nil
}

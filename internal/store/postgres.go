package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"publication-pipeline/internal/lifecycle"
	"publication-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for content status; all status writes go through
// CompareAndSwapStatus.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateItemParams collects inputs required to insert a drafted item.
type CreateItemParams struct {
	AccountID   string
	PostType    string
	Body        string
	ImageRef    string
	ContentHash string
	Fingerprint uint64
	MaxRetries  int
	Priority    int
}

// CreateItem inserts a new item in the drafted state.
func (s *Store) CreateItem(ctx context.Context, p CreateItemParams) (models.ContentItem, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.PostType == "" {
		p.PostType = models.PostTypeText
	}
	if p.Priority == 0 {
		p.Priority = 5
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_items (id, account_id, post_type, body, image_ref, status, content_hash, fingerprint, priority, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $11)
	`, id, p.AccountID, p.PostType, p.Body, emptyToNil(p.ImageRef), models.StatusDrafted, p.ContentHash, int64(p.Fingerprint), p.Priority, p.MaxRetries, now)
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("insert content item: %w", err)
	}

	return s.GetItem(ctx, id)
}

const itemColumns = `id, account_id, post_type, body, image_ref, status, content_hash, fingerprint, approved, scheduled_at, source_timezone, priority, retry_count, max_retries, next_retry_at, platform_post_id, last_error, last_error_at, created_at, updated_at`

// GetItem fetches an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (models.ContentItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ContentItem{}, fmt.Errorf("content item %s not found: %w", id, err)
	}
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("scan content item: %w", err)
	}
	return item, nil
}

// GetDue returns items in the given status whose due timestamp has elapsed.
// The due column depends on the status: scheduled items are gated by
// scheduled_at, retry_scheduled items by next_retry_at.
func (s *Store) GetDue(ctx context.Context, status string, before time.Time, limit int) ([]models.ContentItem, error) {
	var dueColumn string
	switch status {
	case models.StatusScheduled:
		dueColumn = "scheduled_at"
	case models.StatusRetryScheduled:
		dueColumn = "next_retry_at"
	default:
		return nil, fmt.Errorf("status %q has no due timestamp", status)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE status = $1 AND `+dueColumn+` IS NOT NULL AND `+dueColumn+` <= $2
		ORDER BY priority DESC, `+dueColumn+` ASC
		LIMIT $3
	`, status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// GetByStatus lists items in one status, oldest first.
func (s *Store) GetByStatus(ctx context.Context, status string, limit int) ([]models.ContentItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query items by status: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// CompareAndSwapStatus performs the atomic conditional status update. It
// returns false when zero rows were affected, meaning another worker already
// moved the item.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id, expected, next string, upd lifecycle.Updates) (bool, error) {
	set := []string{"status = $3", "updated_at = NOW()", "next_retry_at = $4"}
	args := []any{id, expected, next, upd.NextRetryAt}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.PlatformPostID != nil {
		add("platform_post_id", *upd.PlatformPostID)
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
		add("last_error_at", time.Now().UTC())
	}
	if upd.ScheduledAt != nil {
		add("scheduled_at", *upd.ScheduledAt)
	}
	if upd.SourceTimezone != nil {
		add("source_timezone", *upd.SourceTimezone)
	}
	if upd.Priority != nil {
		add("priority", *upd.Priority)
	}

	query := "UPDATE content_items SET " + joinClauses(set) + " WHERE id = $1 AND status = $2"
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cas update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetApproved records a manual approval decision on a waiting item.
func (s *Store) SetApproved(ctx context.Context, id string, approved bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE content_items SET approved = $2, updated_at = NOW() WHERE id = $1
	`, id, approved)
	return err
}

// SetImageRef stores the attached media rendition reference.
func (s *Store) SetImageRef(ctx context.Context, id, ref string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE content_items SET image_ref = $2, updated_at = NOW() WHERE id = $1
	`, id, ref)
	return err
}

// RecordPublication inserts the durable publication row. The unique
// content_hash constraint backs the exact-duplicate invariant.
func (s *Store) RecordPublication(ctx context.Context, pub models.Publication) error {
	if pub.ID == "" {
		pub.ID = uuid.New().String()
	}
	if pub.PublishedAt.IsZero() {
		pub.PublishedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publications (id, content_id, account_id, platform_post_id, content_hash, fingerprint, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pub.ID, pub.ContentID, pub.AccountID, pub.PlatformPostID, pub.ContentHash, int64(pub.Fingerprint), pub.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert publication: %w", err)
	}
	return nil
}

// HashEverPublished reports whether a content hash already reached published,
// at any point in history.
func (s *Store) HashEverPublished(ctx context.Context, hash string) (bool, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publications WHERE content_hash = $1
	`, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("count hash: %w", err)
	}
	return n > 0, nil
}

// PublishedSince returns publications for an account newer than the cutoff.
func (s *Store) PublishedSince(ctx context.Context, accountID string, since time.Time) ([]models.Publication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content_id, account_id, platform_post_id, content_hash, fingerprint, published_at, reach, likes, comments, shares
		FROM publications
		WHERE account_id = $1 AND published_at >= $2
		ORDER BY published_at ASC
	`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("query publications: %w", err)
	}
	defer rows.Close()
	return collectPublications(rows)
}

// RecentPublications returns the newest publications for engagement checks.
func (s *Store) RecentPublications(ctx context.Context, accountID string, limit int) ([]models.Publication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content_id, account_id, platform_post_id, content_hash, fingerprint, published_at, reach, likes, comments, shares
		FROM publications
		WHERE account_id = $1
		ORDER BY published_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent publications: %w", err)
	}
	defer rows.Close()
	return collectPublications(rows)
}

// FirstPublishedAt returns the account's first publish time, or nil for an
// account that has never published.
func (s *Store) FirstPublishedAt(ctx context.Context, accountID string) (*time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT published_at FROM publications WHERE account_id = $1 ORDER BY published_at ASC LIMIT 1
	`, accountID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query first publication: %w", err)
	}
	return &ts, nil
}

// SweepStuckPublishing reverts items stuck in publishing past the timeout
// back to retry_scheduled. The status predicate keeps it race-safe against
// concurrent workers, same as the guard's CAS.
func (s *Store) SweepStuckPublishing(ctx context.Context, olderThan time.Duration, retryAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_items
		SET status = $1, next_retry_at = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < NOW() - $4::interval
	`, models.StatusRetryScheduled, retryAt, models.StatusPublishing, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("sweep stuck publishing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LoadBreaker reads the persisted breaker row for a dependency, returning a
// closed breaker when none exists yet.
func (s *Store) LoadBreaker(ctx context.Context, dependency string) (models.BreakerState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT dependency, state, consecutive_failures, consecutive_successes, opened_at, updated_at
		FROM breaker_state WHERE dependency = $1
	`, dependency)

	var st models.BreakerState
	var openedAt pgtype.Timestamptz
	err := row.Scan(&st.Dependency, &st.State, &st.ConsecutiveFailures, &st.ConsecutiveSuccesses, &openedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BreakerState{Dependency: dependency, State: models.BreakerClosed}, nil
	}
	if err != nil {
		return models.BreakerState{}, fmt.Errorf("scan breaker state: %w", err)
	}
	if openedAt.Valid {
		t := openedAt.Time
		st.OpenedAt = &t
	}
	return st, nil
}

// SaveBreaker upserts the breaker row.
func (s *Store) SaveBreaker(ctx context.Context, st models.BreakerState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO breaker_state (dependency, state, consecutive_failures, consecutive_successes, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (dependency) DO UPDATE
		SET state = EXCLUDED.state,
		    consecutive_failures = EXCLUDED.consecutive_failures,
		    consecutive_successes = EXCLUDED.consecutive_successes,
		    opened_at = EXCLUDED.opened_at,
		    updated_at = NOW()
	`, st.Dependency, st.State, st.ConsecutiveFailures, st.ConsecutiveSuccesses, st.OpenedAt)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// ClaimRunLock takes the singleton run-lock row. It succeeds when no holder
// exists, when the caller already holds it, or when the previous holder's
// heartbeat is older than the TTL (crash recovery). Non-blocking.
func (s *Store) ClaimRunLock(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO run_lock (id, holder_id, acquired_at, heartbeat_at)
		VALUES (1, $1, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, acquired_at = NOW(), heartbeat_at = NOW()
		WHERE run_lock.holder_id = $1 OR run_lock.heartbeat_at < NOW() - $2::interval
	`, holderID, ttl.String())
	if err != nil {
		return false, fmt.Errorf("claim run lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HeartbeatRunLock refreshes the holder's heartbeat.
func (s *Store) HeartbeatRunLock(ctx context.Context, holderID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE run_lock SET heartbeat_at = NOW() WHERE id = 1 AND holder_id = $1
	`, holderID)
	if err != nil {
		return false, fmt.Errorf("heartbeat run lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseRunLock drops the lock row if still held by the caller.
func (s *Store) ReleaseRunLock(ctx context.Context, holderID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM run_lock WHERE id = 1 AND holder_id = $1
	`, holderID)
	return err
}

// SetSystemStatus upserts one operational key (cooldown_until,
// last_error_code, ...), visible to external dashboards.
func (s *Store) SetSystemStatus(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_status (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return err
}

// GetSystemStatus reads one operational key.
func (s *Store) GetSystemStatus(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM system_status WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query system status: %w", err)
	}
	return value, true, nil
}

// StatusCounts returns item counts per lifecycle state.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM content_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ErrorRate returns failed/(failed+published) over a trailing window.
// Rejections are user-initiated and not counted.
func (s *Store) ErrorRate(ctx context.Context, window time.Duration) (float64, error) {
	cutoff := time.Now().UTC().Add(-window)

	var failed int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM content_items WHERE status = $1 AND last_error_at >= $2
	`, models.StatusFailed, cutoff).Scan(&failed); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}

	var published int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publications WHERE published_at >= $1
	`, cutoff).Scan(&published); err != nil {
		return 0, fmt.Errorf("count published: %w", err)
	}

	total := failed + published
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

func scanItem(row pgx.Row) (models.ContentItem, error) {
	var item models.ContentItem
	var imageRef, sourceTZ, platformPostID, lastError pgtype.Text
	var scheduledAt, nextRetryAt, lastErrorAt pgtype.Timestamptz
	var fingerprint int64

	err := row.Scan(
		&item.ID, &item.AccountID, &item.PostType, &item.Body, &imageRef,
		&item.Status, &item.ContentHash, &fingerprint, &item.Approved,
		&scheduledAt, &sourceTZ, &item.Priority, &item.RetryCount,
		&item.MaxRetries, &nextRetryAt, &platformPostID, &lastError,
		&lastErrorAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return models.ContentItem{}, err
	}
	item.Fingerprint = uint64(fingerprint)
	item.ImageRef = textPtr(imageRef)
	item.SourceTimezone = textValue(sourceTZ)
	item.PlatformPostID = textPtr(platformPostID)
	item.LastError = textPtr(lastError)
	item.ScheduledAt = timePtr(scheduledAt)
	item.NextRetryAt = timePtr(nextRetryAt)
	item.LastErrorAt = timePtr(lastErrorAt)
	return item, nil
}

func collectItems(rows pgx.Rows) ([]models.ContentItem, error) {
	var items []models.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func collectPublications(rows pgx.Rows) ([]models.Publication, error) {
	var pubs []models.Publication
	for rows.Next() {
		var pub models.Publication
		var fingerprint int64
		if err := rows.Scan(&pub.ID, &pub.ContentID, &pub.AccountID, &pub.PlatformPostID, &pub.ContentHash, &fingerprint, &pub.PublishedAt, &pub.Reach, &pub.Likes, &pub.Comments, &pub.Shares); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		pub.Fingerprint = uint64(fingerprint)
		pubs = append(pubs, pub)
	}
	return pubs, rows.Err()
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

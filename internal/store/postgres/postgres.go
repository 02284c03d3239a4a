// Package postgres provides the Postgres-backed store implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/store"
)

// Pool is the subset of pgxpool.Pool used by the store, narrowed so tests
// can substitute pgxmock.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store using Postgres.
type Store struct {
	pool  Pool
	clock bridge.Clock
}

var _ store.Store = (*Store)(nil)

// New creates a Store backed by a connection pool.
func New(ctx context.Context, dsn string, maxConns int, clock bridge.Clock) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Store{pool: pool, clock: clock}, pool, nil
}

// NewWithPool creates a Store over an existing pool handle, used by tests.
func NewWithPool(pool Pool, clock bridge.Clock) *Store {
	return &Store{pool: pool, clock: clock}
}

func checkKey(id string) error {
	if id == "" {
		return fmt.Errorf("empty key id")
	}
	if len(id) > bridge.MaxKeyBytes {
		return fmt.Errorf("key id too long: %d bytes", len(id))
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

const sourceColumns = `kind, id, name, picture, url, username, domain_urls, domains, features,
status, poll_status, rate_limited, webmention_endpoint, superfeedr_secret, auth_ref,
created, last_polled, last_poll_attempt, last_webmention_sent, last_public_post,
recent_private_posts, last_activity_id, last_activities_etag, last_activities_cache,
seen_responses_cache, blocked_ids, last_hfeed_refetch, last_syndication_url,
last_feed_syndication_url`

func scanSource(row pgx.Row) (*bridge.Source, error) {
	var (
		src                           bridge.Source
		features                      []string
		polled, attempt, sent, public *time.Time
		refetch, syndURL, feedSyndURL *time.Time
	)
	err := row.Scan(
		&src.Kind, &src.ID, &src.Name, &src.Picture, &src.URL, &src.Username,
		&src.DomainURLs, &src.Domains, &features,
		&src.Status, &src.PollStatus, &src.RateLimited, &src.WebmentionEndpoint,
		&src.SuperfeedrSecret, &src.AuthRef,
		&src.Created, &polled, &attempt, &sent, &public,
		&src.RecentPrivatePosts, &src.LastActivityID, &src.LastActivitiesETag,
		&src.LastActivitiesCacheJSON, &src.SeenResponsesCacheJSON, &src.BlockedIDs,
		&refetch, &syndURL, &feedSyndURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.ID = bridge.UnescapeKeyID(src.ID)
	for _, f := range features {
		src.Features = append(src.Features, bridge.Feature(f))
	}
	src.Created = src.Created.UTC()
	src.LastPolled = fromNull(polled)
	src.LastPollAttempt = fromNull(attempt)
	src.LastWebmentionSent = fromNull(sent)
	src.LastPublicPost = fromNull(public)
	src.LastHFeedRefetch = fromNull(refetch)
	src.LastSyndicationURL = fromNull(syndURL)
	src.LastFeedSyndicationURL = fromNull(feedSyndURL)
	return &src, nil
}

func sourceArgs(src *bridge.Source) []any {
	features := make([]string, len(src.Features))
	for i, f := range src.Features {
		features[i] = string(f)
	}
	return []any{
		src.Kind, bridge.EscapeKeyID(src.ID), src.Name, src.Picture, src.URL, src.Username,
		src.DomainURLs, src.Domains, features,
		string(src.Status), string(src.PollStatus), src.RateLimited,
		src.WebmentionEndpoint, src.SuperfeedrSecret, src.AuthRef,
		src.Created, nullTime(src.LastPolled), nullTime(src.LastPollAttempt),
		nullTime(src.LastWebmentionSent), nullTime(src.LastPublicPost),
		src.RecentPrivatePosts, src.LastActivityID, src.LastActivitiesETag,
		src.LastActivitiesCacheJSON, src.SeenResponsesCacheJSON, src.BlockedIDs,
		nullTime(src.LastHFeedRefetch), nullTime(src.LastSyndicationURL),
		nullTime(src.LastFeedSyndicationURL),
	}
}

// GetSource returns the source for a silo account.
func (s *Store) GetSource(ctx context.Context, kind, id string) (*bridge.Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE kind = $1 AND id = $2`,
		kind, bridge.EscapeKeyID(id))
	return scanSource(row)
}

// PutSource upserts a source.
func (s *Store) PutSource(ctx context.Context, src *bridge.Source) error {
	if err := checkKey(src.ID); err != nil {
		return err
	}
	if src.Created.IsZero() {
		src.Created = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sources (`+sourceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
		ON CONFLICT (kind, id) DO UPDATE SET
			name = EXCLUDED.name, picture = EXCLUDED.picture, url = EXCLUDED.url,
			username = EXCLUDED.username, domain_urls = EXCLUDED.domain_urls,
			domains = EXCLUDED.domains, features = EXCLUDED.features,
			status = EXCLUDED.status, poll_status = EXCLUDED.poll_status,
			rate_limited = EXCLUDED.rate_limited,
			webmention_endpoint = EXCLUDED.webmention_endpoint,
			superfeedr_secret = EXCLUDED.superfeedr_secret,
			auth_ref = EXCLUDED.auth_ref,
			last_polled = EXCLUDED.last_polled,
			last_poll_attempt = EXCLUDED.last_poll_attempt,
			last_webmention_sent = EXCLUDED.last_webmention_sent,
			last_public_post = EXCLUDED.last_public_post,
			recent_private_posts = EXCLUDED.recent_private_posts,
			last_activity_id = EXCLUDED.last_activity_id,
			last_activities_etag = EXCLUDED.last_activities_etag,
			last_activities_cache = EXCLUDED.last_activities_cache,
			seen_responses_cache = EXCLUDED.seen_responses_cache,
			blocked_ids = EXCLUDED.blocked_ids,
			last_hfeed_refetch = EXCLUDED.last_hfeed_refetch,
			last_syndication_url = EXCLUDED.last_syndication_url,
			last_feed_syndication_url = EXCLUDED.last_feed_syndication_url`,
		sourceArgs(src)...)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

// UpdateSource loads the source under a row lock, applies fn, and writes it
// back in the same transaction.
func (s *Store) UpdateSource(ctx context.Context, kind, id string, fn func(*bridge.Source) error) (*bridge.Source, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE kind = $1 AND id = $2 FOR UPDATE`,
		kind, bridge.EscapeKeyID(id))
	src, err := scanSource(row)
	if err != nil {
		return nil, err
	}
	if err := fn(src); err != nil {
		return nil, err
	}

	args := sourceArgs(src)
	_, err = tx.Exec(ctx, `
		UPDATE sources SET
			name = $3, picture = $4, url = $5, username = $6, domain_urls = $7,
			domains = $8, features = $9, status = $10, poll_status = $11,
			rate_limited = $12, webmention_endpoint = $13, superfeedr_secret = $14,
			auth_ref = $15, created = $16, last_polled = $17, last_poll_attempt = $18,
			last_webmention_sent = $19, last_public_post = $20,
			recent_private_posts = $21, last_activity_id = $22,
			last_activities_etag = $23, last_activities_cache = $24,
			seen_responses_cache = $25, blocked_ids = $26, last_hfeed_refetch = $27,
			last_syndication_url = $28, last_feed_syndication_url = $29
		WHERE kind = $1 AND id = $2`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return src, nil
}

// ListSources returns all sources ordered by kind then id.
func (s *Store) ListSources(ctx context.Context) ([]*bridge.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY kind, id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []*bridge.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

const responseColumns = `id, source_kind, source_id, type, status, leased_until, created, updated,
unsent, sent, error, failed, skipped, activities_json, response_json,
old_response_jsons, urls_to_activity, original_posts`

func scanResponse(row pgx.Row) (*bridge.Response, error) {
	var (
		resp   bridge.Response
		leased *time.Time
	)
	err := row.Scan(
		&resp.ID, &resp.SourceKind, &resp.SourceID, &resp.Type, &resp.Status,
		&leased, &resp.Created, &resp.Updated,
		&resp.Unsent, &resp.Sent, &resp.Error, &resp.Failed, &resp.Skipped,
		&resp.ActivitiesJSON, &resp.ResponseJSON, &resp.OldResponseJSONs,
		&resp.URLsToActivityJSON, &resp.OriginalPosts,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan response: %w", err)
	}
	resp.ID = bridge.UnescapeKeyID(resp.ID)
	resp.LeasedUntil = fromNull(leased)
	resp.Created = resp.Created.UTC()
	resp.Updated = resp.Updated.UTC()
	return &resp, nil
}

func responseArgs(resp *bridge.Response) []any {
	return []any{
		bridge.EscapeKeyID(resp.ID), resp.SourceKind, resp.SourceID, resp.Type,
		string(resp.Status), nullTime(resp.LeasedUntil), resp.Created, resp.Updated,
		resp.Unsent, resp.Sent, resp.Error, resp.Failed, resp.Skipped,
		resp.ActivitiesJSON, resp.ResponseJSON, resp.OldResponseJSONs,
		resp.URLsToActivityJSON, resp.OriginalPosts,
	}
}

// GetResponse returns the response with the given tag URI id.
func (s *Store) GetResponse(ctx context.Context, id string) (*bridge.Response, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE id = $1`,
		bridge.EscapeKeyID(id))
	return scanResponse(row)
}

// PutResponse upserts a response.
func (s *Store) PutResponse(ctx context.Context, resp *bridge.Response) error {
	if err := checkKey(resp.ID); err != nil {
		return err
	}
	now := s.clock.Now()
	if resp.Created.IsZero() {
		resp.Created = now
	}
	resp.Updated = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO responses (`+responseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, status = EXCLUDED.status,
			leased_until = EXCLUDED.leased_until, updated = EXCLUDED.updated,
			unsent = EXCLUDED.unsent, sent = EXCLUDED.sent, error = EXCLUDED.error,
			failed = EXCLUDED.failed, skipped = EXCLUDED.skipped,
			activities_json = EXCLUDED.activities_json,
			response_json = EXCLUDED.response_json,
			old_response_jsons = EXCLUDED.old_response_jsons,
			urls_to_activity = EXCLUDED.urls_to_activity,
			original_posts = EXCLUDED.original_posts`,
		responseArgs(resp)...)
	if err != nil {
		return fmt.Errorf("upsert response: %w", err)
	}
	return nil
}

// UpdateResponse loads the response under a row lock, applies fn, and writes
// it back in the same transaction.
func (s *Store) UpdateResponse(ctx context.Context, id string, fn func(*bridge.Response) error) (*bridge.Response, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE id = $1 FOR UPDATE`,
		bridge.EscapeKeyID(id))
	resp, err := scanResponse(row)
	if err != nil {
		return nil, err
	}
	if err := fn(resp); err != nil {
		return nil, err
	}
	resp.Updated = s.clock.Now()

	args := responseArgs(resp)
	_, err = tx.Exec(ctx, `
		UPDATE responses SET
			source_kind = $2, source_id = $3, type = $4, status = $5,
			leased_until = $6, created = $7, updated = $8,
			unsent = $9, sent = $10, error = $11, failed = $12, skipped = $13,
			activities_json = $14, response_json = $15, old_response_jsons = $16,
			urls_to_activity = $17, original_posts = $18
		WHERE id = $1`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("update response: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return resp, nil
}

// ListResponsesBySource returns a source's responses updated at or after
// since, most recently updated first.
func (s *Store) ListResponsesBySource(ctx context.Context, kind, id string, since time.Time, limit int) ([]*bridge.Response, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+responseColumns+` FROM responses
		WHERE source_kind = $1 AND source_id = $2 AND updated >= $3
		ORDER BY updated DESC LIMIT $4`,
		kind, id, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []*bridge.Response
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	return out, nil
}

const blogPostColumns = `url, source_kind, source_id, status, leased_until, created, updated,
unsent, sent, error, failed, skipped, feed_item`

func scanBlogPost(row pgx.Row) (*bridge.BlogPost, error) {
	var (
		post   bridge.BlogPost
		leased *time.Time
	)
	err := row.Scan(
		&post.URL, &post.SourceKind, &post.SourceID, &post.Status,
		&leased, &post.Created, &post.Updated,
		&post.Unsent, &post.Sent, &post.Error, &post.Failed, &post.Skipped,
		&post.FeedItemJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan blog post: %w", err)
	}
	post.LeasedUntil = fromNull(leased)
	post.Created = post.Created.UTC()
	post.Updated = post.Updated.UTC()
	return &post, nil
}

// GetBlogPost returns the blog post keyed by its permalink URL.
func (s *Store) GetBlogPost(ctx context.Context, url string) (*bridge.BlogPost, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+blogPostColumns+` FROM blog_posts WHERE url = $1`, url)
	return scanBlogPost(row)
}

// PutBlogPost upserts a blog post.
func (s *Store) PutBlogPost(ctx context.Context, post *bridge.BlogPost) error {
	if err := checkKey(post.URL); err != nil {
		return err
	}
	now := s.clock.Now()
	if post.Created.IsZero() {
		post.Created = now
	}
	post.Updated = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blog_posts (`+blogPostColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (url) DO UPDATE SET
			status = EXCLUDED.status, leased_until = EXCLUDED.leased_until,
			updated = EXCLUDED.updated, unsent = EXCLUDED.unsent,
			sent = EXCLUDED.sent, error = EXCLUDED.error,
			failed = EXCLUDED.failed, skipped = EXCLUDED.skipped,
			feed_item = EXCLUDED.feed_item`,
		post.URL, post.SourceKind, post.SourceID, string(post.Status),
		nullTime(post.LeasedUntil), post.Created, post.Updated,
		post.Unsent, post.Sent, post.Error, post.Failed, post.Skipped,
		post.FeedItemJSON)
	if err != nil {
		return fmt.Errorf("upsert blog post: %w", err)
	}
	return nil
}

// UpdateBlogPost loads the blog post under a row lock, applies fn, and
// writes it back in the same transaction.
func (s *Store) UpdateBlogPost(ctx context.Context, url string, fn func(*bridge.BlogPost) error) (*bridge.BlogPost, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+blogPostColumns+` FROM blog_posts WHERE url = $1 FOR UPDATE`, url)
	post, err := scanBlogPost(row)
	if err != nil {
		return nil, err
	}
	if err := fn(post); err != nil {
		return nil, err
	}
	post.Updated = s.clock.Now()

	_, err = tx.Exec(ctx, `
		UPDATE blog_posts SET
			source_kind = $2, source_id = $3, status = $4, leased_until = $5,
			created = $6, updated = $7, unsent = $8, sent = $9, error = $10,
			failed = $11, skipped = $12, feed_item = $13
		WHERE url = $1`,
		post.URL, post.SourceKind, post.SourceID, string(post.Status),
		nullTime(post.LeasedUntil), post.Created, post.Updated,
		post.Unsent, post.Sent, post.Error, post.Failed, post.Skipped,
		post.FeedItemJSON)
	if err != nil {
		return nil, fmt.Errorf("update blog post: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return post, nil
}

// ListSyndicatedPosts returns a source's relationships matching the filters.
func (s *Store) ListSyndicatedPosts(ctx context.Context, kind, id, bySyndication, byOriginal string) ([]*bridge.SyndicatedPost, error) {
	query := `SELECT source_kind, source_id, syndication, original, created, updated
		FROM syndicated_posts WHERE source_kind = $1 AND source_id = $2`
	args := []any{kind, id}
	if bySyndication != "" {
		args = append(args, bySyndication)
		query += fmt.Sprintf(" AND syndication = $%d", len(args))
	}
	if byOriginal != "" {
		args = append(args, byOriginal)
		query += fmt.Sprintf(" AND lower(original) = lower($%d)", len(args))
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list syndicated posts: %w", err)
	}
	defer rows.Close()

	var out []*bridge.SyndicatedPost
	for rows.Next() {
		var sp bridge.SyndicatedPost
		if err := rows.Scan(&sp.SourceKind, &sp.SourceID, &sp.Syndication, &sp.Original,
			&sp.Created, &sp.Updated); err != nil {
			return nil, fmt.Errorf("scan syndicated post: %w", err)
		}
		out = append(out, &sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list syndicated posts: %w", err)
	}
	return out, nil
}

// InsertSyndicatedPost records a relationship, deleting blank rows the new
// pair contradicts, all in one transaction.
func (s *Store) InsertSyndicatedPost(ctx context.Context, kind, id, syndication, original string) (*bridge.SyndicatedPost, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing bridge.SyndicatedPost
	err = tx.QueryRow(ctx, `
		SELECT source_kind, source_id, syndication, original, created, updated
		FROM syndicated_posts
		WHERE source_kind = $1 AND source_id = $2 AND syndication = $3 AND original = $4`,
		kind, id, syndication, original).
		Scan(&existing.SourceKind, &existing.SourceID, &existing.Syndication,
			&existing.Original, &existing.Created, &existing.Updated)
	if err == nil {
		return &existing, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM syndicated_posts
		WHERE source_kind = $1 AND source_id = $2
		  AND ((syndication = $3 AND original = '') OR (original = $4 AND syndication = ''))`,
		kind, id, syndication, original)
	if err != nil {
		return nil, fmt.Errorf("delete contradicted blanks: %w", err)
	}

	now := s.clock.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO syndicated_posts (source_kind, source_id, syndication, original, created, updated)
		VALUES ($1,$2,$3,$4,$5,$5)`,
		kind, id, syndication, original, now)
	if err != nil {
		return nil, fmt.Errorf("insert syndicated post: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &bridge.SyndicatedPost{
		SourceKind: kind, SourceID: id,
		Syndication: syndication, Original: original,
		Created: now, Updated: now,
	}, nil
}

// InsertOriginalBlank records that an original has no known syndication.
func (s *Store) InsertOriginalBlank(ctx context.Context, kind, id, original string) error {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syndicated_posts (source_kind, source_id, syndication, original, created, updated)
		SELECT $1, $2, '', $3, $4, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM syndicated_posts
			WHERE source_kind = $1 AND source_id = $2 AND original = $3)`,
		kind, id, original, now)
	if err != nil {
		return fmt.Errorf("insert original blank: %w", err)
	}
	return nil
}

// InsertSyndicationBlank records that a syndication has no known original.
func (s *Store) InsertSyndicationBlank(ctx context.Context, kind, id, syndication string) error {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syndicated_posts (source_kind, source_id, syndication, original, created, updated)
		SELECT $1, $2, $3, '', $4, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM syndicated_posts
			WHERE source_kind = $1 AND source_id = $2 AND syndication = $3)`,
		kind, id, syndication, now)
	if err != nil {
		return fmt.Errorf("insert syndication blank: %w", err)
	}
	return nil
}

// DeleteSyndicatedPost removes one relationship row.
func (s *Store) DeleteSyndicatedPost(ctx context.Context, sp *bridge.SyndicatedPost) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM syndicated_posts
		WHERE source_kind = $1 AND source_id = $2 AND syndication = $3 AND original = $4`,
		sp.SourceKind, sp.SourceID, sp.Syndication, sp.Original)
	if err != nil {
		return fmt.Errorf("delete syndicated post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetActivity returns a stored activity by tag URI.
func (s *Store) GetActivity(ctx context.Context, id string) (*bridge.Activity, error) {
	var a bridge.Activity
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_kind, source_id, activity_json, html, created, updated
		FROM activities WHERE id = $1`, bridge.EscapeKeyID(id)).
		Scan(&a.ID, &a.SourceKind, &a.SourceID, &a.ActivityJSON, &a.HTML, &a.Created, &a.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get activity: %w", err)
	}
	a.ID = bridge.UnescapeKeyID(a.ID)
	return &a, nil
}

// PutActivity upserts an activity.
func (s *Store) PutActivity(ctx context.Context, a *bridge.Activity) error {
	if err := checkKey(a.ID); err != nil {
		return err
	}
	now := s.clock.Now()
	if a.Created.IsZero() {
		a.Created = now
	}
	a.Updated = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activities (id, source_kind, source_id, activity_json, html, created, updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			activity_json = EXCLUDED.activity_json, html = EXCLUDED.html,
			updated = EXCLUDED.updated`,
		bridge.EscapeKeyID(a.ID), a.SourceKind, a.SourceID, a.ActivityJSON, a.HTML,
		a.Created, a.Updated)
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	return nil
}

// GetDomain returns a verified domain record.
func (s *Store) GetDomain(ctx context.Context, domain string) (*bridge.Domain, error) {
	var d bridge.Domain
	err := s.pool.QueryRow(ctx, `
		SELECT domain, tokens, created, updated FROM domains WHERE domain = lower($1)`,
		domain).
		Scan(&d.Domain, &d.Tokens, &d.Created, &d.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return &d, nil
}

// PutDomain upserts a domain record.
func (s *Store) PutDomain(ctx context.Context, d *bridge.Domain) error {
	if err := checkKey(d.Domain); err != nil {
		return err
	}
	now := s.clock.Now()
	if d.Created.IsZero() {
		d.Created = now
	}
	d.Updated = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domains (domain, tokens, created, updated)
		VALUES (lower($1), $2, $3, $4)
		ON CONFLICT (domain) DO UPDATE SET
			tokens = EXCLUDED.tokens, updated = EXCLUDED.updated`,
		d.Domain, d.Tokens, d.Created, d.Updated)
	if err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

// ListDomainsByToken returns the domains authorizing writes with token.
func (s *Store) ListDomainsByToken(ctx context.Context, token string) ([]*bridge.Domain, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, tokens, created, updated FROM domains
		WHERE $1 = ANY(tokens) ORDER BY domain`, token)
	if err != nil {
		return nil, fmt.Errorf("list domains by token: %w", err)
	}
	defer rows.Close()
	var out []*bridge.Domain
	for rows.Next() {
		var d bridge.Domain
		if err := rows.Scan(&d.Domain, &d.Tokens, &d.Created, &d.Updated); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list domains by token: %w", err)
	}
	return out, nil
}

// PublishExistsForURL reports whether any publish record points at url.
func (s *Store) PublishExistsForURL(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM publishes WHERE page_url = $1)`, url).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check publish: %w", err)
	}
	return exists, nil
}

// PutPublish stores a publish record.
func (s *Store) PutPublish(ctx context.Context, p *bridge.Publish) error {
	if err := checkKey(p.PageURL); err != nil {
		return err
	}
	now := s.clock.Now()
	if p.Created.IsZero() {
		p.Created = now
	}
	p.Updated = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publishes (page_url, source_kind, source_id, type, status, html, mf2_json, published_json, created, updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.PageURL, p.SourceKind, p.SourceID, p.Type, string(p.Status),
		p.HTML, p.MF2JSON, p.PublishedJSON, p.Created, p.Updated)
	if err != nil {
		return fmt.Errorf("insert publish: %w", err)
	}
	return nil
}

// Package store defines the persistence interfaces for sources, responses,
// blog posts, and original post discovery records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/backfeed-project/backfeed/internal/bridge"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Sources persists silo accounts.
//
// Update methods load an entity, run fn under the store's concurrency
// control, and write it back iff fn returns nil. fn returning an error
// aborts the write and the error is returned unchanged.
type Sources interface {
	GetSource(ctx context.Context, kind, id string) (*bridge.Source, error)
	PutSource(ctx context.Context, src *bridge.Source) error
	UpdateSource(ctx context.Context, kind, id string, fn func(*bridge.Source) error) (*bridge.Source, error)
	ListSources(ctx context.Context) ([]*bridge.Source, error)
}

// Responses persists inbound silo responses.
type Responses interface {
	GetResponse(ctx context.Context, id string) (*bridge.Response, error)
	PutResponse(ctx context.Context, resp *bridge.Response) error
	UpdateResponse(ctx context.Context, id string, fn func(*bridge.Response) error) (*bridge.Response, error)
	// ListResponsesBySource returns a source's responses updated at or after
	// since, most recently updated first, capped at limit.
	ListResponsesBySource(ctx context.Context, kind, id string, since time.Time, limit int) ([]*bridge.Response, error)
}

// BlogPosts persists outbound blog posts awaiting webmention delivery.
type BlogPosts interface {
	GetBlogPost(ctx context.Context, url string) (*bridge.BlogPost, error)
	PutBlogPost(ctx context.Context, post *bridge.BlogPost) error
	UpdateBlogPost(ctx context.Context, url string, fn func(*bridge.BlogPost) error) (*bridge.BlogPost, error)
}

// SyndicatedPosts persists discovered silo <-> site permalink relationships.
type SyndicatedPosts interface {
	// ListSyndicatedPosts returns a source's relationships, optionally
	// filtered by syndication and/or original URL. Empty filters match all.
	ListSyndicatedPosts(ctx context.Context, kind, id string, bySyndication, byOriginal string) ([]*bridge.SyndicatedPost, error)

	// InsertSyndicatedPost records a non-blank relationship. An exact
	// duplicate is returned as-is; blank rows contradicted by the new pair
	// are deleted; otherwise the pair is added alongside existing rows.
	InsertSyndicatedPost(ctx context.Context, kind, id, syndication, original string) (*bridge.SyndicatedPost, error)

	// InsertOriginalBlank records that an original has no known syndication,
	// unless any row for that original already exists.
	InsertOriginalBlank(ctx context.Context, kind, id, original string) error

	// InsertSyndicationBlank records that a syndication has no known
	// original, unless any row for that syndication already exists.
	InsertSyndicationBlank(ctx context.Context, kind, id, syndication string) error

	DeleteSyndicatedPost(ctx context.Context, sp *bridge.SyndicatedPost) error
}

// Activities persists raw silo activities captured outside of polling.
type Activities interface {
	GetActivity(ctx context.Context, id string) (*bridge.Activity, error)
	PutActivity(ctx context.Context, a *bridge.Activity) error
}

// Domains persists verified authored domains and their write tokens.
type Domains interface {
	GetDomain(ctx context.Context, domain string) (*bridge.Domain, error)
	PutDomain(ctx context.Context, d *bridge.Domain) error
	// ListDomainsByToken returns the domains whose token list contains token.
	ListDomainsByToken(ctx context.Context, token string) ([]*bridge.Domain, error)
}

// Publishes answers whether a URL was published outbound by this service,
// which turns an HTTP 410 on that URL into a delete signal.
type Publishes interface {
	PublishExistsForURL(ctx context.Context, url string) (bool, error)
	PutPublish(ctx context.Context, p *bridge.Publish) error
}

// Store aggregates all persistence concerns behind one handle.
type Store interface {
	Sources
	Responses
	BlogPosts
	SyndicatedPosts
	Activities
	Domains
	Publishes
}

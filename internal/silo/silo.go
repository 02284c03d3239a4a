// Package silo defines the adapter capability each supported silo provides
// and the registry the rest of the system dispatches through.
package silo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
)

// Meta describes per-silo constants and behavior flags.
type Meta struct {
	// Name is the short name used in keys, routes, and the registry.
	Name string
	// Domain is the silo's canonical web domain, e.g. "twitter.com".
	Domain string
	// Cadence overrides poll and refetch intervals for this silo.
	Cadence bridge.Cadence

	// BackfeedRequiresSyndicationLink drops responses whose activity has no
	// discovered original instead of delivering to mention targets.
	BackfeedRequiresSyndicationLink bool
	// IgnoreSyndicationLinkFragments strips #fragments before comparing
	// syndication URLs.
	IgnoreSyndicationLinkFragments bool
	// HasBlocks marks silos that expose the user's block list.
	HasBlocks bool
	// Scraped marks adapters that read from the local Activity store instead
	// of the silo's API.
	Scraped bool
}

// FetchOptions is the cursor state passed to Adapter.Fetch.
type FetchOptions struct {
	// ETag is the conditional-fetch token from the previous poll, if any.
	ETag string
	// MinID is the highest activity id seen so far; adapters return only
	// newer activities when they can.
	MinID string
	// Count caps the number of activities returned.
	Count int
}

// FetchResult is one page of recent activities with embedded responses.
type FetchResult struct {
	Activities []as1.Object
	ETag       string
}

// Adapter is the per-silo capability. Implementations are stateless; all
// account state lives on the Source.
type Adapter interface {
	Meta() Meta

	// Fetch returns recent activities with their replies, likes, and reposts
	// embedded. It returns a DisableSourceError when the silo reports revoked
	// access and a RateLimitedError, possibly carrying partial results, when
	// the silo throttles us.
	Fetch(ctx context.Context, src *bridge.Source, opts FetchOptions) (FetchResult, error)

	// GetActivity fetches a single post by silo id.
	GetActivity(ctx context.Context, src *bridge.Source, id string) (as1.Object, error)

	// GetComment and GetLike look up one response, used when rendering a
	// webmention source page.
	GetComment(ctx context.Context, src *bridge.Source, activityID, commentID string) (as1.Object, error)
	GetLike(ctx context.Context, src *bridge.Source, activityID, userID string) (as1.Object, error)

	// CanonicalizeURL normalizes a URL of this silo. It returns "" when the
	// URL is not recognizably of this silo. The activity, when non-nil, may
	// supply context such as the author's numeric id.
	CanonicalizeURL(rawURL string, activity as1.Object) string

	// UserURL returns the profile URL for a silo user id.
	UserURL(id string) string

	// PostID extracts the silo post id from a permalink, or "".
	PostID(rawURL string) string

	// BlocklistIDs returns the ids the user has blocked. Only meaningful when
	// Meta().HasBlocks is set.
	BlocklistIDs(ctx context.Context, src *bridge.Source) ([]string, error)
}

// DisableSourceError signals that the silo has revoked our access and the
// source should stop polling.
type DisableSourceError struct {
	Cause error
}

func (e *DisableSourceError) Error() string {
	return fmt.Sprintf("source access revoked: %v", e.Cause)
}

func (e *DisableSourceError) Unwrap() error { return e.Cause }

// IsDisableSource reports whether err signals revoked access.
func IsDisableSource(err error) bool {
	var de *DisableSourceError
	return errors.As(err, &de)
}

// RateLimitedError signals that the silo throttled the fetch. Partial holds
// whatever activities were retrieved before the limit hit.
type RateLimitedError struct {
	Partial []as1.Object
	Cause   error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Cause)
}

func (e *RateLimitedError) Unwrap() error { return e.Cause }

// AsRateLimited returns the rate-limit error in err's chain, if any.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Registry maps silo short names to adapters. Silo packages register
// themselves at startup; routing, discovery, and the poller dispatch through
// the registry by Source.Kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Meta().Name. Registering the same name
// twice panics; it is a wiring bug.
func (r *Registry) Register(a Adapter) {
	name := a.Meta().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		panic(fmt.Sprintf("silo: adapter %q registered twice", name))
	}
	r.adapters[name] = a
}

// Lookup returns the adapter for a silo short name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered silo names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Domains returns the registered silos' web domains, used to seed the
// webmention blocklist.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	domains := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		if d := a.Meta().Domain; d != "" {
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)
	return domains
}

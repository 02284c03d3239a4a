package fetch

import (
	"net/url"
	"sync"
	"time"

	"github.com/backfeed-project/backfeed/internal/bridge"
)

// EndpointCache memoizes discovered webmention endpoints per site. Entries
// are keyed by scheme and domain, plus a marker for root-path targets so a
// site's root page and its subpages can cache different endpoints.
//
// A cached empty endpoint is meaningful: it records that discovery found no
// endpoint, so repeated targets on the same site skip rediscovery either way.
type EndpointCache struct {
	mu      sync.Mutex
	entries map[string]endpointEntry
	ttl     time.Duration
	clock   bridge.Clock
}

type endpointEntry struct {
	endpoint string
	expires  time.Time
}

// NewEndpointCache creates a cache with the given TTL.
func NewEndpointCache(ttl time.Duration, clock bridge.Clock) *EndpointCache {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &EndpointCache{
		entries: make(map[string]endpointEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// CacheKey derives the cache key for a target URL.
func CacheKey(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	key := u.Scheme + " " + u.Hostname()
	if u.Path == "" || u.Path == "/" {
		key += " /"
	}
	return key
}

// Get returns the cached endpoint for a target and whether it was present.
func (c *EndpointCache) Get(target string) (endpoint string, ok bool) {
	key := CacheKey(target)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.clock.Now().After(entry.expires) {
		delete(c.entries, key)
		return "", false
	}
	return entry.endpoint, true
}

// Put caches the endpoint for a target. Empty means "no endpoint".
func (c *EndpointCache) Put(target, endpoint string) {
	key := CacheKey(target)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = endpointEntry{
		endpoint: endpoint,
		expires:  c.clock.Now().Add(c.ttl),
	}
}

// Invalidate drops the cached entry for a target.
func (c *EndpointCache) Invalidate(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, CacheKey(target))
}

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/urls"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// newClient builds a client with no blocking so httptest loopback servers
// are reachable.
func newClient(maxRedirects int, maxBody int64) *Client {
	return New(Config{
		UserAgent:    "backfeed-test",
		Timeout:      5 * time.Second,
		MaxRedirects: maxRedirects,
		MaxBodyBytes: maxBody,
	}, nil, nil, zap.NewNop())
}

func TestGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "backfeed-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>hi</html>"))
	}))
	defer srv.Close()

	c := newClient(3, 1024)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html", resp.ContentType())
	require.True(t, resp.IsHTML())
	require.Contains(t, string(resp.Body), "hi")
}

func TestGetBlocked(t *testing.T) {
	t.Parallel()

	bl := urls.NewBlocklist([]string{"t.co"})
	c := New(Config{}, bl.IsBlockedURL, nil, zap.NewNop())

	_, err := c.Get(context.Background(), "http://t.co/abc")
	require.ErrorIs(t, err, ErrBlocked)

	// the production blocklist also rejects loopback
	_, err = c.Get(context.Background(), "http://127.0.0.1:9/x")
	require.ErrorIs(t, err, ErrBlocked)
}

func TestGetHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newClient(3, 1024)
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	require.True(t, IsHTTPStatus(err, 400, 500))
	require.False(t, IsHTTPStatus(err, 500, 600))
}

func TestGetBodyCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	c := newClient(3, 1024)
	_, err := c.Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestGetRedirectCap(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	c := newClient(3, 1024)
	_, err := c.Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/final", http.StatusMovedPermanently)
		case "/final":
			w.Header().Set("Content-Type", "text/html")
		case "/image":
			w.Header().Set("Content-Type", "image/png")
		}
	}))
	defer srv.Close()

	c := newClient(3, 1024)

	final, send, err := c.ResolveTarget(context.Background(), srv.URL+"/moved")
	require.NoError(t, err)
	require.True(t, send)
	require.Equal(t, srv.URL+"/final", final)

	_, send, err = c.ResolveTarget(context.Background(), srv.URL+"/image")
	require.NoError(t, err)
	require.False(t, send)

	// blocklisted target is not sendable and requires no network
	bl := urls.NewBlocklist([]string{"t.co"})
	blocked := New(Config{}, bl.IsBlockedURL, nil, zap.NewNop())
	_, send, err = blocked.ResolveTarget(context.Background(), "http://t.co/abc")
	require.NoError(t, err)
	require.False(t, send)
}

func TestResolveTargetFollowsRefreshHints(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			w.Header().Set("Refresh", "0; url=/middle")
		case "/middle":
			// quoted absolute form with a delay is followed too
			w.Header().Set("Refresh", `5; URL="/final"`)
		case "/final":
			w.Header().Set("Content-Type", "text/html")
		case "/loop":
			w.Header().Set("Refresh", "0; url=/loop2")
		case "/loop2":
			w.Header().Set("Refresh", "0; url=/loop")
		}
	}))
	defer srv.Close()

	c := newClient(3, 1024)

	final, send, err := c.ResolveTarget(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	require.True(t, send)
	require.Equal(t, srv.URL+"/final", final)

	// a refresh cycle is cut off by the redirect cap, not followed forever
	final, _, err = c.ResolveTarget(context.Background(), srv.URL+"/loop")
	require.NoError(t, err)
	require.Contains(t, final, srv.URL+"/loop")
}

func TestRefreshTarget(t *testing.T) {
	t.Parallel()

	base := "http://x.com/page"
	require.Equal(t, "http://x.com/next", refreshTarget("0; url=/next", base))
	require.Equal(t, "http://y.com/a", refreshTarget(`3; URL="http://y.com/a"`, base))
	require.Empty(t, refreshTarget("", base))
	require.Empty(t, refreshTarget("30", base))
	require.Empty(t, refreshTarget("0; url=", base))
	// a hint back at the same page is not a redirect
	require.Empty(t, refreshTarget("0; url=http://x.com/page", base))
}

func TestResolveTargetKeepsErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := newClient(3, 1024)
	final, send, err := c.ResolveTarget(context.Background(), srv.URL+"/deleted")
	require.NoError(t, err)
	require.True(t, send)
	require.Equal(t, srv.URL+"/deleted", final)
}

func TestEndpointCache(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	cache := NewEndpointCache(2*time.Hour, clock)

	// subpages of a domain share one entry, the root page gets its own
	require.Equal(t, CacheKey("http://x.com/a"), CacheKey("http://x.com/b"))
	require.NotEqual(t, CacheKey("http://x.com/"), CacheKey("http://x.com/a"))
	require.NotEqual(t, CacheKey("http://x.com/a"), CacheKey("https://x.com/a"))

	_, ok := cache.Get("http://x.com/post/1")
	require.False(t, ok)

	cache.Put("http://x.com/post/1", "http://x.com/webmention")
	got, ok := cache.Get("http://x.com/post/2")
	require.True(t, ok)
	require.Equal(t, "http://x.com/webmention", got)

	// empty endpoint is cached, not treated as a miss
	cache.Put("http://y.com/post/1", "")
	got, ok = cache.Get("http://y.com/post/9")
	require.True(t, ok)
	require.Empty(t, got)

	// expiry
	clock.now = clock.now.Add(3 * time.Hour)
	_, ok = cache.Get("http://x.com/post/1")
	require.False(t, ok)

	// invalidation
	cache.Put("http://z.com/post/1", "http://z.com/wm")
	cache.Invalidate("http://z.com/post/other")
	_, ok = cache.Get("http://z.com/post/1")
	require.False(t, ok)
}

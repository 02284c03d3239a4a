// Package fetch provides the outbound HTTP client used for original post
// discovery, target resolution, and webmention delivery: politeness rate
// limiting, domain blocklisting, redirect and body-size caps, and an error
// taxonomy callers can branch on.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/logging"
	"github.com/backfeed-project/backfeed/internal/urls"
)

// ErrBlocked marks URLs on the domain blocklist or pointing at private
// networks.
var ErrBlocked = errors.New("url is blocked")

// ErrTooLarge marks responses that exceeded the body size cap.
var ErrTooLarge = errors.New("response body too large")

// ErrTooManyRedirects marks redirect chains longer than the configured cap.
var ErrTooManyRedirects = errors.New("too many redirects")

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// IsHTTPStatus reports whether err is an HTTPError with a status in
// [lo, hi).
func IsHTTPStatus(err error, lo, hi int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode >= lo && he.StatusCode < hi
}

// Response is a fetched document.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after redirects.
	URL string
}

// ContentType returns the media type without parameters, lowercased.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsHTML reports whether the response looks like an HTML document.
func (r *Response) IsHTML() bool {
	ct := r.ContentType()
	return ct == "" || ct == "text/html" || ct == "application/xhtml+xml"
}

// Config controls Client behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
}

// BlockFunc reports whether a URL must not be fetched. Nil allows all URLs.
type BlockFunc func(rawURL string) bool

// Client is the outbound HTTP client.
type Client struct {
	http    *http.Client
	cfg     Config
	blocked BlockFunc
	limiter *Limiter
	logger  *zap.Logger
}

// New creates a Client. The usual BlockFunc is (*urls.Blocklist).IsBlockedURL.
func New(cfg Config, blocked BlockFunc, limiter *Limiter, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 * 1024 * 1024
	}
	c := &Client{
		cfg:     cfg,
		blocked: blocked,
		limiter: limiter,
		logger:  logger,
	}
	c.http = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return ErrTooManyRedirects
			}
			if c.isBlocked(req.URL.String()) {
				return ErrBlocked
			}
			return nil
		},
	}
	return c
}

func (c *Client) isBlocked(rawURL string) bool {
	return c.blocked != nil && c.blocked(rawURL)
}

// Get fetches a URL, following redirects, returning the body up to the size
// cap.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil)
}

// Head performs a HEAD request, following redirects.
func (c *Client) Head(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, http.MethodHead, rawURL, nil)
}

// Post sends a form-encoded POST.
func (c *Client) Post(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, form)
}

func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values) (*Response, error) {
	if c.isBlocked(rawURL) {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, rawURL)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// unwrap the url.Error Do wraps around CheckRedirect failures
		if errors.Is(err, ErrBlocked) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, rawURL)
		}
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, fmt.Errorf("%w: %s", ErrTooManyRedirects, rawURL)
		}
		return nil, fmt.Errorf("fetch %s: %w", logging.Scrub(rawURL), err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", rawURL, err)
	}
	if int64(len(data)) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, rawURL)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        resp.Request.URL.String(),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &HTTPError{StatusCode: resp.StatusCode, URL: out.URL}
	}
	return out, nil
}

// ResolveTarget cleans a candidate webmention target and resolves its
// redirects. It returns the final URL and whether the target should receive
// a webmention at all: blocklisted hosts, non-web schemes, and non-HTML
// documents are not sendable.
func (c *Client) ResolveTarget(ctx context.Context, rawURL string) (final string, send bool, err error) {
	cleaned, err := urls.Clean(rawURL)
	if err != nil {
		return rawURL, false, nil
	}
	if c.isBlocked(cleaned) {
		return cleaned, false, nil
	}

	resp, err := c.Head(ctx, cleaned)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) {
			// non-2xx is still a resolvable target; the send attempt decides
			return he.URL, true, nil
		}
		return cleaned, false, err
	}

	// Refresh headers are a redirect mechanism too; follow them under the
	// same hop cap and blocklist checks as real redirects.
	for hops := 0; hops < c.cfg.MaxRedirects; hops++ {
		hint := refreshTarget(resp.Header.Get("Refresh"), resp.URL)
		if hint == "" {
			break
		}
		if c.isBlocked(hint) {
			return hint, false, nil
		}
		next, err := c.Head(ctx, hint)
		if err != nil {
			var he *HTTPError
			if errors.As(err, &he) {
				return he.URL, true, nil
			}
			return resp.URL, false, err
		}
		resp = next
	}

	final = resp.URL
	if cleaned != final {
		if final, err = urls.Clean(final); err != nil {
			return cleaned, false, nil
		}
		if c.isBlocked(final) {
			return final, false, nil
		}
	}
	return final, resp.IsHTML(), nil
}

// refreshTarget extracts the url= hint from a Refresh header value, resolved
// against the page it came from. Returns "" when there is no usable hint or
// the hint points back at the same page.
func refreshTarget(header, base string) string {
	_, rest, ok := strings.Cut(header, ";")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 4 || !strings.EqualFold(rest[:4], "url=") {
		return ""
	}
	target := strings.Trim(strings.TrimSpace(rest[4:]), `'"`)
	if target == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	targetURL, err := url.Parse(target)
	if err != nil {
		return ""
	}
	abs := baseURL.ResolveReference(targetURL).String()
	if abs == base {
		return ""
	}
	return abs
}

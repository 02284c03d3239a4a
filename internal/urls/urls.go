// Package urls provides URL normalization, comparison, and blocklist
// checks used throughout target resolution and discovery.
package urls

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Clean standardizes a URL to avoid duplicates. It lowercases the scheme
// and host, removes default ports, strips utm_* tracking parameters, and
// removes fragments.
func Clean(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// StripFragment removes the fragment from a URL, leaving the rest intact.
func StripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// Domain returns the lowercased hostname of a URL, without port or www
// prefix. Returns "" when the URL has no host.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// IsWeb reports whether a URL is an absolute http or https URL with a host.
func IsWeb(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// schemeless strips the scheme and trailing slash for duplicate comparison,
// so http://x.com/a/ and https://x.com/a collapse to the same key.
func schemeless(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	return strings.TrimSuffix(s, "/")
}

// Dedupe collapses URLs that differ only by scheme or trailing slash,
// preferring the https variant, preserving first-seen order otherwise.
func Dedupe(list []string) []string {
	index := make(map[string]int)
	out := make([]string, 0, len(list))
	for _, u := range list {
		key := schemeless(u)
		if i, ok := index[key]; ok {
			if strings.HasPrefix(u, "https://") && !strings.HasPrefix(out[i], "https://") {
				out[i] = u
			}
			continue
		}
		index[key] = len(out)
		out = append(out, u)
	}
	return out
}

// Blocklist matches hostnames against exact entries and suffix wildcards,
// and always rejects loopback and private network hosts.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist builds a Blocklist from patterns. A pattern of the form
// "*.example.com" or ".example.com" matches the domain and all subdomains;
// anything else matches exactly.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether the host is on the blocklist or is a loopback,
// link-local, or private network address.
func (b *Blocklist) IsBlocked(host string) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return true
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return true
		}
	}
	if b == nil {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// IsBlockedURL parses the URL and checks its hostname against the blocklist.
// Unparseable and non-web URLs are blocked.
func (b *Blocklist) IsBlockedURL(rawURL string) bool {
	if !IsWeb(rawURL) {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return b.IsBlocked(u.Hostname())
}

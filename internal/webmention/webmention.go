// Package webmention implements endpoint discovery and delivery per the
// W3C Webmention protocol.
package webmention

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/backfeed-project/backfeed/internal/fetch"
	"github.com/backfeed-project/backfeed/internal/mf2"
)

// Endpoint is a discovered webmention endpoint. Empty URL means the target
// advertises none.
type Endpoint struct {
	URL string
}

var linkHeaderRe = regexp.MustCompile(`<([^>]*)>((?:\s*;\s*[^,]+)*)`)

// Discover fetches the target and finds its webmention endpoint, checking
// the Link header first, then <link> and <a> elements in document order.
// Relative endpoint URLs are resolved against the target's final URL.
func Discover(ctx context.Context, client *fetch.Client, target string) (Endpoint, error) {
	resp, err := client.Get(ctx, target)
	if err != nil {
		return Endpoint{}, err
	}

	base, err := url.Parse(resp.URL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse final url: %w", err)
	}

	for _, header := range resp.Header.Values("Link") {
		if endpoint, ok := endpointFromLinkHeader(header); ok {
			return Endpoint{URL: resolveEndpoint(base, endpoint)}, nil
		}
	}

	doc, err := mf2.Parse(resp.Body, resp.Header.Get("Content-Type"), resp.URL)
	if err != nil {
		return Endpoint{}, err
	}
	if endpoints := doc.Rels["webmention"]; len(endpoints) > 0 {
		return Endpoint{URL: endpoints[0]}, nil
	}
	// legacy rel value from the webmention.org era
	if endpoints := doc.Rels["http://webmention.org/"]; len(endpoints) > 0 {
		return Endpoint{URL: endpoints[0]}, nil
	}
	return Endpoint{}, nil
}

func endpointFromLinkHeader(header string) (string, bool) {
	for _, m := range linkHeaderRe.FindAllStringSubmatch(header, -1) {
		uri, params := m[1], m[2]
		for _, param := range strings.Split(params, ";") {
			param = strings.TrimSpace(param)
			if !strings.HasPrefix(param, "rel=") {
				continue
			}
			rels := strings.Trim(strings.TrimPrefix(param, "rel="), `"`)
			for _, rel := range strings.Fields(rels) {
				if rel == "webmention" || rel == "http://webmention.org/" {
					return uri, true
				}
			}
		}
	}
	return "", false
}

// resolveEndpoint resolves an endpoint reference against the page URL. An
// empty reference means the page itself is the endpoint.
func resolveEndpoint(base *url.URL, endpoint string) string {
	if endpoint == "" {
		return base.String()
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return base.ResolveReference(ref).String()
}

// Send delivers a webmention to the endpoint as a form-encoded POST. The
// response is returned on success so callers can distinguish acceptance
// statuses; a 204 means the endpoint declines mentions for this target.
func Send(ctx context.Context, client *fetch.Client, endpoint, source, target string) (*fetch.Response, error) {
	form := url.Values{
		"source": {source},
		"target": {target},
	}
	return client.Post(ctx, endpoint, form)
}

// Package opd implements original post discovery: mapping a silo activity to
// the post on the author's own site that it syndicates, by crawling the
// author's h-feed for u-syndication and rel=syndication links and persisting
// the discovered relationships.
package opd

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/fetch"
	"github.com/backfeed-project/backfeed/internal/mf2"
	"github.com/backfeed-project/backfeed/internal/silo"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/urls"
)

// MaxAuthorURLs caps how many of a source's URLs are crawled per discovery.
const MaxAuthorURLs = 5

// Engine runs discovery against one store and one outbound client.
type Engine struct {
	store  store.Store
	client *fetch.Client
	clock  bridge.Clock
	logger *zap.Logger
}

// New returns a discovery engine.
func New(st store.Store, client *fetch.Client, clock bridge.Clock, logger *zap.Logger) *Engine {
	return &Engine{store: st, client: client, clock: clock, logger: logger.Named("opd")}
}

// Options controls one Discover call.
type Options struct {
	// FetchHFeed allows crawling the author's feed for relationships not yet
	// in the store.
	FetchHFeed bool
	// IncludeRedirectSources keeps the pre-redirect URL as a target alongside
	// its final destination.
	IncludeRedirectSources bool
}

// Discover returns the original post URLs on the author's site and the
// mention URLs elsewhere for one silo activity. Newly discovered syndication
// relationships are persisted; changed source bookkeeping is staged on
// updates.
func (e *Engine) Discover(ctx context.Context, src *bridge.Source, adapter silo.Adapter, activity as1.Object, opts Options, updates *bridge.SourceUpdates) (originals, mentions []string, err error) {
	obj := activity.Inner()
	meta := adapter.Meta()

	origSet, mentionSet := candidateLinks(obj, src.Domains, meta.Domain)

	// Links on someone else's post are mentions, not originals.
	if authorID := obj.AuthorID(); authorID != "" && authorID != as1.TagURI(meta.Domain, src.ID) {
		mentionSet = append(mentionSet, origSet...)
		origSet = nil
	}

	origSet = e.resolveAll(ctx, origSet, opts.IncludeRedirectSources)
	mentionSet = e.resolveAll(ctx, mentionSet, opts.IncludeRedirectSources)

	if len(authorURLs(src)) == 0 {
		return urls.Dedupe(origSet), urls.Dedupe(mentionSet), nil
	}

	if syndURL := syndicationURL(obj, activity, adapter); syndURL != "" {
		found, err := e.possePostDiscovery(ctx, src, adapter, syndURL, opts.FetchHFeed, updates)
		if err != nil {
			return nil, nil, err
		}
		origSet = append(origSet, found...)
	}

	return urls.Dedupe(origSet), urls.Dedupe(mentionSet), nil
}

// Refetch re-crawls the author's URLs looking for syndication links that were
// added after the posts were first seen. It returns the newly discovered
// relationships keyed by syndication URL.
func (e *Engine) Refetch(ctx context.Context, src *bridge.Source, adapter silo.Adapter, updates *bridge.SourceUpdates) (map[string][]*bridge.SyndicatedPost, error) {
	e.logger.Debug("refetching author h-feed",
		zap.String("silo", src.Kind), zap.String("source", src.ID))
	results := make(map[string][]*bridge.SyndicatedPost)
	for _, u := range authorURLs(src) {
		found, err := e.processAuthor(ctx, src, adapter, u, true, true, updates)
		if err != nil {
			return nil, err
		}
		mergeResults(results, found)
	}
	return results, nil
}

// syndicationURL canonicalizes the activity's own permalink for use as the
// syndication side of the lookup.
func syndicationURL(obj, activity as1.Object, adapter silo.Adapter) string {
	raw := obj.String("url")
	if raw == "" {
		raw = activity.String("url")
	}
	if raw == "" {
		return ""
	}
	if adapter.Meta().IgnoreSyndicationLinkFragments {
		raw = urls.StripFragment(raw)
	}
	return adapter.CanonicalizeURL(raw, activity)
}

var linkRe = regexp.MustCompile(`https?://[^\s'"<>()\[\]]+[^\s'"<>()\[\].,;:!?]`)

// candidateLinks pulls candidate target URLs off the activity object and
// splits them into the author's own links and everything else. The silo's own
// domain never counts.
func candidateLinks(obj as1.Object, domains []string, siloDomain string) (own, other []string) {
	var candidates []string
	candidates = append(candidates, obj.Strings("upstreamDuplicates")...)
	for _, tag := range obj.List("tags") {
		if tag.String("objectType") == "article" {
			candidates = append(candidates, tag.URL())
		}
	}
	for _, att := range obj.List("attachments") {
		if att.String("objectType") == "article" {
			candidates = append(candidates, att.URL())
		}
	}
	candidates = append(candidates, linkRe.FindAllString(obj.String("content"), -1)...)

	domainSet := make(map[string]bool, len(domains))
	for _, d := range domains {
		domainSet[d] = true
	}
	for _, c := range urls.Dedupe(candidates) {
		domain := urls.Domain(c)
		switch {
		case domain == "" || domain == siloDomain:
		case domainSet[domain]:
			own = append(own, c)
		default:
			other = append(other, c)
		}
	}
	return own, other
}

// resolveAll follows each candidate's redirects and keeps the ones that are
// sendable webmention targets.
func (e *Engine) resolveAll(ctx context.Context, candidates []string, includeRedirects bool) []string {
	var resolved []string
	for _, raw := range candidates {
		final, send, err := e.client.ResolveTarget(ctx, raw)
		if err != nil {
			e.logger.Debug("could not resolve candidate", zap.String("url", raw), zap.Error(err))
			continue
		}
		if !send {
			continue
		}
		resolved = append(resolved, final)
		if includeRedirects && final != raw {
			resolved = append(resolved, raw)
		}
	}
	return resolved
}

// possePostDiscovery looks up stored relationships for one syndication URL,
// crawling the author's feed on a miss when allowed.
func (e *Engine) possePostDiscovery(ctx context.Context, src *bridge.Source, adapter silo.Adapter, syndURL string, fetchHFeed bool, updates *bridge.SourceUpdates) ([]string, error) {
	rels, err := e.store.ListSyndicatedPosts(ctx, src.Kind, src.ID, syndURL, "")
	if err != nil {
		return nil, err
	}

	if len(rels) == 0 && fetchHFeed {
		results := make(map[string][]*bridge.SyndicatedPost)
		for _, u := range authorURLs(src) {
			found, err := e.processAuthor(ctx, src, adapter, u, false, true, updates)
			if err != nil {
				return nil, err
			}
			mergeResults(results, found)
		}
		rels = results[syndURL]
		if len(rels) == 0 {
			// remember the miss so the next poll skips the crawl
			if err := e.store.InsertSyndicationBlank(ctx, src.Kind, src.ID, syndURL); err != nil {
				return nil, err
			}
		}
	}

	var originals []string
	for _, r := range rels {
		if r.Original != "" {
			originals = append(originals, r.Original)
		}
	}
	if len(originals) > 0 {
		e.logger.Debug("found stored relationship",
			zap.String("syndication", syndURL), zap.Strings("originals", originals))
	}
	return originals, nil
}

// processAuthor fetches one author URL, merges in any rel=feed pages, and
// processes every feed entry. Fetch failures are logged and skipped; only
// store errors propagate.
func (e *Engine) processAuthor(ctx context.Context, src *bridge.Source, adapter silo.Adapter, authorURL string, refetch, storeBlanks bool, updates *bridge.SourceUpdates) (map[string][]*bridge.SyndicatedPost, error) {
	authorURL, ok, err := e.resolveFetchable(ctx, authorURL)
	if err != nil || !ok {
		return nil, err
	}

	resp, err := e.client.Get(ctx, authorURL)
	if err != nil {
		e.logger.Warn("could not fetch author url", zap.String("url", authorURL), zap.Error(err))
		return nil, nil
	}
	doc, err := mf2.Parse(resp.Body, resp.Header.Get("Content-Type"), resp.URL)
	if err != nil {
		e.logger.Warn("could not parse author url", zap.String("url", authorURL), zap.Error(err))
		return nil, nil
	}

	feedItems := doc.FindFeedItems()
	for _, feedURL := range doc.Rels["feed"] {
		feedURL, ok, err := e.resolveFetchable(ctx, feedURL)
		if err != nil {
			return nil, err
		}
		if !ok || feedURL == authorURL {
			continue
		}
		feedResp, err := e.client.Get(ctx, feedURL)
		if err != nil {
			e.logger.Warn("could not fetch rel-feed", zap.String("url", feedURL), zap.Error(err))
			continue
		}
		feedDoc, err := mf2.Parse(feedResp.Body, feedResp.Header.Get("Content-Type"), feedResp.URL)
		if err != nil {
			e.logger.Warn("could not parse rel-feed", zap.String("url", feedURL), zap.Error(err))
			continue
		}
		feedItems = mergeFeedItems(feedItems, feedDoc.FindFeedItems())
		e.recordFeedDomain(src, feedURL, updates)
	}

	var permalinks []string
	entryByPermalink := make(map[string]*mf2.Item)
	for _, item := range feedItems {
		if !item.HasType("h-entry") {
			continue
		}
		for _, permalink := range item.Properties["url"] {
			if _, seen := entryByPermalink[permalink]; !seen {
				entryByPermalink[permalink] = item
				permalinks = append(permalinks, permalink)
			}
		}
	}

	results := make(map[string][]*bridge.SyndicatedPost)
	for _, permalink := range permalinks {
		preexisting, err := e.store.ListSyndicatedPosts(ctx, src.Kind, src.ID, "", permalink)
		if err != nil {
			return nil, err
		}
		found, err := e.processEntry(ctx, src, adapter, permalink, entryByPermalink[permalink], refetch, preexisting, storeBlanks, updates)
		if err != nil {
			return nil, err
		}
		mergeResults(results, found)
	}

	if len(results) > 0 && updates != nil {
		updates.LastSyndicationURL = bridge.Ptr(e.clock.Now())
	}
	return results, nil
}

// recordFeedDomain stages a rel-feed page's domain onto the source when it is
// new, so later webmention targets on it count as the author's own.
func (e *Engine) recordFeedDomain(src *bridge.Source, feedURL string, updates *bridge.SourceUpdates) {
	if updates == nil {
		return
	}
	domain := urls.Domain(feedURL)
	if domain == "" {
		return
	}
	existing := updates.Domains
	if existing == nil {
		existing = src.Domains
	}
	for _, d := range existing {
		if d == domain {
			return
		}
	}
	e.logger.Info("rel-feed found new domain",
		zap.String("source", src.ID), zap.String("domain", domain))
	updates.Domains = append(append([]string(nil), existing...), domain)
}

// processEntry checks one feed entry for syndication links, fetching its
// permalink when the feed copy has none, and records the outcome: new
// relationships, deletions for links that disappeared, or a blank row.
// It returns only relationships not already stored.
func (e *Engine) processEntry(ctx context.Context, src *bridge.Source, adapter silo.Adapter, permalink string, entry *mf2.Item, refetch bool, preexisting []*bridge.SyndicatedPost, storeBlanks bool, updates *bridge.SourceUpdates) (map[string][]*bridge.SyndicatedPost, error) {
	// Already-processed entries only get another look during a refetch.
	if len(preexisting) > 0 && !refetch {
		return nil, nil
	}

	permalink, typeOK, err := e.resolveFetchable(ctx, permalink)
	if err != nil {
		return nil, err
	}

	// The feed's copy of the entry often carries the syndication link, which
	// saves fetching the permalink.
	results, err := e.processSyndicationURLs(ctx, src, adapter, permalink, entry.Properties["syndication"], preexisting)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 && updates != nil {
		updates.LastFeedSyndicationURL = bridge.Ptr(e.clock.Now())
	}

	success := true
	if len(results) == 0 && typeOK {
		resp, err := e.client.Get(ctx, permalink)
		if err != nil {
			e.logger.Warn("could not fetch permalink", zap.String("url", permalink), zap.Error(err))
			success = false
		} else if doc, perr := mf2.Parse(resp.Body, resp.Header.Get("Content-Type"), resp.URL); perr == nil {
			synds := append([]string(nil), doc.Rels["syndication"]...)
			for _, item := range doc.Items {
				if item.HasType("h-entry") {
					synds = append(synds, item.Properties["syndication"]...)
				}
			}
			results, err = e.processSyndicationURLs(ctx, src, adapter, permalink, synds, preexisting)
			if err != nil {
				return nil, err
			}
		}
	}

	// Relationships that disappeared from the site are deleted, but only when
	// every fetch above succeeded.
	if success {
		kept := preexisting[:0]
		for _, sp := range preexisting {
			if sp.Syndication != "" && !containsRelationship(results, sp) {
				e.logger.Info("deleting relationship that disappeared",
					zap.String("syndication", sp.Syndication), zap.String("original", sp.Original))
				if err := e.store.DeleteSyndicatedPost(ctx, sp); err != nil && err != store.ErrNotFound {
					return nil, err
				}
				continue
			}
			kept = append(kept, sp)
		}
		preexisting = kept
	}

	if len(results) == 0 && storeBlanks && len(preexisting) == 0 {
		if err := e.store.InsertOriginalBlank(ctx, src.Kind, src.ID, permalink); err != nil {
			return nil, err
		}
	}

	newResults := make(map[string][]*bridge.SyndicatedPost)
	for syndURL, rows := range results {
		for _, row := range rows {
			if !matchesAny(preexisting, row) {
				newResults[syndURL] = append(newResults[syndURL], row)
			}
		}
	}
	return newResults, nil
}

// processSyndicationURLs canonicalizes candidate syndication links and stores
// the ones that belong to this silo.
func (e *Engine) processSyndicationURLs(ctx context.Context, src *bridge.Source, adapter silo.Adapter, permalink string, rawURLs []string, preexisting []*bridge.SyndicatedPost) (map[string][]*bridge.SyndicatedPost, error) {
	results := make(map[string][]*bridge.SyndicatedPost)
	meta := adapter.Meta()
	for _, raw := range urls.Dedupe(rawURLs) {
		if meta.IgnoreSyndicationLinkFragments {
			raw = urls.StripFragment(raw)
		}
		syndURL := adapter.CanonicalizeURL(raw, nil)
		if syndURL == "" {
			continue
		}
		row := findRelationship(preexisting, syndURL, permalink)
		if row == nil {
			var err error
			row, err = e.store.InsertSyndicatedPost(ctx, src.Kind, src.ID, syndURL, permalink)
			if err != nil {
				return nil, err
			}
			e.logger.Debug("saved discovered relationship",
				zap.String("syndication", syndURL), zap.String("original", permalink))
		}
		results[syndURL] = append(results[syndURL], row)
	}
	return results, nil
}

// resolveFetchable resolves redirects and reports whether the URL is worth
// fetching as HTML. Network failures are logged, not propagated.
func (e *Engine) resolveFetchable(ctx context.Context, rawURL string) (string, bool, error) {
	final, ok, err := e.client.ResolveTarget(ctx, rawURL)
	if err != nil {
		e.logger.Debug("could not resolve url", zap.String("url", rawURL), zap.Error(err))
		return rawURL, false, nil
	}
	return final, ok, nil
}

func authorURLs(src *bridge.Source) []string {
	if len(src.DomainURLs) > MaxAuthorURLs {
		return src.DomainURLs[:MaxAuthorURLs]
	}
	return src.DomainURLs
}

// mergeFeedItems combines two h-feeds, skipping second-feed entries whose url
// already appeared in the first.
func mergeFeedItems(feed1, feed2 []*mf2.Item) []*mf2.Item {
	seen := make(map[string]bool)
	for _, item := range feed1 {
		for _, u := range item.Properties["url"] {
			seen[u] = true
		}
	}
	merged := feed1
	for _, item := range feed2 {
		dup := false
		for _, u := range item.Properties["url"] {
			if seen[u] {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, item)
		}
	}
	return merged
}

func mergeResults(dst, src map[string][]*bridge.SyndicatedPost) {
	for k, v := range src {
		dst[k] = append(dst[k], v...)
	}
}

func findRelationship(rows []*bridge.SyndicatedPost, syndication, original string) *bridge.SyndicatedPost {
	for _, sp := range rows {
		if sp.Syndication == syndication && sp.Original == original {
			return sp
		}
	}
	return nil
}

func matchesAny(rows []*bridge.SyndicatedPost, row *bridge.SyndicatedPost) bool {
	return findRelationship(rows, row.Syndication, row.Original) != nil
}

func containsRelationship(results map[string][]*bridge.SyndicatedPost, sp *bridge.SyndicatedPost) bool {
	for _, rows := range results {
		if findRelationship(rows, sp.Syndication, sp.Original) != nil {
			return true
		}
	}
	return false
}

// TargetsForResponse returns the webmention targets for a response of the
// given type: likes, reactions, reposts, and rsvps only go to the post they
// are about, while comments and posts also go to mention targets.
func TargetsForResponse(respType string, originals, mentions []string) []string {
	switch respType {
	case bridge.TypeLike, bridge.TypeReact, bridge.TypeRepost, bridge.TypeRSVP:
		return urls.Dedupe(originals)
	default:
		return urls.Dedupe(append(append([]string(nil), originals...), mentions...))
	}
}

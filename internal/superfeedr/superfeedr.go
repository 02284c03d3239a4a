// Package superfeedr ingests push-style JSON feeds for blog sources and
// turns each post into a BlogPost entity queued for webmention delivery.
package superfeedr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/config"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/urls"
)

// MaxBlogPostLinks caps how many outbound links one post may deliver to.
const MaxBlogPostLinks = 10

// Item is one entry of a pushed feed.
type Item struct {
	ID           string `json:"id"`
	PermalinkURL string `json:"permalinkUrl"`
	Content      string `json:"content"`
	Summary      string `json:"summary"`
}

// Feed is the pubsubhubbub-style notification body.
type Feed struct {
	Items []Item `json:"items"`
}

// Ingester processes pushed feeds and manages push hub subscriptions.
type Ingester struct {
	store  store.Store
	queue  tasks.Queue
	client *http.Client
	cfg    config.FeedsConfig
	logger *zap.Logger
}

// New constructs an Ingester. queue and client may be nil in tests that only
// exercise parsing.
func New(st store.Store, queue tasks.Queue, cfg config.FeedsConfig, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		store:  st,
		queue:  queue,
		client: &http.Client{Timeout: 30 * time.Second},
		cfg:    cfg,
		logger: logger.Named("superfeedr"),
	}
}

// IngestFeed stores a BlogPost per feed item and enqueues propagation for
// every post that gained new targets.
func (in *Ingester) IngestFeed(ctx context.Context, src *bridge.Source, feed Feed) error {
	for _, item := range feed.Items {
		if err := in.ingestItem(ctx, src, item); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingester) ingestItem(ctx context.Context, src *bridge.Source, item Item) error {
	permalink := item.PermalinkURL
	if permalink == "" {
		permalink = item.ID
	}
	if permalink == "" || !urls.IsWeb(permalink) {
		in.logger.Debug("feed item has no usable permalink", zap.String("id", item.ID))
		return nil
	}

	log := in.logger.With(zap.String("post", permalink))

	rawItem, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode feed item: %w", err)
	}

	post := &bridge.BlogPost{
		Delivery: bridge.Delivery{
			SourceKind: src.Kind,
			SourceID:   src.ID,
		},
		URL:          permalink,
		FeedItemJSON: string(rawItem),
	}

	// A permalink too long to be a store key is truncated and recorded as
	// failed so the same item is not reprocessed on every push.
	if len(permalink) > bridge.MaxStringLength {
		log.Warn("post URL too long, recording as failed")
		post.URL = permalink[:bridge.MaxStringLength-4] + "..."
		post.Failed = []string{post.URL}
		_, err := in.getOrSave(ctx, post)
		return err
	}

	html := item.Content
	if html == "" {
		html = item.Summary
	}

	links := ExtractLinks(html)
	kept := make([]string, 0, len(links))
	for _, link := range links {
		if len(link) > bridge.MaxStringLength {
			log.Debug("dropping too-long link")
			continue
		}
		if containsString(src.Domains, urls.Domain(link)) {
			continue
		}
		kept = append(kept, link)
		if len(kept) == MaxBlogPostLinks {
			log.Info("link cap reached", zap.Int("cap", MaxBlogPostLinks))
			break
		}
	}
	if len(kept) == 0 {
		log.Debug("no outbound links")
		return nil
	}

	post.Unsent = kept
	_, err = in.getOrSave(ctx, post)
	return err
}

// getOrSave persists a blog post, merging target sets into any existing
// entity and enqueuing propagation when new work appeared.
func (in *Ingester) getOrSave(ctx context.Context, incoming *bridge.BlogPost) (*bridge.BlogPost, error) {
	existing, err := in.store.GetBlogPost(ctx, incoming.URL)
	if err == store.ErrNotFound {
		if !incoming.Settled() {
			incoming.Status = bridge.StatusNew
		} else {
			incoming.Status = bridge.StatusComplete
		}
		if err := in.store.PutBlogPost(ctx, incoming); err != nil {
			return nil, err
		}
		if !incoming.Settled() {
			if err := in.addPropagateTask(ctx, incoming.URL); err != nil {
				return nil, err
			}
		}
		return incoming, nil
	}
	if err != nil {
		return nil, err
	}

	propagate := existing.MergeTargets(&incoming.Delivery)
	existing.FeedItemJSON = incoming.FeedItemJSON
	if err := in.store.PutBlogPost(ctx, existing); err != nil {
		return nil, err
	}
	if propagate {
		in.logger.Debug("new blog post links to propagate", zap.String("post", existing.URL))
		if err := in.addPropagateTask(ctx, existing.URL); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (in *Ingester) addPropagateTask(ctx context.Context, postURL string) error {
	return in.queue.Add(ctx, tasks.Task{
		Queue:  tasks.QueuePropagateBlogPost,
		Params: map[string]string{"url": postURL},
	})
}

// Subscribe registers the source's feed with the push hub, asking it to
// notify callbackURL. The hub replies with the feed's current contents,
// which are ingested immediately.
func (in *Ingester) Subscribe(ctx context.Context, src *bridge.Source, feedURL, callbackURL string) error {
	if in.cfg.User == "" || in.cfg.Token == "" {
		in.logger.Info("push hub credentials not configured, skipping subscribe",
			zap.String("source", src.ID))
		return nil
	}

	form := url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {feedURL},
		"hub.callback": {callbackURL},
		"hub.secret":   {src.SuperfeedrSecret},
		"format":       {"json"},
		"retrieve":     {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.cfg.PushURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(in.cfg.User, in.cfg.Token)

	resp, err := in.client.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", feedURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return fmt.Errorf("read subscribe response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscribe %s: hub returned %d", feedURL, resp.StatusCode)
	}

	var feed Feed
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, &feed); err != nil {
		in.logger.Warn("subscribe response is not a feed", zap.Error(err))
		return nil
	}
	in.logger.Info("subscribed, ingesting retrieved feed",
		zap.String("source", src.ID), zap.Int("items", len(feed.Items)))
	return in.IngestFeed(ctx, src, feed)
}

// ExtractLinks pulls candidate webmention targets out of a post's HTML:
// anchor hrefs, deduped in document order, redirect wrappers unwrapped and
// tracking parameters stripped.
func ExtractLinks(html string) []string {
	if html == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var found []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = unwrapRedirect(strings.TrimSpace(href))
		if !urls.IsWeb(href) {
			return
		}
		if cleaned, err := urls.Clean(href); err == nil {
			found = append(found, cleaned)
		}
	})
	return urls.Dedupe(found)
}

// unwrapRedirect resolves transparent tracking redirectors to the URL they
// point at. Currently only Tumblr's t.umblr.com wrapper.
func unwrapRedirect(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if strings.EqualFold(u.Hostname(), "t.umblr.com") && strings.HasPrefix(u.Path, "/redirect") {
		if z := u.Query().Get("z"); z != "" {
			return z
		}
	}
	return link
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Package propagate implements webmention delivery for responses and blog
// posts: leasing, per-target endpoint discovery, sending, and outcome
// classification into the five target sets.
package propagate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/fetch"
	"github.com/backfeed-project/backfeed/internal/publisher"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/telemetry"
	"github.com/backfeed-project/backfeed/internal/urls"
	"github.com/backfeed-project/backfeed/internal/webmention"
)

// Handler runs propagate and propagate-blogpost tasks.
type Handler struct {
	store     store.Store
	client    *fetch.Client
	endpoints *fetch.EndpointCache
	events    publisher.Publisher
	clock     bridge.Clock
	baseURL   string
	// maxAttempts mirrors the dispatcher's retry cap; on the final attempt
	// errored targets are written off as failed so the entity can complete.
	maxAttempts int
	logger      *zap.Logger
}

// New returns a propagate handler. baseURL is this service's public URL,
// used as the host of response source pages.
func New(st store.Store, client *fetch.Client, endpoints *fetch.EndpointCache, events publisher.Publisher, clock bridge.Clock, baseURL string, maxAttempts int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 15
	}
	return &Handler{
		store:       st,
		client:      client,
		endpoints:   endpoints,
		events:      events,
		clock:       clock,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		maxAttempts: maxAttempts,
		logger:      logger.Named("propagate"),
	}
}

// lease control-flow sentinels.
var (
	errAlreadyComplete = errors.New("entity already complete")
	errLeased          = errors.New("entity is leased by another task")
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeError
)

// delivered holds the target sets produced by one delivery run.
type delivered struct {
	sent, skipped, failed, errored []string
	// endpoint memo for targets on the source's own domains
	ownEndpoint string
}

// HandleResponse delivers one Response's pending webmentions.
func (h *Handler) HandleResponse(ctx context.Context, t tasks.Task) error {
	id := t.Param("response_id")
	log := h.logger.With(zap.String("response", id))

	resp, err := h.leaseResponse(ctx, id)
	if err != nil || resp == nil {
		return err
	}

	src, err := h.store.GetSource(ctx, resp.SourceKind, resp.SourceID)
	if err == store.ErrNotFound || (err == nil && (src.Status == bridge.SourceDisabled || !src.HasFeature(bridge.FeatureListen))) {
		log.Info("source gone or not listening, completing response")
		return h.finishResponse(ctx, resp, &delivered{
			sent:    resp.Sent,
			skipped: resp.Skipped,
			failed:  resp.Failed,
		}, nil)
	}
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	if !h.responseIsPublic(resp) {
		log.Info("response or its activity is not public, completing")
		return h.finishResponse(ctx, resp, &delivered{
			sent:    resp.Sent,
			skipped: resp.Skipped,
			failed:  resp.Failed,
		}, nil)
	}

	urlsToActivity := make(map[string]int)
	if resp.URLsToActivityJSON != "" {
		if err := json.Unmarshal([]byte(resp.URLsToActivityJSON), &urlsToActivity); err != nil {
			log.Warn("unreadable urls_to_activity, using first activity", zap.Error(err))
		}
	}
	activities := make([]as1.Object, 0, len(resp.ActivitiesJSON))
	for _, raw := range resp.ActivitiesJSON {
		if a, err := as1.DecodeString(raw); err == nil {
			activities = append(activities, a)
		}
	}

	sourceURL := func(target string) string {
		return h.responseSourceURL(resp, src, target, urlsToActivity, activities)
	}
	res := h.deliver(ctx, log, src, resp.Delivery, urlsToActivity, sourceURL)
	h.capRetries(log, res, t.Attempt)
	return h.finishResponse(ctx, resp, res, src)
}

// capRetries writes errored targets off as failed on the final attempt.
func (h *Handler) capRetries(log *zap.Logger, res *delivered, attempt int) {
	if len(res.errored) == 0 || attempt+1 < h.maxAttempts {
		return
	}
	log.Warn("retries exhausted, failing remaining targets",
		zap.Strings("targets", res.errored))
	for _, target := range res.errored {
		res.failed = appendUnique(res.failed, target)
	}
	res.errored = nil
}

// HandleBlogPost delivers one BlogPost's pending webmentions. The post's own
// URL is the webmention source.
func (h *Handler) HandleBlogPost(ctx context.Context, t tasks.Task) error {
	postURL := t.Param("url")
	log := h.logger.With(zap.String("post", postURL))

	post, err := h.leaseBlogPost(ctx, postURL)
	if err != nil || post == nil {
		return err
	}

	src, err := h.store.GetSource(ctx, post.SourceKind, post.SourceID)
	if err == store.ErrNotFound || (err == nil && (src.Status == bridge.SourceDisabled || !src.HasFeature(bridge.FeatureWebmention))) {
		log.Info("source gone or webmention disabled, completing blog post")
		return h.finishBlogPost(ctx, post, &delivered{
			sent:    post.Sent,
			skipped: post.Skipped,
			failed:  post.Failed,
		}, nil)
	}
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	res := h.deliver(ctx, log, src, post.Delivery, nil, func(string) string { return post.URL })
	h.capRetries(log, res, t.Attempt)
	return h.finishBlogPost(ctx, post, res, src)
}

func (h *Handler) leaseResponse(ctx context.Context, id string) (*bridge.Response, error) {
	now := h.clock.Now()
	resp, err := h.store.UpdateResponse(ctx, id, func(r *bridge.Response) error {
		return leaseDelivery(&r.Delivery, now)
	})
	return checkLease(resp, err, h.logger.With(zap.String("response", id)))
}

func (h *Handler) leaseBlogPost(ctx context.Context, postURL string) (*bridge.BlogPost, error) {
	now := h.clock.Now()
	post, err := h.store.UpdateBlogPost(ctx, postURL, func(p *bridge.BlogPost) error {
		return leaseDelivery(&p.Delivery, now)
	})
	return checkLease(post, err, h.logger.With(zap.String("post", postURL)))
}

// leaseDelivery marks the entity processing for one lease length. Complete
// entities and fresh leases are rejected via sentinels.
func leaseDelivery(d *bridge.Delivery, now time.Time) error {
	if d.Status == bridge.StatusComplete {
		return errAlreadyComplete
	}
	if d.Status == bridge.StatusProcessing && now.Before(d.LeasedUntil) {
		return errLeased
	}
	d.Status = bridge.StatusProcessing
	d.LeasedUntil = now.Add(bridge.LeaseLength)
	return nil
}

// checkLease translates lease results: dropped duplicates become (nil, nil),
// a held lease becomes a retriable error.
func checkLease[T any](entity *T, err error, log *zap.Logger) (*T, error) {
	switch {
	case err == store.ErrNotFound:
		log.Warn("propagate task for missing entity, dropping")
		return nil, nil
	case err == errAlreadyComplete:
		log.Debug("already complete, dropping duplicate task")
		return nil, nil
	case err == errLeased:
		return nil, errLeased
	case err != nil:
		return nil, fmt.Errorf("lease: %w", err)
	}
	return entity, nil
}

// responseIsPublic reports whether the response and every parent activity
// are public. Non-public conversations are never propagated.
func (h *Handler) responseIsPublic(resp *bridge.Response) bool {
	if obj, err := as1.DecodeString(resp.ResponseJSON); err == nil && !as1.IsPublic(obj) {
		return false
	}
	for _, raw := range resp.ActivitiesJSON {
		if a, err := as1.DecodeString(raw); err == nil && !as1.IsPublic(a) {
			return false
		}
	}
	return true
}

// deliver rechecks every pending target and sends a webmention to each one
// that still resolves to an HTML page with an advertised endpoint.
func (h *Handler) deliver(ctx context.Context, log *zap.Logger, src *bridge.Source, d bridge.Delivery, urlsToActivity map[string]int, sourceURL func(target string) string) *delivered {
	res := &delivered{sent: d.Sent, skipped: d.Skipped}

	candidates := urls.Dedupe(concat(d.Unsent, d.Error, d.Failed))
	var pending []string
	for _, target := range candidates {
		if len(target) > bridge.MaxStringLength {
			res.failed = append(res.failed, target[:bridge.MaxStringLength-4]+"...")
			continue
		}
		final, send, err := h.client.ResolveTarget(ctx, target)
		if err != nil {
			log.Warn("could not resolve target", zap.String("target", target), zap.Error(err))
			res.errored = append(res.errored, target)
			continue
		}
		if !send {
			res.skipped = appendUnique(res.skipped, target)
			continue
		}
		if final != target && urlsToActivity != nil {
			if idx, ok := urlsToActivity[target]; ok {
				urlsToActivity[final] = idx
			}
		}
		pending = append(pending, final)
	}
	sort.Strings(pending)

	for _, target := range urls.Dedupe(pending) {
		if contains(res.sent, target) {
			continue
		}
		out, endpoint := h.sendOne(ctx, log, target, sourceURL(target))
		switch out {
		case outcomeSent:
			res.sent = appendUnique(res.sent, target)
			if containsDomain(src.Domains, target) {
				res.ownEndpoint = endpoint
			}
		case outcomeSkipped:
			res.skipped = appendUnique(res.skipped, target)
		case outcomeFailed:
			res.failed = appendUnique(res.failed, target)
		case outcomeError:
			res.errored = appendUnique(res.errored, target)
		}
	}
	return res
}

// sendOne discovers the target's endpoint (through the cache) and posts the
// webmention.
func (h *Handler) sendOne(ctx context.Context, log *zap.Logger, target, source string) (outcome, string) {
	start := h.clock.Now()
	endpoint, cached := h.endpoints.Get(target)
	if !cached {
		ep, err := webmention.Discover(ctx, h.client, target)
		if err != nil {
			if fetch.IsHTTPStatus(err, http.StatusGone, http.StatusGone+1) {
				if exists, perr := h.store.PublishExistsForURL(ctx, target); perr == nil && exists {
					log.Info("published target is gone, treating as delete signal",
						zap.String("target", target))
					telemetry.ObserveWebmention("deleted", h.clock.Now().Sub(start))
					return outcomeSkipped, ""
				}
			}
			if fetch.IsHTTPStatus(err, 400, 500) {
				log.Info("endpoint discovery failed", zap.String("target", target), zap.Error(err))
				telemetry.ObserveWebmention("failed", h.clock.Now().Sub(start))
				return outcomeFailed, ""
			}
			log.Warn("endpoint discovery error, will retry", zap.String("target", target), zap.Error(err))
			telemetry.ObserveWebmention("error", h.clock.Now().Sub(start))
			return outcomeError, ""
		}
		endpoint = ep.URL
		// negative results are cached too
		h.endpoints.Put(target, endpoint)
	}
	if endpoint == "" {
		log.Debug("no webmention endpoint", zap.String("target", target))
		telemetry.ObserveWebmention("skipped", h.clock.Now().Sub(start))
		return outcomeSkipped, ""
	}

	resp, err := webmention.Send(ctx, h.client, endpoint, source, target)
	duration := h.clock.Now().Sub(start)
	if err != nil {
		if fetch.IsHTTPStatus(err, 400, 500) {
			log.Info("webmention rejected", zap.String("target", target), zap.Error(err))
			telemetry.ObserveWebmention("failed", duration)
			return outcomeFailed, endpoint
		}
		log.Warn("webmention send error, will retry", zap.String("target", target), zap.Error(err))
		telemetry.ObserveWebmention("error", duration)
		return outcomeError, endpoint
	}
	if resp.StatusCode == http.StatusNoContent {
		log.Info("endpoint declined webmention", zap.String("target", target))
		telemetry.ObserveWebmention("skipped", duration)
		return outcomeSkipped, endpoint
	}
	log.Info("sent webmention",
		zap.String("source", source), zap.String("target", target), zap.String("endpoint", endpoint))
	telemetry.ObserveWebmention("sent", duration)
	return outcomeSent, endpoint
}

// finishResponse writes the delivery outcome, records the source webmention,
// and publishes a completion event. A non-empty error set reverts the entity
// for retry and surfaces a retriable task error.
func (h *Handler) finishResponse(ctx context.Context, resp *bridge.Response, res *delivered, src *bridge.Source) error {
	newlySent := len(res.sent) > len(resp.Sent)
	updated, err := h.store.UpdateResponse(ctx, resp.ID, func(r *bridge.Response) error {
		applyDelivered(&r.Delivery, res)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish response: %w", err)
	}
	if src != nil && newlySent {
		if err := h.recordSourceWebmention(ctx, src, res.ownEndpoint); err != nil {
			return err
		}
	}
	if updated.Status == bridge.StatusComplete {
		h.publishEvent(ctx, "response", updated.ID, &updated.Delivery)
		return nil
	}
	return fmt.Errorf("response %s: %d targets errored", resp.ID, len(res.errored))
}

func (h *Handler) finishBlogPost(ctx context.Context, post *bridge.BlogPost, res *delivered, src *bridge.Source) error {
	newlySent := len(res.sent) > len(post.Sent)
	updated, err := h.store.UpdateBlogPost(ctx, post.URL, func(p *bridge.BlogPost) error {
		applyDelivered(&p.Delivery, res)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish blog post: %w", err)
	}
	if src != nil && newlySent {
		if err := h.recordSourceWebmention(ctx, src, res.ownEndpoint); err != nil {
			return err
		}
	}
	if updated.Status == bridge.StatusComplete {
		h.publishEvent(ctx, "blogpost", updated.URL, &updated.Delivery)
		return nil
	}
	return fmt.Errorf("blog post %s: %d targets errored", post.URL, len(res.errored))
}

func applyDelivered(d *bridge.Delivery, res *delivered) {
	d.Unsent = nil
	d.Sent = res.sent
	d.Skipped = res.skipped
	d.Failed = res.failed
	d.Error = res.errored
	d.LeasedUntil = time.Time{}
	if len(res.errored) > 0 {
		// revert for the queue's delayed retry
		d.Status = bridge.StatusNew
	} else {
		d.Status = bridge.StatusComplete
	}
}

// recordSourceWebmention stamps the successful send on the source and memos
// the endpoint discovered on the author's own domain.
func (h *Handler) recordSourceWebmention(ctx context.Context, src *bridge.Source, endpoint string) error {
	now := h.clock.Now()
	_, err := h.store.UpdateSource(ctx, src.Kind, src.ID, func(s *bridge.Source) error {
		s.LastWebmentionSent = now
		if endpoint != "" {
			s.WebmentionEndpoint = endpoint
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record source webmention: %w", err)
	}
	return nil
}

func (h *Handler) publishEvent(ctx context.Context, kind, id string, d *bridge.Delivery) {
	if h.events == nil {
		return
	}
	ev := publisher.Event{
		Kind:        kind,
		ID:          id,
		SourceKind:  d.SourceKind,
		SourceID:    d.SourceID,
		Status:      string(d.Status),
		Sent:        d.Sent,
		CompletedAt: h.clock.Now(),
	}
	if err := h.events.Publish(ctx, ev); err != nil {
		h.logger.Warn("could not publish completion event",
			zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
}

// responseSourceURL builds the source page URL for one target:
// {base}/{type}/{silo}/{source}/{post}[/{response}].
func (h *Handler) responseSourceURL(resp *bridge.Response, src *bridge.Source, target string, urlsToActivity map[string]int, activities []as1.Object) string {
	idx := urlsToActivity[target]
	if idx < 0 || idx >= len(activities) {
		idx = 0
	}
	postID := ""
	if idx < len(activities) {
		postID = activities[idx].ID()
		if _, parsed, ok := as1.ParseTagURI(postID); ok {
			postID = parsed
		}
	}

	parts := []string{h.baseURL, resp.Type, src.Kind, url.PathEscape(src.ID), url.PathEscape(postID)}
	if resp.Type != bridge.TypePost {
		rid := resp.ID
		if _, parsed, ok := as1.ParseTagURI(rid); ok {
			rid = parsed
		}
		switch resp.Type {
		case bridge.TypeLike, bridge.TypeReact, bridge.TypeRepost, bridge.TypeRSVP:
			// ids like {post}_liked_by_{user} collapse to the user id
			if i := strings.LastIndex(rid, "_"); i >= 0 {
				rid = rid[i+1:]
			}
		}
		parts = append(parts, url.PathEscape(rid))
	}
	return strings.Join(parts, "/")
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func containsDomain(domains []string, rawURL string) bool {
	d := urls.Domain(rawURL)
	for _, have := range domains {
		if have == d {
			return true
		}
	}
	return false
}

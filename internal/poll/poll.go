// Package poll implements the per-source poll task: fetch recent silo
// activities, extract candidate responses, run original post discovery, and
// persist Response entities for webmention delivery.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/fetch"
	"github.com/backfeed-project/backfeed/internal/opd"
	"github.com/backfeed-project/backfeed/internal/silo"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/telemetry"
	"github.com/backfeed-project/backfeed/internal/urls"
)

// lastPolledFormat renders the dedupe timestamp carried on poll tasks.
const lastPolledFormat = "2006-01-02-15-04-05"

// maxRepropagates bounds how many recent responses one refetch may re-open.
const maxRepropagates = 50

// Config tunes poll scheduling.
type Config struct {
	// Cadence is the default poll and refetch schedule. Adapters may override
	// it per silo via Meta().Cadence.
	Cadence bridge.Cadence
	// FetchCount caps activities requested per fetch.
	FetchCount int
}

// Handler runs poll and discover tasks.
type Handler struct {
	store     store.Store
	queue     tasks.Queue
	registry  *silo.Registry
	discovery *opd.Engine
	endpoints *fetch.EndpointCache
	clock     bridge.Clock
	cfg       Config
	logger    *zap.Logger

	// jitter returns a uniform [0, 1) sample for spreading poll ETAs.
	jitter func() float64
}

// New returns a poll handler.
func New(st store.Store, queue tasks.Queue, registry *silo.Registry, discovery *opd.Engine, endpoints *fetch.EndpointCache, clock bridge.Clock, cfg Config, logger *zap.Logger) *Handler {
	if cfg.FetchCount <= 0 {
		cfg.FetchCount = 50
	}
	if cfg.Cadence == (bridge.Cadence{}) {
		cfg.Cadence = bridge.DefaultCadence()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:     st,
		queue:     queue,
		registry:  registry,
		discovery: discovery,
		endpoints: endpoints,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("poll"),
		jitter:    rand.Float64,
	}
}

func errUnknownSilo(kind string) error {
	return fmt.Errorf("no adapter registered for silo %q", kind)
}

func (h *Handler) cadenceFor(adapter silo.Adapter) bridge.Cadence {
	if c := adapter.Meta().Cadence; c != (bridge.Cadence{}) {
		return c
	}
	return h.cfg.Cadence
}

// AddPollTask enqueues an immediate poll for the source, carrying its current
// last_polled so stale duplicates are dropped.
func AddPollTask(ctx context.Context, queue tasks.Queue, src *bridge.Source) error {
	return queue.Add(ctx, tasks.Task{
		Queue: tasks.QueuePollNow,
		Params: map[string]string{
			"source_kind": src.Kind,
			"source_id":   src.ID,
			"last_polled": src.LastPolled.UTC().Format(lastPolledFormat),
		},
	})
}

// HandlePoll runs one poll for the source named by the task. It serves both
// the scheduled poll queue and poll-now.
func (h *Handler) HandlePoll(ctx context.Context, t tasks.Task) error {
	kind, id := t.Param("source_kind"), t.Param("source_id")
	log := h.logger.With(zap.String("silo", kind), zap.String("source", id))

	src, err := h.store.GetSource(ctx, kind, id)
	if err == store.ErrNotFound {
		log.Warn("poll task for unknown source, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	if src.Status == bridge.SourceDisabled || !src.HasFeature(bridge.FeatureListen) {
		log.Info("source not listening, dropping poll")
		return nil
	}

	// Each poll task carries the last_polled it was scheduled against. A
	// mismatch means another poll already ran; this task is a stale duplicate.
	if want := t.Param("last_polled"); want != "" && want != src.LastPolled.UTC().Format(lastPolledFormat) {
		log.Warn("dropping duplicate poll task",
			zap.String("task_last_polled", want),
			zap.Time("source_last_polled", src.LastPolled))
		return nil
	}

	adapter, ok := h.registry.Lookup(src.Kind)
	if !ok {
		return tasks.Permanent(errUnknownSilo(src.Kind))
	}

	start := h.clock.Now()
	src, err = h.store.UpdateSource(ctx, kind, id, func(s *bridge.Source) error {
		s.PollStatus = bridge.PollPolling
		s.LastPollAttempt = start
		return nil
	})
	if err != nil {
		return fmt.Errorf("stage poll: %w", err)
	}

	updates := &bridge.SourceUpdates{}
	pollErr := h.poll(ctx, src, adapter, updates)
	switch {
	case silo.IsDisableSource(pollErr):
		log.Warn("silo revoked access, disabling source", zap.Error(pollErr))
		if _, err := h.store.UpdateSource(ctx, kind, id, func(s *bridge.Source) error {
			s.Status = bridge.SourceDisabled
			return nil
		}); err != nil {
			return fmt.Errorf("disable source: %w", err)
		}
		telemetry.ObservePoll(kind, "disabled", h.clock.Now().Sub(start))
		return nil

	case pollErr != nil:
		if _, err := h.store.UpdateSource(ctx, kind, id, func(s *bridge.Source) error {
			s.PollStatus = bridge.PollError
			return nil
		}); err != nil {
			return fmt.Errorf("record poll error: %w", err)
		}
		telemetry.ObservePoll(kind, "error", h.clock.Now().Sub(start))
		return fmt.Errorf("poll %s %s: %w", kind, id, pollErr)
	}

	updates.LastPolled = bridge.Ptr(start)
	updates.PollStatus = bridge.Ptr(bridge.PollOK)
	if updates.RateLimited == nil {
		updates.RateLimited = bridge.Ptr(false)
	}
	src, err = h.store.UpdateSource(ctx, kind, id, func(s *bridge.Source) error {
		updates.Apply(s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit poll: %w", err)
	}

	telemetry.ObservePoll(kind, "ok", h.clock.Now().Sub(start))
	return h.scheduleNextPoll(ctx, src, adapter)
}

func (h *Handler) scheduleNextPoll(ctx context.Context, src *bridge.Source, adapter silo.Adapter) error {
	now := h.clock.Now()
	period := src.PollPeriod(now, h.cadenceFor(adapter))
	// Spread polls across the period so sources created together drift apart.
	delay := time.Duration(float64(period) * (0.8 + 0.4*h.jitter()))
	return h.queue.Add(ctx, tasks.Task{
		Queue: tasks.QueuePoll,
		ETA:   now.Add(delay),
		Params: map[string]string{
			"source_kind": src.Kind,
			"source_id":   src.ID,
			"last_polled": src.LastPolled.UTC().Format(lastPolledFormat),
		},
	})
}

// poll fetches recent activities and turns their embedded responses into
// Response entities, staging source bookkeeping onto updates.
func (h *Handler) poll(ctx context.Context, src *bridge.Source, adapter silo.Adapter, updates *bridge.SourceUpdates) error {
	meta := adapter.Meta()
	log := h.logger.With(zap.String("silo", src.Kind), zap.String("source", src.ID))

	result, err := adapter.Fetch(ctx, src, silo.FetchOptions{
		ETag:  src.LastActivitiesETag,
		MinID: src.LastActivityID,
		Count: h.cfg.FetchCount,
	})
	activities := result.Activities
	if err != nil {
		rl, ok := silo.AsRateLimited(err)
		if !ok {
			return err
		}
		log.Warn("rate limited, continuing with partial results",
			zap.Int("partial", len(rl.Partial)), zap.Error(rl.Cause))
		updates.RateLimited = bridge.Ptr(true)
		activities = rl.Partial
	}
	if result.ETag != "" && result.ETag != src.LastActivitiesETag {
		updates.LastActivitiesETag = bridge.Ptr(result.ETag)
	}
	log.Info("fetched activities", zap.Int("count", len(activities)))

	userTagID := as1.TagURI(meta.Domain, src.ID)
	lastID := src.LastActivityID
	privatePosts := 0
	lastPublic := src.LastPublicPost
	cache := make(map[string]int, len(activities))
	var public []as1.Object

	for _, activity := range activities {
		id := activity.ID()
		if id == "" {
			continue
		}
		siloID := id
		if _, parsed, ok := as1.ParseTagURI(id); ok {
			siloID = parsed
		}
		lastID = maxActivityID(lastID, siloID)
		cache[id] = len(activity.Replies()) + len(activity.Tags())

		if !as1.IsPublic(activity) {
			privatePosts++
			continue
		}
		if published := activity.Inner().String("published"); published != "" {
			if ts, err := time.Parse(time.RFC3339, published); err == nil && ts.After(lastPublic) {
				lastPublic = ts
			}
		}
		public = append(public, activity)
	}

	if lastID != src.LastActivityID {
		updates.LastActivityID = bridge.Ptr(lastID)
	}
	if privatePosts != src.RecentPrivatePosts {
		updates.RecentPrivatePosts = bridge.Ptr(privatePosts)
	}
	if lastPublic.After(src.LastPublicPost) {
		updates.LastPublicPost = bridge.Ptr(lastPublic)
	}
	// The cache is trimmed to the current fetch's ids so it cannot grow
	// without bound.
	if cacheJSON, err := json.Marshal(cache); err == nil {
		updates.LastActivitiesCacheJSON = bridge.Ptr(string(cacheJSON))
	}

	candidates := extractCandidates(public, userTagID, log)

	seen := make(map[string]string)
	if src.SeenResponsesCacheJSON != "" {
		if err := json.Unmarshal([]byte(src.SeenResponsesCacheJSON), &seen); err != nil {
			log.Warn("discarding unreadable seen-responses cache", zap.Error(err))
			seen = make(map[string]string)
		}
	}
	newSeen := make(map[string]string)

	if err := h.saveCandidates(ctx, src, adapter, candidates, seen, newSeen, updates); err != nil {
		return err
	}

	if seenJSON, err := json.Marshal(newSeen); err == nil {
		updates.SeenResponsesCacheJSON = bridge.Ptr(string(seenJSON))
	}

	// Re-crawl the author's h-feed when the refetch window has passed, or
	// unconditionally when the refetch sentinel is set.
	staged := *src
	updates.Apply(&staged)
	if staged.ShouldRefetch(h.cadenceFor(adapter)) {
		relationships, err := h.discovery.Refetch(ctx, src, adapter, updates)
		if err != nil {
			log.Warn("h-feed refetch failed", zap.Error(err))
		} else {
			updates.LastHFeedRefetch = bridge.Ptr(h.clock.Now())
			if len(relationships) > 0 {
				if err := h.repropagateOldResponses(ctx, src, adapter, relationships); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// candidate is one response extracted from the fetch, with every parent
// activity it appeared under.
type candidate struct {
	obj        as1.Object
	activities []as1.Object
	// extraMentions are profile URLs carried on the person tag that mentioned
	// the user.
	extraMentions []string
	// includeRedirects is false for mention candidates, whose redirect
	// sources would point at the mentioning post rather than the original.
	includeRedirects bool
}

// extractCandidates pulls replies, like and repost tags, event RSVPs, user
// mentions, and quote posts out of the fetched activities. Responses that
// appear under several activities are merged into one candidate.
func extractCandidates(activities []as1.Object, userTagID string, log *zap.Logger) []*candidate {
	byID := make(map[string]*candidate)
	var order []*candidate

	add := func(obj, activity as1.Object, extraMentions []string, includeRedirects bool) {
		id := obj.ID()
		if id == "" {
			log.Warn("skipping response with no id", zap.String("activity", activity.ID()))
			return
		}
		c, ok := byID[id]
		if !ok {
			c = &candidate{obj: obj, includeRedirects: includeRedirects}
			byID[id] = c
			order = append(order, c)
		}
		already := false
		for _, a := range c.activities {
			if a.ID() == activity.ID() {
				already = true
				break
			}
		}
		if !already {
			c.activities = append(c.activities, activity)
		}
		c.extraMentions = append(c.extraMentions, extraMentions...)
	}

	for _, activity := range activities {
		obj := activity.Inner()

		for _, reply := range activity.Replies() {
			add(reply, activity, nil, true)
		}
		for _, tag := range activity.Tags() {
			switch as1.GetType(tag) {
			case bridge.TypeLike, bridge.TypeReact, bridge.TypeRepost:
				add(tag, activity, nil, true)
			}
		}
		if obj.String("objectType") == "event" {
			for _, rsvp := range obj.List("rsvps") {
				add(rsvp, activity, nil, true)
			}
		}

		// A post by someone else that @-mentions the user is itself a
		// candidate; discovery runs against the author's site via the
		// mention's profile URLs.
		if obj.AuthorID() != userTagID {
			for _, tag := range obj.List("tags") {
				if tag.String("objectType") != "person" || tag.ID() != userTagID {
					continue
				}
				var profiles []string
				for _, u := range tag.List("urls") {
					if v := u.String("value"); v != "" {
						profiles = append(profiles, v)
					}
				}
				add(activity, activity, profiles, false)
				break
			}
			// Quote posts: attachments authored by the user confirm the
			// activity quotes one of their posts.
			for _, att := range obj.List("attachments") {
				t := att.String("objectType")
				if (t == "note" || t == "article") && att.AuthorID() == userTagID {
					add(activity, activity, nil, true)
					break
				}
			}
		}
	}
	return order
}

// saveCandidates runs discovery for each candidate and persists the
// resulting Response entities. seen/newSeen carry the unchanged-response
// filter between polls; both may be nil to disable it.
func (h *Handler) saveCandidates(ctx context.Context, src *bridge.Source, adapter silo.Adapter, candidates []*candidate, seen, newSeen map[string]string, updates *bridge.SourceUpdates) error {
	meta := adapter.Meta()
	userTagID := as1.TagURI(meta.Domain, src.ID)
	log := h.logger.With(zap.String("silo", src.Kind), zap.String("source", src.ID))

	blocked := make(map[string]struct{}, len(src.BlockedIDs))
	for _, b := range src.BlockedIDs {
		blocked[b] = struct{}{}
	}

	type opdResult struct {
		originals, mentions []string
	}
	// Discovery runs once per parent activity even when it has several
	// responses.
	discovered := make(map[string]*opdResult)
	discoverFor := func(activity as1.Object, includeRedirects bool) (*opdResult, error) {
		id := activity.ID()
		if res, ok := discovered[id]; ok {
			return res, nil
		}
		originals, mentions, err := h.discovery.Discover(ctx, src, adapter, activity, opd.Options{
			FetchHFeed:             true,
			IncludeRedirectSources: includeRedirects,
		}, updates)
		if err != nil {
			return nil, err
		}
		res := &opdResult{originals: originals, mentions: mentions}
		discovered[id] = res
		return res, nil
	}

	for _, c := range candidates {
		obj := c.obj
		id := obj.ID()

		authorID := obj.AuthorID()
		if authorID == userTagID {
			continue
		}
		if _, authorSiloID, ok := as1.ParseTagURI(authorID); ok {
			if _, isBlocked := blocked[authorSiloID]; isBlocked {
				log.Info("skipping response from blocked user",
					zap.String("author", authorID))
				continue
			}
		}

		pruned := as1.PruneResponse(obj)
		prunedJSON := pruned.Encode()
		if seen != nil {
			if prev, ok := seen[id]; ok {
				prevObj, err := as1.DecodeString(prev)
				if err == nil && !as1.ActivityChanged(prevObj, pruned) {
					newSeen[id] = prev
					continue
				}
			}
			newSeen[id] = prunedJSON
		}

		respType := as1.GetType(obj)

		var targets, originals []string
		urlsToActivity := make(map[string]int)
		for i, activity := range c.activities {
			res, err := discoverFor(activity, c.includeRedirects)
			if err != nil {
				return fmt.Errorf("discover originals for %s: %w", activity.ID(), err)
			}
			if meta.BackfeedRequiresSyndicationLink && len(res.originals) == 0 {
				log.Info("no syndication link, skipping activity",
					zap.String("activity", activity.ID()))
				continue
			}
			originals = append(originals, res.originals...)
			for _, target := range opd.TargetsForResponse(respType, res.originals, res.mentions) {
				if _, ok := urlsToActivity[target]; !ok {
					urlsToActivity[target] = i
					targets = append(targets, target)
				}
			}
		}
		for _, m := range urls.Dedupe(c.extraMentions) {
			if _, ok := urlsToActivity[m]; !ok {
				urlsToActivity[m] = 0
				targets = append(targets, m)
			}
		}
		if meta.BackfeedRequiresSyndicationLink && len(originals) == 0 {
			continue
		}

		var unsent, failed []string
		for _, target := range targets {
			// Targets longer than the store's key limit can never be leased
			// or acknowledged, so they fail immediately.
			if len(target) > bridge.MaxStringLength {
				failed = append(failed, target[:bridge.MaxStringLength-4]+"...")
				continue
			}
			unsent = append(unsent, target)
		}

		prunedActivities := make([]string, len(c.activities))
		for i, a := range c.activities {
			prunedActivities[i] = as1.PruneActivity(a).Encode()
		}
		var urlsToActivityJSON string
		if len(c.activities) > 1 {
			if b, err := json.Marshal(urlsToActivity); err == nil {
				urlsToActivityJSON = string(b)
			}
		}

		resp := &bridge.Response{
			Delivery: bridge.Delivery{
				SourceKind: src.Kind,
				SourceID:   src.ID,
				Unsent:     urls.Dedupe(unsent),
				Failed:     failed,
			},
			ID:                 id,
			Type:               respType,
			ActivitiesJSON:     prunedActivities,
			ResponseJSON:       prunedJSON,
			URLsToActivityJSON: urlsToActivityJSON,
			OriginalPosts:      urls.Dedupe(originals),
		}
		if _, err := h.getOrSave(ctx, resp, src, adapter, false); err != nil {
			return fmt.Errorf("save response %s: %w", id, err)
		}
		telemetry.ObserveResponse(src.Kind, respType)
	}
	return nil
}

// HandleDiscover fetches one silo post by id and runs it through the same
// extraction and persistence path as a poll.
func (h *Handler) HandleDiscover(ctx context.Context, t tasks.Task) error {
	kind, id, postID := t.Param("source_kind"), t.Param("source_id"), t.Param("post_id")
	log := h.logger.With(zap.String("silo", kind), zap.String("source", id), zap.String("post", postID))

	src, err := h.store.GetSource(ctx, kind, id)
	if err == store.ErrNotFound {
		log.Warn("discover task for unknown source, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	adapter, ok := h.registry.Lookup(src.Kind)
	if !ok {
		return tasks.Permanent(errUnknownSilo(src.Kind))
	}

	activity, err := adapter.GetActivity(ctx, src, postID)
	if err != nil {
		if silo.IsDisableSource(err) {
			return tasks.Permanent(err)
		}
		return fmt.Errorf("fetch post %s: %w", postID, err)
	}
	if activity == nil {
		log.Info("post not found, dropping discover task")
		return nil
	}
	if !as1.IsPublic(activity) {
		log.Info("post is not public, dropping discover task")
		return nil
	}

	meta := adapter.Meta()
	userTagID := as1.TagURI(meta.Domain, src.ID)
	candidates := extractCandidates([]as1.Object{activity}, userTagID, log)

	updates := &bridge.SourceUpdates{}
	if err := h.saveCandidates(ctx, src, adapter, candidates, nil, nil, updates); err != nil {
		return err
	}
	if _, err := h.store.UpdateSource(ctx, kind, id, func(s *bridge.Source) error {
		updates.Apply(s)
		return nil
	}); err != nil {
		return fmt.Errorf("commit discover: %w", err)
	}
	return nil
}

// maxActivityID returns the larger of two silo activity ids, comparing
// numerically when both parse as integers.
func maxActivityID(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		if bi > ai {
			return b
		}
		return a
	}
	if b > a {
		return b
	}
	return a
}

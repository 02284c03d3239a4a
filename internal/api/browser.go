package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/as1"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/poll"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/urls"
)

// maxBrowserBody bounds extension payloads.
const maxBrowserBody = 4 * 1024 * 1024

// browserStatus reports the source's polling state to the extension.
func (s *Server) browserStatus(w http.ResponseWriter, r *http.Request) {
	src, ok := s.authedSource(w, r)
	if !ok {
		return
	}
	status := map[string]any{
		"status":       src.Status,
		"poll_status":  src.PollStatus,
		"rate_limited": src.RateLimited,
		"last_polled":  src.LastPolled,
	}
	if !src.LastPolled.IsZero() {
		status["polled_secs_ago"] = int(s.clock.Now().Sub(src.LastPolled).Seconds())
	}
	writeJSON(w, http.StatusOK, status)
}

// browserHomepage extracts the logged-in username from a posted actor.
func (s *Server) browserHomepage(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.readObject(w, r)
	if !ok {
		return
	}
	username := actor.String("username")
	if username == "" {
		_, username, _ = as1.ParseTagURI(actor.ID())
	}
	if username == "" {
		writeError(w, http.StatusBadRequest, "no username in actor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

// browserProfile creates or updates a source from a posted actor. The token
// must authorize one of the actor's web domains.
func (s *Server) browserProfile(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "silo")
	if _, ok := s.registry.Lookup(kind); !ok {
		writeError(w, http.StatusNotFound, "unknown silo")
		return
	}
	actor, ok := s.readObject(w, r)
	if !ok {
		return
	}

	id := actor.String("username")
	if id == "" {
		_, id, _ = as1.ParseTagURI(actor.ID())
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "no username in actor")
		return
	}

	domainURLs := actorURLs(actor)
	domains := make([]string, 0, len(domainURLs))
	for _, u := range domainURLs {
		if d := urls.Domain(u); d != "" {
			domains = append(domains, d)
		}
	}
	if !s.tokenAuthorizes(r, domains) {
		writeError(w, http.StatusForbidden, "token does not match any domain")
		return
	}

	src, err := s.store.UpdateSource(r.Context(), kind, id, func(src *bridge.Source) error {
		applyActor(src, actor, domainURLs, domains)
		return nil
	})
	if err == store.ErrNotFound {
		src = &bridge.Source{
			Kind:     kind,
			ID:       id,
			Features: []bridge.Feature{bridge.FeatureListen},
			Status:   bridge.SourceEnabled,
		}
		applyActor(src, actor, domainURLs, domains)
		if err := s.store.PutSource(r.Context(), src); err != nil {
			writeError(w, http.StatusInternalServerError, "store write failed")
			return
		}
		s.logger.Info("created source from browser extension",
			zap.String("silo", kind), zap.String("source", id))
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       src.ID,
		"name":     src.Name,
		"url":      src.URL,
		"domains":  src.Domains,
		"status":   src.Status,
		"features": src.Features,
	})
}

// browserFeed stores posted activities so scraped adapters can serve them
// from the local store on the next poll.
func (s *Server) browserFeed(w http.ResponseWriter, r *http.Request) {
	src, ok := s.authedSource(w, r)
	if !ok {
		return
	}
	activities, ok := s.readObjectList(w, r)
	if !ok {
		return
	}

	stored := 0
	for _, a := range activities {
		if a.ID() == "" {
			continue
		}
		if err := s.putActivity(r, src, a); err != nil {
			writeError(w, http.StatusInternalServerError, "store write failed")
			return
		}
		stored++
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": stored})
}

// browserPost stores one activity and queues discovery for it.
func (s *Server) browserPost(w http.ResponseWriter, r *http.Request) {
	src, ok := s.authedSource(w, r)
	if !ok {
		return
	}
	activity, ok := s.readObject(w, r)
	if !ok {
		return
	}
	if activity.ID() == "" {
		writeError(w, http.StatusBadRequest, "activity has no id")
		return
	}
	if err := s.putActivity(r, src, activity); err != nil {
		writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}

	_, postID, _ := as1.ParseTagURI(activity.ID())
	if postID == "" {
		postID = activity.ID()
	}
	err := s.queue.Add(r.Context(), tasks.Task{
		Queue: tasks.QueueDiscover,
		Params: map[string]string{
			"source_kind": src.Kind,
			"source_id":   src.ID,
			"post_id":     postID,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (s *Server) browserLikes(w http.ResponseWriter, r *http.Request) {
	s.mergeIntoActivity(w, r, "like")
}

func (s *Server) browserReactions(w http.ResponseWriter, r *http.Request) {
	s.mergeIntoActivity(w, r, "react")
}

// mergeIntoActivity appends posted response objects to a stored activity's
// tags, then re-stores it for the next poll to pick up.
func (s *Server) mergeIntoActivity(w http.ResponseWriter, r *http.Request, kind string) {
	src, ok := s.authedSource(w, r)
	if !ok {
		return
	}
	activityID := r.URL.Query().Get("id")
	if activityID == "" {
		writeError(w, http.StatusBadRequest, "missing id param")
		return
	}
	incoming, ok := s.readObjectList(w, r)
	if !ok {
		return
	}

	stored, err := s.store.GetActivity(r.Context(), activityID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store read failed")
		return
	}

	activity, err := as1.DecodeString(stored.ActivityJSON)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored activity is unreadable")
		return
	}

	obj := activity.Object("object")
	if obj == nil {
		obj = as1.Object{}
		activity["object"] = map[string]any(obj)
	}
	existing := obj.List("tags")
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t.ID()] = true
	}
	tags := make([]any, 0, len(existing)+len(incoming))
	for _, t := range existing {
		tags = append(tags, map[string]any(t))
	}
	added := 0
	for _, in := range incoming {
		if in.ID() == "" || seen[in.ID()] {
			continue
		}
		seen[in.ID()] = true
		tags = append(tags, map[string]any(in))
		added++
	}
	obj["tags"] = tags

	stored.ActivityJSON = activity.Encode()
	if err := s.store.PutActivity(r.Context(), stored); err != nil {
		writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}
	s.logger.Debug("merged responses into activity",
		zap.String("kind", kind), zap.String("activity", activityID),
		zap.String("source", src.ID), zap.Int("added", added))
	writeJSON(w, http.StatusOK, incoming)
}

// browserPoll enqueues an immediate poll for the source.
func (s *Server) browserPoll(w http.ResponseWriter, r *http.Request) {
	src, ok := s.authedSource(w, r)
	if !ok {
		return
	}
	if err := poll.AddPollTask(r.Context(), s.queue, src); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enqueued"})
}

// browserTokenDomains lists the domains a token authorizes.
func (s *Server) browserTokenDomains(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token param")
		return
	}
	records, err := s.store.ListDomainsByToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store read failed")
		return
	}
	domains := make([]string, 0, len(records))
	for _, d := range records {
		domains = append(domains, d.Domain)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"domains": domains})
}

// authedSource loads the source named by the key query param and verifies
// the token against its domains. On failure it writes the response itself.
func (s *Server) authedSource(w http.ResponseWriter, r *http.Request) (*bridge.Source, bool) {
	kind := chi.URLParam(r, "silo")
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key param")
		return nil, false
	}
	src, err := s.store.GetSource(r.Context(), kind, bridge.UnescapeKeyID(key))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "source not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store read failed")
		return nil, false
	}
	if !s.tokenAuthorizes(r, src.Domains) {
		writeError(w, http.StatusForbidden, "token does not match any domain")
		return nil, false
	}
	return src, true
}

// tokenAuthorizes reports whether the request's token is registered for any
// of the given domains.
func (s *Server) tokenAuthorizes(r *http.Request, domains []string) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		return false
	}
	for _, domain := range domains {
		d, err := s.store.GetDomain(r.Context(), domain)
		if err != nil {
			continue
		}
		if d.HasToken(token) {
			return true
		}
	}
	return false
}

func (s *Server) putActivity(r *http.Request, src *bridge.Source, activity as1.Object) error {
	return s.store.PutActivity(r.Context(), &bridge.Activity{
		ID:           activity.ID(),
		SourceKind:   src.Kind,
		SourceID:     src.ID,
		ActivityJSON: activity.Encode(),
	})
}

func (s *Server) readObject(w http.ResponseWriter, r *http.Request) (as1.Object, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBrowserBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	obj, err := as1.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "body is not a JSON object")
		return nil, false
	}
	return obj, true
}

func (s *Server) readObjectList(w http.ResponseWriter, r *http.Request) ([]as1.Object, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBrowserBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	list, err := as1.DecodeList(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "body is not a JSON list")
		return nil, false
	}
	return list, true
}

// actorURLs collects an actor's web URLs from its url and urls fields.
func actorURLs(actor as1.Object) []string {
	var out []string
	if u := actor.String("url"); urls.IsWeb(u) {
		out = append(out, u)
	}
	for _, u := range actor.List("urls") {
		if v := u.String("value"); urls.IsWeb(v) {
			out = append(out, v)
		}
	}
	for _, v := range actor.Strings("urls") {
		if urls.IsWeb(v) {
			out = append(out, v)
		}
	}
	return urls.Dedupe(out)
}

// applyActor copies profile fields from an actor onto a source.
func applyActor(src *bridge.Source, actor as1.Object, domainURLs, domains []string) {
	if v := actor.String("displayName"); v != "" {
		src.Name = v
	}
	if v := actor.Object("image").String("url"); v != "" {
		src.Picture = v
	}
	if v := actor.String("username"); v != "" {
		src.Username = v
	}
	if v := actor.URL(); v != "" {
		src.URL = v
	}
	if len(domainURLs) > 0 {
		src.DomainURLs = domainURLs
		src.Domains = domains
	}
}

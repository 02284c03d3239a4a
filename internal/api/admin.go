package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/poll"
	"github.com/backfeed-project/backfeed/internal/store"
)

// adminSource loads the source addressed by the route, writing 404 itself
// when it does not exist.
func (s *Server) adminSource(w http.ResponseWriter, r *http.Request) (*bridge.Source, bool) {
	kind := chi.URLParam(r, "silo")
	id := bridge.UnescapeKeyID(chi.URLParam(r, "id"))
	src, err := s.store.GetSource(r.Context(), kind, id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "source not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store read failed")
		return nil, false
	}
	return src, true
}

func (s *Server) adminDisable(w http.ResponseWriter, r *http.Request) {
	src, ok := s.adminSource(w, r)
	if !ok {
		return
	}
	updated, err := s.store.UpdateSource(r.Context(), src.Kind, src.ID, func(src *bridge.Source) error {
		src.Status = bridge.SourceDisabled
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}
	s.logger.Info("source disabled via admin",
		zap.String("silo", updated.Kind), zap.String("source", updated.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(updated.Status)})
}

func (s *Server) adminPollNow(w http.ResponseWriter, r *http.Request) {
	src, ok := s.adminSource(w, r)
	if !ok {
		return
	}
	if err := poll.AddPollTask(r.Context(), s.queue, src); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enqueued"})
}

// adminCrawlNow forces a full original-post rediscovery on the next poll by
// setting the refetch sentinel, then enqueues that poll.
func (s *Server) adminCrawlNow(w http.ResponseWriter, r *http.Request) {
	src, ok := s.adminSource(w, r)
	if !ok {
		return
	}
	updated, err := s.store.UpdateSource(r.Context(), src.Kind, src.ID, func(src *bridge.Source) error {
		src.LastHFeedRefetch = bridge.RefetchTrigger
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}
	if err := poll.AddPollTask(r.Context(), s.queue, updated); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "crawl scheduled"})
}

// adminRetry restarts delivery for one response, re-resolving its targets.
func (s *Server) adminRetry(w http.ResponseWriter, r *http.Request) {
	src, ok := s.adminSource(w, r)
	if !ok {
		return
	}
	responseID := r.URL.Query().Get("response_id")
	if responseID == "" {
		responseID = r.PostFormValue("response_id")
	}
	if responseID == "" {
		writeError(w, http.StatusBadRequest, "missing response_id")
		return
	}
	resp, err := s.poller.Restart(r.Context(), responseID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "response not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "restart failed")
		return
	}
	if resp.SourceKind != src.Kind || resp.SourceID != src.ID {
		s.logger.Warn("restarted response belongs to a different source",
			zap.String("response", responseID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": resp.Status,
		"unsent": resp.Unsent,
	})
}

// adminMarkComplete settles a stuck response without sending anything else.
func (s *Server) adminMarkComplete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.adminSource(w, r); !ok {
		return
	}
	responseID := r.URL.Query().Get("response_id")
	if responseID == "" {
		responseID = r.PostFormValue("response_id")
	}
	if responseID == "" {
		writeError(w, http.StatusBadRequest, "missing response_id")
		return
	}
	resp, err := s.store.UpdateResponse(r.Context(), responseID, func(resp *bridge.Response) error {
		resp.Skipped = append(resp.Skipped, resp.Unsent...)
		resp.Skipped = append(resp.Skipped, resp.Error...)
		resp.Unsent = nil
		resp.Error = nil
		resp.Status = bridge.StatusComplete
		resp.LeasedUntil = time.Time{}
		return nil
	})
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "response not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": resp.Status})
}

// adminSubscribe registers the source's site feed with the push hub.
func (s *Server) adminSubscribe(w http.ResponseWriter, r *http.Request) {
	src, ok := s.adminSource(w, r)
	if !ok {
		return
	}
	feedURL := r.URL.Query().Get("feed")
	if feedURL == "" {
		feedURL = src.URL
	}
	callback := s.cfg.Server.BaseURL + "/" + src.Kind + "/notify/" + bridge.EscapeKeyID(src.ID)
	if err := s.ingester.Subscribe(r.Context(), src, feedURL, callback); err != nil {
		s.logger.Error("subscribe failed", zap.String("source", src.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "subscribe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed", "feed": feedURL})
}

// Package api exposes the HTTP surface: webmention ingress, blog feed push
// notifications, browser extension endpoints, and admin levers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/config"
	"github.com/backfeed-project/backfeed/internal/poll"
	"github.com/backfeed-project/backfeed/internal/silo"
	"github.com/backfeed-project/backfeed/internal/store"
	"github.com/backfeed-project/backfeed/internal/superfeedr"
	"github.com/backfeed-project/backfeed/internal/tasks"
	"github.com/backfeed-project/backfeed/internal/telemetry"
	"github.com/backfeed-project/backfeed/internal/urls"
)

// Server wires HTTP handlers to the store, the task queue, and the silo
// registry.
type Server struct {
	router    chi.Router
	store     store.Store
	queue     tasks.Queue
	registry  *silo.Registry
	poller    *poll.Handler
	ingester  *superfeedr.Ingester
	blocklist *urls.Blocklist
	clock     bridge.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	st store.Store,
	queue tasks.Queue,
	registry *silo.Registry,
	poller *poll.Handler,
	ingester *superfeedr.Ingester,
	blocklist *urls.Blocklist,
	clock bridge.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     st,
		queue:     queue,
		registry:  registry,
		poller:    poller,
		ingester:  ingester,
		blocklist: blocklist,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/{silo}", func(r chi.Router) {
		r.Post("/webmention", s.webmentionIngress)
		r.Post("/notify/{id}", s.notify)
		r.Route("/browser", func(r chi.Router) {
			r.Post("/status", s.browserStatus)
			r.Post("/homepage", s.browserHomepage)
			r.Post("/profile", s.browserProfile)
			r.Post("/feed", s.browserFeed)
			r.Post("/post", s.browserPost)
			r.Post("/likes", s.browserLikes)
			r.Post("/reactions", s.browserReactions)
			r.Post("/poll", s.browserPoll)
			r.Post("/token-domains", s.browserTokenDomains)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/{silo}/{id}", func(r chi.Router) {
			r.Post("/disable", s.adminDisable)
			r.Post("/poll-now", s.adminPollNow)
			r.Post("/crawl-now", s.adminCrawlNow)
			r.Post("/retry", s.adminRetry)
			r.Post("/mark-complete", s.adminMarkComplete)
			r.Post("/subscribe", s.adminSubscribe)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListSources(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// webmentionIngress accepts site-to-silo webmentions for blog sources. The
// publish direction is handled elsewhere; this surface validates, maps the
// target to a registered account, and acks.
func (s *Server) webmentionIngress(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	source := r.PostFormValue("source")
	target := r.PostFormValue("target")
	if !urls.IsWeb(source) || !urls.IsWeb(target) {
		writeError(w, http.StatusBadRequest, "source and target must be web URLs")
		return
	}
	if s.blocklist != nil && s.blocklist.IsBlockedURL(source) {
		writeError(w, http.StatusForbidden, "source domain is blocked")
		return
	}
	kind := chi.URLParam(r, "silo")
	if _, ok := s.registry.Lookup(kind); !ok {
		writeError(w, http.StatusBadRequest, "unknown silo")
		return
	}

	src, err := s.sourceForDomain(r.Context(), kind, urls.Domain(target))
	if err != nil {
		writeError(w, http.StatusBadRequest, "target is not a registered account")
		return
	}
	if src.Status == bridge.SourceDisabled {
		writeError(w, http.StatusGone, "account is disabled")
		return
	}

	s.logger.Info("webmention accepted",
		zap.String("silo", kind), zap.String("source_id", src.ID),
		zap.String("source", source), zap.String("target", target))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"id":     src.ID,
	})
}

// notify ingests a pushed feed. Always acks with 200 so the hub does not
// retry; ingestion failures surface through logs and the task queue.
func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "silo")
	id := chi.URLParam(r, "id")
	log := s.logger.With(zap.String("silo", kind), zap.String("source", id))

	src, err := s.store.GetSource(r.Context(), kind, bridge.UnescapeKeyID(id))
	if err != nil {
		log.Warn("push notification for unknown source")
		w.WriteHeader(http.StatusOK)
		return
	}
	if src.Status == bridge.SourceDisabled || !src.HasFeature(bridge.FeatureWebmention) {
		log.Info("push notification for inactive source, dropping")
		w.WriteHeader(http.StatusOK)
		return
	}

	var feed superfeedr.Feed
	if err := json.NewDecoder(r.Body).Decode(&feed); err != nil {
		log.Warn("unparseable feed notification", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.ingester.IngestFeed(r.Context(), src, feed); err != nil {
		log.Error("feed ingestion failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) sourceForDomain(ctx context.Context, kind, domain string) (*bridge.Source, error) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if src.Kind != kind {
			continue
		}
		for _, d := range src.Domains {
			if d == domain {
				return src, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", requestID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package main wires together the backfeed service: the poll scheduler, the
// webmention propagators, the feed ingester, and the HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/backfeed-project/backfeed/internal/api"
	"github.com/backfeed-project/backfeed/internal/bridge"
	"github.com/backfeed-project/backfeed/internal/clock/system"
	"github.com/backfeed-project/backfeed/internal/config"
	"github.com/backfeed-project/backfeed/internal/fetch"
	"github.com/backfeed-project/backfeed/internal/logging"
	"github.com/backfeed-project/backfeed/internal/opd"
	"github.com/backfeed-project/backfeed/internal/poll"
	"github.com/backfeed-project/backfeed/internal/propagate"
	"github.com/backfeed-project/backfeed/internal/publisher"
	memorypublisher "github.com/backfeed-project/backfeed/internal/publisher/memory"
	pubsubpublisher "github.com/backfeed-project/backfeed/internal/publisher/pubsub"
	"github.com/backfeed-project/backfeed/internal/silo"
	"github.com/backfeed-project/backfeed/internal/store"
	storememory "github.com/backfeed-project/backfeed/internal/store/memory"
	"github.com/backfeed-project/backfeed/internal/store/postgres"
	"github.com/backfeed-project/backfeed/internal/superfeedr"
	"github.com/backfeed-project/backfeed/internal/tasks"
	tasksmemory "github.com/backfeed-project/backfeed/internal/tasks/memory"
	"github.com/backfeed-project/backfeed/internal/urls"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	var st store.Store
	if cfg.DB.DSN != "" {
		pgStore, pool, err := postgres.New(ctx, cfg.DB.DSN, cfg.DB.MaxOpenConns, clock)
		if err != nil {
			logger.Fatal("database init failed", zap.Error(err))
		}
		defer pool.Close()
		st = pgStore
	} else {
		logger.Warn("no database configured, using in-memory store")
		st = storememory.New(clock)
	}

	var events publisher.Publisher
	if cfg.PubSub.ProjectID != "" {
		pub, closer, err := pubsubpublisher.Open(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer func() {
			if err := closer(); err != nil {
				logger.Error("pubsub close failed", zap.Error(err))
			}
		}()
		events = pub
	} else {
		logger.Warn("no pubsub project configured, completion events stay in memory")
		events = memorypublisher.New()
	}

	registry := silo.NewRegistry()
	registerAdapters(registry)

	blocklist := urls.NewBlocklist(append(registry.Domains(), cfg.HTTP.BlockedDomains...))
	limiter := fetch.NewLimiter(cfg.HTTP.PerDomainRate, cfg.HTTP.PerDomainBurst)
	client := fetch.New(fetch.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxRedirects: cfg.HTTP.MaxRedirects,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, blocklist.IsBlockedURL, limiter, logger.Named("fetch"))
	endpoints := fetch.NewEndpointCache(
		time.Duration(cfg.HTTP.EndpointCacheHours)*time.Hour, clock)

	queue := tasksmemory.New(clock)
	discovery := opd.New(st, client, clock, logger.Named("opd"))
	poller := poll.New(st, queue, registry, discovery, endpoints, clock, poll.Config{
		Cadence:    bridge.Cadence(cfg.Cadence()),
		FetchCount: cfg.Poll.ActivityFetchSize,
	}, logger)
	propagator := propagate.New(st, client, endpoints, events, clock,
		cfg.Server.BaseURL, cfg.Tasks.MaxAttempts, logger)
	ingester := superfeedr.New(st, queue, cfg.Feeds, logger)

	policy := tasks.NewExponentialRetryPolicy(
		cfg.Tasks.MaxAttempts,
		time.Duration(cfg.Tasks.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Tasks.BackoffMaxHours)*time.Hour,
	)
	dispatcher := tasks.NewDispatcher(queue, policy, cfg.Tasks.Workers, clock, logger.Named("tasks"))
	dispatcher.Handle(tasks.QueuePoll, poller.HandlePoll)
	dispatcher.Handle(tasks.QueuePollNow, poller.HandlePoll)
	dispatcher.Handle(tasks.QueueDiscover, poller.HandleDiscover)
	dispatcher.Handle(tasks.QueuePropagate, propagator.HandleResponse)
	dispatcher.Handle(tasks.QueuePropagateBlogPost, propagator.HandleBlogPost)

	if err := schedulePolls(ctx, st, queue, logger); err != nil {
		logger.Error("initial poll scheduling failed", zap.Error(err))
	}

	apiServer := api.NewServer(st, queue, registry, poller, ingester, blocklist, clock, cfg, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Tasks.Workers))
		dispatcher.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

// registerAdapters installs the supported silo adapters. Deployments add
// their adapters here; the registry panics on duplicate names.
func registerAdapters(_ *silo.Registry) {
}

// schedulePolls enqueues a poll for every pollable source at startup. The
// in-memory queue loses scheduled tasks on restart; sources reschedule
// themselves after their first successful poll.
func schedulePolls(ctx context.Context, st store.Store, queue tasks.Queue, logger *zap.Logger) error {
	sources, err := st.ListSources(ctx)
	if err != nil {
		return err
	}
	scheduled := 0
	for _, src := range sources {
		if src.Status == bridge.SourceDisabled || !src.HasFeature(bridge.FeatureListen) {
			continue
		}
		if err := poll.AddPollTask(ctx, queue, src); err != nil {
			return err
		}
		scheduled++
	}
	logger.Info("initial polls scheduled", zap.Int("sources", scheduled))
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/VenkatGGG/notebook-relay/internal/api"
	"github.com/VenkatGGG/notebook-relay/internal/artifact"
	"github.com/VenkatGGG/notebook-relay/internal/browser"
	"github.com/VenkatGGG/notebook-relay/internal/config"
	"github.com/VenkatGGG/notebook-relay/internal/idempotency"
	"github.com/VenkatGGG/notebook-relay/internal/lease"
	"github.com/VenkatGGG/notebook-relay/internal/metrics"
	"github.com/VenkatGGG/notebook-relay/internal/profile"
	"github.com/VenkatGGG/notebook-relay/internal/query"
	"github.com/VenkatGGG/notebook-relay/internal/session"
)

type app struct {
	handler  http.Handler
	sessions *session.Manager
	redis    *redis.Client
	log      *zap.Logger
}

// close tears down any live session so no browser or scratch profile
// outlives the process.
func (a *app) close() {
	if a.sessions.Close(context.Background()) {
		a.log.Info("live session closed on shutdown")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", zap.Error(err))
		}
	}
}

func build(cfg config.Config, log *zap.Logger) (*app, error) {
	fsys := afero.NewOsFs()
	rec := metrics.New()

	profiles := profile.NewStore(fsys, profile.Options{
		Template: cfg.ProfileTemplate,
		Root:     cfg.ProfileRoot,
		Prefix:   cfg.ProfilePrefix,
	}, log)
	removed, err := profiles.Sweep()
	if err != nil {
		log.Warn("orphan profile sweep failed", zap.Error(err))
	}
	if len(removed) > 0 {
		log.Info("removed orphaned scratch profiles", zap.Strings("dirs", removed))
	}

	launcher, err := newLauncher(cfg.Backend, log)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(launcher, profiles, session.Options{
		Launch: browser.LaunchOptions{
			Bin:        cfg.ChromeBin,
			Headless:   cfg.Headless,
			Width:      cfg.WindowWidth,
			Height:     cfg.WindowHeight,
			UserAgent:  cfg.UserAgent,
			ExtraFlags: strings.Fields(cfg.ChromeFlags),
		},
		PageLoadTimeout: cfg.PageLoadTimeout,
		ReadyTimeout:    cfg.ReadyTimeout,
		ReadyInterval:   cfg.ElementInterval,
	}, log, rec)

	selectors, err := query.LoadSelectors(fsys, cfg.SelectorsFile)
	if err != nil {
		return nil, err
	}

	var leases lease.Store = lease.NewLocalStore()
	var replays idempotency.Ledger = idempotency.NewLocalLedger()
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		leases = lease.NewRedisStore(redisClient, "")
		replays = idempotency.NewRedisLedger(redisClient, "")
		log.Info("using redis execution claims and idempotency store", zap.String("addr", cfg.RedisAddr))
	}

	artifacts, err := artifact.NewLocalStore(fsys, cfg.ArtifactDir, cfg.ArtifactBaseURL)
	if err != nil {
		return nil, err
	}

	executor := query.NewExecutor(sessions, leases, artifacts, query.Options{
		Selectors:          selectors,
		PageLoadTimeout:    cfg.PageLoadTimeout,
		ReadyTimeout:       cfg.ReadyTimeout,
		InputTimeout:       cfg.InputTimeout,
		SubmitTimeout:      cfg.SubmitTimeout,
		ResponseTimeout:    cfg.ResponseTimeout,
		ResponseInterval:   cfg.ResponseInterval,
		ElementInterval:    cfg.ElementInterval,
		ClickableTimeout:   cfg.ClickableTimeout,
		ScrollSettle:       cfg.ScrollSettle,
		ClaimTTL:           cfg.ClaimTTL,
		NotebookLease:      cfg.NotebookLease,
		FailureScreenshots: cfg.FailureScreenshots,
	}, log, rec)

	if cfg.IdempotencyTTL == 0 {
		replays = nil
	}

	server := api.NewServer(sessions, executor, api.Options{
		APIKey:          cfg.APIKey,
		RateLimit:       cfg.RateLimit,
		Metrics:         rec,
		Artifacts:       artifacts.Handler(),
		ArtifactPrefix:  artifactRoutePrefix(cfg.ArtifactBaseURL),
		Idempotency:     replays,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		IdempotencyLock: cfg.ExecutionBudget(),
	}, log)

	return &app{
		handler:  server.Routes(),
		sessions: sessions,
		redis:    redisClient,
		log:      log,
	}, nil
}

func newLauncher(backend string, log *zap.Logger) (browser.Launcher, error) {
	switch backend {
	case config.BackendDevTools, "":
		return browser.NewDevToolsLauncher(log), nil
	case config.BackendChromedp:
		return browser.NewChromedpLauncher(log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// artifactRoutePrefix is the path artifacts are mounted on, taken from the
// public base URL they are advertised under.
func artifactRoutePrefix(baseURL string) string {
	if strings.HasPrefix(baseURL, "/") {
		return baseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Path == "" {
		return "/artifacts"
	}
	return parsed.Path
}

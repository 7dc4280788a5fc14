// Command syncd mounts the sync engine for one user and serves its cached
// view and actions over a local HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeforge-sync/internal/application"
	"codeforge-sync/internal/config"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/api"
	"codeforge-sync/internal/infra/auth"
	"codeforge-sync/internal/infra/cache"
	"codeforge-sync/internal/infra/changefeed"
	pg "codeforge-sync/internal/infra/db/postgres"
	"codeforge-sync/internal/infra/gateway"
	"codeforge-sync/internal/infra/i18n"
	"codeforge-sync/internal/infra/logging"
	"codeforge-sync/internal/infra/metrics"
	"codeforge-sync/internal/infra/notify"
	red "codeforge-sync/internal/infra/redis"
	"codeforge-sync/internal/infra/sched"
	"codeforge-sync/internal/infra/security"
	"codeforge-sync/internal/infra/stream"
	"codeforge-sync/internal/infra/telemetry"
	"codeforge-sync/internal/infra/worker"
	"codeforge-sync/internal/usecase"

	"github.com/jackc/pgx/v4/pgxpool"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, unredacted content)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		boot := logging.New(config.LogConfig{}, true)
		boot.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry")
	}

	// ---- Credentials & gateway ----
	creds, err := auth.NewStaticSource(cfg.Auth.Token, cfg.Auth.UserID)
	if err != nil {
		logger.Fatal().Err(err).Msg("auth")
	}
	if exp := creds.ExpiresAt(); !exp.IsZero() {
		logger.Info().Time("expires_at", exp).Str("user_id", creds.UserID()).Msg("credential loaded")
	}
	gw := gateway.New(cfg.Gateway.BaseURL, creds, cfg.Gateway.Timeout, gateway.WithLogger(logging.Component(logger, "gateway")))

	// ---- Fetch pool & cache ----
	pool := worker.NewPool(cfg.Cache.Workers, logging.Component(logger, "fetch-pool"))
	pool.Start(ctx)
	defer pool.Stop()

	var redisClient *red.Client
	if cfg.Redis.URL != "" {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
	}

	cacheOpts := []cache.Option{
		cache.WithExecutor(pool),
		cache.WithLogger(logging.Component(logger, "cache")),
		cache.WithFetchTimeout(cfg.Cache.FetchTimeout),
	}
	if cfg.Redis.Snapshot {
		var snapOpts []red.SnapshotOption
		if cfg.Redis.SnapshotKey != "" {
			sealer, err := security.NewSealer(cfg.Redis.SnapshotKey)
			if err != nil {
				logger.Fatal().Err(err).Msg("snapshot sealer")
			}
			snapOpts = append(snapOpts, red.WithSealer(sealer))
		}
		cacheOpts = append(cacheOpts, cache.WithMirror(red.NewSnapshotStore(redisClient, cfg.Redis.TTL, creds.UserID(), snapOpts...)))
	}
	store := cache.New(cacheOpts...)
	defer store.Close()
	usecase.RegisterSources(store, gw, cfg.Jobs.ListLimit)

	// ---- Change-feed backend ----
	var backend adapter.ChangeFeed
	switch cfg.ChangeFeed.Backend {
	case "postgres":
		dbPool, err := pg.NewPgxPool(ctx, &cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer dbPool.Close()
		go reportPoolStats(ctx, dbPool)
		backend = pg.NewListenFeed(dbPool, logging.Component(logger, "pg-feed"))
	case "redis":
		backend = red.NewPubSubFeed(redisClient, logging.Component(logger, "redis-feed"))
	}
	var feed adapter.ChangeFeed
	if backend != nil {
		feed = changefeed.NewRegistry(backend, cfg.ChangeFeed.Coalesce)
	}

	// ---- Notifications ----
	translator, err := i18n.NewTranslator(i18n.LocalesFS, cfg.Locale)
	if err != nil {
		logger.Fatal().Err(err).Msg("i18n")
	}
	hub := notify.NewHub(200, translator, logging.Component(logger, "notify"))

	// ---- Use cases ----
	streamLog := logging.Component(logger, "stream")
	newStream := func(opts ...stream.Option) usecase.JobStream {
		opts = append([]stream.Option{
			stream.WithLogger(streamLog),
			stream.WithIdleTimeout(cfg.Stream.IdleTimeout),
		}, opts...)
		return stream.New(gw.APIBase(), creds, opts...)
	}
	projectUC := usecase.NewProjectUseCase(store, feed, hub, logger)
	jobUC := usecase.NewJobUseCase(store, gw, hub, newStream, logger)
	chatUC := usecase.NewChatUseCase(store, gw, hub, model.NewProvisionalIDs(), usecase.ChatOptions{
		HistoryWindow: cfg.Chat.HistoryWindow,
		SendTimeout:   cfg.Chat.SendTimeout,
		Dev:           cfg.Runtime.Dev,
	}, logger)

	agent, err := model.ParseAgentType(cfg.Chat.AgentType)
	if err != nil {
		logger.Fatal().Err(err).Msg("chat.agent_type")
	}
	facade := application.NewSyncFacade(projectUC, jobUC, chatUC, hub, store, agent)

	if err := projectUC.MountUser(ctx, creds.UserID()); err != nil {
		logger.Warn().Err(err).Msg("mounting the project list feed failed")
	}

	// ---- Poll fallback ----
	poller := sched.NewJobPoller(cfg.Jobs.PollInterval, jobUC, logger)
	go func() { _ = poller.Run(ctx) }()

	// ---- Local API ----
	srv := api.NewServer(facade, cfg.API.AllowedOrigins, logger)
	go func() {
		if err := srv.Start(cfg.API.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown")
	}
	if err := facade.Close(); err != nil {
		logger.Warn().Err(err).Msg("teardown")
	}
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
}

func reportPoolStats(ctx context.Context, p *pgxpool.Pool) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := p.Stat()
			metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sync-document-engine/internal/broadcast"
	"github.com/example/sync-document-engine/internal/config"
	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/observability"
	"github.com/example/sync-document-engine/internal/playback"
	"github.com/example/sync-document-engine/internal/presence"
	"github.com/example/sync-document-engine/internal/service"
	"github.com/example/sync-document-engine/internal/snapshot"
	"github.com/example/sync-document-engine/internal/storage"
	"github.com/example/sync-document-engine/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := log.With().Str("app", cfg.AppName).Str("site", cfg.SiteID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server exited")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	observability.RegisterRuntimeCollectors()

	// Health stays red until the backing stores are connected.
	var deps atomic.Pointer[config.Resources]
	shutdownTelemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   cfg.SiteID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
		Health: func(ctx context.Context) error {
			if res := deps.Load(); res != nil {
				return res.HealthCheck(ctx)
			}
			return errors.New("dependencies not connected")
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	defer resources.Close()
	deps.Store(resources)

	if err := resources.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("snapshot bucket: %w", err)
	}
	wal := storage.NewWAL(resources.Postgres)
	if err := wal.EnsureSchema(ctx); err != nil {
		return err
	}

	engine := crdt.NewEngine(cfg.SiteID, logger)
	loader := playback.NewObjectLoader(resources.Object)
	rec := recovery{wal: wal, engine: engine, loader: loader, bucket: cfg.Object.Bucket, logger: logger}
	if err := rec.replay(ctx); err != nil {
		return err
	}

	snapshot.NewWorker(wal, engine, snapshot.NewMinioStore(resources.Object), cfg.Object.Bucket, logger,
		snapshot.WithInterval(cfg.Snapshot.Interval),
		snapshot.WithWALThreshold(cfg.Snapshot.WALThreshold),
		snapshot.WithObjectThreshold(cfg.Snapshot.ObjectThreshold),
	).Start(ctx)

	registry := ws.NewConnectionRegistry()
	relay := broadcast.NewRedisBroadcaster(resources.Redis, registry, engine, logger,
		broadcast.WithTopicPrefix(cfg.Redis.TopicPrefix),
	)
	relay.Start(ctx)
	presenceSvc := presence.NewService(resources.Redis, registry, logger,
		presence.WithOrigin(cfg.SiteID),
		presence.WithTTL(cfg.Presence.TTL),
		presence.WithPrefix(cfg.Presence.Prefix),
	)
	presenceSvc.Start(ctx)

	mutations := service.New(engine, wal, relay, logger)
	gateway, err := ws.NewGateway(ws.QueryAuth, registry, logger, presenceSvc.WrapHooks(mutations.Hooks()), ws.GatewayConfig{
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
		SendBuffer:        cfg.WS.SendBuffer,
		AllowedOrigins:    cfg.WS.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	history := playback.NewService(wal, cfg.Object.Bucket, loader, logger, playback.WithCacheSize(cfg.PlaybackCacheSize))

	mux := http.NewServeMux()
	mux.Handle("GET /ws", gateway)
	playback.NewHTTPHandler(history, logger).Register(mux)
	srv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Int("documents", len(engine.Documents())).Msg("serving")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	go maintain(ctx, cfg.HealthcheckProbe, rec, resources, logger)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	rec.checkpoint(shutdownCtx)
	return nil
}

// maintain checkpoints every document and probes the backing stores on
// each tick until ctx ends.
func maintain(ctx context.Context, every time.Duration, rec recovery, resources *config.Resources, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec.checkpoint(ctx)
		if err := resources.HealthCheck(ctx); err != nil {
			logger.Error().Err(err).Msg("dependency healthcheck failed")
		}
	}
}

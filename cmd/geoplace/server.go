package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geoplace/geoplace/api/handlers"
	"github.com/geoplace/geoplace/broadcast"
	"github.com/geoplace/geoplace/cache"
	"github.com/geoplace/geoplace/canvas"
	"github.com/geoplace/geoplace/config"
	"github.com/geoplace/geoplace/internal/metrics"
	"github.com/geoplace/geoplace/internal/server"
	"github.com/geoplace/geoplace/pipeline"
	"github.com/geoplace/geoplace/scheduler"
	"github.com/geoplace/geoplace/world"
)

// Server wires every component and runs the API and metrics listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	apiSrv     *server.Manager
	metricsSrv *server.Manager

	sched       *scheduler.Scheduler
	registry    *world.Registry
	broadcaster *broadcast.Broadcaster

	rateLimitCancel context.CancelFunc
}

// NewServer builds the full component graph from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	store := canvas.NewStore(canvas.Config{
		TilePx:    cfg.Canvas.TilePx,
		TilesWide: cfg.Canvas.TilesWide(),
		TilesHigh: cfg.Canvas.TilesHigh(),
	}, logger)

	index, err := buildCacheIndex(cfg, logger)
	if err != nil {
		return nil, err
	}

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry, err := world.NewRegistry(world.Config{
		Driver: cfg.World.Driver,
		DSN:    cfg.World.DSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	broadcastCfg := broadcast.DefaultConfig()
	broadcastCfg.OnDrop = collector.BroadcastDrops.Inc
	broadcaster := broadcast.New(broadcastCfg, logger)

	sched := scheduler.New(scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		PerTileCooldown: cfg.Scheduler.PerTileCooldown,
		StageTimeout:    cfg.Scheduler.StageTimeout,
		EnableRefine:    cfg.Scheduler.EnableRefine,
		TilePx:          cfg.Canvas.TilePx,
	}, store, index, adapter, registry, broadcaster, collector, logger)

	h := handlers.New(store, sched, registry, index, broadcaster, collector, Version, logger)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.Handle("GET /assets/glb/", http.StripPrefix("/assets/glb/",
		http.FileServer(http.Dir(cfg.Pipeline.AssetsDir))))

	rateCtx, rateCancel := context.WithCancel(context.Background())
	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(logger),
		MetricsMiddleware(collector),
		CORS(cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateCtx, float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst, logger),
	)

	apiSrv := server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    0, // the websocket feed holds connections open
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		MaxHeaderBytes:  server.DefaultConfig().MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", collector.Handler())
	metricsSrv := server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     server.DefaultConfig().ReadTimeout,
		WriteTimeout:    server.DefaultConfig().ReadTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		MaxHeaderBytes:  server.DefaultConfig().MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger.With(zap.String("listener", "metrics")))

	return &Server{
		cfg:             cfg,
		logger:          logger,
		apiSrv:          apiSrv,
		metricsSrv:      metricsSrv,
		sched:           sched,
		registry:        registry,
		broadcaster:     broadcaster,
		rateLimitCancel: rateCancel,
	}, nil
}

func buildCacheIndex(cfg *config.Config, logger *zap.Logger) (cache.Index, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisIndex(cache.RedisConfig{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			LeaseTTL: cfg.Cache.LeaseTTL,
		}, logger)
	default:
		return cache.NewMemoryIndex(cfg.Cache.LeaseTTL, logger), nil
	}
}

func buildAdapter(cfg *config.Config, logger *zap.Logger) (pipeline.StageAdapter, error) {
	switch cfg.Pipeline.Mode {
	case "remote":
		return pipeline.NewRemoteAdapter(pipeline.RemoteConfig{
			VLMURL:          cfg.Pipeline.VLMURL,
			VLMToken:        cfg.Pipeline.VLMToken,
			ImageURL:        cfg.Pipeline.ImageURL,
			MeshURL:         cfg.Pipeline.MeshURL,
			RefineURL:       cfg.Pipeline.RefineURL,
			ImageModel:      cfg.Pipeline.ImageModel,
			ImageResolution: cfg.Pipeline.ImageResolution,
			StepsLight:      cfg.Pipeline.StepsLight,
			StepsRefine:     cfg.Pipeline.StepsRefine,
			Timeout:         cfg.Scheduler.StageTimeout,
		}, logger), nil
	case "dummy":
		return pipeline.NewDummyAdapter(pipeline.DummyConfig{
			AssetsDir: cfg.Pipeline.AssetsDir,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown pipeline mode: %q", cfg.Pipeline.Mode)
	}
}

// Start brings up both listeners.
func (s *Server) Start() error {
	if err := s.apiSrv.Start(); err != nil {
		return err
	}
	if err := s.metricsSrv.Start(); err != nil {
		_ = s.apiSrv.Shutdown(context.Background())
		return err
	}
	s.logger.Info("GeoPlace serving",
		zap.String("api_addr", s.apiSrv.BoundAddr()),
		zap.String("metrics_addr", s.metricsSrv.BoundAddr()),
	)
	return nil
}

// WaitForShutdown blocks until a signal or fatal server error, then tears
// everything down in order: listeners, scheduler, broadcaster, registry.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-s.apiSrv.Errors():
		s.logger.Error("api server failed", zap.Error(err))
	case err := <-s.metricsSrv.Errors():
		s.logger.Error("metrics server failed", zap.Error(err))
	}

	if err := s.Shutdown(context.Background()); err != nil {
		s.logger.Error("shutdown error", zap.Error(err))
	}
}

// Shutdown stops both listeners concurrently, then the background
// components.
func (s *Server) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.apiSrv.Shutdown(ctx) })
	g.Go(func() error { return s.metricsSrv.Shutdown(ctx) })
	err := g.Wait()

	s.rateLimitCancel()
	s.sched.Close()
	s.broadcaster.Close()
	if cerr := s.registry.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

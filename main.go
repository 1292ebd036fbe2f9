package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"kanban-api/api"
	"kanban-api/blob"
	"kanban-api/cleanup"
	"kanban-api/config"
	"kanban-api/realtime"
	"kanban-api/service"
	"kanban-api/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := newTracerProvider(cfg.Debug)
	otel.SetTracerProvider(tp)

	var rc *redis.Client
	if cfg.RedisConnStr != "" {
		opts, err := config.RedisOptions(cfg.RedisConnStr)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
	}

	store, closeStore, err := openStore(ctx, cfg, rc)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	blobs, err := openBlobs(cfg)
	if err != nil {
		logger.Fatalf("blob store: %v", err)
	}

	var sink cleanup.Sink = cleanup.NewBlobRemover(blobs, logger)
	if cfg.CleanupQueue != "" {
		q, err := cleanup.NewQueue(cfg.StorageConnStr, cfg.CleanupQueue)
		if err != nil {
			logger.Fatalf("cleanup queue: %v", err)
		}
		sink = q
	}
	pool := cleanup.NewPool(sink, cleanup.PoolConfig{
		Workers: cfg.CleanupWorkers,
		Buffer:  cfg.CleanupBuffer,
		Timeout: cfg.CleanupTimeout,
	}, logger)

	registry := realtime.NewRegistry(cfg.SessionBuffer, logger)
	var bus *realtime.Bus
	if rc != nil {
		bus = realtime.NewBus(registry, realtime.NewRedisBridge(rc, cfg.RealtimeChannel, logger), logger)
	} else {
		bus = realtime.NewBus(registry, nil, logger)
	}
	go bus.Run(ctx)

	tokens, err := realtime.NewTokens(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		logger.Fatalf("session tokens: %v", err)
	}
	if cfg.SessionSecret == "" {
		logger.Warn("SESSION_SECRET not set, session tokens will not survive a restart")
	}
	if cfg.PublicBaseURL == "" {
		logger.Warn("PUBLIC_BASE_URL not set, file cleanup follows upload links on any host")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, api.SessionHeader, api.IdempotencyHeader},
	}))
	e.Use(api.RequestLogger(logger))

	var dedupe api.Deduper
	if rc != nil {
		dedupe = api.NewRedisDeduper(rc, cfg.IdempotencyTTL)
	}
	api.Register(e, api.Deps{
		Service:  service.New(store, bus, pool, logger, service.WithUploadBase(cfg.PublicBaseURL)),
		Blobs:    blobs,
		Registry: registry,
		Bus:      bus,
		Tokens:   tokens,
		Options: api.Options{
			PublicBaseURL:  cfg.PublicBaseURL,
			MaxUploadBytes: cfg.MaxUploadBytes,
			Heartbeat:      cfg.HeartbeatPeriod,
		},
		Idempotency: dedupe,
	}, logger)

	go func() {
		logger.Infof("listening on %s, store: %s", cfg.ListenAddr, cfg.StoreDriver)
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Streams never finish on their own; close them before draining requests.
	registry.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	pool.Close()
	if closeStore != nil {
		if err := closeStore(); err != nil {
			logger.Errorf("close storage: %v", err)
		}
	}
	if rc != nil {
		_ = rc.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("tracer shutdown: %v", err)
	}
}

func newTracerProvider(debug bool) *sdktrace.TracerProvider {
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))
	if debug {
		sampler = sdktrace.AlwaysSample()
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler))
}

// openStore picks the backend named by STORE_DRIVER and puts the board cache
// in front of it when redis is configured.
func openStore(ctx context.Context, cfg config.Config, rc *redis.Client) (service.Store, func() error, error) {
	var (
		store     service.Store
		closeFunc func() error
	)
	switch cfg.StoreDriver {
	case config.DriverTables:
		s, err := storage.NewTables(cfg.StorageConnStr, cfg.BoardsTable, cfg.TasksTable)
		if err != nil {
			return nil, nil, err
		}
		store = s
	case config.DriverPostgres:
		s, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		store, closeFunc = s, s.Close
	default:
		store = storage.NewMemory()
	}
	if rc != nil {
		store = storage.NewCache(store, rc, cfg.BoardCacheTTL)
	}
	return store, closeFunc, nil
}

func openBlobs(cfg config.Config) (blob.Store, error) {
	if cfg.BlobContainer != "" {
		return blob.NewAzure(cfg.StorageConnStr, cfg.BlobContainer)
	}
	return blob.NewDisk(cfg.UploadsDir)
}

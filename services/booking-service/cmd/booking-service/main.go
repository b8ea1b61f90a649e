package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/md-rashed-zaman/slotguard/libs/config"
	"github.com/md-rashed-zaman/slotguard/libs/grpcx"
	"github.com/md-rashed-zaman/slotguard/libs/httpx"
	otelx "github.com/md-rashed-zaman/slotguard/libs/otel"
	"github.com/md-rashed-zaman/slotguard/libs/runtime"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/retry"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	var closers []runtime.Closer
	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "driver", cfg.storageDriver, "err", err)
		os.Exit(1)
	}
	if store.run != nil {
		go store.run(ctx)
	}

	detector := conflict.NewDetector(store.repo, conflict.Config{
		DayStart:       cfg.dayStart,
		DayEnd:         cfg.dayEnd,
		Step:           cfg.slotStep,
		MaxCandidates:  cfg.maxCandidates,
		MaxSuggestions: cfg.maxSuggestions,
	})
	engine := booking.NewEngine(store.repo, detector, store.events, logger, booking.Config{Buffer: cfg.buffer})

	collector := metrics.NewCollector("slotguard")
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.retryAttempts
	policy.BaseDelay = cfg.retryBaseDelay
	policy.MaxJitter = cfg.retryJitter
	bookingHandler := handlers.NewBookingHandler(engine, policy, collector, logger)

	readyChecks := store.checks
	var limiter httpx.Limiter = httpx.NewMemoryLimiter(cfg.rateLimit, cfg.rateWindow)
	if cfg.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		limiter = httpx.NewRedisLimiter(rdb, cfg.rateLimit, cfg.rateWindow, service+":rl:")
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
		closers = append(closers, runtime.Closer{Name: "redis", Close: func(context.Context) error { return rdb.Close() }})
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("GET /metrics", collector.Handler())
	bookingHandler.Register(mux, httpx.RateLimit(limiter, cfg.rateWindow, logger, cfg.rateFailOpen))

	httpHandler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(cfg.requestTimeout),
		httpx.WithObserver(collector.ObserveHTTP),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + cfg.port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, health := grpcx.NewHealthServer(logger)
	lis, err := net.Listen("tcp", ":"+cfg.grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "storage", cfg.storageDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()
	go func() {
		logger.Info("grpc health server starting", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	<-ctx.Done()
	health.Shutdown()

	closers = append([]runtime.Closer{
		{Name: "http", Close: srv.Shutdown},
		{Name: "grpc", Close: func(context.Context) error { grpcSrv.GracefulStop(); return nil }},
	}, closers...)
	closers = append(closers, store.closers...)
	if otelShutdown != nil {
		closers = append(closers, runtime.Closer{Name: "otel", Close: otelShutdown})
	}
	runtime.Shutdown(logger, 10*time.Second, closers...)
	logger.Info("booking service stopped")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"tripbooker/cmd/server/config"
	"tripbooker/internal/adapters/grpc"
	"tripbooker/internal/adapters/httpapi"
	"tripbooker/internal/booking"
	"tripbooker/internal/booking/saga"
	"tripbooker/internal/itinerary"
	"tripbooker/internal/lock"
	"tripbooker/internal/observability"
	"tripbooker/internal/payments"
	"tripbooker/internal/providers"
	"tripbooker/internal/realtime"
	"tripbooker/internal/reconcile"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := config.LoadApp()
	logger, err := newLogger(app)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, app, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(app config.AppConfig) (*zap.Logger, error) {
	if app.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// buildRegistry maps item types to the simulated providers, wrapped with retry, breaker and
// rate limiting when PROVIDER_* settings are present.
func buildRegistry(metrics *observability.Metrics) (*booking.Registry, error) {
	registry := providers.NewSet(-1).Registry()
	if !config.ProviderReliabilityConfigured() {
		return registry, nil
	}
	cfg, err := saga.LoadReliabilityConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return saga.NewReliableRegistry(registry, cfg, metrics), nil
}

// logEvents records every saga status change at debug level.
func logEvents(logger *zap.Logger) saga.Observer {
	return func(ev saga.Event) {
		logger.Debug("saga event",
			zap.String("request_id", ev.RequestID),
			zap.String("item_id", ev.ItemID),
			zap.String("item_type", string(ev.ItemType)),
			zap.String("phase", string(ev.Phase)),
			zap.String("status", ev.Status),
			zap.String("error", ev.Error),
		)
	}
}

func run(ctx context.Context, app config.AppConfig, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	registry, err := buildRegistry(metrics)
	if err != nil {
		return err
	}

	opts := itinerary.Options{
		Logger:      logger,
		Metrics:     metrics,
		Observer:    saga.FanOut(hub.Observer(), logEvents(logger)),
		Workers:     sagaCfg.Workers,
		CallTimeout: sagaCfg.CallTimeout,
	}

	var (
		redisClient *redis.Client
		worker      *asynq.Server
		workerRedis asynq.RedisClientOpt
		queueCfg    config.QueueConfig
	)
	if config.RedisConfigured() {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			return err
		}
		redisOpts, err := redisOptions(redisCfg)
		if err != nil {
			return err
		}
		if redisClient, err = buildRedisClient(ctx, redisCfg); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		}()

		lockOpts := []lock.Option{lock.WithTTL(redisCfg.LockTTL)}
		if redisCfg.LockPrefix != "" {
			lockOpts = append(lockOpts, lock.WithPrefix(redisCfg.LockPrefix))
		}
		opts.Locker = lock.NewRedisLocker(redisClient, lockOpts...)

		if queueCfg, err = config.LoadQueue(); err != nil {
			return err
		}
		workerRedis = asynqRedisOpt(redisOpts)
		queueClient := asynq.NewClient(workerRedis)
		defer func() { _ = queueClient.Close() }()
		opts.Retries = reconcile.NewScheduler(queueClient, reconcile.SchedulerConfig{
			Queue:    queueCfg.Name,
			MaxRetry: queueCfg.MaxRetry,
			Delay:    queueCfg.RetryDelay,
			Logger:   logger,
		})
		logger.Info("redis lock and compensation queue enabled", zap.String("queue", queueCfg.Name))
	} else {
		logger.Warn("REDIS_URL not set, using in-process itinerary lock without compensation retries")
	}

	service, cleanup := itinerary.BuildService(ctx, app.DatabaseURL, registry, opts)
	defer cleanup()

	if redisClient != nil {
		worker = asynq.NewServer(workerRedis, asynq.Config{
			Concurrency: queueCfg.Concurrency,
			Queues:      map[string]int{queueCfg.Name: 1},
			Logger:      logger.Sugar(),
		})
		if err := worker.Start(reconcile.NewServeMux(service, logger)); err != nil {
			return fmt.Errorf("start compensation worker: %w", err)
		}
		defer worker.Shutdown()
	}

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	limiter := newGrpcRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpc.RegisterBookingServiceServer(server, grpc.NewBookingServer(service))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.BookingServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !app.Production() {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled", zap.String("app_env", app.Env))
	}

	httpSrv, err := startHTTPServer(service, hub, metrics, redisClient, logger)
	if err != nil {
		return err
	}

	logger.Info("server running", zap.String("grpc_addr", grpcCfg.Addr), zap.String("http_addr", httpSrv.Addr))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus(grpc.BookingServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func startHTTPServer(
	service *itinerary.Service,
	hub *realtime.Hub,
	metrics *observability.Metrics,
	redisClient *redis.Client,
	logger *zap.Logger,
) (*http.Server, error) {
	cfg, err := config.LoadHTTP()
	if err != nil {
		return nil, err
	}
	stripeCfg, err := config.LoadStripe()
	if err != nil {
		return nil, err
	}

	routerCfg := httpapi.Config{
		Service: service,
		Events:  hub,
		Metrics: metrics,
		Logger:  logger,
	}
	if stripeCfg.WebhookSecret != "" {
		routerCfg.Payments = payments.NewStripeWebhook(stripeCfg.WebhookSecret, stripeCfg.Tolerance)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, stripe webhook disabled")
	}
	if redisClient != nil {
		routerCfg.Ready = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv, nil
}

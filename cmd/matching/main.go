package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richxcame/ride-matching/internal/geo"
	"github.com/richxcame/ride-matching/internal/matching"
	"github.com/richxcame/ride-matching/internal/notifications"
	"github.com/richxcame/ride-matching/internal/pricing"
	"github.com/richxcame/ride-matching/internal/scheduler"
	"github.com/richxcame/ride-matching/pkg/common"
	"github.com/richxcame/ride-matching/pkg/config"
	"github.com/richxcame/ride-matching/pkg/database"
	"github.com/richxcame/ride-matching/pkg/health"
	"github.com/richxcame/ride-matching/pkg/logger"
	"github.com/richxcame/ride-matching/pkg/middleware"
	"github.com/richxcame/ride-matching/pkg/redis"
	"github.com/richxcame/ride-matching/pkg/resilience"
	"github.com/richxcame/ride-matching/pkg/tracing"
	"go.uber.org/zap"
)

const (
	serviceName    = "matching"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting matching service",
		zap.String("environment", cfg.Server.Environment),
		zap.String("version", serviceVersion),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, &cfg.Tracing, serviceName, cfg.Server.Environment)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Server.Environment,
			Release:     serviceName + "@" + serviceVersion,
		}); err != nil {
			logger.Warn("Failed to initialize Sentry", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := database.RunMigrations(&cfg.Database); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(pool)
	logger.Info("Connected to PostgreSQL")

	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	var (
		publisher notifications.Publisher
		natsConn  *nats.Conn
	)
	if cfg.NATS.Enabled {
		natsConn, err = notifications.Connect(&cfg.NATS, serviceName)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()
		publisher = natsConn
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		logger.Warn("NATS disabled, notifications will only be logged")
	}

	notifyBreaker := resilience.NewCircuitBreaker(
		resilience.BuildSettings("notifications", 60, 30, 5, 1),
		nil,
	)
	notifier := notifications.NewService(publisher, notifyBreaker, cfg.NATS.SubjectPrefix)
	defer notifier.Wait()

	quoter := pricing.NewService(pricing.NewRepository(pool), redisClient, cfg.Matching.KekeFallbackFare)
	locations := geo.NewLocationStore(redisClient)
	store := matching.NewRepository(pool)
	matchingCfg := matching.Config{
		GracePeriod:         cfg.Matching.GracePeriod,
		ScheduleEarlyWindow: cfg.Matching.ScheduleEarlyWindow,
		ScheduleLateWindow:  cfg.Matching.ScheduleLateWindow,
		GroupWindow:         cfg.Matching.GroupWindow,
		ClaimTTL:            cfg.Matching.ClaimTTL,
		MaxBroadcasts:       cfg.Matching.MaxBroadcasts,
	}

	service := matching.NewService(store, quoter, notifier, locations, matching.SystemClock{}, matchingCfg)
	matcher := matching.NewMatcher(store, notifier, matching.SystemClock{}, matchingCfg)
	handler := matching.NewHandler(service)

	worker := scheduler.NewWorker(matcher, redisClient, logger.Get(), cfg.Matching.CycleInterval, cfg.Matching.LeaseTTL)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Start(ctx)
	}()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.Server.CORSOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	router.Use(cors.New(corsConfig))

	checks := map[string]common.CheckFunc{
		"postgres": health.PoolChecker(pool),
		"redis":    health.RedisChecker(redisClient.Client),
	}
	if natsConn != nil {
		checks["nats"] = func(ctx context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		}
	}

	router.GET("/healthz", common.HealthCheck(serviceName, serviceVersion))
	router.GET("/health/ready", common.HealthCheckWithDeps(serviceName, serviceVersion, 3*time.Second, checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.RegisterRoutes(router, cfg.JWT.Secret)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Matching service listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down matching service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	worker.Stop()
	<-workerDone

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}

	logger.Info("Matching service stopped")
}

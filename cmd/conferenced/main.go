// Command conferenced runs the conferencing signaling server: it wires the
// Scheduler to a WebSocket hosting layer behind gin, with metrics, health,
// tracing, and rate limiting middleware attached.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/conferenced/backend/internal/v1/auth"
	"github.com/conferenced/backend/internal/v1/config"
	"github.com/conferenced/backend/internal/v1/health"
	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/mediabackend/mediabackendgrpc"
	"github.com/conferenced/backend/internal/v1/mediabackend/mediabackendtest"
	"github.com/conferenced/backend/internal/v1/middleware"
	"github.com/conferenced/backend/internal/v1/ratelimit"
	"github.com/conferenced/backend/internal/v1/scheduler"
	"github.com/conferenced/backend/internal/v1/tracing"
	"github.com/conferenced/backend/internal/v1/transport"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "invalid configuration", zap.Error(err))
	}

	if tp, err := tracing.InitTracer(ctx, "conferenced", os.Getenv("OTEL_COLLECTOR_ADDR")); err != nil {
		logging.Warn(ctx, "tracing disabled, collector unreachable", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	validator := buildValidator(ctx, cfg)

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient, validator)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	sched := scheduler.New(buildMediaBackend(), transport.DefaultMediaCodecs())
	hub := transport.NewHub(sched, validator, cfg.DevelopmentMode, rateLimiter)
	healthHandler := health.NewHandler(redisClient)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("conferenced"))
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsCfg))
	router.Use(rateLimiter.GlobalMiddleware())

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/room/:roomId", hub.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		logging.Info(ctx, "conferenced starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
	}
	logging.Info(ctx, "exited")
}

func buildValidator(ctx context.Context, cfg *config.Config) transport.TokenValidator {
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled, do not use in production")
		return &auth.MockValidator{}
	}
	if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
		logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
	}
	v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize auth validator", zap.Error(err))
	}
	return v
}

// buildMediaBackend wraps the in-memory mediabackendtest fake in the
// circuit-breaking backend. Only CreateRouter calls pass through the
// breaker; transports, producers and consumers are called directly.
func buildMediaBackend() *mediabackendgrpc.CircuitBreakingBackend {
	return mediabackendgrpc.New(mediabackendtest.New())
}

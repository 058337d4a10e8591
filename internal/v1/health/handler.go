package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/conferenced/backend/internal/v1/logging"
	"go.uber.org/zap"
)

// MediaBackendChecker checks the readiness of the external media worker process.
type MediaBackendChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultMediaBackendChecker probes the media worker's gRPC health service.
type DefaultMediaBackendChecker struct{}

// Check verifies gRPC connectivity to the media worker using the standard health protocol.
func (c *DefaultMediaBackendChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "failed to connect to media worker for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "",
	})
	if err != nil {
		logging.Error(ctx, "media worker health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "media worker is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	redisClient       *redis.Client
	mediaBackendAddr  string
	mediaBackendCheck bool
	checker           MediaBackendChecker
}

// NewHandler creates a new health check handler. redisClient may be nil when
// the rate limiter is running in memory-only (single-instance) mode.
func NewHandler(redisClient *redis.Client) *Handler {
	addr := os.Getenv("MEDIA_WORKER_ADDR")
	if addr == "" {
		addr = "localhost:50051"
	}

	enabled := os.Getenv("MEDIA_WORKER_HEALTH_CHECK_ENABLED") != "false"

	return &Handler{
		redisClient:       redisClient,
		mediaBackendAddr:  addr,
		mediaBackendCheck: enabled,
		checker:           &DefaultMediaBackendChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Always 200 while the process is up.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. 503 if any dependency is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.mediaBackendCheck {
		backendStatus := h.checkMediaBackend(ctx)
		checks["media_backend"] = backendStatus
		if backendStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisClient == nil {
		return "healthy"
	}
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkMediaBackend(ctx context.Context) string {
	if h.checker == nil {
		return "unhealthy"
	}
	return h.checker.Check(ctx, h.mediaBackendAddr)
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}

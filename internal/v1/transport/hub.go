// Package transport hosts the WebSocket entry point: authenticating
// clients, upgrading connections, and wiring each Conn to the Scheduler so
// that signaling requests reach it and its notifications reach the client.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/conferenced/backend/internal/v1/auth"
	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/mediabackend"
	"github.com/conferenced/backend/internal/v1/metrics"
	"github.com/conferenced/backend/internal/v1/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenValidator authenticates a bearer token into claims. Satisfied by
// *auth.Validator and *auth.MockValidator.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ConnectLimiter enforces the WebSocket connect-time rate limits. Satisfied
// by *ratelimit.RateLimiter.
type ConnectLimiter interface {
	CheckWebSocket(c *gin.Context) bool
	CheckWebSocketUser(ctx context.Context, peerID string) error
}

// Hub is the single process-wide owner of the Scheduler and the WebSocket
// upgrade path; one Hub serves every room.
type Hub struct {
	scheduler *scheduler.Scheduler
	validator TokenValidator
	limiter   ConnectLimiter
	devMode   bool

	mu    sync.Mutex
	conns map[scheduler.PeerIdType]*Conn
}

// NewHub builds a Hub over an already-constructed Scheduler. limiter may be
// nil, in which case connect-time rate limiting is skipped (tests commonly
// do this).
func NewHub(sched *scheduler.Scheduler, validator TokenValidator, devMode bool, limiter ConnectLimiter) *Hub {
	return &Hub{
		scheduler: sched,
		validator: validator,
		limiter:   limiter,
		devMode:   devMode,
		conns:     make(map[scheduler.PeerIdType]*Conn),
	}
}

// ServeWs authenticates the request, validates its Origin, upgrades to
// WebSocket, and joins the peer to the Scheduler.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	token, err := extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), string(claims.PeerID())); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this peer"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	peerID := claims.PeerID()
	if h.devMode {
		if username := c.Query("username"); username != "" {
			peerID = scheduler.PeerIdType(username)
		}
	}
	connectionID := scheduler.ConnectionIdType(uuid.NewString())
	displayName := claims.DisplayName()
	if username := c.Query("username"); username != "" {
		displayName = username
	}

	conn := newConn(ws, h.scheduler, peerID, connectionID)

	h.mu.Lock()
	h.conns[peerID] = conn
	h.mu.Unlock()

	ctx := logging.WithPeerContext(c.Request.Context(), peerID)
	if _, err := h.scheduler.Join(ctx, peerID, connectionID, conn, scheduler.JoinRequest{DisplayName: displayName}); err != nil {
		logging.Warn(ctx, "join failed", logging.PeerField(peerID), zap.Error(err))
		ws.Close()
		return
	}

	metrics.IncConnection()
	logging.Info(ctx, "peer connected", zap.String("peerId", string(peerID)), zap.String("connectionId", string(connectionID)))

	go conn.writePump()
	conn.readPump(context.Background())
}

// Shutdown force-disconnects every live connection; used for graceful
// server shutdown.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func extractToken(c *gin.Context) (string, error) {
	if proto := c.GetHeader("Sec-WebSocket-Protocol"); proto != "" {
		for _, part := range strings.Split(proto, ",") {
			part = strings.TrimSpace(part)
			if part != "" && part != "access_token" {
				return part, nil
			}
		}
	}
	if tok := c.Query("token"); tok != "" {
		return tok, nil
	}
	return "", errTokenNotProvided
}

var errTokenNotProvided = &transportError{"token not provided"}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }

// validateOrigin checks the request's Origin header against the configured
// allow-list; absent Origin (non-browser clients) is allowed through.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return &transportError{"origin not allowed: " + origin}
}

// defaultMediaCodecs is the codec table cmd/conferenced hands to every
// Router; there is no configuration option to replace it.
var defaultMediaCodecs = []mediabackend.CodecCapability{
	{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{MimeType: "video/VP8", ClockRate: 90000},
	{MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]any{"packetization-mode": 1}},
}

// DefaultMediaCodecs returns the built-in codec table; exported so
// cmd/conferenced can pass it to scheduler.New without duplicating it.
func DefaultMediaCodecs() []mediabackend.CodecCapability {
	out := make([]mediabackend.CodecCapability, len(defaultMediaCodecs))
	copy(out, defaultMediaCodecs)
	return out
}

package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	PeerIDKey        contextKey = "peer_id"
	RoomIDKey        contextKey = "room_id"
	ConnectionIDKey  contextKey = "connection_id"
)

// Initialize sets up the global logger based on the environment
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		// Common configuration
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// appendContextFields pulls the correlation/peer/room/connection identifiers
// that WithPeerContext/WithRoomContext (or the correlation middleware) stash
// on ctx and attaches them to every log line emitted through that ctx, so a
// dismissal sweep or a single Pull call is traceable without passing the
// same three ids to every call site by hand.
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlationId", cid))
	}
	if pid, ok := ctx.Value(PeerIDKey).(string); ok {
		fields = append(fields, zap.String("peerId", pid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("roomId", rid))
	}
	if connID, ok := ctx.Value(ConnectionIDKey).(string); ok {
		fields = append(fields, zap.String("connectionId", connID))
	}

	fields = append(fields, zap.String("service", "conferenced"))

	return fields
}

// WithPeerContext attaches a peer id to ctx so every subsequent log call
// made with it carries a "peerId" field without the caller repeating it.
// id is constrained to ~string so scheduler.PeerIdType can be passed
// directly without a conversion at every call site.
func WithPeerContext[T ~string](ctx context.Context, id T) context.Context {
	return context.WithValue(ctx, PeerIDKey, string(id))
}

// WithRoomContext attaches a room id to ctx the same way WithPeerContext does
// for peers.
func WithRoomContext[T ~string](ctx context.Context, id T) context.Context {
	return context.WithValue(ctx, RoomIDKey, string(id))
}

// WithCorrelationContext attaches a request correlation id to ctx, the way
// the CorrelationID middleware does for every inbound HTTP request.
func WithCorrelationContext(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithConnectionContext attaches a connection id to ctx, for the lifetime of
// one WebSocket session.
func WithConnectionContext[T ~string](ctx context.Context, id T) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, string(id))
}

// PeerField builds a "peerId" zap.Field from any ~string peer identifier,
// replacing the ad-hoc zap.String("peerId", string(id)) call at every
// scheduler log site with one shared constructor.
func PeerField[T ~string](id T) zap.Field {
	return zap.String("peerId", string(id))
}

// RoomField builds a "roomId" zap.Field.
func RoomField[T ~string](id T) zap.Field {
	return zap.String("roomId", string(id))
}

// ConnectionField builds a "connectionId" zap.Field.
func ConnectionField[T ~string](id T) zap.Field {
	return zap.String("connectionId", string(id))
}

// SourceField builds a "source" zap.Field for a media source tag
// (scheduler.SourceType), used when logging Pull/Produce negotiation.
func SourceField[T ~string](source T) zap.Field {
	return zap.String("source", string(source))
}

// RedactToken masks a bearer/JWT token down to its first segment for log
// lines that need to show a token was present without leaking its claims or
// signature.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	for i, c := range token {
		if c == '.' {
			if i == 0 {
				return "***"
			}
			return token[:i] + ".***"
		}
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}

// Package mediabackendgrpc wraps a mediabackend.Backend with circuit-breaker
// resilience for the one call that crosses a process boundary synchronously
// on the join path (CreateRouter), in the same style the teacher wraps its
// gRPC SFU client calls in pkg/sfu/client.go.
package mediabackendgrpc

import (
	"context"
	"time"

	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/mediabackend"
	"github.com/conferenced/backend/internal/v1/metrics"
	"github.com/sony/gobreaker"
)

// CircuitBreakingBackend decorates a mediabackend.Backend, tripping a
// circuit breaker when the underlying worker process stops responding.
type CircuitBreakingBackend struct {
	inner mediabackend.Backend
	cb    *gobreaker.CircuitBreaker
}

// New wraps inner with a circuit breaker named after the media worker.
func New(inner mediabackend.Backend) *CircuitBreakingBackend {
	st := gobreaker.Settings{
		Name:        "media-backend",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("media-backend").Set(stateVal)
		},
	}
	return &CircuitBreakingBackend{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *CircuitBreakingBackend) CreateRouter(ctx context.Context, mediaCodecs []mediabackend.CodecCapability) (mediabackend.Router, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.CreateRouter(ctx, mediaCodecs)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("media-backend").Inc()
			logging.Warn(ctx, "media backend circuit breaker open: rejecting CreateRouter")
		}
		metrics.MediaBackendCalls.WithLabelValues("CreateRouter", "failure").Inc()
		return nil, err
	}
	metrics.MediaBackendCalls.WithLabelValues("CreateRouter", "success").Inc()
	return result.(mediabackend.Router), nil
}

// Package mediabackendtest provides an in-memory mediabackend.Backend used
// by the scheduler test suite, in the style of the teacher repo's
// MockSFUProvider/MockBusService in-memory test doubles.
package mediabackendtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/conferenced/backend/internal/v1/mediabackend"
)

var idSeq atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idSeq.Add(1))
}

// Backend is a trivial in-memory mediabackend.Backend. CreateRouter fails
// only when FailCreateRouter is set; the other operations fail only when
// called on an already-closed router or transport. Every created object
// behaves synchronously.
type Backend struct {
	FailCreateRouter error
}

func New() *Backend { return &Backend{} }

func (b *Backend) CreateRouter(ctx context.Context, mediaCodecs []mediabackend.CodecCapability) (mediabackend.Router, error) {
	if b.FailCreateRouter != nil {
		return nil, b.FailCreateRouter
	}
	return &router{id: nextID("router")}, nil
}

type router struct {
	mu     sync.Mutex
	id     string
	closed bool
}

func (r *router) ID() string { return r.id }

func (r *router) CreateAudioLevelObserver(ctx context.Context, cfg mediabackend.AudioLevelObserverConfig) (mediabackend.AudioLevelObserver, error) {
	return &audioLevelObserver{}, nil
}

func (r *router) CreateWebRtcTransport(ctx context.Context, cfg mediabackend.WebRtcTransportConfig) (mediabackend.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("router closed")
	}
	return &transport{id: nextID("transport"), router: r}, nil
}

func (r *router) CreatePlainTransport(ctx context.Context, cfg mediabackend.PlainTransportConfig) (mediabackend.Transport, error) {
	return r.CreateWebRtcTransport(ctx, nil)
}

func (r *router) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type transport struct {
	mu     sync.Mutex
	id     string
	router *router
	closed bool
}

func (t *transport) ID() string { return t.id }

func (t *transport) Connect(ctx context.Context, dtls mediabackend.DtlsParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	return nil
}

func (t *transport) Produce(ctx context.Context, kind mediabackend.MediaKind, rtp mediabackend.RtpParameters, appData map[string]any) (mediabackend.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	return &producer{id: nextID("producer"), kind: kind, appData: appData}, nil
}

func (t *transport) Consume(ctx context.Context, producerID string, caps mediabackend.RtpCapabilities) (mediabackend.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	return &consumer{id: nextID("consumer"), producerID: producerID}, nil
}

func (t *transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type producer struct {
	mu      sync.Mutex
	id      string
	kind    mediabackend.MediaKind
	appData map[string]any
	paused  bool
	closed  bool
}

func (p *producer) ID() string                 { return p.id }
func (p *producer) AppData() map[string]any    { return p.appData }
func (p *producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}
func (p *producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}
func (p *producer) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
func (p *producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
func (p *producer) Stats(ctx context.Context) ([]byte, error) {
	return []byte(`{"id":"` + p.id + `"}`), nil
}

type consumer struct {
	mu         sync.Mutex
	id         string
	producerID string
	paused     bool
	closed     bool
	priority   int
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producerID }
func (c *consumer) SetPreferredLayers(ctx context.Context, spatial, temporal int) error {
	return nil
}
func (c *consumer) SetPriority(ctx context.Context, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority = priority
	return nil
}
func (c *consumer) RequestKeyFrame(ctx context.Context) error { return nil }
func (c *consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}
func (c *consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}
func (c *consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
func (c *consumer) Stats(ctx context.Context) ([]byte, error) {
	return []byte(`{"id":"` + c.id + `"}`), nil
}

type audioLevelObserver struct {
	mu        sync.Mutex
	onVolumes func(entries []mediabackend.VolumeEntry)
	onSilence func()
}

func (o *audioLevelObserver) OnVolumes(fn func(entries []mediabackend.VolumeEntry)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onVolumes = fn
}

func (o *audioLevelObserver) OnSilence(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSilence = fn
}

func (o *audioLevelObserver) Close(ctx context.Context) error { return nil }

// EmitVolumes lets tests simulate a "volumes" event.
func (o *audioLevelObserver) EmitVolumes(entries []mediabackend.VolumeEntry) {
	o.mu.Lock()
	fn := o.onVolumes
	o.mu.Unlock()
	if fn != nil {
		fn(entries)
	}
}

// EmitSilence lets tests simulate a "silence" event.
func (o *audioLevelObserver) EmitSilence() {
	o.mu.Lock()
	fn := o.onSilence
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

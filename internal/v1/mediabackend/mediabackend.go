// Package mediabackend declares the interface boundary to the external
// media worker process (the "MediaBackend"): an opaque process group that
// exposes mediasoup-style Router/Transport/Producer/Consumer objects. This
// package implements none of the media plumbing itself — it only types the
// boundary so the scheduler package can depend on an interface rather than
// a concrete worker implementation.
package mediabackend

import "context"

// MediaKind distinguishes audio from video producers/consumers.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// CodecCapability mirrors a single entry of a Router's configured codec
// table; the core treats its contents as opaque and only threads them
// through to the MediaBackend.
type CodecCapability struct {
	MimeType    string
	ClockRate   int
	Channels    int
	Parameters  map[string]any
	RtcpFbTypes []string
}

// RtpParameters/RtpCapabilities/DtlsParameters are treated as opaque
// capability descriptors; the core never inspects their contents beyond
// passing them to MediaBackend calls, per spec's "codec negotiation policy
// beyond passing through capability descriptors" non-goal.
type RtpParameters map[string]any
type RtpCapabilities map[string]any
type SctpCapabilities map[string]any
type DtlsParameters map[string]any

// AudioLevelObserverConfig configures a Router's AudioLevelObserver.
type AudioLevelObserverConfig struct {
	MaxEntries int
	Threshold  int
	Interval   int
}

// WebRtcTransportConfig/PlainTransportConfig are opaque transport creation
// options passed through to the MediaBackend.
type WebRtcTransportConfig map[string]any
type PlainTransportConfig map[string]any

// VolumeEntry is one entry of an AudioLevelObserver "volumes" event.
type VolumeEntry struct {
	ProducerID string
	Volume     int
}

// Backend is the entry point into the MediaBackend: it creates Routers,
// one per conference Room.
type Backend interface {
	CreateRouter(ctx context.Context, mediaCodecs []CodecCapability) (Router, error)
}

// Router groups the transports, producers, and consumers of a single
// conference Room.
type Router interface {
	ID() string
	CreateAudioLevelObserver(ctx context.Context, cfg AudioLevelObserverConfig) (AudioLevelObserver, error)
	CreateWebRtcTransport(ctx context.Context, cfg WebRtcTransportConfig) (Transport, error)
	CreatePlainTransport(ctx context.Context, cfg PlainTransportConfig) (Transport, error)
	Close(ctx context.Context) error
	Closed() bool
}

// Transport is an ICE/DTLS tunnel between the server and one peer; it
// carries Producers (peer -> server) or Consumers (server -> peer).
type Transport interface {
	ID() string
	Connect(ctx context.Context, dtls DtlsParameters) error
	Produce(ctx context.Context, kind MediaKind, rtp RtpParameters, appData map[string]any) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RtpCapabilities) (Consumer, error)
	Close(ctx context.Context) error
	Closed() bool
}

// Producer is an inbound media stream from a peer.
type Producer interface {
	ID() string
	AppData() map[string]any
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
	Closed() bool
	Stats(ctx context.Context) ([]byte, error)
}

// Consumer is an outbound media stream to a peer subscribing to some
// Producer.
type Consumer interface {
	ID() string
	ProducerID() string
	SetPreferredLayers(ctx context.Context, spatial, temporal int) error
	SetPriority(ctx context.Context, priority int) error
	RequestKeyFrame(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error
	Closed() bool
	Stats(ctx context.Context) ([]byte, error)
}

// AudioLevelObserver emits periodic "who is talking" signals for a Router.
type AudioLevelObserver interface {
	OnVolumes(func(entries []VolumeEntry))
	OnSilence(func())
	Close(ctx context.Context) error
}

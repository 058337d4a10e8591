package scheduler

import (
	"context"
	"sync"

	"github.com/conferenced/backend/internal/v1/channel"
	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/mediabackend"
	"go.uber.org/zap"
)

// transportState is the per-transport lifecycle: Created -> Connected ->
// Closed (terminal).
type transportState string

const (
	transportCreated   transportState = "created"
	transportConnected transportState = "connected"
	transportClosed    transportState = "closed"
)

// mediaState is the per-producer/consumer lifecycle: Active <-> Paused ->
// Closed (terminal).
type mediaState string

const (
	mediaActive mediaState = "active"
	mediaPaused mediaState = "paused"
	mediaClosed mediaState = "closed"
)

type peerProducer struct {
	backend mediabackend.Producer
	source  SourceType
	state   mediaState
}

type peerConsumer struct {
	backend        mediabackend.Consumer
	producerPeerID PeerIdType
	state          mediaState
}

type peerTransport struct {
	backend   mediabackend.Transport
	direction TransportDirection
	state     transportState
	producers map[string]*peerProducer
	consumers map[string]*peerConsumer
}

// PullPadding is a deferred consume intent, recorded on the producer-side
// peer: "when this peer produces source S, create a Consumer on
// ConsumerPeerID".
type PullPadding struct {
	ConsumerPeerID PeerIdType
	ProducerPeerID PeerIdType
	Source         SourceType
}

// Peer owns one participant's transports, producers, consumers, app/internal
// data, and pending pull paddings. It does not hold a reference to its Room
// directly (only currentRoomID); the Scheduler resolves Room objects and
// passes them into Peer methods that need them. This breaks the Peer<->Room
// reference cycle.
type Peer struct {
	mu sync.RWMutex // peer-internal lock: lock-hierarchy level 5

	peerID       PeerIdType
	connectionID ConnectionIdType

	displayName      string
	rtpCapabilities  mediabackend.RtpCapabilities
	sctpCapabilities mediabackend.SctpCapabilities
	sources          map[SourceType]struct{}
	appData          DataMap
	internalData     DataMap

	currentRoomID RoomIdType
	inRoom        bool

	transports map[string]*peerTransport
	// pullPaddings is keyed by source: the set of pending consume intents
	// waiting for THIS peer to start producing that source.
	pullPaddings map[SourceType][]PullPadding

	channel channel.Notifier

	idSeq uint64
}

func newPeer(peerID PeerIdType, connectionID ConnectionIdType, notifier channel.Notifier) *Peer {
	return &Peer{
		peerID:       peerID,
		connectionID: connectionID,
		sources:      make(map[SourceType]struct{}),
		appData:      make(DataMap),
		internalData: make(DataMap),
		transports:   make(map[string]*peerTransport),
		pullPaddings: make(map[SourceType][]PullPadding),
		channel:      notifier,
	}
}

func (p *Peer) nextTransportID() string {
	p.idSeq++
	return string(p.peerID) + "-t" + itoa(p.idSeq)
}

// itoa avoids importing strconv solely for this one conversion inside the
// hot lock-held path.
func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ID returns the peer's stable identity.
func (p *Peer) ID() PeerIdType { return p.peerID }

// ConnectionID returns the peer's current live connection id.
func (p *Peer) ConnectionID() ConnectionIdType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectionID
}

// RoomID returns the room the peer currently belongs to, if any.
func (p *Peer) RoomID() (RoomIdType, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentRoomID, p.inRoom
}

// DisplayName returns the peer's display name.
func (p *Peer) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName
}

// Role returns the server-authoritative role stored under internalData["role"].
func (p *Peer) Role() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	role, ok := p.internalData[RoleKey]
	if !ok {
		return "", false
	}
	s, ok := role.(string)
	return s, ok
}

// AppDataSnapshot returns a shallow copy of appData.
func (p *Peer) AppDataSnapshot() DataMap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(DataMap, len(p.appData))
	for k, v := range p.appData {
		out[k] = v
	}
	return out
}

// InternalDataSnapshot returns a shallow copy of internalData.
func (p *Peer) InternalDataSnapshot() DataMap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(DataMap, len(p.internalData))
	for k, v := range p.internalData {
		out[k] = v
	}
	return out
}

// Notify delegates to the peer's ClientChannel, swallowing and logging the
// error per spec's best-effort delivery policy.
func (p *Peer) Notify(ctx context.Context, n channel.Notification) {
	p.mu.RLock()
	ch := p.channel
	id := p.peerID
	p.mu.RUnlock()
	if ch == nil {
		return
	}
	if err := ch.Notify(ctx, n); err != nil {
		logging.Warn(ctx, "notification delivery failed", logging.PeerField(id), zap.String("type", n.Type), zap.Error(err))
	}
}

// JoinRoomResult is returned by Peer.JoinRoom.
type JoinRoomResult struct {
	RoomID RoomIdType
}

// JoinRoom atomically marks the peer as a member of room and adds it to the
// room's membership, under the room's write lock. Fails with AlreadyInRoom
// if the peer already belongs to a different room.
func (p *Peer) JoinRoom(room *Room) (*JoinRoomResult, error) {
	p.mu.Lock()
	if p.inRoom && p.currentRoomID != room.id {
		p.mu.Unlock()
		return nil, newErr("Peer.JoinRoom", AlreadyInRoom, nil)
	}
	alreadyHere := p.inRoom && p.currentRoomID == room.id
	p.mu.Unlock()

	if alreadyHere {
		return &JoinRoomResult{RoomID: room.id}, nil
	}

	room.add(p)

	p.mu.Lock()
	p.currentRoomID = room.id
	p.inRoom = true
	p.mu.Unlock()

	return &JoinRoomResult{RoomID: room.id}, nil
}

// LeaveRoomResult reports the peer that left and its surviving siblings.
type LeaveRoomResult struct {
	Peer     *Peer
	Siblings []*Peer
}

// LeaveRoom closes all of the peer's transports (cascading to producers and
// consumers on the MediaBackend), clears pull paddings, and removes itself
// from its room.
func (p *Peer) LeaveRoom(ctx context.Context, room *Room) *LeaveRoomResult {
	siblings := room.others(p.peerID)

	p.closeAllTransports(ctx)
	p.clearPullPaddings()

	room.remove(p.peerID)

	p.mu.Lock()
	p.inRoom = false
	p.currentRoomID = ""
	p.mu.Unlock()

	return &LeaveRoomResult{Peer: p, Siblings: siblings}
}

// ForceLeaveRoom is the kick/dismiss variant: it closes transports and
// clears the peer's own room pointer, but does NOT mutate room membership
// (the caller has already removed the peer under the room's membership
// lock). It never returns an error; per-resource failures are logged.
func (p *Peer) ForceLeaveRoom(ctx context.Context) {
	p.closeAllTransports(ctx)
	p.clearPullPaddings()

	p.mu.Lock()
	p.inRoom = false
	p.currentRoomID = ""
	p.mu.Unlock()
}

func (p *Peer) closeAllTransports(ctx context.Context) {
	p.mu.Lock()
	transports := p.transports
	p.transports = make(map[string]*peerTransport)
	p.mu.Unlock()

	for id, t := range transports {
		if err := t.backend.Close(ctx); err != nil {
			logging.Warn(ctx, "transport close failed during leave", logging.PeerField(p.peerID), zap.String("transportId", id), zap.Error(err))
		}
		t.state = transportClosed
	}
}

func (p *Peer) clearPullPaddings() {
	p.mu.Lock()
	p.pullPaddings = make(map[SourceType][]PullPadding)
	p.mu.Unlock()
}

// CreateWebRtcTransportRequest carries the transport creation parameters the
// client supplies.
type CreateWebRtcTransportRequest struct {
	ForceTcp bool
}

// CreateWebRtcTransport asks the MediaBackend to create a transport on
// room's Router and records it keyed by a generated id.
func (p *Peer) CreateWebRtcTransport(ctx context.Context, room *Room, req CreateWebRtcTransportRequest, isSend bool) (mediabackend.Transport, string, error) {
	t, err := room.router.CreateWebRtcTransport(ctx, mediabackend.WebRtcTransportConfig{"forceTcp": req.ForceTcp})
	if err != nil {
		return nil, "", newErr("Peer.CreateWebRtcTransport", MediaBackendFailure, err)
	}

	dir := DirectionRecv
	if isSend {
		dir = DirectionSend
	}

	p.mu.Lock()
	id := p.nextTransportID()
	p.transports[id] = &peerTransport{
		backend:   t,
		direction: dir,
		state:     transportCreated,
		producers: make(map[string]*peerProducer),
		consumers: make(map[string]*peerConsumer),
	}
	p.mu.Unlock()

	return t, id, nil
}

// ConnectWebRtcTransport delivers DTLS parameters, moving the transport to
// Connected.
func (p *Peer) ConnectWebRtcTransport(ctx context.Context, transportID string, dtls mediabackend.DtlsParameters) error {
	p.mu.RLock()
	t, ok := p.transports[transportID]
	p.mu.RUnlock()
	if !ok {
		return false2err("Peer.ConnectWebRtcTransport")
	}

	if err := t.backend.Connect(ctx, dtls); err != nil {
		return newErr("Peer.ConnectWebRtcTransport", MediaBackendFailure, err)
	}
	t.state = transportConnected
	return nil
}

func false2err(op string) error {
	return newErr(op, PeerNotExists, nil)
}

// PullResult reports which requested sources already have a live producer
// (to be consumed immediately) and which are still pending (padding
// recorded, producer asked to start producing).
type PullResult struct {
	ExistingProducers []ExistingProducer
	ProduceSources    []SourceType
}

// ExistingProducer names a producer the caller should immediately Consume.
type ExistingProducer struct {
	ProducerPeerID PeerIdType
	ProducerID     string
	Source         SourceType
}

// Pull is invoked on the consuming peer, naming the peer it wants to pull
// sources from. Padding is recorded on producerPeer before Pull returns, so
// a subsequent Produce on producerPeer is guaranteed to observe it.
func (p *Peer) Pull(producerPeer *Peer, sources []SourceType) *PullResult {
	result := &PullResult{}

	producerPeer.mu.Lock()
	defer producerPeer.mu.Unlock()

	for _, source := range sources {
		if prod, pid, ok := findProducerForSourceLocked(producerPeer, source); ok {
			result.ExistingProducers = append(result.ExistingProducers, ExistingProducer{
				ProducerPeerID: producerPeer.peerID,
				ProducerID:     prod.backend.ID(),
				Source:         source,
			})
			_ = pid
			continue
		}
		producerPeer.pullPaddings[source] = append(producerPeer.pullPaddings[source], PullPadding{
			ConsumerPeerID: p.peerID,
			ProducerPeerID: producerPeer.peerID,
			Source:         source,
		})
		result.ProduceSources = append(result.ProduceSources, source)
	}

	return result
}

func findProducerForSourceLocked(peer *Peer, source SourceType) (*peerProducer, string, bool) {
	for tid, t := range peer.transports {
		for _, prod := range t.producers {
			if prod.source == source && prod.state != mediaClosed {
				return prod, tid, true
			}
		}
	}
	return nil, "", false
}

// ProduceRequest carries the parameters a client supplies to start
// producing.
type ProduceRequest struct {
	TransportID string
	Kind        mediabackend.MediaKind
	RtpParams   mediabackend.RtpParameters
	Source      SourceType
	AppData     map[string]any
}

// Produce creates a MediaBackend Producer on the peer's send transport and
// discharges any pull paddings matching the source, returning them so the
// caller can issue the resulting Consume calls on the waiting peers.
func (p *Peer) Produce(ctx context.Context, req ProduceRequest) (mediabackend.Producer, []PullPadding, error) {
	p.mu.Lock()
	t, ok := p.transports[req.TransportID]
	p.mu.Unlock()
	if !ok {
		return nil, nil, false2err("Peer.Produce")
	}

	appData := req.AppData
	if appData == nil {
		appData = map[string]any{}
	}
	appData["peerId"] = string(p.peerID)

	backendProducer, err := t.backend.Produce(ctx, req.Kind, req.RtpParams, appData)
	if err != nil {
		return nil, nil, newErr("Peer.Produce", MediaBackendFailure, err)
	}

	p.mu.Lock()
	t.producers[backendProducer.ID()] = &peerProducer{backend: backendProducer, source: req.Source, state: mediaActive}
	paddings := p.pullPaddings[req.Source]
	delete(p.pullPaddings, req.Source)
	p.mu.Unlock()

	return backendProducer, paddings, nil
}

// Consume creates a MediaBackend Consumer on this peer's receive transport
// for the given producer. Returns (nil, nil) on capability mismatch, per
// spec's non-error CapabilityMismatch policy.
func (p *Peer) Consume(ctx context.Context, transportID string, producerPeer *Peer, producerID string) (mediabackend.Consumer, error) {
	p.mu.RLock()
	t, ok := p.transports[transportID]
	caps := p.rtpCapabilities
	p.mu.RUnlock()
	if !ok {
		return nil, false2err("Peer.Consume")
	}

	if !capabilitiesCompatible(caps) {
		return nil, nil
	}

	backendConsumer, err := t.backend.Consume(ctx, producerID, caps)
	if err != nil {
		return nil, newErr("Peer.Consume", MediaBackendFailure, err)
	}

	p.mu.Lock()
	t.consumers[backendConsumer.ID()] = &peerConsumer{backend: backendConsumer, producerPeerID: producerPeer.peerID, state: mediaActive}
	p.mu.Unlock()

	return backendConsumer, nil
}

// capabilitiesCompatible is a placeholder capability check: the core treats
// rtpCapabilities as an opaque descriptor (per spec's non-goal on codec
// negotiation policy) and only rejects the degenerate case of no
// capabilities supplied at all.
func capabilitiesCompatible(caps mediabackend.RtpCapabilities) bool {
	return caps != nil
}

func (p *Peer) findProducer(producerID string) (*peerTransport, *peerProducer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		if prod, ok := t.producers[producerID]; ok {
			return t, prod, true
		}
	}
	return nil, nil, false
}

func (p *Peer) findConsumer(consumerID string) (*peerTransport, *peerConsumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		if cons, ok := t.consumers[consumerID]; ok {
			return t, cons, true
		}
	}
	return nil, nil, false
}

// CloseProducer closes a producer by id; idempotent, returns false if not found.
func (p *Peer) CloseProducer(ctx context.Context, producerID string) (bool, error) {
	_, prod, ok := p.findProducer(producerID)
	if !ok {
		return false, nil
	}
	p.mu.Lock()
	if prod.state == mediaClosed {
		p.mu.Unlock()
		return false, nil
	}
	prod.state = mediaClosed
	p.mu.Unlock()
	if err := prod.backend.Close(ctx); err != nil {
		return true, newErr("Peer.CloseProducer", MediaBackendFailure, err)
	}
	return true, nil
}

// CloseAllProducers closes every producer the peer owns.
func (p *Peer) CloseAllProducers(ctx context.Context) {
	p.mu.RLock()
	var ids []string
	for _, t := range p.transports {
		for id := range t.producers {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()
	for _, id := range ids {
		if _, err := p.CloseProducer(ctx, id); err != nil {
			logging.Warn(ctx, "producer close failed", zap.String("producerId", id), zap.Error(err))
		}
	}
}

// CloseProducerWithSources closes every producer matching one of sources.
func (p *Peer) CloseProducerWithSources(ctx context.Context, sources []SourceType) {
	want := make(map[SourceType]struct{}, len(sources))
	for _, s := range sources {
		want[s] = struct{}{}
	}
	p.mu.RLock()
	var ids []string
	for _, t := range p.transports {
		for id, prod := range t.producers {
			if _, match := want[prod.source]; match {
				ids = append(ids, id)
			}
		}
	}
	p.mu.RUnlock()
	for _, id := range ids {
		if _, err := p.CloseProducer(ctx, id); err != nil {
			logging.Warn(ctx, "producer close failed", zap.String("producerId", id), zap.Error(err))
		}
	}
}

// PauseProducer pauses a producer by id; idempotent.
func (p *Peer) PauseProducer(ctx context.Context, producerID string) (bool, error) {
	_, prod, ok := p.findProducer(producerID)
	if !ok || prod.state == mediaClosed {
		return false, nil
	}
	if err := prod.backend.Pause(ctx); err != nil {
		return false, newErr("Peer.PauseProducer", MediaBackendFailure, err)
	}
	prod.state = mediaPaused
	return true, nil
}

// ResumeProducer resumes a producer by id; idempotent.
func (p *Peer) ResumeProducer(ctx context.Context, producerID string) (bool, error) {
	_, prod, ok := p.findProducer(producerID)
	if !ok || prod.state == mediaClosed {
		return false, nil
	}
	if err := prod.backend.Resume(ctx); err != nil {
		return false, newErr("Peer.ResumeProducer", MediaBackendFailure, err)
	}
	prod.state = mediaActive
	return true, nil
}

// CloseConsumer closes a consumer by id; idempotent.
func (p *Peer) CloseConsumer(ctx context.Context, consumerID string) (bool, error) {
	_, cons, ok := p.findConsumer(consumerID)
	if !ok {
		return false, nil
	}
	p.mu.Lock()
	if cons.state == mediaClosed {
		p.mu.Unlock()
		return false, nil
	}
	cons.state = mediaClosed
	p.mu.Unlock()
	if err := cons.backend.Close(ctx); err != nil {
		return true, newErr("Peer.CloseConsumer", MediaBackendFailure, err)
	}
	return true, nil
}

// PauseConsumer pauses a consumer by id; idempotent.
func (p *Peer) PauseConsumer(ctx context.Context, consumerID string) (bool, error) {
	_, cons, ok := p.findConsumer(consumerID)
	if !ok || cons.state == mediaClosed {
		return false, nil
	}
	if err := cons.backend.Pause(ctx); err != nil {
		return false, newErr("Peer.PauseConsumer", MediaBackendFailure, err)
	}
	cons.state = mediaPaused
	return true, nil
}

// ResumeConsumer resumes a consumer by id; idempotent.
func (p *Peer) ResumeConsumer(ctx context.Context, consumerID string) (bool, error) {
	_, cons, ok := p.findConsumer(consumerID)
	if !ok || cons.state == mediaClosed {
		return false, nil
	}
	if err := cons.backend.Resume(ctx); err != nil {
		return false, newErr("Peer.ResumeConsumer", MediaBackendFailure, err)
	}
	cons.state = mediaActive
	return true, nil
}

// SetConsumerPreferredLayers sets simulcast/SVC layer preference.
func (p *Peer) SetConsumerPreferredLayers(ctx context.Context, consumerID string, spatial, temporal int) (bool, error) {
	_, cons, ok := p.findConsumer(consumerID)
	if !ok || cons.state == mediaClosed {
		return false, nil
	}
	if err := cons.backend.SetPreferredLayers(ctx, spatial, temporal); err != nil {
		return false, newErr("Peer.SetConsumerPreferredLayers", MediaBackendFailure, err)
	}
	return true, nil
}

// SetConsumerPriority sets consumer bandwidth priority.
func (p *Peer) SetConsumerPriority(ctx context.Context, consumerID string, priority int) (bool, error) {
	_, cons, ok := p.findConsumer(consumerID)
	if !ok || cons.state == mediaClosed {
		return false, nil
	}
	if err := cons.backend.SetPriority(ctx, priority); err != nil {
		return false, newErr("Peer.SetConsumerPriority", MediaBackendFailure, err)
	}
	return true, nil
}

// RequestConsumerKeyFrame asks the MediaBackend for a fresh key frame.
func (p *Peer) RequestConsumerKeyFrame(ctx context.Context, consumerID string) (bool, error) {
	_, cons, ok := p.findConsumer(consumerID)
	if !ok || cons.state == mediaClosed {
		return false, nil
	}
	if err := cons.backend.RequestKeyFrame(ctx); err != nil {
		return false, newErr("Peer.RequestConsumerKeyFrame", MediaBackendFailure, err)
	}
	return true, nil
}

// RestartIce calls Connect again on transportID with the supplied DTLS
// parameters. It does not request new ICE parameters from the MediaBackend.
func (p *Peer) RestartIce(ctx context.Context, transportID string, dtls mediabackend.DtlsParameters) (bool, error) {
	p.mu.RLock()
	t, ok := p.transports[transportID]
	p.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := t.backend.Connect(ctx, dtls); err != nil {
		return false, newErr("Peer.RestartIce", MediaBackendFailure, err)
	}
	return true, nil
}

// ProducerStats returns opaque stats for a producer.
func (p *Peer) ProducerStats(ctx context.Context, producerID string) ([]byte, bool, error) {
	_, prod, ok := p.findProducer(producerID)
	if !ok {
		return nil, false, nil
	}
	stats, err := prod.backend.Stats(ctx)
	if err != nil {
		return nil, true, newErr("Peer.ProducerStats", MediaBackendFailure, err)
	}
	return stats, true, nil
}

// ConsumerStats returns opaque stats for a consumer.
func (p *Peer) ConsumerStats(ctx context.Context, consumerID string) ([]byte, bool, error) {
	_, cons, ok := p.findConsumer(consumerID)
	if !ok {
		return nil, false, nil
	}
	stats, err := cons.backend.Stats(ctx)
	if err != nil {
		return nil, true, newErr("Peer.ConsumerStats", MediaBackendFailure, err)
	}
	return stats, true, nil
}

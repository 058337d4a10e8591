// Package scheduler implements the signaling/session-orchestration core: the
// Scheduler, Room, and Peer state machines, their concurrency discipline,
// and the pull/produce/consume negotiation flow against a MediaBackend.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/conferenced/backend/internal/v1/channel"
	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/mediabackend"
	"github.com/conferenced/backend/internal/v1/metrics"
	"github.com/conferenced/backend/internal/v1/tracing"
	"go.uber.org/zap"
)

// dismissalBarrier is the bounded wait between force-removing every
// non-host peer and closing the Router, giving the MediaBackend time to
// finish asynchronous teardown (spec §4.3 step 3).
const dismissalBarrier = 100 * time.Millisecond

// Scheduler is the global registry of peers and rooms; it is the entry
// point for every client command and enforces connection identity.
type Scheduler struct {
	backend mediabackend.Backend
	codecs  []mediabackend.CodecCapability

	peersMu sync.RWMutex // scheduler peer-table lock: lock-hierarchy level 1
	peers   map[PeerIdType]*Peer

	roomsMu sync.Mutex // scheduler room-table lock: lock-hierarchy level 2
	rooms   map[RoomIdType]*Room
}

// New builds a Scheduler bound to backend, using mediaCodecs as the default
// codec table passed to every created Router.
func New(backend mediabackend.Backend, mediaCodecs []mediabackend.CodecCapability) *Scheduler {
	return &Scheduler{
		backend: backend,
		codecs:  mediaCodecs,
		peers:   make(map[PeerIdType]*Peer),
		rooms:   make(map[RoomIdType]*Room),
	}
}

// JoinRequest carries the parameters supplied to Join.
type JoinRequest struct {
	RtpCapabilities  mediabackend.RtpCapabilities
	SctpCapabilities mediabackend.SctpCapabilities
	DisplayName      string
	Sources          []SourceType
	AppData          DataMap
}

// Join registers a new Peer, or replaces the live connection of an existing
// one (reconnect), under an exclusive lock on the peer table.
func (s *Scheduler) Join(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, notifier channel.Notifier, req JoinRequest) (*Peer, error) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	if existing, ok := s.peers[peerID]; ok && existing.ConnectionID() == connectionID {
		metrics.SchedulerOperations.WithLabelValues("Join", "AlreadyJoined").Inc()
		return nil, newErr("Scheduler.Join", AlreadyJoined, nil)
	}

	peer, ok := s.peers[peerID]
	if !ok {
		peer = newPeer(peerID, connectionID, notifier)
	}
	peer.mu.Lock()
	peer.connectionID = connectionID
	peer.channel = notifier
	peer.displayName = req.DisplayName
	peer.rtpCapabilities = req.RtpCapabilities
	peer.sctpCapabilities = req.SctpCapabilities
	peer.appData = req.AppData
	if peer.appData == nil {
		peer.appData = make(DataMap)
	}
	peer.sources = make(map[SourceType]struct{}, len(req.Sources))
	for _, src := range req.Sources {
		peer.sources[src] = struct{}{}
	}
	peer.mu.Unlock()

	s.peers[peerID] = peer
	metrics.SchedulerPeers.Set(float64(len(s.peers)))
	metrics.SchedulerOperations.WithLabelValues("Join", "success").Inc()
	logging.Info(ctx, "peer joined", logging.PeerField(peerID), logging.ConnectionField(connectionID))

	// Self-ack: confirms scheduler-level registration to the peer's own
	// connection, distinct from the room-scoped NewPeer fan-out JoinRoom
	// sends to siblings once the peer actually enters a room.
	peer.Notify(ctx, channel.Notification{
		Type: channel.PeerJoined,
		Data: map[string]any{"peerId": string(peerID), "connectionId": string(connectionID)},
	})
	return peer, nil
}

// checkConnection rejects stale client sessions: the command is rejected
// with Disconnected if peer.connectionId != connectionId.
func checkConnection(peer *Peer, connectionID ConnectionIdType) error {
	if peer.ConnectionID() != connectionID {
		return newErr("Scheduler", Disconnected, nil)
	}
	return nil
}

// lookupPeer resolves peerID under a read lock on the peer table and
// verifies connectionID.
func (s *Scheduler) lookupPeer(op string, peerID PeerIdType, connectionID ConnectionIdType) (*Peer, error) {
	s.peersMu.RLock()
	peer, ok := s.peers[peerID]
	s.peersMu.RUnlock()
	if !ok {
		return nil, newErr(op, PeerNotExists, nil)
	}
	if err := checkConnection(peer, connectionID); err != nil {
		return nil, err
	}
	return peer, nil
}

// LeaveResult reports the room the peer left (if any) and its siblings.
type LeaveResult struct {
	Room     *Room
	Siblings []*Peer
}

// Leave removes a peer entirely, performing Peer.LeaveRoom (which
// propagates to its room) if it was in one. Returns nil if peerID is
// unknown.
func (s *Scheduler) Leave(ctx context.Context, peerID PeerIdType) (*LeaveResult, error) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	peer, ok := s.peers[peerID]
	if !ok {
		return nil, nil
	}
	delete(s.peers, peerID)
	metrics.SchedulerPeers.Set(float64(len(s.peers)))

	roomID, inRoom := peer.RoomID()
	if !inRoom {
		logging.Info(ctx, "peer left", logging.PeerField(peerID))
		return &LeaveResult{}, nil
	}

	room := s.getRoom(roomID)
	if room == nil {
		return &LeaveResult{}, nil
	}

	result := peer.LeaveRoom(ctx, room)
	room.broadcastExcept(ctx, peerID, channel.Notification{Type: channel.PeerLeft, Data: map[string]any{"peerId": string(peerID)}})
	s.reapIfEmpty(ctx, room)

	logging.Info(ctx, "peer left room", logging.PeerField(peerID), logging.RoomField(roomID))
	return &LeaveResult{Room: room, Siblings: result.Siblings}, nil
}

func (s *Scheduler) getRoom(roomID RoomIdType) *Room {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	return s.rooms[roomID]
}

// reapIfEmpty lazily destroys a room once its last peer has left.
func (s *Scheduler) reapIfEmpty(ctx context.Context, room *Room) {
	if !room.IsEmpty() {
		return
	}
	s.roomsMu.Lock()
	removed := false
	if current, ok := s.rooms[room.id]; ok && current == room && room.IsEmpty() {
		delete(s.rooms, room.id)
		metrics.SchedulerRooms.Set(float64(len(s.rooms)))
		removed = true
	}
	s.roomsMu.Unlock()
	if !removed {
		return
	}
	if err := room.close(ctx); err != nil {
		logging.Warn(ctx, "room close failed during lazy reap", logging.RoomField(room.id), zap.Error(err))
	}
}

// JoinRoomRequest names the room to join.
type JoinRoomRequest struct {
	RoomID RoomIdType
	Name   string
	Role   string
}

// JoinRoomResultSnapshot is the reply to JoinRoom: every peer currently in
// the room plus the host.
type JoinRoomResultSnapshot struct {
	RoomID     RoomIdType
	HostPeerID PeerIdType
	HasHost    bool
	Peers      []*Peer
}

// JoinRoom looks the peer up, verifies its connection, ensures a Room
// exists for req.RoomID (creating Router + AudioLevelObserver if not), and
// joins the peer to it. Re-joining the same room is idempotent and returns
// the current snapshot without a fresh "newPeer" fan-out.
func (s *Scheduler) JoinRoom(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, req JoinRoomRequest) (result *JoinRoomResultSnapshot, err error) {
	ctx, span := tracing.StartOperation(ctx, "JoinRoom", string(peerID), string(req.RoomID))
	defer func() { tracing.EndOperation(span, err) }()

	peer, err := s.lookupPeer("Scheduler.JoinRoom", peerID, connectionID)
	if err != nil {
		metrics.SchedulerOperations.WithLabelValues("JoinRoom", string(mustKind(err))).Inc()
		return nil, err
	}

	if existingRoomID, inRoom := peer.RoomID(); inRoom && existingRoomID == req.RoomID {
		room := s.getRoom(existingRoomID)
		if room != nil {
			metrics.SchedulerOperations.WithLabelValues("JoinRoom", "idempotent").Inc()
			return s.snapshotOf(room), nil
		}
	}

	room, err := s.getOrCreateRoom(ctx, req.RoomID, req.Name)
	if err != nil {
		metrics.SchedulerOperations.WithLabelValues("JoinRoom", "MediaBackendFailure").Inc()
		return nil, err
	}

	if _, err := peer.JoinRoom(room); err != nil {
		metrics.SchedulerOperations.WithLabelValues("JoinRoom", string(mustKind(err))).Inc()
		return nil, err
	}

	if req.Role != "" {
		s.SetPeerInternalData(peerID, RoleKey, req.Role)
	}

	room.broadcastExcept(ctx, peerID, channel.Notification{
		Type: channel.NewPeer,
		Data: map[string]any{"peerId": string(peerID), "displayName": peer.DisplayName()},
	})

	metrics.SchedulerOperations.WithLabelValues("JoinRoom", "success").Inc()
	logging.Info(ctx, "peer joined room", logging.PeerField(peerID), logging.RoomField(req.RoomID))
	return s.snapshotOf(room), nil
}

func (s *Scheduler) snapshotOf(room *Room) *JoinRoomResultSnapshot {
	host, hasHost := room.HostPeerID()
	return &JoinRoomResultSnapshot{
		RoomID:     room.id,
		HostPeerID: host,
		HasHost:    hasHost,
		Peers:      room.Snapshot(),
	}
}

func mustKind(err error) ErrorKind {
	if k, ok := KindOf(err); ok {
		return k
	}
	return "Unknown"
}

// getOrCreateRoom serializes room creation/destruction on the room-table
// lock, creating a MediaBackend Router + AudioLevelObserver on first use.
func (s *Scheduler) getOrCreateRoom(ctx context.Context, roomID RoomIdType, name string) (*Room, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	if room, ok := s.rooms[roomID]; ok {
		return room, nil
	}

	router, err := s.backend.CreateRouter(ctx, s.codecs)
	if err != nil {
		return nil, newErr("Scheduler.getOrCreateRoom", MediaBackendFailure, err)
	}
	alo, err := router.CreateAudioLevelObserver(ctx, mediabackend.AudioLevelObserverConfig{MaxEntries: 8, Threshold: -70, Interval: 800})
	if err != nil {
		return nil, newErr("Scheduler.getOrCreateRoom", MediaBackendFailure, err)
	}

	room := newRoom(roomID, name, router, alo)
	s.rooms[roomID] = room
	metrics.SchedulerRooms.Set(float64(len(s.rooms)))
	return room, nil
}

// LeaveRoomResult reports the outcome of LeaveRoom, which may have been
// upgraded to a full DismissRoom.
type LeaveRoomResult struct {
	Dismissed *DismissRoomResult
	Left      *LeaveResult
}

// LeaveRoom removes peerID from its current room. If the leaving peer is
// the host, the operation is upgraded to DismissRoom (host-leave always
// dismisses, the adopted resolution of spec's open question).
func (s *Scheduler) LeaveRoom(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType) (*LeaveRoomResult, error) {
	peer, err := s.lookupPeer("Scheduler.LeaveRoom", peerID, connectionID)
	if err != nil {
		return nil, err
	}

	roomID, inRoom := peer.RoomID()
	if !inRoom {
		return &LeaveRoomResult{}, nil
	}
	room := s.getRoom(roomID)
	if room == nil {
		return &LeaveRoomResult{}, nil
	}

	if host, hasHost := room.HostPeerID(); hasHost && host == peerID {
		dismissed, err := s.DismissRoom(ctx, peerID, connectionID, room)
		if err != nil {
			return nil, err
		}
		return &LeaveRoomResult{Dismissed: dismissed}, nil
	}

	leaveResult := peer.LeaveRoom(ctx, room)
	room.broadcastExcept(ctx, peerID, channel.Notification{Type: channel.PeerLeft, Data: map[string]any{"peerId": string(peerID)}})
	s.reapIfEmpty(ctx, room)

	return &LeaveRoomResult{Left: &LeaveResult{Room: room, Siblings: leaveResult.Siblings}}, nil
}

// DismissRoomResult reports the dismissed host and the ids of every other
// peer that was swept out of the room.
type DismissRoomResult struct {
	HostPeer      *Peer
	OtherPeerIDs  []PeerIdType
}

// DismissRoom runs the host-dismissal protocol (spec §4.3): it must run
// under the Scheduler's exclusive peer-table lock to prevent concurrent
// joins. Ordering: non-host peers' transports/producers/consumers close
// before their transports, all peer transports close before the barrier,
// and the barrier precedes the Router close.
func (s *Scheduler) DismissRoom(ctx context.Context, hostPeerID PeerIdType, connectionID ConnectionIdType, room *Room) (result *DismissRoomResult, err error) {
	ctx, span := tracing.StartOperation(ctx, "DismissRoom", string(hostPeerID), string(room.id))
	defer func() { tracing.EndOperation(span, err) }()

	started := time.Now()
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	hostPeer, ok := s.peers[hostPeerID]
	if !ok {
		return nil, newErr("Scheduler.DismissRoom", PeerNotExists, nil)
	}
	if err := checkConnection(hostPeer, connectionID); err != nil {
		return nil, err
	}

	otherPeers := room.others(hostPeerID)
	otherIDs := make([]PeerIdType, 0, len(otherPeers))

	for _, peer := range otherPeers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error(ctx, "panic during host-dismissal sweep", logging.PeerField(peer.peerID), zap.Any("recover", r))
				}
			}()
			peer.ForceLeaveRoom(ctx)
			room.forceRemove(peer.peerID)
			delete(s.peers, peer.peerID)
			otherIDs = append(otherIDs, peer.peerID)
		}()
	}
	metrics.SchedulerPeers.Set(float64(len(s.peers)))

	for _, peer := range otherPeers {
		peer.Notify(ctx, channel.Notification{
			Type: channel.RoomDismissed,
			Data: map[string]any{"roomId": string(room.id), "byHost": string(hostPeerID)},
		})
	}

	time.Sleep(dismissalBarrier)

	hostPeer.LeaveRoom(ctx, room)
	delete(s.peers, hostPeerID)
	metrics.SchedulerPeers.Set(float64(len(s.peers)))

	s.roomsMu.Lock()
	if current, ok := s.rooms[room.id]; ok && current == room {
		delete(s.rooms, room.id)
		metrics.SchedulerRooms.Set(float64(len(s.rooms)))
	}
	s.roomsMu.Unlock()

	if err := room.close(ctx); err != nil {
		logging.Error(ctx, "router close failed during dismiss", logging.RoomField(room.id), zap.Error(err))
	}

	metrics.HostDismissalDuration.WithLabelValues(string(room.id)).Observe(time.Since(started).Seconds())
	metrics.SchedulerOperations.WithLabelValues("DismissRoom", "success").Inc()
	logging.Info(ctx, "room dismissed", logging.RoomField(room.id), logging.PeerField(hostPeerID), zap.Int("otherPeers", len(otherIDs)))

	return &DismissRoomResult{HostPeer: hostPeer, OtherPeerIDs: otherIDs}, nil
}

// KickPeerResult reports the kicked peer and its former siblings.
type KickPeerResult struct {
	Kicked   *Peer
	Siblings []*Peer
}

// KickPeer verifies the caller is the room's host, removes target from
// membership, force-closes its transports, and keeps it registered in the
// Scheduler (it may rejoin).
func (s *Scheduler) KickPeer(ctx context.Context, hostPeerID PeerIdType, connectionID ConnectionIdType, targetPeerID PeerIdType) (*KickPeerResult, error) {
	hostPeer, err := s.lookupPeer("Scheduler.KickPeer", hostPeerID, connectionID)
	if err != nil {
		return nil, err
	}

	roomID, inRoom := hostPeer.RoomID()
	if !inRoom {
		return nil, newErr("Scheduler.KickPeer", NotHost, nil)
	}
	room := s.getRoom(roomID)
	if room == nil {
		return nil, newErr("Scheduler.KickPeer", RoomClosed, nil)
	}

	result, err := room.kickPeer(hostPeerID, targetPeerID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	result.Kicked.ForceLeaveRoom(ctx)

	result.Kicked.Notify(ctx, channel.Notification{
		Type: channel.PeerKicked,
		Data: map[string]any{"peerId": string(targetPeerID), "byHost": string(hostPeerID)},
	})
	for _, sibling := range result.Siblings {
		sibling.Notify(ctx, channel.Notification{Type: channel.PeerLeft, Data: map[string]any{"peerId": string(targetPeerID)}})
	}

	metrics.SchedulerOperations.WithLabelValues("KickPeer", "success").Inc()
	return &KickPeerResult{Kicked: result.Kicked, Siblings: result.Siblings}, nil
}

// --- Peer data operations ---

// SetPeerAppData sets one appData key; owning peer only (callers must gate).
func (s *Scheduler) SetPeerAppData(peerID PeerIdType, key string, value any) bool {
	peer := s.peerByID(peerID)
	if peer == nil {
		return false
	}
	peer.mu.Lock()
	peer.appData[key] = value
	peer.mu.Unlock()
	peer.Notify(context.Background(), channel.Notification{Type: channel.PeerAppDataChanged, Data: map[string]any{"peerId": string(peerID), "appData": peer.AppDataSnapshot()}})
	return true
}

// UnsetPeerAppData removes one appData key.
func (s *Scheduler) UnsetPeerAppData(peerID PeerIdType, key string) bool {
	peer := s.peerByID(peerID)
	if peer == nil {
		return false
	}
	peer.mu.Lock()
	delete(peer.appData, key)
	peer.mu.Unlock()
	return true
}

// ClearPeerAppData empties a peer's appData.
func (s *Scheduler) ClearPeerAppData(peerID PeerIdType) bool {
	peer := s.peerByID(peerID)
	if peer == nil {
		return false
	}
	peer.mu.Lock()
	peer.appData = make(DataMap)
	peer.mu.Unlock()
	return true
}

// SetPeerInternalData sets one internalData key (server-authoritative).
func (s *Scheduler) SetPeerInternalData(peerID PeerIdType, key string, value any) bool {
	peer := s.peerByID(peerID)
	if peer == nil {
		return false
	}
	peer.mu.Lock()
	peer.internalData[key] = value
	peer.mu.Unlock()
	peer.Notify(context.Background(), channel.Notification{Type: channel.PeerInternalDataChange, Data: map[string]any{"peerId": string(peerID), "internalData": peer.InternalDataSnapshot()}})
	return true
}

// UnsetPeerInternalData removes one internalData key.
func (s *Scheduler) UnsetPeerInternalData(peerID PeerIdType, key string) bool {
	peer := s.peerByID(peerID)
	if peer == nil {
		return false
	}
	peer.mu.Lock()
	delete(peer.internalData, key)
	peer.mu.Unlock()
	return true
}

// GetPeerInternalData returns a snapshot of internalData.
func (s *Scheduler) GetPeerInternalData(peerID PeerIdType) (DataMap, bool) {
	peer := s.peerByID(peerID)
	if peer == nil {
		return nil, false
	}
	return peer.InternalDataSnapshot(), true
}

// ClearPeerInternalData empties a peer's internalData.
func (s *Scheduler) ClearPeerInternalData(peerID PeerIdType) bool {
	peer := s.peerByID(peerID)
	if peer == nil {
		return false
	}
	peer.mu.Lock()
	peer.internalData = make(DataMap)
	peer.mu.Unlock()
	return true
}

func (s *Scheduler) peerByID(peerID PeerIdType) *Peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return s.peers[peerID]
}

// --- Transport / produce / consume operations ---

// CreateWebRtcTransport creates a transport on the peer's room Router.
func (s *Scheduler) CreateWebRtcTransport(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, req CreateWebRtcTransportRequest, isSend bool) (mediabackend.Transport, string, error) {
	peer, err := s.lookupPeer("Scheduler.CreateWebRtcTransport", peerID, connectionID)
	if err != nil {
		return nil, "", err
	}
	room, err := s.roomOf(peer)
	if err != nil {
		return nil, "", err
	}
	return peer.CreateWebRtcTransport(ctx, room, req, isSend)
}

// CreatePlainTransport creates a plain (non-ICE) transport for server-side
// integrations such as recording.
func (s *Scheduler) CreatePlainTransport(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType) (mediabackend.Transport, string, error) {
	peer, err := s.lookupPeer("Scheduler.CreatePlainTransport", peerID, connectionID)
	if err != nil {
		return nil, "", err
	}
	room, err := s.roomOf(peer)
	if err != nil {
		return nil, "", err
	}
	t, err := room.router.CreatePlainTransport(ctx, nil)
	if err != nil {
		return nil, "", newErr("Scheduler.CreatePlainTransport", MediaBackendFailure, err)
	}
	peer.mu.Lock()
	id := peer.nextTransportID()
	peer.transports[id] = &peerTransport{backend: t, direction: DirectionRecv, state: transportCreated, producers: map[string]*peerProducer{}, consumers: map[string]*peerConsumer{}}
	peer.mu.Unlock()
	return t, id, nil
}

func (s *Scheduler) roomOf(peer *Peer) (*Room, error) {
	roomID, inRoom := peer.RoomID()
	if !inRoom {
		return nil, newErr("Scheduler", RoomClosed, nil)
	}
	room := s.getRoom(roomID)
	if room == nil {
		return nil, newErr("Scheduler", RoomClosed, nil)
	}
	return room, nil
}

// ConnectWebRtcTransport delivers DTLS parameters for a transport.
func (s *Scheduler) ConnectWebRtcTransport(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, transportID string, dtls mediabackend.DtlsParameters) error {
	peer, err := s.lookupPeer("Scheduler.ConnectWebRtcTransport", peerID, connectionID)
	if err != nil {
		return err
	}
	return peer.ConnectWebRtcTransport(ctx, transportID, dtls)
}

// PullRequest names a producer-side peer and the sources to pull from it.
type PullRequest struct {
	ProducerPeerID PeerIdType
	Sources        []SourceType
}

// Pull looks both peers up via the Scheduler's tables and delegates to
// Peer.Pull; the padding is recorded on producerPeer before this returns.
func (s *Scheduler) Pull(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, req PullRequest) (*PullResult, error) {
	peer, err := s.lookupPeer("Scheduler.Pull", peerID, connectionID)
	if err != nil {
		return nil, err
	}
	producerPeer := s.peerByID(req.ProducerPeerID)
	if producerPeer == nil {
		return nil, newErr("Scheduler.Pull", PeerNotExists, nil)
	}
	return peer.Pull(producerPeer, req.Sources), nil
}

// ProduceResult reports the created producer and the pull paddings it
// discharged, for the caller to issue the resulting Consume calls.
type ProduceResult struct {
	ProducerID string
	Paddings   []PullPadding
}

// Produce creates a producer on the peer's send transport and discharges
// matching pull paddings.
func (s *Scheduler) Produce(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, req ProduceRequest) (*ProduceResult, error) {
	peer, err := s.lookupPeer("Scheduler.Produce", peerID, connectionID)
	if err != nil {
		return nil, err
	}

	producer, paddings, err := peer.Produce(ctx, req)
	if err != nil {
		return nil, err
	}

	room, err := s.roomOf(peer)
	if err == nil {
		room.broadcastExcept(ctx, peerID, channel.Notification{Type: channel.NewConsumer, Data: map[string]any{"peerId": string(peerID), "producerId": producer.ID(), "source": string(req.Source)}})
	}

	return &ProduceResult{ProducerID: producer.ID(), Paddings: paddings}, nil
}

// Consume creates a consumer on peer's receive transport for a producer
// owned by producerPeerID.
func (s *Scheduler) Consume(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, transportID string, producerPeerID PeerIdType, producerID string) (mediabackend.Consumer, error) {
	peer, err := s.lookupPeer("Scheduler.Consume", peerID, connectionID)
	if err != nil {
		return nil, err
	}
	producerPeer := s.peerByID(producerPeerID)
	if producerPeer == nil {
		return nil, newErr("Scheduler.Consume", PeerNotExists, nil)
	}

	consumer, err := peer.Consume(ctx, transportID, producerPeer, producerID)
	if err != nil || consumer == nil {
		return consumer, err
	}

	peer.Notify(ctx, channel.Notification{Type: channel.NewConsumer, Data: map[string]any{"producerPeerId": string(producerPeerID), "producerId": producerID, "consumerId": consumer.ID()}})
	return consumer, nil
}

// CloseProducer, CloseAllProducers, CloseProducerWithSources, PauseProducer,
// ResumeProducer, CloseConsumer, PauseConsumer, ResumeConsumer,
// SetConsumerPreferredLayers, SetConsumerPriority, RequestConsumerKeyFrame,
// RestartIce, GetProducerStats, GetConsumerStats each resolve the peer via
// the scheduler's table, check connection identity, then delegate.

func (s *Scheduler) CloseProducer(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, producerID string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.CloseProducer", peerID, connectionID)
	if err != nil {
		return false, err
	}
	ok, err := peer.CloseProducer(ctx, producerID)
	if ok {
		if room, rerr := s.roomOf(peer); rerr == nil {
			room.broadcastExcept(ctx, peerID, channel.Notification{Type: channel.ConsumerClosed, Data: map[string]any{"producerId": producerID}})
		}
	}
	return ok, err
}

func (s *Scheduler) CloseAllProducers(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType) error {
	peer, err := s.lookupPeer("Scheduler.CloseAllProducers", peerID, connectionID)
	if err != nil {
		return err
	}
	peer.CloseAllProducers(ctx)
	return nil
}

func (s *Scheduler) CloseProducerWithSources(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, sources []SourceType) error {
	peer, err := s.lookupPeer("Scheduler.CloseProducerWithSources", peerID, connectionID)
	if err != nil {
		return err
	}
	peer.CloseProducerWithSources(ctx, sources)
	return nil
}

func (s *Scheduler) PauseProducer(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, producerID string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.PauseProducer", peerID, connectionID)
	if err != nil {
		return false, err
	}
	return peer.PauseProducer(ctx, producerID)
}

func (s *Scheduler) ResumeProducer(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, producerID string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.ResumeProducer", peerID, connectionID)
	if err != nil {
		return false, err
	}
	return peer.ResumeProducer(ctx, producerID)
}

func (s *Scheduler) CloseConsumer(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, consumerID string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.CloseConsumer", peerID, connectionID)
	if err != nil {
		return false, err
	}
	return peer.CloseConsumer(ctx, consumerID)
}

func (s *Scheduler) PauseConsumer(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, consumerID string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.PauseConsumer", peerID, connectionID)
	if err != nil {
		return false, err
	}
	ok, err := peer.PauseConsumer(ctx, consumerID)
	if ok {
		peer.Notify(ctx, channel.Notification{Type: channel.ConsumerPaused, Data: map[string]any{"consumerId": consumerID}})
	}
	return ok, err
}

func (s *Scheduler) ResumeConsumer(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, consumerID string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.ResumeConsumer", peerID, connectionID)
	if err != nil {
		return false, err
	}
	ok, err := peer.ResumeConsumer(ctx, consumerID)
	if ok {
		peer.Notify(ctx, channel.Notification{Type: channel.ConsumerResumed, Data: map[string]any{"consumerId": consumerID}})
	}
	return ok, err
}

func (s *Scheduler) SetConsumerPreferredLayers(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, consumerID string, spatial, temporal int) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.SetConsumerPreferredLayers", peerID, connectionID)
	if err != nil {
		return false, err
	}
	return peer.SetConsumerPreferredLayers(ctx, consumerID, spatial, temporal)
}

func (s *Scheduler) SetConsumerPriority(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, consumerID string, priority int) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.SetConsumerPriority", peerID, connectionID)
	if err != nil {
		return false, err
	}
	return peer.SetConsumerPriority(ctx, consumerID, priority)
}

func (s *Scheduler) RequestConsumerKeyFrame(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, consumerID string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.RequestConsumerKeyFrame", peerID, connectionID)
	if err != nil {
		return false, err
	}
	return peer.RequestConsumerKeyFrame(ctx, consumerID)
}

func (s *Scheduler) RestartIce(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, transportID string, dtls mediabackend.DtlsParameters) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.RestartIce", peerID, connectionID)
	if err != nil {
		return false, err
	}
	return peer.RestartIce(ctx, transportID, dtls)
}

func (s *Scheduler) GetProducerStats(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, producerID string) ([]byte, bool, error) {
	peer, err := s.lookupPeer("Scheduler.GetProducerStats", peerID, connectionID)
	if err != nil {
		return nil, false, err
	}
	return peer.ProducerStats(ctx, producerID)
}

func (s *Scheduler) GetConsumerStats(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, consumerID string) ([]byte, bool, error) {
	peer, err := s.lookupPeer("Scheduler.GetConsumerStats", peerID, connectionID)
	if err != nil {
		return nil, false, err
	}
	return peer.ConsumerStats(ctx, consumerID)
}

// --- Queries ---

// GetOtherPeerIds returns the ids of other peers in peerID's room,
// optionally filtered by role.
func (s *Scheduler) GetOtherPeerIds(peerID PeerIdType, role string) ([]PeerIdType, error) {
	peers, err := s.GetOtherPeers(peerID, role)
	if err != nil {
		return nil, err
	}
	ids := make([]PeerIdType, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.peerID)
	}
	return ids, nil
}

// GetOtherPeers returns a snapshot of other peers in peerID's room,
// optionally filtered by internalData["role"].
func (s *Scheduler) GetOtherPeers(peerID PeerIdType, role string) ([]*Peer, error) {
	peer := s.peerByID(peerID)
	if peer == nil {
		return nil, newErr("Scheduler.GetOtherPeers", PeerNotExists, nil)
	}
	room, err := s.roomOf(peer)
	if err != nil {
		return nil, err
	}
	return room.othersByRole(peerID, role), nil
}

// GetPeerRole returns the peer's server-assigned role.
func (s *Scheduler) GetPeerRole(peerID PeerIdType) (string, bool) {
	peer := s.peerByID(peerID)
	if peer == nil {
		return "", false
	}
	return peer.Role()
}

// --- Chat (supplemented feature) ---

// AddChat appends a chat message to the peer's room history and fans it
// out to every member.
func (s *Scheduler) AddChat(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, id, text string, at time.Time) error {
	peer, err := s.lookupPeer("Scheduler.AddChat", peerID, connectionID)
	if err != nil {
		return err
	}
	room, err := s.roomOf(peer)
	if err != nil {
		return err
	}
	msg := &ChatMessage{ID: id, PeerID: peerID, Text: text, Timestamp: at}
	room.chat.Add(msg)
	room.broadcast(ctx, channel.Notification{Type: channel.ChatMessage, Data: msg})
	return nil
}

// GetRecentChats returns up to n most recent chat messages in peerID's room.
func (s *Scheduler) GetRecentChats(peerID PeerIdType, n int) ([]*ChatMessage, error) {
	peer := s.peerByID(peerID)
	if peer == nil {
		return nil, newErr("Scheduler.GetRecentChats", PeerNotExists, nil)
	}
	room, err := s.roomOf(peer)
	if err != nil {
		return nil, err
	}
	return room.chat.Recent(n), nil
}

// DeleteChat removes a chat message by id, notifying the room.
func (s *Scheduler) DeleteChat(ctx context.Context, peerID PeerIdType, connectionID ConnectionIdType, id string) (bool, error) {
	peer, err := s.lookupPeer("Scheduler.DeleteChat", peerID, connectionID)
	if err != nil {
		return false, err
	}
	room, err := s.roomOf(peer)
	if err != nil {
		return false, err
	}
	if !room.chat.Delete(id) {
		return false, nil
	}
	room.broadcast(ctx, channel.Notification{Type: channel.ChatMessageDeleted, Data: map[string]any{"id": id}})
	return true, nil
}

package scheduler

import (
	"context"
	"sync"

	"github.com/conferenced/backend/internal/v1/channel"
	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/mediabackend"
	"github.com/conferenced/backend/internal/v1/metrics"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// Room holds a Router + AudioLevelObserver and the peer membership set for
// one conference instance; it designates a host on first join.
type Room struct {
	id   RoomIdType
	name string

	router mediabackend.Router
	alo    mediabackend.AudioLevelObserver

	closeMu sync.RWMutex // room close lock: lock-hierarchy level 3
	closed  bool

	peersMu    sync.RWMutex // room peers lock: lock-hierarchy level 4
	members    map[PeerIdType]*Peer
	hostPeerID PeerIdType
	hasHost    bool

	chat *roomChat
}

func newRoom(id RoomIdType, name string, router mediabackend.Router, alo mediabackend.AudioLevelObserver) *Room {
	if name == "" {
		name = "Default"
	}
	r := &Room{
		id:      id,
		name:    name,
		router:  router,
		alo:     alo,
		members: make(map[PeerIdType]*Peer),
		chat:    newRoomChat(),
	}
	r.subscribeAudioLevels()
	return r
}

// ID returns the room's identity.
func (r *Room) ID() RoomIdType { return r.id }

// HostPeerID returns the current host, if any.
func (r *Room) HostPeerID() (PeerIdType, bool) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return r.hostPeerID, r.hasHost
}

// IsEmpty reports whether the room currently has no members.
func (r *Room) IsEmpty() bool {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return len(r.members) == 0
}

// Snapshot returns every current member, for building JoinRoomResult replies.
func (r *Room) Snapshot() []*Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	out := make([]*Peer, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	return out
}

// add inserts peer into membership under the write lock; if the room has no
// host yet, peer becomes the host.
func (r *Room) add(peer *Peer) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.members[peer.peerID] = peer
	if !r.hasHost {
		r.hostPeerID = peer.peerID
		r.hasHost = true
	}
	metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(len(r.members)))
}

// remove deletes peerID from membership; does not reassign host.
func (r *Room) remove(peerID PeerIdType) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	delete(r.members, peerID)
	metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(len(r.members)))
}

// forceRemove is remove but tolerates the peer already being absent.
func (r *Room) forceRemove(peerID PeerIdType) {
	r.remove(peerID)
}

// others returns every member except peerID: room.members \ {peerID}, per
// the set-difference notation spec §4.3 step 1 uses for the dismissal sweep.
func (r *Room) others(peerID PeerIdType) []*Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return r.othersLocked(set.New(peerID), "")
}

// othersByRole returns every member except peerID whose role matches, or
// every other member if role is empty.
func (r *Room) othersByRole(peerID PeerIdType, role string) []*Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return r.othersLocked(set.New(peerID), role)
}

// othersLocked computes room.members \ excluded, optionally filtered to
// members whose role matches. Must be called with peersMu held for read.
func (r *Room) othersLocked(excluded set.Set[PeerIdType], role string) []*Peer {
	out := make([]*Peer, 0, len(r.members))
	for id, p := range r.members {
		if excluded.Has(id) {
			continue
		}
		if role == "" {
			out = append(out, p)
			continue
		}
		if got, ok := p.Role(); ok && got == role {
			out = append(out, p)
		}
	}
	return out
}

// member looks a peer up by id.
func (r *Room) member(peerID PeerIdType) (*Peer, bool) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	p, ok := r.members[peerID]
	return p, ok
}

// KickResult reports the kicked peer and its surviving siblings.
type KickResult struct {
	Kicked   *Peer
	Siblings []*Peer
}

// kickPeer validates hostPeerID is the room's host, forbids self-kick,
// removes target from membership, and returns the kicked peer plus
// surviving siblings. Fails with NotHost otherwise.
func (r *Room) kickPeer(hostPeerID, targetPeerID PeerIdType) (*KickResult, error) {
	if targetPeerID == hostPeerID {
		return nil, newErr("Room.KickPeer", NotHost, nil)
	}

	r.peersMu.Lock()
	if !r.hasHost || r.hostPeerID != hostPeerID {
		r.peersMu.Unlock()
		return nil, newErr("Room.KickPeer", NotHost, nil)
	}
	target, ok := r.members[targetPeerID]
	if !ok {
		r.peersMu.Unlock()
		return nil, nil
	}
	delete(r.members, targetPeerID)
	siblings := make([]*Peer, 0, len(r.members))
	for _, p := range r.members {
		siblings = append(siblings, p)
	}
	metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(len(r.members)))
	r.peersMu.Unlock()

	return &KickResult{Kicked: target, Siblings: siblings}, nil
}

// close marks the room closed and releases its MediaBackend Router. Calls
// after the first are no-ops.
func (r *Room) close(ctx context.Context) error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.alo != nil {
		if err := r.alo.Close(ctx); err != nil {
			logging.Warn(ctx, "audio level observer close failed", logging.RoomField(r.id), zap.Error(err))
		}
	}
	if err := r.router.Close(ctx); err != nil {
		return newErr("Room.Close", MediaBackendFailure, err)
	}
	return nil
}

// subscribeAudioLevels wires the Room's two MediaBackend AudioLevelObserver
// events to the activeSpeaker notification fan-out (spec §4.4).
func (r *Room) subscribeAudioLevels() {
	if r.alo == nil {
		return
	}

	r.alo.OnVolumes(func(entries []mediabackend.VolumeEntry) {
		ctx := context.Background()
		for _, e := range entries {
			peerID := r.peerIDForProducer(e.ProducerID)
			data := map[string]any{
				"peerId":     peerID,
				"producerId": e.ProducerID,
				"volume":     e.Volume,
			}
			r.broadcast(ctx, channel.Notification{Type: channel.ActiveSpeaker, Data: data})
		}
	})

	r.alo.OnSilence(func() {
		r.broadcast(context.Background(), channel.Notification{Type: channel.ActiveSpeaker})
	})
}

// peerIDForProducer scans member peers for the one owning producerID, so
// the activeSpeaker notification can carry the producing peer's id (read
// from the producer's appData under key "peerId", per spec §4.4).
func (r *Room) peerIDForProducer(producerID string) string {
	for _, p := range r.Snapshot() {
		if _, prod, ok := p.findProducer(producerID); ok {
			if appData := prod.backend.AppData(); appData != nil {
				if id, ok := appData["peerId"].(string); ok {
					return id
				}
			}
		}
	}
	return ""
}

// broadcast fans a notification out to every current member. Delivery is
// best-effort; failures per peer are logged and the iteration continues.
func (r *Room) broadcast(ctx context.Context, n channel.Notification) {
	for _, p := range r.Snapshot() {
		p.Notify(ctx, n)
	}
}

// broadcastExcept fans a notification out to every member except excluded.
func (r *Room) broadcastExcept(ctx context.Context, excluded PeerIdType, n channel.Notification) {
	for _, p := range r.others(excluded) {
		p.Notify(ctx, n)
	}
}

package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/conferenced/backend/internal/v1/channel"
	"github.com/conferenced/backend/internal/v1/mediabackend/mediabackendtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingNotifier captures every notification delivered to one peer, for
// assertions on the fan-out scenarios in spec §8.
type recordingNotifier struct {
	mu   sync.Mutex
	recv []channel.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notif channel.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recv = append(n.recv, notif)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.recv))
	for i, notif := range n.recv {
		out[i] = notif.Type
	}
	return out
}

func newTestScheduler() *Scheduler {
	return New(mediabackendtest.New(), nil)
}

func mustJoin(t *testing.T, s *Scheduler, peerID PeerIdType, connID ConnectionIdType) (*Peer, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	peer, err := s.Join(context.Background(), peerID, connID, notifier, JoinRequest{DisplayName: string(peerID)})
	require.NoError(t, err)
	return peer, notifier
}

// Scenario 1 (spec §8): basic join — A joins and becomes host; B joins and
// the snapshot lists both with A still host; A is notified "newPeer".
func TestScenario_BasicJoin(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	_, notifierA := mustJoin(t, s, "A", "c1")
	snapA, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, PeerIdType("A"), snapA.HostPeerID)
	assert.Len(t, snapA.Peers, 1)

	mustJoin(t, s, "B", "c2")
	snapB, err := s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, PeerIdType("A"), snapB.HostPeerID)
	ids := peerIDs(snapB.Peers)
	assert.ElementsMatch(t, []PeerIdType{"A", "B"}, ids)

	assert.Contains(t, notifierA.types(), channel.NewPeer)
}

// Join acks the caller's own connection with peerJoined, ahead of and
// distinct from any room-scoped newPeer fan-out.
func TestJoin_NotifiesPeerJoined(t *testing.T) {
	s := newTestScheduler()
	_, notifierA := mustJoin(t, s, "A", "c1")
	assert.Contains(t, notifierA.types(), channel.PeerJoined)
}

func peerIDs(peers []*Peer) []PeerIdType {
	out := make([]PeerIdType, len(peers))
	for i, p := range peers {
		out[i] = p.ID()
	}
	return out
}

// Scenario 3: reconnect rotates connectionId; stale connectionId is rejected
// with Disconnected, fresh one succeeds.
func TestScenario_Reconnect(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, err = s.Join(ctx, "A", "c3", &recordingNotifier{}, JoinRequest{})
	require.NoError(t, err)

	_, err = s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, Disconnected, kind)

	_, err = s.GetOtherPeerIds("A", "")
	require.NoError(t, err)
}

// Join with the same peerId and same connectionId fails with AlreadyJoined.
func TestJoin_AlreadyJoined(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.Join(ctx, "A", "c1", &recordingNotifier{}, JoinRequest{})
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, AlreadyJoined, kind)
}

// Scenario 4: host kicks a peer; target's transports close, it leaves the
// room but stays registered with the Scheduler, and is notified
// "peerKicked"; siblings are notified "peerLeft".
func TestScenario_Kick(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	mustJoin(t, s, "B", "c2")
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, notifierC := mustJoin(t, s, "C", "c3")
	_, err = s.JoinRoom(ctx, "C", "c3", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	result, err := s.KickPeer(ctx, "A", "c1", "C")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, PeerIdType("C"), result.Kicked.ID())

	assert.Contains(t, notifierC.types(), channel.PeerKicked)

	// C is still registered with the Scheduler and may rejoin.
	stillExists := s.peerByID("C")
	require.NotNil(t, stillExists)
	_, inRoom := stillExists.RoomID()
	assert.False(t, inRoom)

	peers, err := s.GetOtherPeerIds("A", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []PeerIdType{"B"}, peers)
}

func TestKickPeer_NotHost(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	mustJoin(t, s, "B", "c2")
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, err = s.KickPeer(ctx, "B", "c2", "A")
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, NotHost, kind)
}

// Scenario 5: host dismissal removes the room, every non-host peer, and the
// host from the Scheduler; every non-host is notified "roomDismissed".
func TestScenario_HostDismissal(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	mustJoin(t, s, "B", "c2")
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, notifierC := mustJoin(t, s, "C", "c3")
	_, err = s.JoinRoom(ctx, "C", "c3", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	result, err := s.LeaveRoom(ctx, "A", "c1")
	require.NoError(t, err)
	require.NotNil(t, result.Dismissed)
	assert.ElementsMatch(t, []PeerIdType{"B", "C"}, result.Dismissed.OtherPeerIDs)

	assert.Contains(t, notifierC.types(), channel.RoomDismissed)

	assert.Nil(t, s.peerByID("A"))
	assert.Nil(t, s.peerByID("B"))
	assert.Nil(t, s.peerByID("C"))
	assert.Nil(t, s.getRoom("R1"))
}

// Scenario 6: re-joining the same room is idempotent: same snapshot, no
// fresh "newPeer" notification to other members.
func TestScenario_IdempotentRejoin(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	_, notifierA := mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	mustJoin(t, s, "B", "c2")
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	before := len(notifierA.types())

	snap, err := s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)
	assert.Len(t, snap.Peers, 2)

	assert.Equal(t, before, len(notifierA.types()), "idempotent rejoin must not add a fresh notification")
}

func TestJoinRoom_AlreadyInDifferentRoom(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, err = s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R2"})
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, AlreadyInRoom, kind)
}

// Leave on an unknown peer returns nil, nil rather than an error.
func TestLeave_UnknownPeer(t *testing.T) {
	s := newTestScheduler()
	result, err := s.Leave(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, result)
}

// Join -> Leave returns state to pre-join: the peer table is empty again.
func TestRoundTrip_JoinLeave(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.Leave(ctx, "A")
	require.NoError(t, err)

	assert.Nil(t, s.peerByID("A"))
}

// Idempotence: CloseProducer twice returns false the second time.
func TestCloseProducer_Idempotent(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, transportID, err := s.CreateWebRtcTransport(ctx, "A", "c1", CreateWebRtcTransportRequest{}, true)
	require.NoError(t, err)

	res, err := s.Produce(ctx, "A", "c1", ProduceRequest{
		TransportID: transportID,
		Kind:        "audio",
		RtpParams:   map[string]any{},
		Source:      "mic",
	})
	require.NoError(t, err)

	ok, err := s.CloseProducer(ctx, "A", "c1", res.ProducerID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CloseProducer(ctx, "A", "c1", res.ProducerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Commands against a stale connectionId are uniformly rejected with
// Disconnected.
func TestDisconnected_RejectsStaleConnection(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.Join(ctx, "A", "c2", &recordingNotifier{}, JoinRequest{})
	require.NoError(t, err)

	_, err = s.CreateWebRtcTransport(ctx, "A", "c1", CreateWebRtcTransportRequest{}, true)
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, Disconnected, kind)
}

func TestLookupPeer_Unknown(t *testing.T) {
	s := newTestScheduler()
	_, err := s.lookupPeer("test", "ghost", "c1")
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, PeerNotExists, kind)
}

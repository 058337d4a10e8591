package scheduler

import (
	"context"
	"testing"

	"github.com/conferenced/backend/internal/v1/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 2 (spec §8): pull before produce records a padding; producing
// discharges it and the caller can complete the resulting Consume, which
// notifies the consuming peer "newConsumer".
func TestScenario_PullThenProduce(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	notifierB := &recordingNotifier{}
	_, err = s.Join(ctx, "B", "c2", notifierB, JoinRequest{DisplayName: "B", RtpCapabilities: map[string]any{}})
	require.NoError(t, err)
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	pullResult, err := s.Pull(ctx, "B", "c2", PullRequest{ProducerPeerID: "A", Sources: []SourceType{"mic"}})
	require.NoError(t, err)
	assert.Empty(t, pullResult.ExistingProducers)
	assert.Equal(t, []SourceType{"mic"}, pullResult.ProduceSources)

	_, sendTransportID, err := s.CreateWebRtcTransport(ctx, "A", "c1", CreateWebRtcTransportRequest{}, true)
	require.NoError(t, err)

	produceResult, err := s.Produce(ctx, "A", "c1", ProduceRequest{
		TransportID: sendTransportID,
		Kind:        "audio",
		RtpParams:   map[string]any{},
		Source:      "mic",
	})
	require.NoError(t, err)
	require.Len(t, produceResult.Paddings, 1)
	assert.Equal(t, PeerIdType("B"), produceResult.Paddings[0].ConsumerPeerID)

	_, recvTransportID, err := s.CreateWebRtcTransport(ctx, "B", "c2", CreateWebRtcTransportRequest{}, false)
	require.NoError(t, err)

	consumer, err := s.Consume(ctx, "B", "c2", recvTransportID, "A", produceResult.ProducerID)
	require.NoError(t, err)
	require.NotNil(t, consumer)

	assert.Contains(t, notifierB.types(), channel.NewConsumer)
}

// Pulling a source that already has a live producer returns it immediately
// in ExistingProducers without recording a padding.
func TestPull_ExistingProducer(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)
	mustJoin(t, s, "B", "c2")
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, sendTransportID, err := s.CreateWebRtcTransport(ctx, "A", "c1", CreateWebRtcTransportRequest{}, true)
	require.NoError(t, err)
	produceResult, err := s.Produce(ctx, "A", "c1", ProduceRequest{
		TransportID: sendTransportID, Kind: "audio", RtpParams: map[string]any{}, Source: "mic",
	})
	require.NoError(t, err)
	assert.Empty(t, produceResult.Paddings)

	pullResult, err := s.Pull(ctx, "B", "c2", PullRequest{ProducerPeerID: "A", Sources: []SourceType{"mic"}})
	require.NoError(t, err)
	assert.Empty(t, pullResult.ProduceSources)
	require.Len(t, pullResult.ExistingProducers, 1)
	assert.Equal(t, produceResult.ProducerID, pullResult.ExistingProducers[0].ProducerID)
}

// P4: once the producer appears and discharges the padding, a second
// Produce call for the same source does not re-discharge it.
func TestProduce_DischargesPaddingOnce(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)
	mustJoin(t, s, "B", "c2")
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, err = s.Pull(ctx, "B", "c2", PullRequest{ProducerPeerID: "A", Sources: []SourceType{"cam"}})
	require.NoError(t, err)

	_, sendTransportID, err := s.CreateWebRtcTransport(ctx, "A", "c1", CreateWebRtcTransportRequest{}, true)
	require.NoError(t, err)

	first, err := s.Produce(ctx, "A", "c1", ProduceRequest{TransportID: sendTransportID, Kind: "video", RtpParams: map[string]any{}, Source: "cam"})
	require.NoError(t, err)
	assert.Len(t, first.Paddings, 1)

	second, err := s.Produce(ctx, "A", "c1", ProduceRequest{TransportID: sendTransportID, Kind: "video", RtpParams: map[string]any{}, Source: "cam"})
	require.NoError(t, err)
	assert.Empty(t, second.Paddings)
}

// Consumer operations against an unknown id are idempotent no-ops, not
// errors, per spec's NotFound-on-close policy.
func TestPauseCloseConsumer_Idempotent(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	ok, err := s.PauseConsumer(ctx, "A", "c1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CloseConsumer(ctx, "A", "c1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Peer.LeaveRoom closes every transport, which cascades to its producers.
func TestLeaveRoom_ClosesTransportsAndProducers(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	mustJoin(t, s, "A", "c1")
	_, err := s.JoinRoom(ctx, "A", "c1", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)
	mustJoin(t, s, "B", "c2")
	_, err = s.JoinRoom(ctx, "B", "c2", JoinRoomRequest{RoomID: "R1"})
	require.NoError(t, err)

	_, sendTransportID, err := s.CreateWebRtcTransport(ctx, "B", "c2", CreateWebRtcTransportRequest{}, true)
	require.NoError(t, err)
	produceResult, err := s.Produce(ctx, "B", "c2", ProduceRequest{TransportID: sendTransportID, Kind: "audio", RtpParams: map[string]any{}, Source: "mic"})
	require.NoError(t, err)

	_, err = s.LeaveRoom(ctx, "B", "c2")
	require.NoError(t, err)

	// B's own transport table was reset; a stats lookup on its old producer
	// id now reports not-found rather than erroring.
	peerB := s.peerByID("B")
	require.NotNil(t, peerB)
	_, found, err := peerB.ProducerStats(ctx, produceResult.ProducerID)
	require.NoError(t, err)
	assert.False(t, found)
}

// SetPeerAppData/UnsetPeerAppData/ClearPeerAppData round-trip and notify
// "peerAppDataChanged" on set.
func TestPeerAppData_RoundTrip(t *testing.T) {
	s := newTestScheduler()
	_, notifier := mustJoin(t, s, "A", "c1")

	ok := s.SetPeerAppData("A", "nickname", "Ada")
	require.True(t, ok)
	assert.Contains(t, notifier.types(), channel.PeerAppDataChanged)

	data, ok := s.GetPeerInternalData("A")
	require.True(t, ok)
	assert.Empty(t, data)

	ok = s.UnsetPeerAppData("A", "nickname")
	require.True(t, ok)

	ok = s.ClearPeerAppData("A")
	require.True(t, ok)
}

func TestPeerInternalData_RoleRoundTrip(t *testing.T) {
	s := newTestScheduler()
	mustJoin(t, s, "A", "c1")

	ok := s.SetPeerInternalData("A", RoleKey, "presenter")
	require.True(t, ok)

	role, ok := s.GetPeerRole("A")
	require.True(t, ok)
	assert.Equal(t, "presenter", role)

	ok = s.ClearPeerInternalData("A")
	require.True(t, ok)
	_, ok = s.GetPeerRole("A")
	assert.False(t, ok)
}

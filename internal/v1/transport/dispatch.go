package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conferenced/backend/internal/v1/mediabackend"
	"github.com/conferenced/backend/internal/v1/scheduler"
)

// dispatch decodes params for method and invokes the matching Scheduler
// operation, returning a value to be JSON-encoded as the result. peerID and
// connectionID are bound at Conn creation, not supplied by the client, so a
// stale or malicious client can never act as another peer.
func dispatch(ctx context.Context, s *scheduler.Scheduler, peerID scheduler.PeerIdType, connectionID scheduler.ConnectionIdType, method string, params json.RawMessage) (any, error) {
	switch method {
	case "joinRoom":
		var p struct {
			RoomID string `json:"roomId"`
			Name   string `json:"name"`
			Role   string `json:"role"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		snap, err := s.JoinRoom(ctx, peerID, connectionID, scheduler.JoinRoomRequest{
			RoomID: scheduler.RoomIdType(p.RoomID), Name: p.Name, Role: p.Role,
		})
		if err != nil {
			return nil, err
		}
		return wireJoinRoomResult(snap), nil

	case "leaveRoom":
		result, err := s.LeaveRoom(ctx, peerID, connectionID)
		if err != nil {
			return nil, err
		}
		return wireLeaveRoomResult(result), nil

	case "kickPeer":
		var p struct {
			TargetPeerID string `json:"targetPeerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		result, err := s.KickPeer(ctx, peerID, connectionID, scheduler.PeerIdType(p.TargetPeerID))
		if err != nil || result == nil {
			return nil, err
		}
		return map[string]string{"kickedPeerId": string(result.Kicked.ID())}, nil

	case "createWebRtcTransport":
		var p struct {
			ForceTcp bool `json:"forceTcp"`
			IsSend   bool `json:"isSend"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		_, id, err := s.CreateWebRtcTransport(ctx, peerID, connectionID, scheduler.CreateWebRtcTransportRequest{ForceTcp: p.ForceTcp}, p.IsSend)
		if err != nil {
			return nil, err
		}
		return map[string]string{"transportId": id}, nil

	case "createPlainTransport":
		_, id, err := s.CreatePlainTransport(ctx, peerID, connectionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"transportId": id}, nil

	case "connectWebRtcTransport":
		var p struct {
			TransportID string                        `json:"transportId"`
			Dtls        mediabackend.DtlsParameters    `json:"dtlsParameters"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, s.ConnectWebRtcTransport(ctx, peerID, connectionID, p.TransportID, p.Dtls)

	case "pull":
		var p struct {
			ProducerPeerID string               `json:"producerPeerId"`
			Sources        []scheduler.SourceType `json:"sources"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.Pull(ctx, peerID, connectionID, scheduler.PullRequest{
			ProducerPeerID: scheduler.PeerIdType(p.ProducerPeerID), Sources: p.Sources,
		})

	case "produce":
		var p struct {
			TransportID string                     `json:"transportId"`
			Kind        mediabackend.MediaKind      `json:"kind"`
			RtpParams   mediabackend.RtpParameters  `json:"rtpParameters"`
			Source      scheduler.SourceType        `json:"source"`
			AppData     map[string]any              `json:"appData"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return s.Produce(ctx, peerID, connectionID, scheduler.ProduceRequest{
			TransportID: p.TransportID, Kind: p.Kind, RtpParams: p.RtpParams, Source: p.Source, AppData: p.AppData,
		})

	case "consume":
		var p struct {
			TransportID    string `json:"transportId"`
			ProducerPeerID string `json:"producerPeerId"`
			ProducerID     string `json:"producerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		consumer, err := s.Consume(ctx, peerID, connectionID, p.TransportID, scheduler.PeerIdType(p.ProducerPeerID), p.ProducerID)
		if err != nil {
			return nil, err
		}
		if consumer == nil {
			return map[string]any{"consumerId": nil}, nil
		}
		return map[string]any{"consumerId": consumer.ID(), "producerId": consumer.ProducerID()}, nil

	case "closeProducer":
		var p struct {
			ProducerID string `json:"producerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.CloseProducer(ctx, peerID, connectionID, p.ProducerID)
		return map[string]bool{"closed": ok}, err

	case "pauseProducer":
		var p struct {
			ProducerID string `json:"producerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.PauseProducer(ctx, peerID, connectionID, p.ProducerID)
		return map[string]bool{"paused": ok}, err

	case "resumeProducer":
		var p struct {
			ProducerID string `json:"producerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.ResumeProducer(ctx, peerID, connectionID, p.ProducerID)
		return map[string]bool{"resumed": ok}, err

	case "closeConsumer":
		var p struct {
			ConsumerID string `json:"consumerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.CloseConsumer(ctx, peerID, connectionID, p.ConsumerID)
		return map[string]bool{"closed": ok}, err

	case "pauseConsumer":
		var p struct {
			ConsumerID string `json:"consumerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.PauseConsumer(ctx, peerID, connectionID, p.ConsumerID)
		return map[string]bool{"paused": ok}, err

	case "resumeConsumer":
		var p struct {
			ConsumerID string `json:"consumerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.ResumeConsumer(ctx, peerID, connectionID, p.ConsumerID)
		return map[string]bool{"resumed": ok}, err

	case "setConsumerPreferredLayers":
		var p struct {
			ConsumerID string `json:"consumerId"`
			Spatial    int    `json:"spatialLayer"`
			Temporal   int    `json:"temporalLayer"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.SetConsumerPreferredLayers(ctx, peerID, connectionID, p.ConsumerID, p.Spatial, p.Temporal)
		return map[string]bool{"ok": ok}, err

	case "setConsumerPriority":
		var p struct {
			ConsumerID string `json:"consumerId"`
			Priority   int    `json:"priority"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.SetConsumerPriority(ctx, peerID, connectionID, p.ConsumerID, p.Priority)
		return map[string]bool{"ok": ok}, err

	case "requestConsumerKeyFrame":
		var p struct {
			ConsumerID string `json:"consumerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.RequestConsumerKeyFrame(ctx, peerID, connectionID, p.ConsumerID)
		return map[string]bool{"ok": ok}, err

	case "restartIce":
		var p struct {
			TransportID string                     `json:"transportId"`
			Dtls        mediabackend.DtlsParameters `json:"dtlsParameters"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.RestartIce(ctx, peerID, connectionID, p.TransportID, p.Dtls)
		return map[string]bool{"ok": ok}, err

	case "getProducerStats":
		var p struct {
			ProducerID string `json:"producerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		stats, found, err := s.GetProducerStats(ctx, peerID, connectionID, p.ProducerID)
		if err != nil || !found {
			return nil, err
		}
		return json.RawMessage(stats), nil

	case "getConsumerStats":
		var p struct {
			ConsumerID string `json:"consumerId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		stats, found, err := s.GetConsumerStats(ctx, peerID, connectionID, p.ConsumerID)
		if err != nil || !found {
			return nil, err
		}
		return json.RawMessage(stats), nil

	case "setAppData":
		var p struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": s.SetPeerAppData(peerID, p.Key, p.Value)}, nil

	case "unsetAppData":
		var p struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": s.UnsetPeerAppData(peerID, p.Key)}, nil

	case "getOtherPeers":
		var p struct {
			Role string `json:"role"`
		}
		_ = json.Unmarshal(params, &p)
		peers, err := s.GetOtherPeers(peerID, p.Role)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(peers))
		for _, peer := range peers {
			role, _ := peer.Role()
			out = append(out, map[string]any{"peerId": string(peer.ID()), "displayName": peer.DisplayName(), "role": role})
		}
		return out, nil

	case "sendChat":
		var p struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return nil, s.AddChat(ctx, peerID, connectionID, p.ID, p.Text, time.Now())

	case "getRecentChats":
		var p struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(params, &p)
		return s.GetRecentChats(peerID, p.Limit)

	case "deleteChat":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		ok, err := s.DeleteChat(ctx, peerID, connectionID, p.ID)
		return map[string]bool{"deleted": ok}, err

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// wirePeer is the JSON-safe projection of a *scheduler.Peer for replies to
// the client; Peer itself keeps its fields unexported.
type wirePeer struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

type wireJoinRoom struct {
	RoomID     string     `json:"roomId"`
	HostPeerID string     `json:"hostPeerId,omitempty"`
	HasHost    bool       `json:"hasHost"`
	Peers      []wirePeer `json:"peers"`
}

type wireLeaveRoom struct {
	Dismissed bool   `json:"dismissed"`
	RoomID    string `json:"roomId,omitempty"`
}

func wireLeaveRoomResult(r *scheduler.LeaveRoomResult) wireLeaveRoom {
	if r == nil {
		return wireLeaveRoom{}
	}
	if r.Dismissed != nil {
		return wireLeaveRoom{Dismissed: true}
	}
	if r.Left != nil && r.Left.Room != nil {
		return wireLeaveRoom{RoomID: string(r.Left.Room.ID())}
	}
	return wireLeaveRoom{}
}

func wireJoinRoomResult(snap *scheduler.JoinRoomResultSnapshot) wireJoinRoom {
	out := wireJoinRoom{
		RoomID:     string(snap.RoomID),
		HostPeerID: string(snap.HostPeerID),
		HasHost:    snap.HasHost,
		Peers:      make([]wirePeer, 0, len(snap.Peers)),
	}
	for _, p := range snap.Peers {
		role, _ := p.Role()
		out.Peers = append(out.Peers, wirePeer{PeerID: string(p.ID()), DisplayName: p.DisplayName(), Role: role})
	}
	return out
}

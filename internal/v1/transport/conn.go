package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/conferenced/backend/internal/v1/channel"
	"github.com/conferenced/backend/internal/v1/logging"
	"github.com/conferenced/backend/internal/v1/metrics"
	"github.com/conferenced/backend/internal/v1/scheduler"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConn is the subset of *websocket.Conn a Conn depends on, so tests can
// substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// request is the envelope a client sends to invoke one Scheduler operation.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is the envelope returned for a request, at most one of Result or
// Error populated (neither for a method that succeeds with no result).
type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// notificationEnvelope wraps a server-initiated channel.Notification so it
// is distinguishable from a response on the wire.
type notificationEnvelope struct {
	Notification *channel.Notification `json:"notification"`
}

// chunk is one fragment of a message too large for a single WebSocket
// frame; chunks are reassembled by messageID before being parsed as a
// request. Unreferenced partial reassemblies expire after chunkExpiry.
type chunk struct {
	MessageID   string `json:"messageId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   int    `json:"totalSize"`
	Data        string `json:"data"` // base64
}

const chunkExpiry = 60 * time.Second

type pendingReassembly struct {
	parts     [][]byte
	received  int
	totalSize int
	expiresAt time.Time
}

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Conn represents one authenticated participant's WebSocket session. It
// implements channel.Notifier so the scheduler can push best-effort
// notifications to the client, and it owns the read/write pumps that
// translate wire requests into Scheduler calls.
type Conn struct {
	ws wsConn

	peerID       scheduler.PeerIdType
	connectionID scheduler.ConnectionIdType

	sched *scheduler.Scheduler

	mu     sync.RWMutex
	closed bool

	send chan []byte

	reassembleMu sync.Mutex
	reassemble   map[string]*pendingReassembly
}

func newConn(ws wsConn, sched *scheduler.Scheduler, peerID scheduler.PeerIdType, connectionID scheduler.ConnectionIdType) *Conn {
	return &Conn{
		ws:           ws,
		sched:        sched,
		peerID:       peerID,
		connectionID: connectionID,
		send:         make(chan []byte, sendBuffer),
		reassemble:   make(map[string]*pendingReassembly),
	}
}

// Notify implements channel.Notifier by queuing the notification for
// delivery on the write pump. Drops the notification if the send buffer is
// full rather than blocking the caller (best-effort delivery).
func (c *Conn) Notify(ctx context.Context, n channel.Notification) error {
	data, err := json.Marshal(notificationEnvelope{Notification: &n})
	if err != nil {
		return err
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil
	}
	select {
	case c.send <- data:
		return nil
	default:
		logging.Warn(ctx, "dropping notification, send buffer full", zap.String("peerId", string(c.peerID)), zap.String("type", n.Type))
		return nil
	}
}

func (c *Conn) writePump() {
	defer c.ws.Close()
	for data := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump processes incoming frames until the connection closes, then
// tears the peer down via Scheduler.Leave.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		c.ws.Close()
		metrics.DecConnection()
		if _, err := c.sched.Leave(ctx, c.peerID); err != nil {
			logging.Warn(ctx, "leave on disconnect failed", zap.String("peerId", string(c.peerID)), zap.Error(err))
		}
	}()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	var probe struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.MessageID != "" {
		var ch chunk
		if err := json.Unmarshal(data, &ch); err == nil {
			if full, ok := c.reassembleChunk(ch); ok {
				c.handleRequest(ctx, full)
			}
			return
		}
	}
	c.handleRequest(ctx, data)
}

// reassembleChunk folds one chunk into its in-progress message, evicting
// reassemblies older than chunkExpiry, and returns the full payload once
// every chunk has arrived.
func (c *Conn) reassembleChunk(ch chunk) ([]byte, bool) {
	c.reassembleMu.Lock()
	defer c.reassembleMu.Unlock()

	now := time.Now()
	for id, p := range c.reassemble {
		if now.After(p.expiresAt) {
			delete(c.reassemble, id)
		}
	}

	p, ok := c.reassemble[ch.MessageID]
	if !ok {
		p = &pendingReassembly{parts: make([][]byte, ch.TotalChunks), totalSize: ch.TotalSize, expiresAt: now.Add(chunkExpiry)}
		c.reassemble[ch.MessageID] = p
	}

	if ch.ChunkIndex < 0 || ch.ChunkIndex >= len(p.parts) {
		return nil, false
	}
	if p.parts[ch.ChunkIndex] == nil {
		decoded, err := base64.StdEncoding.DecodeString(ch.Data)
		if err != nil {
			return nil, false
		}
		p.parts[ch.ChunkIndex] = decoded
		p.received++
	}

	if p.received < ch.TotalChunks {
		return nil, false
	}

	delete(c.reassemble, ch.MessageID)
	full := make([]byte, 0, p.totalSize)
	for _, part := range p.parts {
		full = append(full, part...)
	}
	return full, true
}

func (c *Conn) handleRequest(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		logging.Warn(ctx, "malformed request frame", zap.String("peerId", string(c.peerID)), zap.Error(err))
		return
	}

	started := time.Now()
	result, err := dispatch(ctx, c.sched, c.peerID, c.connectionID, req.Method, req.Params)
	metrics.MessageProcessingDuration.WithLabelValues(req.Method).Observe(time.Since(started).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.WebsocketEvents.WithLabelValues(req.Method, status).Inc()

	resp := response{ID: req.ID}
	if err != nil {
		kind := "Unknown"
		if k, ok := scheduler.KindOf(err); ok {
			kind = string(k)
		}
		resp.Error = &wireError{Kind: kind, Message: err.Error()}
	} else if result != nil {
		encoded, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &wireError{Kind: "EncodingFailure", Message: merr.Error()}
		} else {
			resp.Result = encoded
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logging.Error(ctx, "failed to encode response", zap.Error(err))
		return
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		logging.Warn(ctx, "dropping response, send buffer full", zap.String("peerId", string(c.peerID)), zap.String("requestId", req.ID))
	}
}

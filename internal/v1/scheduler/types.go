package scheduler

// PeerIdType identifies a participant stably across reconnects.
type PeerIdType string

// ConnectionIdType identifies the live transport session of a peer; it
// rotates whenever the peer reconnects.
type ConnectionIdType string

// RoomIdType identifies a conference room, caller-supplied.
type RoomIdType string

// SourceType is a logical media source tag, e.g. "mic", "cam", "screen".
type SourceType string

// TransportDirection distinguishes send (producer-carrying) from recv
// (consumer-carrying) transports.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// DataMap is a mapping string -> arbitrary value, used for both app-supplied
// and server-internal peer metadata.
type DataMap map[string]any

// RoleKey is the well-known internalData key under which a peer's role lives.
const RoleKey = "role"

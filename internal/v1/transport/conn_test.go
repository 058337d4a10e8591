package transport

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn() *Conn {
	return &Conn{reassemble: make(map[string]*pendingReassembly)}
}

// A message split across multiple chunks reassembles once every chunk has
// arrived, in order.
func TestReassembleChunk_CompletesInOrder(t *testing.T) {
	c := newTestConn()

	part1 := base64.StdEncoding.EncodeToString([]byte(`{"id":"1",`))
	part2 := base64.StdEncoding.EncodeToString([]byte(`"method":"ping"}`))

	_, ok := c.reassembleChunk(chunk{MessageID: "m1", ChunkIndex: 0, TotalChunks: 2, TotalSize: 26, Data: part1})
	assert.False(t, ok, "incomplete message must not be returned yet")

	full, ok := c.reassembleChunk(chunk{MessageID: "m1", ChunkIndex: 1, TotalChunks: 2, TotalSize: 26, Data: part2})
	require.True(t, ok)
	assert.Equal(t, `{"id":"1","method":"ping"}`, string(full))
}

// Out-of-order arrival still reassembles correctly once complete.
func TestReassembleChunk_OutOfOrder(t *testing.T) {
	c := newTestConn()

	partA := base64.StdEncoding.EncodeToString([]byte("AAA"))
	partB := base64.StdEncoding.EncodeToString([]byte("BBB"))

	_, ok := c.reassembleChunk(chunk{MessageID: "m2", ChunkIndex: 1, TotalChunks: 2, TotalSize: 6, Data: partB})
	assert.False(t, ok)

	full, ok := c.reassembleChunk(chunk{MessageID: "m2", ChunkIndex: 0, TotalChunks: 2, TotalSize: 6, Data: partA})
	require.True(t, ok)
	assert.Equal(t, "AAABBB", string(full))
}

// A chunk index outside [0, totalChunks) is rejected rather than panicking.
func TestReassembleChunk_RejectsOutOfRangeIndex(t *testing.T) {
	c := newTestConn()
	_, ok := c.reassembleChunk(chunk{MessageID: "m3", ChunkIndex: 5, TotalChunks: 2, TotalSize: 4, Data: "AAAA"})
	assert.False(t, ok)
}

// A second, distinct message id reassembles independently of an
// in-progress one.
func TestReassembleChunk_ConcurrentMessagesIndependent(t *testing.T) {
	c := newTestConn()

	c.reassembleChunk(chunk{MessageID: "x", ChunkIndex: 0, TotalChunks: 2, TotalSize: 2, Data: base64.StdEncoding.EncodeToString([]byte("x"))})

	fullY, ok := c.reassembleChunk(chunk{MessageID: "y", ChunkIndex: 0, TotalChunks: 1, TotalSize: 1, Data: base64.StdEncoding.EncodeToString([]byte("y"))})
	require.True(t, ok)
	assert.Equal(t, "y", string(fullY))

	_, stillPending := c.reassemble["x"]
	assert.True(t, stillPending, "completing y must not disturb the in-progress x reassembly")
}

package scheduler

import (
	"container/list"
	"sync"
	"time"
)

// chatHistoryLimit bounds the in-memory chat backlog kept per room; older
// messages are evicted once the limit is reached. No persistent storage is
// kept, per the persistent-history non-goal.
const chatHistoryLimit = 200

// ChatMessage is one entry of a room's chat history.
type ChatMessage struct {
	ID        string
	PeerID    PeerIdType
	Text      string
	Timestamp time.Time
}

// roomChat is an in-memory, capped chat backlog, modeled on the teacher's
// container/list-backed draw-order queues.
type roomChat struct {
	mu      sync.RWMutex
	history *list.List // of *ChatMessage, oldest at Front
	index   map[string]*list.Element
}

func newRoomChat() *roomChat {
	return &roomChat{
		history: list.New(),
		index:   make(map[string]*list.Element),
	}
}

// Add appends a message, evicting the oldest entry if the backlog is full.
func (c *roomChat) Add(msg *ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el := c.history.PushBack(msg)
	c.index[msg.ID] = el

	for c.history.Len() > chatHistoryLimit {
		oldest := c.history.Front()
		c.history.Remove(oldest)
		delete(c.index, oldest.Value.(*ChatMessage).ID)
	}
}

// Delete removes a message by id; returns false if it was not present.
func (c *roomChat) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	if !ok {
		return false
	}
	c.history.Remove(el)
	delete(c.index, id)
	return true
}

// Recent returns up to n most recent messages, oldest first.
func (c *roomChat) Recent(n int) []*ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.history.Len()
	if n <= 0 || n > total {
		n = total
	}

	out := make([]*ChatMessage, 0, n)
	el := c.history.Back()
	for i := 0; i < n && el != nil; i++ {
		out = append(out, el.Value.(*ChatMessage))
		el = el.Prev()
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

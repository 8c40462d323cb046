package hub

import (
	"sync"

	"github.com/codequill/collab-hub/internal/docs"
)

// sendQueueDepth bounds the per-connection outbound buffer. A connection that
// cannot drain this many frames is closed; the client re-syncs from full
// state on reconnect instead of silently missing deltas.
const sendQueueDepth = 64

// connection is one live sync session's transport handle. Role is fixed for
// the connection lifetime; changing roles requires reconnecting with a fresh
// token.
type connection struct {
	userID docs.UserID
	role   docs.Role

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(userID docs.UserID, role docs.Role) *connection {
	return &connection{
		userID: userID,
		role:   role,
		send:   make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. Returns false when the connection is
// closed or its queue is full.
func (c *connection) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close marks the connection dead and wakes its pumps. Safe to call more
// than once.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Registry tracks the live connections per document.
type Registry struct {
	mu    sync.Mutex
	conns map[docs.DocumentID]map[*connection]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[docs.DocumentID]map[*connection]struct{})}
}

// Add registers a connection and returns the document's connection count.
func (r *Registry) Add(docID docs.DocumentID, conn *connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[docID]
	if !ok {
		set = make(map[*connection]struct{})
		r.conns[docID] = set
	}
	set[conn] = struct{}{}
	return len(set)
}

// Remove unregisters a connection and returns the remaining count for the
// document.
func (r *Registry) Remove(docID docs.DocumentID, conn *connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[docID]
	if set == nil {
		return 0
	}
	delete(set, conn)
	remaining := len(set)
	if remaining == 0 {
		delete(r.conns, docID)
	}
	return remaining
}

// Count returns the number of live connections for a document.
func (r *Registry) Count(docID docs.DocumentID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[docID])
}

// Broadcast relays a frame to every connection for the document except the
// sender. Connections with a saturated queue are closed rather than skipped.
func (r *Registry) Broadcast(docID docs.DocumentID, payload []byte, except *connection) {
	r.mu.Lock()
	targets := make([]*connection, 0, len(r.conns[docID]))
	for conn := range r.conns[docID] {
		if conn != except {
			targets = append(targets, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if !conn.enqueue(payload) {
			conn.close()
		}
	}
}

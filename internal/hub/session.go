package hub

import (
	"context"
	"sync"
	"time"

	"github.com/codequill/collab-hub/internal/docs"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// session drives one admitted connection through its lifecycle: initial
// full-state push, incremental relay, and teardown with the last-client
// durability flush.
type session struct {
	hub     *Hub
	ws      *websocket.Conn
	docID   docs.DocumentID
	conn    *connection
	replica *Replica

	transportOnce sync.Once
}

func (s *session) run() {
	go s.writePump()
	s.readPump()
	s.teardown()
}

// readPump consumes client frames until the socket dies or the keepalive
// deadline lapses. A connection that misses a pong past the deadline fails
// its next read and tears down like a normal disconnect.
func (s *session) readPump() {
	pongWait := 2 * s.hub.keepalive
	s.ws.SetReadLimit(s.hub.maxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.logger.Debug("socket read ended",
					zap.String("doc_id", s.docID.String()),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(payload)
	}
}

// writePump owns all writes to the socket: queued frames plus periodic
// pings. On exit it closes the socket so the read side unblocks.
func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.keepalive)
	defer ticker.Stop()
	defer s.closeTransport()

	for {
		select {
		case <-s.conn.done:
			return
		case payload := <-s.conn.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame processes one inbound binary delta from this client.
func (s *session) handleFrame(payload []byte) {
	// Read-only viewers cannot mutate shared state; their writes are
	// silently discarded rather than answered with an error.
	if !s.conn.role.CanWrite() {
		return
	}

	if err := s.hub.applyAndRelay(s.replica, payload, s.conn); err != nil {
		// Malformed payloads are dropped without closing the connection.
		s.hub.logger.Warn("dropping malformed update",
			zap.String("doc_id", s.docID.String()),
			zap.String("user_id", s.conn.userID.String()),
			zap.Error(err))
		return
	}

	s.hub.publish(s.docID, payload)
	s.hub.audit(s.docID, s.conn.userID, docs.EventTypeUpdate, int64(len(payload)))
}

func (s *session) closeTransport() {
	s.transportOnce.Do(func() {
		s.conn.close()
		_ = s.ws.Close()
	})
}

// teardown runs exactly once when the session ends. If this was the last
// connection for the document, the state is flushed immediately and a
// snapshot written; this is the durability boundary between "everyone left"
// and a process restart.
func (s *session) teardown() {
	s.closeTransport()

	remaining := s.hub.registry.Remove(s.docID, s.conn)
	s.hub.audit(s.docID, s.conn.userID, docs.EventTypeDisconnect, 0)
	s.hub.logger.Info("client disconnected",
		zap.String("doc_id", s.docID.String()),
		zap.String("user_id", s.conn.userID.String()),
		zap.Int("remaining", remaining))

	if remaining > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.hub.saver.Flush(ctx, s.replica); err == nil {
		s.hub.cache.ScheduleEvict(s.docID)
	}
}

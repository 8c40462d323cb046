// Package hub implements the real-time document synchronization core: per
// connection sync sessions, the resident replica cache, debounced
// persistence, and cross-instance fan-out.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/codequill/collab-hub/internal/auth"
	"github.com/codequill/collab-hub/internal/bus"
	"github.com/codequill/collab-hub/internal/docs"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMaxFrameBytes = 1 << 20
	defaultKeepalive     = 30 * time.Second
)

// Store is the slice of the durable document store the hub depends on.
// *docs.Store satisfies it.
type Store interface {
	LoadState(ctx context.Context, docID docs.DocumentID) ([]byte, error)
	SaveState(ctx context.Context, docID docs.DocumentID, state []byte) error
	AppendSnapshot(ctx context.Context, docID docs.DocumentID, state []byte) error
	AppendEvent(ctx context.Context, docID docs.DocumentID, userID docs.UserID, eventType docs.EventType, sizeBytes int64) error
}

var (
	errMissingVerifier   = errors.New("capability verifier dependency required")
	errMissingStore      = errors.New("document store dependency required")
	errMissingBus        = errors.New("fan-out bus dependency required")
	errMissingInstanceID = errors.New("instance id required")
)

// Config wires the hub's collaborators and tuning knobs.
type Config struct {
	Verifier   *auth.CapabilityVerifier
	Store      Store
	Bus        bus.Bus
	InstanceID string
	Logger     *zap.Logger

	MaxFrameBytes int64
	SaveDebounce  time.Duration
	Keepalive     time.Duration
	EvictGrace    time.Duration
}

// Hub accepts per-document sync connections, merges concurrent edits through
// the replica cache, and fans updates out to local peers and peer processes.
type Hub struct {
	verifier   *auth.CapabilityVerifier
	store      Store
	fanout     bus.Bus
	instanceID string
	logger     *zap.Logger

	registry *Registry
	saver    *Saver
	cache    *ReplicaCache

	maxFrameBytes int64
	keepalive     time.Duration
}

// New constructs a Hub from the provided configuration.
func New(cfg Config) (*Hub, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.InstanceID == "" {
		return nil, errMissingInstanceID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}

	registry := NewRegistry()
	saver := NewSaver(SaverConfig{
		Store:    cfg.Store,
		Debounce: cfg.SaveDebounce,
		Logger:   logger,
	})
	cache := NewReplicaCache(ReplicaCacheConfig{
		Store:      cfg.Store,
		Saver:      saver,
		Registry:   registry,
		Logger:     logger,
		EvictGrace: cfg.EvictGrace,
	})

	return &Hub{
		verifier:      cfg.Verifier,
		store:         cfg.Store,
		fanout:        cfg.Bus,
		instanceID:    cfg.InstanceID,
		logger:        logger,
		registry:      registry,
		saver:         saver,
		cache:         cache,
		maxFrameBytes: maxFrameBytes,
		keepalive:     keepalive,
	}, nil
}

// Start subscribes to the fan-out bus. Envelopes published by this instance
// are skipped; everything else is applied to resident replicas and relayed
// to local connections only, never re-published.
func (h *Hub) Start(ctx context.Context) error {
	return h.fanout.Subscribe(ctx, h.handleEnvelope)
}

// HandleConnection runs the full sync session lifecycle for an upgraded
// websocket. It blocks until the connection closes.
func (h *Hub) HandleConnection(ctx context.Context, ws *websocket.Conn, rawDocID, token string) {
	docID, err := docs.NewDocumentID(rawDocID)
	if err != nil {
		h.logger.Warn("connection rejected", zap.String("reason", "missing_document"), zap.Error(err))
		rejectUnauthorized(ws)
		return
	}

	capability, authErr := h.verifier.Verify(docID, token)
	if authErr != nil {
		// No registry entry and no audit row for failed admission.
		h.logger.Warn("connection rejected",
			zap.String("doc_id", docID.String()),
			zap.String("reason", authErr.Reason()))
		rejectUnauthorized(ws)
		return
	}

	conn := newConnection(capability.UserID, capability.Role)
	replica, err := h.attach(ctx, docID, conn)
	if err != nil {
		h.logger.Error("failed to attach replica",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
		closeMessage := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unavailable")
		_ = ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	h.audit(docID, capability.UserID, docs.EventTypeConnect, 0)
	h.logger.Info("client connected",
		zap.String("doc_id", docID.String()),
		zap.String("user_id", capability.UserID.String()),
		zap.String("role", capability.Role.String()))

	session := &session{hub: h, ws: ws, docID: docID, conn: conn, replica: replica}
	session.run()
}

// attach coalesces through the cache, then atomically encodes the full
// state, registers the connection, and queues the state as the session's
// first outbound frame. Holding the replica lock across those three steps
// guarantees the client never misses a delta between snapshot and
// registration. Retries when an idle-eviction won the race.
func (h *Hub) attach(ctx context.Context, docID docs.DocumentID, conn *connection) (*Replica, error) {
	for attempt := 0; attempt < 3; attempt++ {
		replica, err := h.cache.GetOrLoad(ctx, docID)
		if err != nil {
			return nil, err
		}

		replica.mu.Lock()
		if replica.evicted {
			replica.mu.Unlock()
			continue
		}
		state := replica.doc.EncodeState()
		h.registry.Add(docID, conn)
		conn.enqueue(state)
		replica.mu.Unlock()
		return replica, nil
	}
	return nil, ErrReplicaEvicted
}

// applyAndRelay merges an update and broadcasts it to local peers in one
// critical section per replica.
func (h *Hub) applyAndRelay(replica *Replica, payload []byte, except *connection) error {
	replica.mu.Lock()
	defer replica.mu.Unlock()
	if replica.evicted {
		return ErrReplicaEvicted
	}
	if err := replica.doc.ApplyUpdate(payload); err != nil {
		return err
	}
	h.registry.Broadcast(replica.docID, payload, except)
	return nil
}

func (h *Hub) handleEnvelope(envelope bus.Envelope) {
	if envelope.Origin == h.instanceID {
		return
	}
	docID, err := docs.NewDocumentID(envelope.DocID)
	if err != nil {
		h.logger.Warn("dropping bus envelope with invalid doc id", zap.Error(err))
		return
	}

	// Peer edits only apply while the replica is resident; a document nobody
	// here is watching (and that was evicted) reloads fresh state later.
	replica := h.cache.Peek(docID)
	if replica == nil {
		return
	}
	if err := h.applyAndRelay(replica, envelope.Data, nil); err != nil {
		if errors.Is(err, ErrReplicaEvicted) {
			return
		}
		h.logger.Warn("failed to apply bus update",
			zap.String("doc_id", docID.String()),
			zap.String("origin", envelope.Origin),
			zap.Error(err))
	}
}

func (h *Hub) publish(docID docs.DocumentID, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	err := h.fanout.Publish(ctx, bus.Envelope{
		DocID:  docID.String(),
		Origin: h.instanceID,
		Data:   payload,
	})
	if err != nil {
		// Local clients already received the relay; peers re-converge from
		// persisted state on their next load.
		h.logger.Error("bus publish failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
	}
}

func (h *Hub) audit(docID docs.DocumentID, userID docs.UserID, eventType docs.EventType, sizeBytes int64) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	// Store-level failures are already logged; audit problems never
	// interrupt a session.
	_ = h.store.AppendEvent(ctx, docID, userID, eventType, sizeBytes)
}

// Shutdown force-flushes every resident replica, writing state and snapshot,
// before the process releases its store and bus handles.
func (h *Hub) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, replica := range h.cache.Resident() {
		if err := h.saver.Flush(ctx, replica); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func rejectUnauthorized(ws *websocket.Conn) {
	closeMessage := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
	_ = ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	_ = ws.Close()
}

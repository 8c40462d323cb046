package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codequill/collab-hub/internal/auth"
	"github.com/codequill/collab-hub/internal/bus"
	"github.com/codequill/collab-hub/internal/docs"
)

const testSigningSecret = "hub-test-secret"

// memStore is an in-memory Store that counts writes so tests can assert
// debounce coalescing and durability boundaries.
type memStore struct {
	mu        sync.Mutex
	states    map[string][]byte
	snapshots map[string][][]byte
	events    []docs.DocEvent
	saveCalls int
	loadDelay chan struct{}
	loadCalls int
	failSaves bool
}

func newMemStore() *memStore {
	return &memStore{
		states:    make(map[string][]byte),
		snapshots: make(map[string][][]byte),
	}
}

func (m *memStore) LoadState(_ context.Context, docID docs.DocumentID) ([]byte, error) {
	if m.loadDelay != nil {
		<-m.loadDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	state, ok := m.states[docID.String()]
	if !ok {
		return nil, docs.ErrStateNotFound
	}
	return append([]byte(nil), state...), nil
}

func (m *memStore) SaveState(_ context.Context, docID docs.DocumentID, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.failSaves {
		return errors.New("save failed")
	}
	m.states[docID.String()] = append([]byte(nil), state...)
	return nil
}

func (m *memStore) AppendSnapshot(_ context.Context, docID docs.DocumentID, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[docID.String()] = append(m.snapshots[docID.String()], append([]byte(nil), state...))
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, docID docs.DocumentID, userID docs.UserID, eventType docs.EventType, sizeBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, docs.DocEvent{
		DocID:     docID.String(),
		UserID:    userID.String(),
		Type:      eventType.String(),
		SizeBytes: sizeBytes,
	})
	return nil
}

func (m *memStore) savedState(docID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.states[docID]...)
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

func (m *memStore) snapshotCount(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots[docID])
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, event := range m.events {
		types = append(types, event.Type)
	}
	return types
}

// recordingBus captures published envelopes and lets tests inject inbound
// ones through the subscribed handler.
type recordingBus struct {
	mu        sync.Mutex
	published []bus.Envelope
	handler   func(bus.Envelope)
}

func (b *recordingBus) Publish(_ context.Context, envelope bus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, envelope)
	return nil
}

func (b *recordingBus) Subscribe(_ context.Context, handler func(bus.Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func mustDocID(t *testing.T, value string) docs.DocumentID {
	t.Helper()
	id, err := docs.NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func newTestVerifier(t *testing.T) *auth.CapabilityVerifier {
	t.Helper()
	verifier, err := auth.NewCapabilityVerifier(auth.CapabilityVerifierConfig{
		SigningSecret: []byte(testSigningSecret),
	})
	if err != nil {
		t.Fatalf("unexpected verifier error: %v", err)
	}
	return verifier
}

func newTestHub(t *testing.T, store Store, fanout bus.Bus, instanceID string) *Hub {
	t.Helper()
	h, err := New(Config{
		Verifier:     newTestVerifier(t),
		Store:        store,
		Bus:          fanout,
		InstanceID:   instanceID,
		SaveDebounce: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected hub constructor error: %v", err)
	}
	return h
}

package hub

import (
	"bytes"
	"context"
	"testing"

	"github.com/codequill/collab-hub/internal/bus"
	"github.com/codequill/collab-hub/internal/crdt"
	"github.com/codequill/collab-hub/internal/docs"
)

func busEnvelope(docID, origin string, data []byte) bus.Envelope {
	return bus.Envelope{DocID: docID, Origin: origin, Data: data}
}

func TestHubValidatesDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected constructor error for missing dependencies")
	}
	if _, err := New(Config{Verifier: newTestVerifier(t), Store: newMemStore(), Bus: &recordingBus{}}); err == nil {
		t.Fatal("expected constructor error for missing instance id")
	}
}

func TestReadOnlyFramesNeverMutateOrRelay(t *testing.T) {
	store := newMemStore()
	fanout := &recordingBus{}
	h := newTestHub(t, store, fanout, "collab-a")
	docID := mustDocID(t, "doc-1")

	replica, err := h.cache.GetOrLoad(context.Background(), docID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	viewer := newConnection("viewer-1", docs.RoleViewer)
	peer := newConnection("editor-1", docs.RoleEditor)
	h.registry.Add(docID, viewer)
	h.registry.Add(docID, peer)

	viewerSession := &session{hub: h, docID: docID, conn: viewer, replica: replica}
	viewerSession.handleFrame(crdt.NewUpdate([]byte("forbidden edit")))

	state, version := replica.SnapshotState()
	if version != 0 || len(state) != 0 {
		t.Fatal("read-only frame mutated the replica")
	}
	select {
	case <-peer.send:
		t.Fatal("read-only frame must not be relayed")
	default:
	}
	if fanout.publishedCount() != 0 {
		t.Fatal("read-only frame must not be published")
	}
	if len(store.eventTypes()) != 0 {
		t.Fatal("read-only frame must not be audited")
	}
}

func TestWriterFrameAppliesRelaysPublishesAndAudits(t *testing.T) {
	store := newMemStore()
	fanout := &recordingBus{}
	h := newTestHub(t, store, fanout, "collab-a")
	docID := mustDocID(t, "doc-1")

	replica, err := h.cache.GetOrLoad(context.Background(), docID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	writer := newConnection("editor-1", docs.RoleEditor)
	peer := newConnection("viewer-1", docs.RoleViewer)
	h.registry.Add(docID, writer)
	h.registry.Add(docID, peer)

	update := crdt.NewUpdate([]byte("hello"))
	writerSession := &session{hub: h, docID: docID, conn: writer, replica: replica}
	writerSession.handleFrame(update)

	if _, version := replica.SnapshotState(); version != 1 {
		t.Fatalf("expected one applied mutation, version %d", version)
	}
	select {
	case relayed := <-peer.send:
		if !bytes.Equal(relayed, update) {
			t.Fatal("peer received a different frame than sent")
		}
	default:
		t.Fatal("expected peer to receive the relayed delta")
	}
	select {
	case <-writer.send:
		t.Fatal("delta must never echo back to its sender")
	default:
	}

	fanout.mu.Lock()
	published := append([]bus.Envelope(nil), fanout.published...)
	fanout.mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(published))
	}
	if published[0].Origin != "collab-a" {
		t.Fatalf("expected envelope tagged with instance id, got %q", published[0].Origin)
	}

	events := store.eventTypes()
	if len(events) != 1 || events[0] != docs.EventTypeUpdate.String() {
		t.Fatalf("expected one UPDATE audit event, got %v", events)
	}
}

func TestMalformedFrameIsDroppedWithoutClosing(t *testing.T) {
	store := newMemStore()
	fanout := &recordingBus{}
	h := newTestHub(t, store, fanout, "collab-a")
	docID := mustDocID(t, "doc-1")

	replica, err := h.cache.GetOrLoad(context.Background(), docID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	writer := newConnection("editor-1", docs.RoleEditor)
	h.registry.Add(docID, writer)

	writerSession := &session{hub: h, docID: docID, conn: writer, replica: replica}
	writerSession.handleFrame([]byte{0x01}) // truncated frame

	if _, version := replica.SnapshotState(); version != 0 {
		t.Fatal("malformed frame must not mutate the replica")
	}
	if fanout.publishedCount() != 0 {
		t.Fatal("malformed frame must not be published")
	}
	select {
	case <-writer.done:
		t.Fatal("malformed frame must not close the connection")
	default:
	}
}

func TestBusEnvelopeFromOwnInstanceIsSkipped(t *testing.T) {
	store := newMemStore()
	fanout := &recordingBus{}
	h := newTestHub(t, store, fanout, "collab-a")
	docID := mustDocID(t, "doc-1")

	replica, err := h.cache.GetOrLoad(context.Background(), docID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	local := newConnection("editor-1", docs.RoleEditor)
	h.registry.Add(docID, local)

	h.handleEnvelope(busEnvelope("doc-1", "collab-a", crdt.NewUpdate([]byte("echoed"))))

	if _, version := replica.SnapshotState(); version != 0 {
		t.Fatal("own-origin envelope must not be reapplied")
	}
	select {
	case <-local.send:
		t.Fatal("own-origin envelope must not be re-relayed")
	default:
	}
}

func TestBusEnvelopeFromPeerAppliesAndRelaysWithoutRepublish(t *testing.T) {
	store := newMemStore()
	fanout := &recordingBus{}
	h := newTestHub(t, store, fanout, "collab-a")
	docID := mustDocID(t, "doc-1")

	replica, err := h.cache.GetOrLoad(context.Background(), docID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	local := newConnection("viewer-1", docs.RoleViewer)
	h.registry.Add(docID, local)

	update := crdt.NewUpdate([]byte("peer edit"))
	h.handleEnvelope(busEnvelope("doc-1", "collab-b", update))

	if _, version := replica.SnapshotState(); version != 1 {
		t.Fatal("peer envelope must be applied to the resident replica")
	}
	select {
	case relayed := <-local.send:
		if !bytes.Equal(relayed, update) {
			t.Fatal("local client received a different frame")
		}
	default:
		t.Fatal("expected peer update relayed to local clients")
	}
	if fanout.publishedCount() != 0 {
		t.Fatal("peer envelopes must never be re-published")
	}
}

func TestBusEnvelopeForNonResidentDocumentIsIgnored(t *testing.T) {
	store := newMemStore()
	h := newTestHub(t, store, &recordingBus{}, "collab-a")

	h.handleEnvelope(busEnvelope("doc-unseen", "collab-b", crdt.NewUpdate([]byte("edit"))))

	if h.cache.Peek(mustDocID(t, "doc-unseen")) != nil {
		t.Fatal("bus traffic must not hydrate replicas")
	}
}

func TestBusEnvelopeAppliesAfterLocalClientsLeft(t *testing.T) {
	store := newMemStore()
	h := newTestHub(t, store, &recordingBus{}, "collab-a")
	docID := mustDocID(t, "doc-1")

	// Hydrate, then simulate everyone leaving while the replica stays
	// resident (eviction disabled).
	replica, err := h.cache.GetOrLoad(context.Background(), docID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	update := crdt.NewUpdate([]byte("late peer edit"))
	h.handleEnvelope(busEnvelope("doc-1", "collab-b", update))

	if _, version := replica.SnapshotState(); version != 1 {
		t.Fatal("late peer edit must still be applied to the resident replica")
	}
}

func TestAttachQueuesFullStateBeforeRegistration(t *testing.T) {
	seed := crdt.NewDocument()
	if err := seed.ApplyUpdate(crdt.NewUpdate([]byte("existing content"))); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	store := newMemStore()
	store.states["doc-1"] = seed.EncodeState()
	h := newTestHub(t, store, &recordingBus{}, "collab-a")

	conn := newConnection("user-1", docs.RoleEditor)
	if _, err := h.attach(context.Background(), mustDocID(t, "doc-1"), conn); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}

	select {
	case first := <-conn.send:
		if !bytes.Equal(first, seed.EncodeState()) {
			t.Fatal("first queued frame must be the full encoded state")
		}
	default:
		t.Fatal("expected the full state queued at attach time")
	}
	if h.registry.Count(mustDocID(t, "doc-1")) != 1 {
		t.Fatal("expected connection registered")
	}
}

func TestShutdownFlushesEveryResidentReplica(t *testing.T) {
	store := newMemStore()
	h := newTestHub(t, store, &recordingBus{}, "collab-a")

	for _, name := range []string{"doc-1", "doc-2"} {
		replica, err := h.cache.GetOrLoad(context.Background(), mustDocID(t, name))
		if err != nil {
			t.Fatalf("unexpected load error: %v", err)
		}
		if err := replica.Apply(crdt.NewUpdate([]byte(name))); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	for _, name := range []string{"doc-1", "doc-2"} {
		if len(store.savedState(name)) == 0 {
			t.Fatalf("expected %s state flushed at shutdown", name)
		}
		if store.snapshotCount(name) != 1 {
			t.Fatalf("expected %s snapshot at shutdown", name)
		}
	}
}

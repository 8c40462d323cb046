package hub

import (
	"errors"
	"sync"

	"github.com/codequill/collab-hub/internal/crdt"
	"github.com/codequill/collab-hub/internal/docs"
)

// ErrReplicaEvicted indicates the replica was removed from the cache after
// the caller obtained it. Callers should reload through the cache.
var ErrReplicaEvicted = errors.New("hub: replica evicted")

// Replica is the in-memory CRDT instance for one document. All mutation and
// relay for a document happens under mu, so apply-and-broadcast is atomic
// with respect to other sessions of the same document.
type Replica struct {
	docID docs.DocumentID
	doc   crdt.Document

	mu             sync.Mutex
	version        uint64
	flushedVersion uint64
	evicted        bool
	onMutate       func()
}

func newReplica(docID docs.DocumentID, doc crdt.Document) *Replica {
	return &Replica{docID: docID, doc: doc}
}

// attachObservers wires the mutation hooks. Called after hydration so the
// stored state does not count as a fresh mutation.
func (r *Replica) attachObservers(onMutate func()) {
	r.onMutate = onMutate
	r.doc.OnUpdate(func([]byte) {
		// Runs synchronously inside ApplyUpdate while mu is held.
		r.version++
		if r.onMutate != nil {
			r.onMutate()
		}
	})
}

// DocID returns the replica's document identifier.
func (r *Replica) DocID() docs.DocumentID {
	return r.docID
}

// Apply merges an update into the replica.
func (r *Replica) Apply(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return ErrReplicaEvicted
	}
	return r.doc.ApplyUpdate(update)
}

// SnapshotState returns the encoded state together with the mutation version
// it reflects, so a flush can later mark exactly that version durable.
func (r *Replica) SnapshotState() ([]byte, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState(), r.version
}

// MarkFlushed records that the given mutation version is durable.
func (r *Replica) MarkFlushed(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.flushedVersion {
		r.flushedVersion = version
	}
}

// dirty reports whether mutations exist that have not been flushed.
// Caller must hold mu.
func (r *Replica) dirty() bool {
	return r.version != r.flushedVersion
}

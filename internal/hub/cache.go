package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codequill/collab-hub/internal/crdt"
	"github.com/codequill/collab-hub/internal/docs"
	"go.uber.org/zap"
)

// ReplicaCache owns the process-wide map of resident document replicas.
// Concurrent loads for the same document are coalesced: later callers wait on
// the first hydration instead of loading twice.
type ReplicaCache struct {
	store      Store
	saver      *Saver
	registry   *Registry
	logger     *zap.Logger
	evictGrace time.Duration

	mu      sync.Mutex
	entries map[docs.DocumentID]*cacheEntry
}

type cacheEntry struct {
	once    sync.Once
	replica *Replica
	err     error
}

// ReplicaCacheConfig configures a ReplicaCache.
type ReplicaCacheConfig struct {
	Store    Store
	Saver    *Saver
	Registry *Registry
	Logger   *zap.Logger
	// EvictGrace is how long an idle, fully-flushed replica stays resident
	// before removal. Zero keeps replicas resident for the process lifetime.
	EvictGrace time.Duration
}

// NewReplicaCache constructs a ReplicaCache.
func NewReplicaCache(cfg ReplicaCacheConfig) *ReplicaCache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicaCache{
		store:      cfg.Store,
		saver:      cfg.Saver,
		registry:   cfg.Registry,
		logger:     logger,
		evictGrace: cfg.EvictGrace,
		entries:    make(map[docs.DocumentID]*cacheEntry),
	}
}

// GetOrLoad returns the resident replica for a document, hydrating it from
// the store on first access.
func (c *ReplicaCache) GetOrLoad(ctx context.Context, docID docs.DocumentID) (*Replica, error) {
	c.mu.Lock()
	entry, ok := c.entries[docID]
	if !ok {
		entry = &cacheEntry{}
		c.entries[docID] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.replica, entry.err = c.load(ctx, docID)
	})
	if entry.err != nil {
		// Drop the failed entry so a later connection can retry the load.
		c.mu.Lock()
		if c.entries[docID] == entry {
			delete(c.entries, docID)
		}
		c.mu.Unlock()
		return nil, entry.err
	}
	return entry.replica, nil
}

// Peek returns the resident replica without loading. Used by the bus path:
// late-arriving peer updates only apply while the replica remains resident.
func (c *ReplicaCache) Peek(docID docs.DocumentID) *Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[docID]
	if !ok || entry.replica == nil {
		return nil
	}
	return entry.replica
}

// Resident returns every currently loaded replica. Used by shutdown to flush
// the whole cache.
func (c *ReplicaCache) Resident() []*Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	replicas := make([]*Replica, 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.replica != nil {
			replicas = append(replicas, entry.replica)
		}
	}
	return replicas
}

func (c *ReplicaCache) load(ctx context.Context, docID docs.DocumentID) (*Replica, error) {
	doc := crdt.NewDocument()

	state, err := c.store.LoadState(ctx, docID)
	switch {
	case errors.Is(err, docs.ErrStateNotFound):
		// First-ever connection: start from an empty document.
	case err != nil:
		return nil, err
	default:
		if applyErr := doc.ApplyUpdate(state); applyErr != nil {
			c.logger.Error("stored state is corrupt, starting empty",
				zap.String("doc_id", docID.String()),
				zap.Error(applyErr))
			doc = crdt.NewDocument()
		}
	}

	replica := newReplica(docID, doc)
	replica.attachObservers(func() {
		c.saver.Touch(replica)
	})
	c.logger.Info("replica hydrated",
		zap.String("doc_id", docID.String()),
		zap.Bool("from_store", err == nil))
	return replica, nil
}

// ScheduleEvict arms idle eviction for a document after the grace period.
// No-op when eviction is disabled.
func (c *ReplicaCache) ScheduleEvict(docID docs.DocumentID) {
	if c.evictGrace <= 0 {
		return
	}
	time.AfterFunc(c.evictGrace, func() {
		c.evict(docID)
	})
}

// evict removes an idle replica, refusing when connections returned or
// unflushed mutations exist. The evicted flag flips under the replica lock,
// so a racing Apply observes it and reloads through the cache instead of
// mutating an orphan.
func (c *ReplicaCache) evict(docID docs.DocumentID) {
	c.mu.Lock()
	entry, ok := c.entries[docID]
	if !ok || entry.replica == nil {
		c.mu.Unlock()
		return
	}
	replica := entry.replica

	replica.mu.Lock()
	if c.registry.Count(docID) > 0 || replica.dirty() || replica.evicted {
		replica.mu.Unlock()
		c.mu.Unlock()
		return
	}
	replica.evicted = true
	replica.mu.Unlock()

	delete(c.entries, docID)
	c.mu.Unlock()

	c.saver.Cancel(docID)
	c.logger.Info("replica evicted", zap.String("doc_id", docID.String()))
}

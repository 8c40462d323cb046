package hub

import (
	"context"
	"sync"
	"time"

	"github.com/codequill/collab-hub/internal/docs"
	"go.uber.org/zap"
)

const (
	defaultSaveDebounce = 500 * time.Millisecond
	saveTimeout         = 10 * time.Second
)

// Saver is the persistence scheduler: every mutation restarts a short
// per-document debounce timer, so a burst of edits produces one flush. Forced
// flushes bypass the debounce and additionally write a snapshot.
type Saver struct {
	store    Store
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[docs.DocumentID]*time.Timer
}

// SaverConfig configures a Saver.
type SaverConfig struct {
	Store    Store
	Debounce time.Duration
	Logger   *zap.Logger
}

// NewSaver constructs a Saver.
func NewSaver(cfg SaverConfig) *Saver {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{
		store:    cfg.Store,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[docs.DocumentID]*time.Timer),
	}
}

// Touch (re)starts the debounce timer for a replica. At most one flush is
// pending per document at any time; a new mutation resets the timer rather
// than stacking another.
func (s *Saver) Touch(replica *Replica) {
	docID := replica.DocID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.pending[docID]; ok {
		timer.Stop()
	}
	s.pending[docID] = time.AfterFunc(s.debounce, func() {
		s.fire(replica)
	})
}

// Cancel drops any pending debounce for a document.
func (s *Saver) Cancel(docID docs.DocumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.pending[docID]; ok {
		timer.Stop()
		delete(s.pending, docID)
	}
}

func (s *Saver) fire(replica *Replica) {
	docID := replica.DocID()
	s.mu.Lock()
	delete(s.pending, docID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	state, version := replica.SnapshotState()
	if err := s.store.SaveState(ctx, docID, state); err != nil {
		// The in-memory replica stays authoritative; the next mutation
		// restarts the debounce and retries.
		s.logger.Error("debounced save failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
		return
	}
	replica.MarkFlushed(version)
	s.logger.Info("saved document state",
		zap.String("doc_id", docID.String()),
		zap.Int("bytes", len(state)))
}

// Flush persists the replica immediately, bypassing any pending debounce,
// and appends an immutable snapshot. Used on last-client-leave and shutdown.
func (s *Saver) Flush(ctx context.Context, replica *Replica) error {
	docID := replica.DocID()
	s.Cancel(docID)

	state, version := replica.SnapshotState()
	if err := s.store.SaveState(ctx, docID, state); err != nil {
		s.logger.Error("forced save failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
		return err
	}
	replica.MarkFlushed(version)

	if err := s.store.AppendSnapshot(ctx, docID, state); err != nil {
		s.logger.Error("snapshot write failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
		return err
	}
	s.logger.Info("flushed document state and snapshot",
		zap.String("doc_id", docID.String()),
		zap.Int("bytes", len(state)))
	return nil
}

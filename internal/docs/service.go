package docs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrStateNotFound indicates that no persisted state exists for a document.
	ErrStateNotFound = errors.New("docs: state not found")
)

const (
	opStoreNew        = "docs.store.new"
	opLoadState       = "docs.load_state"
	opSaveState       = "docs.save_state"
	opAppendSnapshot  = "docs.append_snapshot"
	opAppendEvent     = "docs.append_event"
	fieldDocID        = "doc_id"
	fieldUserID       = "user_id"
	reasonQueryFailed = "query_failed"
)

// StoreError wraps a persistence failure with an operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig configures the durable document store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists document state, snapshots and audit events.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store from the provided configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadState returns the latest persisted state for a document, or
// ErrStateNotFound when the document has never been flushed.
func (s *Store) LoadState(ctx context.Context, docID DocumentID) ([]byte, error) {
	var row DocState
	err := s.db.WithContext(ctx).
		Where("doc_id = ?", docID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		s.logError(opLoadState, reasonQueryFailed, err, zap.String(fieldDocID, docID.String()))
		return nil, newStoreError(opLoadState, reasonQueryFailed, err)
	}

	state, err := base64.StdEncoding.DecodeString(row.StateB64)
	if err != nil {
		s.logError(opLoadState, "state_decode_failed", err, zap.String(fieldDocID, docID.String()))
		return nil, newStoreError(opLoadState, "state_decode_failed", err)
	}
	return state, nil
}

// SaveState upserts the latest encoded state for a document.
func (s *Store) SaveState(ctx context.Context, docID DocumentID, state []byte) error {
	row := DocState{
		DocID:            docID.String(),
		StateB64:         base64.StdEncoding.EncodeToString(state),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_b64", "updated_at_s"}),
		}).
		Create(&row).Error
	if err != nil {
		s.logError(opSaveState, "upsert_failed", err, zap.String(fieldDocID, docID.String()))
		return newStoreError(opSaveState, "upsert_failed", err)
	}
	return nil
}

// AppendSnapshot writes an immutable snapshot of document state.
func (s *Store) AppendSnapshot(ctx context.Context, docID DocumentID, state []byte) error {
	row := DocSnapshot{
		DocID:            docID.String(),
		StateB64:         base64.StdEncoding.EncodeToString(state),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opAppendSnapshot, "insert_failed", err, zap.String(fieldDocID, docID.String()))
		return newStoreError(opAppendSnapshot, "insert_failed", err)
	}
	return nil
}

// AppendEvent writes an audit event for a document.
func (s *Store) AppendEvent(ctx context.Context, docID DocumentID, userID UserID, eventType EventType, sizeBytes int64) error {
	row := DocEvent{
		DocID:            docID.String(),
		UserID:           userID.String(),
		Type:             eventType.String(),
		SizeBytes:        sizeBytes,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opAppendEvent, "insert_failed", err,
			zap.String(fieldDocID, docID.String()),
			zap.String(fieldUserID, userID.String()))
		return newStoreError(opAppendEvent, "insert_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}

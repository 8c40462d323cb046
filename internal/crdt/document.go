// Package crdt provides the conflict-free document primitive the sync hub
// builds on. The hub only depends on the Document interface; the bundled
// implementation is a convergent grow-only operation set and can be swapped
// for any library exposing apply-update / encode-state / update-notify.
package crdt

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrCorruptUpdate indicates an update payload that could not be decoded.
	ErrCorruptUpdate = errors.New("crdt: corrupt update")
	// ErrEmptyUpdate indicates an update payload with no content.
	ErrEmptyUpdate = errors.New("crdt: empty update")
)

// maxEntryBytes bounds a single decoded operation so a corrupt length prefix
// cannot trigger a huge allocation.
const maxEntryBytes = 16 << 20

// Document is a replicated document. Applying the same update twice is a
// no-op, and any set of updates converges to the same state regardless of
// application order.
type Document interface {
	// ApplyUpdate merges an encoded update into the document.
	ApplyUpdate(update []byte) error
	// EncodeState encodes the full document state. The encoding is itself a
	// valid update, so a fresh document hydrates by applying it.
	EncodeState() []byte
	// OnUpdate registers an observer invoked after every state change. The
	// observer receives the applied update and is not invoked for duplicates.
	OnUpdate(observer func(update []byte))
}

type updateSet struct {
	mu        sync.Mutex
	entries   map[[32]byte][]byte
	observers []func(update []byte)
}

// NewDocument returns an empty Document.
func NewDocument() Document {
	return &updateSet{entries: make(map[[32]byte][]byte)}
}

// NewUpdate frames a single opaque operation as an update payload.
func NewUpdate(operation []byte) []byte {
	framed := make([]byte, 4+len(operation))
	binary.BigEndian.PutUint32(framed, uint32(len(operation)))
	copy(framed[4:], operation)
	return framed
}

func (d *updateSet) ApplyUpdate(update []byte) error {
	operations, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	applied := make([][]byte, 0, len(operations))
	for _, operation := range operations {
		key := sha256.Sum256(operation)
		if _, exists := d.entries[key]; exists {
			continue
		}
		d.entries[key] = operation
		applied = append(applied, operation)
	}
	observers := d.observers
	d.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	for _, observer := range observers {
		for _, operation := range applied {
			observer(NewUpdate(operation))
		}
	}
	return nil
}

func (d *updateSet) EncodeState() []byte {
	d.mu.Lock()
	operations := make([][]byte, 0, len(d.entries))
	for _, operation := range d.entries {
		operations = append(operations, operation)
	}
	d.mu.Unlock()

	sort.Slice(operations, func(i, j int) bool {
		left := sha256.Sum256(operations[i])
		right := sha256.Sum256(operations[j])
		return string(left[:]) < string(right[:])
	})

	encoded := make([]byte, 0, 64)
	for _, operation := range operations {
		encoded = append(encoded, NewUpdate(operation)...)
	}
	return encoded
}

func (d *updateSet) OnUpdate(observer func(update []byte)) {
	if observer == nil {
		return
	}
	d.mu.Lock()
	d.observers = append(d.observers, observer)
	d.mu.Unlock()
}

func decodeUpdate(update []byte) ([][]byte, error) {
	if len(update) == 0 {
		return nil, nil
	}

	operations := make([][]byte, 0, 1)
	remaining := update
	for len(remaining) > 0 {
		if len(remaining) < 4 {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrCorruptUpdate)
		}
		length := binary.BigEndian.Uint32(remaining)
		if length == 0 {
			return nil, ErrEmptyUpdate
		}
		if length > maxEntryBytes {
			return nil, fmt.Errorf("%w: entry length %d exceeds limit", ErrCorruptUpdate, length)
		}
		remaining = remaining[4:]
		if uint32(len(remaining)) < length {
			return nil, fmt.Errorf("%w: truncated entry", ErrCorruptUpdate)
		}
		operation := make([]byte, length)
		copy(operation, remaining[:length])
		operations = append(operations, operation)
		remaining = remaining[length:]
	}
	return operations, nil
}

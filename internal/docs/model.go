package docs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDocumentID indicates an empty or malformed document identifier.
	ErrInvalidDocumentID = errors.New("docs: invalid document id")
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("docs: invalid user id")
	// ErrInvalidRole indicates an unknown membership role.
	ErrInvalidRole = errors.New("docs: invalid role")
	// ErrInvalidEventType indicates an unknown audit event type.
	ErrInvalidEventType = errors.New("docs: invalid event type")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if strings.ContainsAny(trimmed, "/ \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentID, rawInput)
	}
	return DocumentID(trimmed), nil
}

// String returns the identifier as a string.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	return UserID(trimmed), nil
}

// String returns the identifier as a string.
func (id UserID) String() string {
	return string(id)
}

// Role captures a member's capability on a document.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// NewRole validates raw input and returns a Role.
func NewRole(rawInput string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// CanWrite reports whether the role may mutate document state.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleEditor
}

// String returns the role as a string.
func (r Role) String() string {
	return string(r)
}

// EventType classifies an audit event.
type EventType string

const (
	EventTypeConnect    EventType = "CONNECT"
	EventTypeUpdate     EventType = "UPDATE"
	EventTypeDisconnect EventType = "DISCONNECT"
	EventTypeRestore    EventType = "RESTORE"
)

// NewEventType validates raw input and returns an EventType.
func NewEventType(rawInput string) (EventType, error) {
	switch EventType(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case EventTypeConnect:
		return EventTypeConnect, nil
	case EventTypeUpdate:
		return EventTypeUpdate, nil
	case EventTypeDisconnect:
		return EventTypeDisconnect, nil
	case EventTypeRestore:
		return EventTypeRestore, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, rawInput)
	}
}

// String returns the event type as a string.
func (t EventType) String() string {
	return string(t)
}

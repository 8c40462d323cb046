package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codequill/collab-hub/internal/docs"
	"github.com/golang-jwt/jwt/v5"
)

// PurposeCollab is the token purpose marker for sync sessions. General API
// tokens carry a different purpose and cannot open a session.
const PurposeCollab = "collab"

const defaultLeeway = 30 * time.Second

// Admission failure reasons.
const (
	ReasonMissingToken     = "missing_token"
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "expired"
	ReasonPurposeMismatch  = "purpose_mismatch"
	ReasonDocumentMismatch = "document_mismatch"
)

var errMissingVerifierSecret = errors.New("capability verifier: signing secret required")

// AuthError reports why admission was refused.
type AuthError struct {
	reason string
	err    error
}

func (e *AuthError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("auth: %s", e.reason)
	}
	return fmt.Sprintf("auth: %s: %v", e.reason, e.err)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

// Reason returns the admission failure reason.
func (e *AuthError) Reason() string {
	return e.reason
}

func newAuthError(reason string, cause error) *AuthError {
	return &AuthError{reason: reason, err: cause}
}

// CollabClaims is the JWT payload bound to one document sync session.
type CollabClaims struct {
	DocumentID string `json:"docId"`
	Role       string `json:"role"`
	Purpose    string `json:"typ"`
	jwt.RegisteredClaims
}

// Capability is the verified outcome of admission.
type Capability struct {
	UserID docs.UserID
	Role   docs.Role
}

// CapabilityVerifierConfig describes how to validate collab tokens.
type CapabilityVerifierConfig struct {
	SigningSecret []byte
	Leeway        time.Duration
	Clock         func() time.Time
}

// CapabilityVerifier validates HS256 collab tokens issued by the control
// plane. Pure validation; no side effects.
type CapabilityVerifier struct {
	signingSecret []byte
	leeway        time.Duration
	clock         func() time.Time
}

// NewCapabilityVerifier constructs a verifier with the provided configuration.
func NewCapabilityVerifier(cfg CapabilityVerifierConfig) (*CapabilityVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingVerifierSecret
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CapabilityVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		leeway:        leeway,
		clock:         clock,
	}, nil
}

// Verify validates the supplied token against the connection's target
// document and returns the proven capability.
func (v *CapabilityVerifier) Verify(documentID docs.DocumentID, tokenString string) (Capability, *AuthError) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Capability{}, newAuthError(ReasonMissingToken, nil)
	}

	claims := &CollabClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithLeeway(v.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Capability{}, newAuthError(ReasonExpired, err)
		}
		return Capability{}, newAuthError(ReasonInvalidSignature, err)
	}
	if parsed == nil || !parsed.Valid {
		return Capability{}, newAuthError(ReasonInvalidSignature, nil)
	}

	if claims.Purpose != PurposeCollab {
		return Capability{}, newAuthError(ReasonPurposeMismatch, fmt.Errorf("purpose %q", claims.Purpose))
	}
	if claims.DocumentID != documentID.String() {
		return Capability{}, newAuthError(ReasonDocumentMismatch, fmt.Errorf("token bound to %q", claims.DocumentID))
	}

	userID, err := docs.NewUserID(claims.Subject)
	if err != nil {
		return Capability{}, newAuthError(ReasonInvalidSignature, err)
	}
	role, err := docs.NewRole(claims.Role)
	if err != nil {
		return Capability{}, newAuthError(ReasonInvalidSignature, err)
	}

	return Capability{UserID: userID, Role: role}, nil
}

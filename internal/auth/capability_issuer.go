package auth

import (
	"errors"
	"time"

	"github.com/codequill/collab-hub/internal/docs"
	"github.com/golang-jwt/jwt/v5"
)

const defaultCapabilityTTL = 5 * time.Minute

var errMissingIssuerSecret = errors.New("capability issuer: signing secret required")

// CapabilityIssuerConfig configures collab token issuance.
type CapabilityIssuerConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// CapabilityIssuer mints short-lived collab tokens. Issuance belongs to the
// control-plane API in production; the hub ships this for tests and local
// tooling against the same wire format the verifier checks.
type CapabilityIssuer struct {
	signingSecret []byte
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewCapabilityIssuer constructs an issuer with sane defaults.
func NewCapabilityIssuer(cfg CapabilityIssuerConfig) (*CapabilityIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingIssuerSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultCapabilityTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CapabilityIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed collab token scoped to one document and role.
func (i *CapabilityIssuer) Issue(userID docs.UserID, documentID docs.DocumentID, role docs.Role) (string, error) {
	now := i.clock().UTC()
	claims := CollabClaims{
		DocumentID: documentID.String(),
		Role:       role.String(),
		Purpose:    PurposeCollab,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.signingSecret)
}

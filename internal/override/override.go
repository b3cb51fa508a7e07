// Package override mints and verifies the signed tokens a human approver
// uses to let a change with High findings through.
package override

import (
	"errors"
	"fmt"
	"time"

	"helix/internal/types"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "helix"

var (
	ErrDisabled = errors.New("override tokens are not configured")
	ErrMismatch = errors.New("override token is bound to a different change")
)

// Claims binds an approver to exactly one skill and DNA.
type Claims struct {
	Skill string `json:"skill"`
	DNA   string `json:"dna"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 override tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer requires a secret of at least 32 bytes.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("override secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Mint returns a token letting approver override findings on skill at dna.
func (i *Issuer) Mint(approver, skill string, dna types.DNA) (string, error) {
	if i == nil {
		return "", ErrDisabled
	}
	if approver == "" {
		return "", errors.New("approver is required")
	}
	now := i.now()
	claims := Claims{
		Skill: skill,
		DNA:   string(dna),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature, expiry and binding, and returns the approver.
func (i *Issuer) Verify(token, skill string, dna types.DNA) (string, error) {
	if i == nil {
		return "", ErrDisabled
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid override token: %w", err)
	}
	if claims.Skill != skill || claims.DNA != string(dna) {
		return "", ErrMismatch
	}
	if claims.Subject == "" {
		return "", errors.New("override token has no approver")
	}
	return claims.Subject, nil
}

// Package auth issues and validates download handles: short-lived HS256 JWTs
// that bind one reserved download to one object.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"securesend/internal/common"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "securesend"

// HandleClaims is what a validated handle carries.
type HandleClaims struct {
	ObjectID  string
	ID        string
	ExpiresAt time.Time
}

// HandleIssuer signs and checks download handles.
type HandleIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewHandleIssuer builds an issuer. An empty secret draws a random one, which
// is fine for a single server process.
func NewHandleIssuer(secret string, ttl time.Duration, now func() time.Time) (*HandleIssuer, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: handle ttl must be positive", common.ErrValidation)
	}
	if now == nil {
		now = time.Now
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate handle secret: %w", err)
		}
	}
	return &HandleIssuer{secret: key, ttl: ttl, now: now}, nil
}

// TTL is how long issued handles stay valid.
func (s *HandleIssuer) TTL() time.Duration { return s.ttl }

// Issue signs a handle for objectID with a fresh jti.
func (s *HandleIssuer) Issue(objectID string) (string, *HandleClaims, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   objectID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign handle: %w", err)
	}
	return signed, &HandleClaims{ObjectID: objectID, ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Validate checks signature, issuer and expiry. Every failure is reported as
// common.ErrInvalidHandle.
func (s *HandleIssuer) Validate(tokenString string) (*HandleClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", common.ErrInvalidHandle)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidHandle, err)
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, common.ErrInvalidHandle
	}

	return &HandleClaims{ObjectID: claims.Subject, ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "gestor"
	defaultTokenTTL = 8 * time.Hour
	minSecretLength = 32
	issuedAtSkew    = 5 * time.Second
)

// sessionClaims is the wire shape of a session token.
type sessionClaims struct {
	UserID         int64    `json:"uid"`
	Email          string   `json:"email"`
	Name           string   `json:"name,omitempty"`
	Groups         []string `json:"groups"`
	SuperAdmin     bool     `json:"adm,omitempty"`
	AuditSessionID string   `json:"asid,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies session tokens (HS256).
type TokenCodec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenCodec.
type TokenOption func(*TokenCodec) error

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(c *TokenCodec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// WithTokenIssuer overrides the iss claim.
func WithTokenIssuer(issuer string) TokenOption {
	return func(c *TokenCodec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithTokenTTL sets the session lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(c *TokenCodec) error {
		if ttl < 0 {
			return fmt.Errorf("%w: negative token ttl", ErrInvalidInput)
		}
		if ttl > 0 {
			c.ttl = ttl
		}
		return nil
	}
}

// NewTokenCodec builds a codec. The secret must be at least 32 bytes.
func NewTokenCodec(secret []byte, opts ...TokenOption) (*TokenCodec, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", ErrInvalidInput, minSecretLength)
	}
	c := &TokenCodec{
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		ttl:    defaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TTL returns the configured session lifetime.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Encode signs p and returns the token with its expiry. A fresh token id is
// assigned on every call.
func (c *TokenCodec) Encode(p Principal) (string, time.Time, error) {
	if p.UserID <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: principal user id is required", ErrInvalidInput)
	}
	now := c.now().UTC().Truncate(time.Second)
	expires := now.Add(c.ttl)
	claims := sessionClaims{
		UserID:         p.UserID,
		Email:          strings.TrimSpace(p.Email),
		Name:           p.Name,
		Groups:         dedupeGroups(p.Groups),
		SuperAdmin:     p.SuperAdmin,
		AuditSessionID: p.AuditSessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Decode verifies the token and returns its principal. Every failure wraps
// ErrInvalidToken.
func (c *TokenCodec) Decode(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if err := c.validateClaims(claims); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return Principal{
		UserID:         claims.UserID,
		Email:          claims.Email,
		Name:           claims.Name,
		Groups:         dedupeGroups(claims.Groups),
		SuperAdmin:     claims.SuperAdmin,
		AuditSessionID: claims.AuditSessionID,
		TokenID:        claims.ID,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}

func (c *TokenCodec) validateClaims(claims *sessionClaims) error {
	if claims.UserID <= 0 {
		return errors.New("user id missing")
	}
	if claims.Subject != strconv.FormatInt(claims.UserID, 10) {
		return errors.New("subject does not match user id")
	}
	if claims.IssuedAt == nil {
		return errors.New("issued-at missing")
	}
	if claims.IssuedAt.Time.After(c.now().Add(issuedAtSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	return nil
}

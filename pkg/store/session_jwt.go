package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultJWTIssuer   = "supportdesk"
	defaultJWTAudience = "supportdesk-api"

	minJWTSecretLen = 32
)

var defaultJWTLeeway = 30 * time.Second

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// sessionClaims is the payload of a support session token. IssuedAtMillis
// orders the token against a user cutoff more finely than iat can.
type sessionClaims struct {
	jwt.RegisteredClaims
	IssuedAtMillis int64 `json:"iat_ms,omitempty"`
}

func (c sessionClaims) userID() string { return strings.TrimSpace(c.Subject) }

func (c sessionClaims) sessionID() string { return strings.TrimSpace(c.ID) }

// JWTSessionStore is a stateless SessionStore backed by HS256 tokens. Logout
// and password changes are recorded in the TokenRevoker.
type JWTSessionStore struct {
	secret  []byte
	ttl     time.Duration
	leeway  time.Duration
	revoker TokenRevoker
	now     func() time.Time

	issuer   string
	audience string
}

// NewJWTSessionStore builds a session store. The secret must be at least 32
// bytes once trimmed.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	secret = strings.TrimSpace(secret)
	switch {
	case len(secret) < minJWTSecretLen:
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minJWTSecretLen)
	case ttl <= 0:
		return nil, errors.New("jwt ttl must be positive")
	}
	opts = opts.withDefaults()
	return &JWTSessionStore{
		secret:   []byte(secret),
		ttl:      ttl,
		leeway:   opts.Leeway,
		revoker:  revoker,
		now:      func() time.Time { return time.Now().UTC() },
		issuer:   opts.Issuer,
		audience: opts.Audience,
	}, nil
}

// NewSession signs a token for userID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}
	issued := s.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
		},
		IssuedAtMillis: issued.UnixMilli(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// GetUserIDByToken returns the user a live token belongs to. Malformed,
// expired or foreign tokens yield an error wrapping ErrTokenInvalid; logged
// out tokens yield ErrTokenRevoked.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.verify(token)
	if err != nil {
		return "", false, err
	}
	if err := s.checkRevoked(claims); err != nil {
		return "", false, err
	}
	return claims.userID(), true, nil
}

// DeleteSession revokes the token for the rest of its lifetime. Tokens that
// no longer verify are already unusable and are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.verify(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(claims.sessionID(), claims.ExpiresAt.Sub(s.now()))
}

// RevokeUserSessions invalidates every token of userID issued at or before
// since.
func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	// Keep the cutoff until the last token it could match has expired.
	return s.revoker.RevokeUser(userID, since, s.ttl+s.leeway)
}

func (s *JWTSessionStore) checkRevoked(claims sessionClaims) error {
	if s.revoker == nil {
		return nil
	}
	revoked, err := s.revoker.IsRevoked(claims.sessionID())
	if err != nil {
		return fmt.Errorf("check session revocation: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	cutoff, err := s.revoker.RevokedAfter(claims.userID())
	if err != nil {
		return fmt.Errorf("check user revocation: %w", err)
	}
	if cutoff.IsZero() {
		return nil
	}
	if !claims.issuedAt().After(cutoff.Truncate(claims.issuedPrecision())) {
		return ErrTokenRevoked
	}
	return nil
}

// issuedAt prefers the millisecond claim. Tokens carrying only iat are
// compared at second precision, so one minted in the cutoff second counts as
// revoked.
func (c sessionClaims) issuedAt() time.Time {
	if c.IssuedAtMillis > 0 {
		return time.UnixMilli(c.IssuedAtMillis).UTC()
	}
	return c.IssuedAt.UTC()
}

func (c sessionClaims) issuedPrecision() time.Duration {
	if c.IssuedAtMillis > 0 {
		return time.Millisecond
	}
	return time.Second
}

func (s *JWTSessionStore) verify(raw string) (sessionClaims, error) {
	var claims sessionClaims
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return claims, ErrTokenInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return claims, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	switch {
	case claims.sessionID() == "":
		return claims, fmt.Errorf("%w: jti missing", ErrTokenInvalid)
	case claims.userID() == "":
		return claims, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	case claims.IssuedAt == nil:
		return claims, fmt.Errorf("%w: iat missing", ErrTokenInvalid)
	}
	return claims, nil
}

func (o JWTOptions) withDefaults() JWTOptions {
	o.Issuer = strings.TrimSpace(o.Issuer)
	o.Audience = strings.TrimSpace(o.Audience)
	if o.Issuer == "" {
		o.Issuer = defaultJWTIssuer
	}
	if o.Audience == "" {
		o.Audience = defaultJWTAudience
	}
	if o.Leeway <= 0 {
		o.Leeway = defaultJWTLeeway
	}
	return o
}

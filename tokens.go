package taskauth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenExpiry is the session token lifetime used when none is configured.
const DefaultTokenExpiry = 24 * time.Hour

// SessionClaims are the claims carried by a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
}

// TokenIssuer signs and verifies session tokens (HS256 JWTs).
type TokenIssuer struct {
	secret []byte
	issuer string
	expiry time.Duration

	// now is replaceable in tests
	now func() time.Time
}

// TokenIssuerOption configures a TokenIssuer.
type TokenIssuerOption func(*TokenIssuer)

// WithIssuer sets the "iss" claim written and required by the issuer.
func WithIssuer(issuer string) TokenIssuerOption {
	return func(t *TokenIssuer) { t.issuer = issuer }
}

// WithExpiry sets the token lifetime.
func WithExpiry(d time.Duration) TokenIssuerOption {
	return func(t *TokenIssuer) {
		if d > 0 {
			t.expiry = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenIssuerOption {
	return func(t *TokenIssuer) { t.now = now }
}

// NewTokenIssuer creates a TokenIssuer signing with secret. The secret must
// be at least 32 bytes.
func NewTokenIssuer(secret []byte, opts ...TokenIssuerOption) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token signing secret must be at least 32 bytes, got %d", len(secret))
	}
	t := &TokenIssuer{
		secret: secret,
		expiry: DefaultTokenExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Expiry returns the configured token lifetime.
func (t *TokenIssuer) Expiry() time.Duration {
	return t.expiry
}

// Issue creates a signed token for the user with the given roles.
func (t *TokenIssuer) Issue(user *User, roles []string) (string, error) {
	now := t.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
			ID:        uuid.NewString(),
		},
		Username: user.Username,
		Email:    user.Email,
		Roles:    roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", InternalError("failed to sign token", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and returns the Principal
// it describes. Every failure is an Unauthorized error with one of the codes
// CodeTokenExpired, CodeTokenBadSignature or CodeTokenMalformed; the message
// is the same for all of them.
func (t *TokenIssuer) Verify(tokenString string) (*Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(t.issuer))
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, UnauthorizedError(CodeTokenMalformed, "invalid or expired token", err)
	}

	return &Principal{
		ID:       id,
		Username: claims.Username,
		Email:    claims.Email,
		Roles:    claims.Roles,
	}, nil
}

func classifyTokenError(err error) *Error {
	code := CodeTokenMalformed
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		code = CodeTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		code = CodeTokenBadSignature
	}
	return UnauthorizedError(code, "invalid or expired token", err)
}

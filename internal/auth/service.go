package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

var (
	// ErrInvalidToken indicates a malformed, unsigned or mis-signed token.
	ErrInvalidToken = fmt.Errorf("auth: invalid token: %w", shared.ErrUnauthorized)
	// ErrExpiredToken indicates a token past its expiry.
	ErrExpiredToken = fmt.Errorf("auth: token expired: %w", shared.ErrUnauthorized)
	// ErrMissingSubject indicates a token without a sub claim.
	ErrMissingSubject = fmt.Errorf("auth: token has no subject: %w", shared.ErrUnauthorized)
)

// Verifier validates HS256 identity tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier constructs a Verifier. An empty issuer skips the iss check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second, now: time.Now}
}

// WithNow overrides the verification clock.
func (v *Verifier) WithNow(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Verify parses the token and returns the identity it carries.
func (v *Verifier) Verify(raw string) (shared.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return shared.Identity{}, ErrExpiredToken
		}
		return shared.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return shared.Identity{}, ErrMissingSubject
	}
	return claims.Identity(), nil
}

// Issue signs a token for id. Used by local tooling and tests; production
// tokens come from the provider.
func (v *Verifier) Issue(id shared.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Name:    id.Name,
		Email:   id.Email,
		Picture: id.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

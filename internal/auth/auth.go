// Package auth verifies the bearer tokens presented to the credential server.
//
// Tokens are HMAC-signed JWTs. The subject is the caller's user id and the
// "entitlements" claim lists what the caller may use. A [Verifier] without a
// secret treats every caller as anonymous.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a presented token fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified caller.
type Identity struct {
	UserID       string
	Entitlements []string
}

// Anonymous reports whether the caller presented no (usable) token.
func (i Identity) Anonymous() bool { return i.UserID == "" }

// Entitled reports whether the identity carries entitlement e.
func (i Identity) Entitled(e string) bool {
	return !i.Anonymous() && slices.Contains(i.Entitlements, e)
}

type claims struct {
	jwt.RegisteredClaims
	Entitlements []string `json:"entitlements,omitempty"`
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// Option configures a [Verifier].
type Option func(*Verifier)

// WithIssuer requires the "iss" claim to equal iss.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithAudience requires the "aud" claim to contain aud.
func WithAudience(aud string) Option {
	return func(v *Verifier) { v.audience = aud }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier returns a verifier for secret. An empty secret disables
// verification and every caller is anonymous.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Enabled reports whether the verifier has a secret.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (Identity, error) {
	if !v.Enabled() {
		return Identity{}, nil
	}
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	c := &claims{}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: c.Subject, Entitlements: c.Entitlements}, nil
}

// FromRequest verifies the bearer token of r. A request without an
// Authorization header is anonymous; a malformed or invalid one is an error.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	h := r.Header.Get("Authorization")
	if h == "" || !v.Enabled() {
		return Identity{}, nil
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return Identity{}, fmt.Errorf("%w: expected bearer scheme", ErrInvalidToken)
	}
	return v.Verify(strings.TrimSpace(token))
}

// Issue signs a token for userID valid for ttl. It is used by operators and
// tests to hand out tokens that [Verifier.Verify] accepts.
func (v *Verifier) Issue(userID string, entitlements []string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("auth: issue: no secret configured")
	}
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Entitlements: entitlements,
	}
	if v.audience != "" {
		c.Audience = jwt.ClaimStrings{v.audience}
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: issue: %w", err)
	}
	return s, nil
}

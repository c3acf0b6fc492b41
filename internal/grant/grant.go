// Package grant models the capture authorization handed to the pipeline by
// the consent flow. The pipeline only checks a grant; it never obtains one.
package grant

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/castlink/cast-agent/internal/secmem"
)

// ErrEmptyToken is returned by Parse for a blank token.
var ErrEmptyToken = errors.New("grant: empty token")

// Grant is an opaque, time-bounded capture authorization.
type Grant struct {
	token     *secmem.SecureString
	issuedAt  time.Time
	expiresAt time.Time
	revoked   atomic.Bool
}

// Issue mints a local grant with a random token, used when the operator
// consents on the command line.
func Issue(ttl time.Duration) (*Grant, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("grant: generate token: %w", err)
	}
	return newGrant(hex.EncodeToString(buf), ttl, time.Now()), nil
}

// Parse wraps a token produced by an external consent flow.
func Parse(token string, ttl time.Duration) (*Grant, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	return newGrant(token, ttl, time.Now()), nil
}

func newGrant(token string, ttl time.Duration, now time.Time) *Grant {
	g := &Grant{token: secmem.NewSecureString(token), issuedAt: now}
	if ttl > 0 {
		g.expiresAt = now.Add(ttl)
	}
	return g
}

// Valid reports whether the grant can authorize capture at now.
// A nil grant is never valid; a zero expiry never expires.
func (g *Grant) Valid(now time.Time) bool {
	if g == nil || g.revoked.Load() || g.token.Empty() {
		return false
	}
	return g.expiresAt.IsZero() || now.Before(g.expiresAt)
}

// ExpiresAt returns the expiry, or the zero time for grants without one.
func (g *Grant) ExpiresAt() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.expiresAt
}

// Token reveals the token for handing to an OS capture API.
func (g *Grant) Token() string {
	if g == nil {
		return ""
	}
	return g.token.Reveal()
}

// Revoke wipes the token; the grant is invalid from then on.
func (g *Grant) Revoke() {
	if g == nil {
		return
	}
	g.revoked.Store(true)
	g.token.Zero()
}

func (g *Grant) String() string {
	if g == nil {
		return "grant(nil)"
	}
	if g.expiresAt.IsZero() {
		return "grant(no expiry)"
	}
	return fmt.Sprintf("grant(expires %s)", g.expiresAt.Format(time.RFC3339))
}

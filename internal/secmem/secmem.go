package secmem

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const redacted = "[REDACTED]"

// SecureString holds a credential (capture grant token, storage key) and
// keeps it out of logs, fmt output and serialized config. Zero wipes the
// backing bytes in place; the GC may still hold earlier copies.
type SecureString struct {
	mu     sync.Mutex
	data   []byte
	zeroed bool
}

// NewSecureString copies s into a new SecureString.
func NewSecureString(s string) *SecureString {
	return &SecureString{data: []byte(s)}
}

// Reveal returns the plaintext. Returns "" for nil or wiped values.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

// Empty reports whether there is no usable secret.
func (s *SecureString) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// Equal compares against candidate in constant time.
func (s *SecureString) Equal(candidate string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, []byte(candidate)) == 1
}

// IsZeroed reports whether Zero has been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroed
}

// Zero overwrites the secret with zeros and drops it.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
	s.zeroed = true
}

func (s *SecureString) String() string   { return redacted }
func (s *SecureString) GoString() string { return redacted }

// Format makes every fmt verb print the redaction marker.
func (s *SecureString) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, redacted)
}

// LogValue keeps slog from reflecting into the struct.
func (s *SecureString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON refuses to populate a secret from untrusted JSON.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return fmt.Errorf("secmem: cannot deserialize into SecureString")
}

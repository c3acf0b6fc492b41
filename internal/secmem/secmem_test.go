package secmem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestRevealReturnsOriginalValue(t *testing.T) {
	s := NewSecureString("grant-token")
	if got := s.Reveal(); got != "grant-token" {
		t.Fatalf("Reveal() = %q", got)
	}
}

func TestNilIsSafe(t *testing.T) {
	var s *SecureString
	if s.Reveal() != "" || !s.Empty() || s.Equal("") || s.IsZeroed() {
		t.Fatal("nil SecureString should behave as empty")
	}
	s.Zero()
}

func TestZeroWipes(t *testing.T) {
	s := NewSecureString("secret")
	s.Zero()
	if !s.IsZeroed() {
		t.Fatal("IsZeroed() = false after Zero()")
	}
	if s.Reveal() != "" || !s.Empty() {
		t.Fatal("secret still readable after Zero()")
	}
	if s.Equal("secret") {
		t.Fatal("Equal should fail after Zero()")
	}
}

func TestEqual(t *testing.T) {
	s := NewSecureString("abc")
	if !s.Equal("abc") {
		t.Fatal("expected match")
	}
	if s.Equal("abd") || s.Equal("ab") {
		t.Fatal("unexpected match")
	}
}

func TestRedactedEverywhere(t *testing.T) {
	s := NewSecureString("hunter2")

	for _, out := range []string{
		fmt.Sprint(s),
		fmt.Sprintf("%v %s %q %#v %x", s, s, s, s, s),
	} {
		if strings.Contains(out, "hunter2") {
			t.Fatalf("plaintext leaked via fmt: %s", out)
		}
	}

	b, err := json.Marshal(struct{ Token *SecureString }{s})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "hunter2") {
		t.Fatalf("plaintext leaked via json: %s", b)
	}

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("grant", "token", s)
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("plaintext leaked via slog: %s", buf.String())
	}
}

func TestUnmarshalJSONRejected(t *testing.T) {
	var s SecureString
	if err := json.Unmarshal([]byte(`"x"`), &s); err == nil {
		t.Fatal("expected UnmarshalJSON to fail")
	}
}

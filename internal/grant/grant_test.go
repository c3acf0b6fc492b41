package grant

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIssueIsValidUntilExpiry(t *testing.T) {
	g, err := Issue(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if !g.Valid(now) {
		t.Fatal("fresh grant should be valid")
	}
	if g.Valid(now.Add(2 * time.Minute)) {
		t.Fatal("grant should expire")
	}
	if len(g.Token()) != 48 {
		t.Fatalf("token length = %d", len(g.Token()))
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse("", time.Minute); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	g, err := Parse("tok", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Valid(time.Now().Add(24 * 365 * time.Hour)) {
		t.Fatal("grant without ttl should not expire")
	}
}

func TestNilAndRevokedAreInvalid(t *testing.T) {
	var g *Grant
	if g.Valid(time.Now()) {
		t.Fatal("nil grant must be invalid")
	}

	g, _ = Parse("tok", time.Hour)
	g.Revoke()
	if g.Valid(time.Now()) {
		t.Fatal("revoked grant must be invalid")
	}
	if g.Token() != "" {
		t.Fatal("token should be wiped after revoke")
	}
}

func TestStringDoesNotLeakToken(t *testing.T) {
	g, _ := Parse("super-secret", time.Hour)
	if out := fmt.Sprint(g); strings.Contains(out, "super-secret") {
		t.Fatalf("token leaked: %s", out)
	}
}

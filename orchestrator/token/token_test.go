package token

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestMintValidateRoundTrip(t *testing.T) {
	m, err := NewMinter([]byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("minter: %v", err)
	}
	now := time.Now()
	tok := m.Mint("trun_abc", "default", now)

	claims, err := m.Validate(tok, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.RunID != "trun_abc" || claims.BackendID != "default" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	m, _ := NewMinter([]byte(testSecret), time.Hour)
	now := time.Now()
	tok := m.Mint("trun_abc", "default", now)

	if _, err := m.Validate(tok, now.Add(2*time.Hour)); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	m, _ := NewMinter([]byte(testSecret), time.Hour)
	now := time.Now()
	tok := m.Mint("trun_abc", "default", now)

	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := m.Validate(tampered, now); err == nil {
		t.Fatal("tampered claims must be rejected")
	}

	other, _ := NewMinter([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	if _, err := other.Validate(tok, now); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestWeakSecretRejected(t *testing.T) {
	if _, err := NewMinter([]byte("short"), time.Hour); err == nil {
		t.Fatal("short secret must be rejected")
	}
}

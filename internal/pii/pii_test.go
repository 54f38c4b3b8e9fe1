package pii

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	sealed, err := s.SealPhone("010-1234-5678")
	if err != nil {
		t.Fatal(err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "5678") {
		t.Errorf("sealed value leaks or lacks prefix: %q", sealed)
	}
	again, _ := s.SealPhone("010-1234-5678")
	if again == sealed {
		t.Error("sealing twice should use fresh nonces")
	}
	plain, err := s.Open(sealed)
	if err != nil || plain != "010-1234-5678" {
		t.Errorf("Open = %q, %v", plain, err)
	}
}

func TestSealerEmptyAndErrors(t *testing.T) {
	s, err := NewSealer(testKey)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := s.SealPhone(""); v != "" || err != nil {
		t.Errorf("empty phone sealed to %q, %v", v, err)
	}
	if _, err := s.Open("010-1234-5678"); !errors.Is(err, ErrNotSealed) {
		t.Errorf("expected ErrNotSealed, got %v", err)
	}
	sealed, _ := s.SealPhone("010-1234-5678")
	if _, err := s.Open(sealed[:len(sealed)-2] + "AA"); err == nil {
		t.Error("tampered value should not open")
	}

	other, _ := NewSealer(strings.Repeat("ff", 32))
	if _, err := other.Open(sealed); err == nil {
		t.Error("a different key should not open the value")
	}

	s.rand = iotest.ErrReader(errors.New("no entropy"))
	if _, err := s.SealPhone("010"); err == nil {
		t.Error("nonce failure should surface")
	}
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := NewSealer(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("NewSealer(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestRedact(t *testing.T) {
	tests := []struct{ in, want string }{
		{"010-1234-5678", "***-****-5678"},
		{"01012345678", "*******5678"},
		{"123", "123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got, _ := (Redactor{}).SealPhone(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

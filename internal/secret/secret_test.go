package secret

import (
	"errors"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("test-encryption-secret")
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := box.Seal("ghp_example_token")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sealed, "ghp_example_token") {
		t.Fatal("sealed value leaks plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if opened != "ghp_example_token" {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	box, err := NewBox("test-encryption-secret")
	if err != nil {
		t.Fatal(err)
	}
	a, err := box.Seal("same")
	if err != nil {
		t.Fatal(err)
	}
	b, err := box.Seal("same")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected random nonces to produce distinct ciphertexts")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewBox("test-encryption-secret")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Seal("value")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := box.Open("not base64!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := box.Open(sealed[:len(sealed)/2]); err == nil {
		t.Fatal("expected truncated ciphertext to fail")
	}

	other, err := NewBox("a-different-secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected open under a different key to fail")
	}
}

func TestNewBoxRequiresSecret(t *testing.T) {
	if _, err := NewBox("   "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

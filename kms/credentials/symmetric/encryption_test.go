package symmetric

import (
	"testing"
)

func TestEncryption_RoundTrip(t *testing.T) {
	key := make([]byte, 40)
	for i := range key {
		key[i] = byte(i)
	}
	e, err := NewEncryption(key)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	sealed, err := e.Encrypt("vault-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("expected ENC[...] envelope, got %q", sealed)
	}

	again, _ := e.Encrypt(sealed)
	if again != sealed {
		t.Errorf("encrypting an encrypted value must be a no-op")
	}

	plain, err := e.Decrypt(sealed)
	if err != nil || plain != "vault-token" {
		t.Errorf("decrypt = %q, %v", plain, err)
	}

	passthrough, err := e.Decrypt("plain-value")
	if err != nil || passthrough != "plain-value" {
		t.Errorf("plain values must pass through, got %q, %v", passthrough, err)
	}

	if _, err := e.Encrypt(""); err == nil {
		t.Errorf("expected error for empty plaintext")
	}
}

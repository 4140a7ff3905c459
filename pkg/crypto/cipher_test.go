package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptRoundTrip(t *testing.T) {
	payload, err := Encrypt("secret", []byte(`{"domain":"x.io"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(payload, []byte("x.io")) {
		t.Fatalf("expected ciphertext, got plaintext")
	}
	plain, err := Decrypt("secret", payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != `{"domain":"x.io"}` {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if _, err := Decrypt("other", payload); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
	if _, err := Decrypt("secret", []byte("short")); err == nil {
		t.Fatalf("expected short payload to fail")
	}
}

func TestDeriveKeySeparatesPurposes(t *testing.T) {
	signing := DeriveKey("secret", PurposeSigning)
	inputs := DeriveKey("secret", PurposeInputs)
	if len(signing) != 32 || len(inputs) != 32 {
		t.Fatalf("expected 32 byte keys")
	}
	if bytes.Equal(signing, inputs) {
		t.Fatalf("expected purpose-bound keys to differ")
	}
	if !bytes.Equal(signing, DeriveKey("secret", PurposeSigning)) {
		t.Fatalf("expected derivation to be deterministic")
	}
}

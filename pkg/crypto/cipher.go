package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. One configured secret never keys two different primitives.
const (
	PurposeSigning = "hfc-contract-signing"
	PurposeInputs  = "hfc-intention-inputs"
)

// DeriveKey expands secret into a 32 byte key bound to purpose using HKDF-SHA256.
func DeriveKey(secret, purpose string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255*HashLen bytes of output.
		panic(err)
	}
	return key
}

// Encrypt seals plaintext with AES-GCM under the inputs key derived from secret.
// The nonce is prepended to the ciphertext.
func Encrypt(secret string, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(secret string, payload []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return nil, io.ErrUnexpectedEOF
	}
	return gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
}

func newGCM(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(secret, PurposeInputs))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

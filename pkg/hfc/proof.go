package hfc

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SignerVersion identifies the signing scheme recorded in proofs.
const SignerVersion = "hfc-forge-1"

var (
	ErrIntegrityMismatch = errors.New("hfc: integrity hash mismatch")
	ErrSignatureMismatch = errors.New("hfc: signature mismatch")
	ErrMissingSecret     = errors.New("hfc: signing secret is empty")
)

type signedContent struct {
	Header     Header      `json:"header"`
	Gates      []Gate      `json:"gates"`
	Bom        []BomItem   `json:"bom"`
	Operations []Operation `json:"operations"`
}

// CanonicalPayload is the byte sequence the integrity hash and signature
// cover: the header, gates, bom and operations, never the proofs. Nil and
// empty sections encode identically so a stored contract re-hashes to the
// same value after a JSON round trip.
func CanonicalPayload(c Contract) ([]byte, error) {
	payload := signedContent{
		Header:     c.Header,
		Gates:      c.Gates,
		Bom:        c.Bom,
		Operations: c.Operations,
	}
	if payload.Gates == nil {
		payload.Gates = []Gate{}
	}
	if payload.Bom == nil {
		payload.Bom = []BomItem{}
	}
	if payload.Operations == nil {
		payload.Operations = []Operation{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return b, nil
}

// IntegrityHash returns the lowercase hex SHA-256 of the canonical payload.
func IntegrityHash(c Contract) (string, error) {
	payload, err := CanonicalPayload(c)
	if err != nil {
		return "", err
	}
	return HashBytes(payload), nil
}

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue hashes the JSON encoding of v. Map keys are sorted by the
// encoder, so equal inputs always hash the same.
func HashValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash value: %w", err)
	}
	return HashBytes(b), nil
}

func signPayload(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignOptions carries optional provenance recorded alongside the proof.
type SignOptions struct {
	SignerVersion string
	// Template is the raw template the contract was resolved from.
	Template []byte
	// Inputs are the caller inputs; their canonical hash is recorded.
	Inputs map[string]any
}

// Sign returns a copy of c whose proofs carry the integrity hash and an
// HMAC-SHA256 signature of the canonical payload keyed by secret.
func Sign(c Contract, secret []byte, now time.Time, opts SignOptions) (Contract, error) {
	if len(secret) == 0 {
		return Contract{}, ErrMissingSecret
	}
	payload, err := CanonicalPayload(c)
	if err != nil {
		return Contract{}, err
	}
	version := opts.SignerVersion
	if version == "" {
		version = SignerVersion
	}
	proof := Proof{
		IntegrityHash:   HashBytes(payload),
		ServerSignature: signPayload(payload, secret),
		SignedAt:        now.UTC().Format(time.RFC3339Nano),
		SignerVersion:   version,
	}
	if len(opts.Template) > 0 {
		proof.TemplateHash = HashBytes(opts.Template)
	}
	if opts.Inputs != nil {
		inputsHash, err := HashValue(opts.Inputs)
		if err != nil {
			return Contract{}, err
		}
		proof.InputsHash = inputsHash
	}
	c.Proofs = proof
	return c, nil
}

// Verify recomputes the integrity hash and compares it with the recorded one.
func Verify(c Contract) error {
	hash, err := IntegrityHash(c)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(c.Proofs.IntegrityHash)) != 1 {
		return ErrIntegrityMismatch
	}
	return nil
}

// VerifySignature checks the recorded signature against secret.
func VerifySignature(c Contract, secret []byte) error {
	if len(secret) == 0 {
		return ErrMissingSecret
	}
	payload, err := CanonicalPayload(c)
	if err != nil {
		return err
	}
	expected := signPayload(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(c.Proofs.ServerSignature)) {
		return ErrSignatureMismatch
	}
	return nil
}

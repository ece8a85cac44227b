// Package signing provides HMAC-SHA256 signing over canonical JSON.
// Approval tokens and audit chain hashes are both MACs over RFC 8785
// canonical payloads, so two processes sharing a secret always derive
// the same signature for the same logical record.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Signer creates and verifies HMAC-SHA256 signatures over canonical JSON.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Canonical returns the RFC 8785 canonical JSON encoding of payload.
func Canonical(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Sign computes hex(HMAC-SHA256(key, prefix || canonical(payload))).
// The prefix carries chain state (an audit predecessor hash) or is empty.
func (s *Signer) Sign(prefix string, payload any) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(prefix))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks that signature matches Sign(prefix, payload) in constant time.
func (s *Signer) Verify(prefix string, payload any, signature string) error {
	expected, err := s.Sign(prefix, payload)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, _ := hex.DecodeString(expected)
	if !hmac.Equal(sigBytes, expectedBytes) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Digest returns hex(SHA-256(canonical(payload))). Used for idempotency keys.
func Digest(payload any) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

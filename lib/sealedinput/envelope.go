// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package sealedinput

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Alg is the only envelope algorithm this runner generation supports.
// The identifier travels in job descriptors and capability reports so
// the control plane can refuse to seal to a runner that would not be
// able to unseal.
const Alg = "x25519-xchacha20poly1305"

// envelopeVersion is the first byte of every raw envelope. It is also
// mixed into the AAD, so flipping it causes authentication failure
// rather than misparsing.
const envelopeVersion byte = 0x01

// hkdfInfo provides domain separation for the envelope key derivation.
// Changing it invalidates all existing ciphertext.
var hkdfInfo = []byte("deckhand.sealed-input.v1")

// Raw envelope layout: version (1) || ephemeral public key (32) ||
// nonce (24) || AEAD ciphertext (plaintext + 16-byte tag).
const envelopeOverhead = 1 + 32 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// forbiddenKeys are rejected in every sealed payload before the map is
// handed to any consumer. A payload sealed by a compromised dashboard
// session must not be able to carry prototype-pollution-shaped keys
// into tooling that merges the map into runtime objects.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Envelope is the wire form of a sealed payload, carried on a job
// descriptor as sealedInputAlg / sealedInputKeyId / sealedInputB64.
type Envelope struct {
	// Alg identifies the envelope scheme. Must equal Alg.
	Alg string `json:"alg"`

	// KeyID identifies the recipient keypair the payload was sealed
	// to. Must equal the runner's active key id.
	KeyID string `json:"keyId"`

	// CiphertextB64 is the standard-base64 raw envelope.
	CiphertextB64 string `json:"ciphertext"`
}

// CryptoError reports a sealed-input failure. Every failure path
// through Seal and Unseal returns one, so callers can classify the
// job as a security-invariant violation (failed, never retried with
// the same envelope) via errors.As.
type CryptoError struct {
	// Op is "seal" or "unseal".
	Op string

	// Reason is a short operator-facing explanation. It never
	// contains key material or plaintext.
	Reason string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("sealed input %s: %s", e.Op, e.Reason)
}

// Seal encrypts a flat string map to the recipient's X25519 public key
// (SPKI DER, standard base64 — the format published in the runner's
// capability report), bound to the given AAD string. Used by
// control-plane-side tooling and by tests; the runner itself only
// unseals.
func Seal(values map[string]string, recipientSPKIB64, aad string) (Envelope, error) {
	if err := validateKeys(values); err != nil {
		return Envelope{}, &CryptoError{Op: "seal", Reason: err.Error()}
	}

	recipientKey, err := parsePublicKeySPKI(recipientSPKIB64)
	if err != nil {
		return Envelope{}, &CryptoError{Op: "seal", Reason: fmt.Sprintf("recipient key: %v", err)}
	}

	plaintext, err := json.Marshal(values)
	if err != nil {
		return Envelope{}, &CryptoError{Op: "seal", Reason: fmt.Sprintf("encoding payload: %v", err)}
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Envelope{}, &CryptoError{Op: "seal", Reason: fmt.Sprintf("generating ephemeral key: %v", err)}
	}

	aead, err := deriveAEAD(ephemeralKey, recipientKey, ephemeralKey.PublicKey().Bytes(), recipientKey.Bytes())
	if err != nil {
		return Envelope{}, &CryptoError{Op: "seal", Reason: err.Error()}
	}

	raw := make([]byte, 1+32+chacha20poly1305.NonceSizeX, envelopeOverhead+len(plaintext))
	raw[0] = envelopeVersion
	copy(raw[1:], ephemeralKey.PublicKey().Bytes())
	nonce := raw[1+32 : 1+32+chacha20poly1305.NonceSizeX]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, &CryptoError{Op: "seal", Reason: fmt.Sprintf("generating nonce: %v", err)}
	}

	raw = aead.Seal(raw, nonce, plaintext, buildAAD(aad))

	return Envelope{
		Alg:           Alg,
		KeyID:         KeyIDForPublicKey(recipientSPKIB64),
		CiphertextB64: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// Unseal decrypts an envelope with the runner's keypair and returns
// the flat string map it carries. Fails closed with a *CryptoError
// when the envelope's algorithm or key id does not match the expected
// values, when the ciphertext is malformed or truncated, when the AAD
// does not match the sealer's, or when authentication fails. No
// partial plaintext is ever returned.
func Unseal(envelope Envelope, expectedAlg, expectedKeyID, aad string, keypair *Keypair) (map[string]string, error) {
	if envelope.Alg != expectedAlg || envelope.Alg != Alg {
		return nil, &CryptoError{Op: "unseal", Reason: fmt.Sprintf("algorithm %q does not match expected %q", envelope.Alg, expectedAlg)}
	}
	if envelope.KeyID != expectedKeyID || envelope.KeyID != keypair.KeyID {
		return nil, &CryptoError{Op: "unseal", Reason: fmt.Sprintf("key id %q does not match active key %q", envelope.KeyID, keypair.KeyID)}
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.CiphertextB64)
	if err != nil {
		return nil, &CryptoError{Op: "unseal", Reason: "ciphertext is not valid base64"}
	}
	if len(raw) < envelopeOverhead {
		return nil, &CryptoError{Op: "unseal", Reason: fmt.Sprintf("envelope truncated: %d bytes", len(raw))}
	}
	if raw[0] != envelopeVersion {
		return nil, &CryptoError{Op: "unseal", Reason: fmt.Sprintf("unsupported envelope version 0x%02x", raw[0])}
	}

	ephemeralPublic, err := ecdh.X25519().NewPublicKey(raw[1 : 1+32])
	if err != nil {
		return nil, &CryptoError{Op: "unseal", Reason: "malformed ephemeral public key"}
	}
	nonce := raw[1+32 : 1+32+chacha20poly1305.NonceSizeX]
	ciphertext := raw[1+32+chacha20poly1305.NonceSizeX:]

	aead, err := deriveAEAD(keypair.privateKey, ephemeralPublic, ephemeralPublic.Bytes(), keypair.privateKey.PublicKey().Bytes())
	if err != nil {
		return nil, &CryptoError{Op: "unseal", Reason: err.Error()}
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(aad))
	if err != nil {
		// Deliberately indistinguishable: tampered ciphertext, wrong
		// AAD, and wrong private key all land here.
		return nil, &CryptoError{Op: "unseal", Reason: "authentication failed"}
	}

	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, &CryptoError{Op: "unseal", Reason: "payload is not a flat string-keyed map"}
	}
	if err := validateKeys(values); err != nil {
		return nil, &CryptoError{Op: "unseal", Reason: err.Error()}
	}

	return values, nil
}

// deriveAEAD computes the shared X25519 secret and expands it through
// HKDF-SHA256 into an XChaCha20-Poly1305 key. The salt binds both
// public keys so the derived key is unique to this (ephemeral,
// recipient) pair.
func deriveAEAD(private *ecdh.PrivateKey, public *ecdh.PublicKey, ephemeralPublicBytes, recipientPublicBytes []byte) (cipher.AEAD, error) {
	shared, err := private.ECDH(public)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %v", err)
	}

	salt := make([]byte, 0, len(ephemeralPublicBytes)+len(recipientPublicBytes))
	salt = append(salt, ephemeralPublicBytes...)
	salt = append(salt, recipientPublicBytes...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving envelope key: %v", err)
	}

	return chacha20poly1305.NewX(key)
}

// buildAAD prepends the envelope version to the caller's AAD string so
// the version byte is covered by authentication.
func buildAAD(aad string) []byte {
	data := make([]byte, 1+len(aad))
	data[0] = envelopeVersion
	copy(data[1:], aad)
	return data
}

// validateKeys rejects forbidden map keys and empty keys.
func validateKeys(values map[string]string) error {
	for key := range values {
		if key == "" {
			return fmt.Errorf("payload contains an empty key")
		}
		if forbiddenKeys[key] {
			return fmt.Errorf("payload contains forbidden key %q", key)
		}
	}
	return nil
}

// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package sealedinput

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Keypair is the runner's sealed-input identity: an X25519 keypair
// generated on first run and persisted for the life of the runner.
// The public half is advertised in heartbeat capability reports so the
// control plane and dashboard can seal payloads to it; the private
// half never leaves the runner host.
type Keypair struct {
	// Alg is the envelope algorithm this keypair serves. Always Alg
	// for keys generated by this runner generation.
	Alg string

	// KeyID identifies the keypair: the first 8 bytes of the BLAKE3
	// hash of the SPKI DER public key, hex-encoded. Envelopes carry
	// the key id so a mismatch is detected before any decryption is
	// attempted.
	KeyID string

	// PublicKeySPKIB64 is the X25519 public key in SPKI DER form,
	// standard base64. Safe to publish.
	PublicKeySPKIB64 string

	privateKey *ecdh.PrivateKey
}

// keypairFile is the on-disk JSON form of a persisted keypair.
type keypairFile struct {
	Alg              string `json:"alg"`
	KeyID            string `json:"keyId"`
	PublicKeySPKIB64 string `json:"publicKeySpkiB64"`
	PrivateKeyPEM    string `json:"privateKeyPem"`
}

// GenerateKeypair generates a fresh X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating x25519 keypair: %w", err)
	}
	return keypairFromPrivate(privateKey)
}

// LoadOrCreateKeypair loads the keypair persisted at path, generating
// and persisting a new one when the file does not exist. The load is
// idempotent: two runners started against the same path observe the
// same keypair. The file is written atomically with mode 0600.
//
// A file that exists but cannot be parsed, or whose key id does not
// match its own public key, is an error — never silently regenerated,
// since envelopes already sealed to the old key would become
// undecryptable without explanation.
func LoadOrCreateKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		keypair, generateErr := GenerateKeypair()
		if generateErr != nil {
			return nil, generateErr
		}
		if writeErr := writeKeypairFile(path, keypair); writeErr != nil {
			return nil, writeErr
		}
		return keypair, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keypair file %s: %w", path, err)
	}

	var stored keypairFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing keypair file %s: %w", path, err)
	}
	if stored.Alg != Alg {
		return nil, fmt.Errorf("keypair file %s has unsupported algorithm %q", path, stored.Alg)
	}

	block, _ := pem.Decode([]byte(stored.PrivateKeyPEM))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("keypair file %s: private key is not a PRIVATE KEY PEM block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keypair file %s: parsing private key: %w", path, err)
	}
	privateKey, ok := parsed.(*ecdh.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keypair file %s: private key is %T, want X25519", path, parsed)
	}

	keypair, err := keypairFromPrivate(privateKey)
	if err != nil {
		return nil, fmt.Errorf("keypair file %s: %w", path, err)
	}

	// The stored public key and key id are derived fields. Verify they
	// match the private key so silent file corruption is caught at
	// startup rather than as unexplained unseal failures later.
	if stored.PublicKeySPKIB64 != keypair.PublicKeySPKIB64 || stored.KeyID != keypair.KeyID {
		return nil, fmt.Errorf("keypair file %s: stored public key does not match private key", path)
	}

	return keypair, nil
}

// KeypairPath returns the fixed persistence path for a runner's
// keypair under the runtime directory: one keypair per
// (project, runner name) pair.
func KeypairPath(runtimeDir, projectID, runnerName string) string {
	return filepath.Join(runtimeDir, fmt.Sprintf("sealed-input-key-%s-%s.json", projectID, runnerName))
}

// KeyIDForPublicKey computes the key id for an SPKI base64 public key.
// The input must already be valid base64 (callers parse the key first).
func KeyIDForPublicKey(spkiB64 string) string {
	raw, err := base64.StdEncoding.DecodeString(spkiB64)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

func keypairFromPrivate(privateKey *ecdh.PrivateKey) (*Keypair, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(privateKey.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	spkiB64 := base64.StdEncoding.EncodeToString(spkiDER)
	sum := blake3.Sum256(spkiDER)

	return &Keypair{
		Alg:              Alg,
		KeyID:            hex.EncodeToString(sum[:8]),
		PublicKeySPKIB64: spkiB64,
		privateKey:       privateKey,
	}, nil
}

func parsePublicKeySPKI(spkiB64 string) (*ecdh.PublicKey, error) {
	spkiDER, err := base64.StdEncoding.DecodeString(spkiB64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(spkiDER)
	if err != nil {
		return nil, fmt.Errorf("parsing SPKI: %w", err)
	}
	publicKey, ok := parsed.(*ecdh.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want X25519", parsed)
	}
	if publicKey.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("public key is not on X25519")
	}
	return publicKey, nil
}

// writeKeypairFile persists a keypair atomically: write to a temporary
// file in the same directory with mode 0600, fsync, rename into place.
// A crash mid-write leaves either no file or the complete file, never
// a truncated keypair.
func writeKeypairFile(path string, keypair *Keypair) error {
	pkcs8DER, err := x509.MarshalPKCS8PrivateKey(keypair.privateKey)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8DER})

	data, err := json.MarshalIndent(keypairFile{
		Alg:              keypair.Alg,
		KeyID:            keypair.KeyID,
		PublicKeySPKIB64: keypair.PublicKeySPKIB64,
		PrivateKeyPEM:    string(privatePEM),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding keypair file: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary keypair file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary keypair file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary keypair file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary keypair file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming keypair file into place: %w", err)
	}
	return nil
}

// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package x25519 seals key shares to individual custodians.
//
// Each custodian publishes an X25519 public key. The owner seals a share
// with an ephemeral X25519 key, derives a per-message key with
// HKDF-SHA256 and encrypts with XChaCha20-Poly1305. The resulting blob is
// carried as the encrypted_key_share field of the share record and can only
// be opened by the custodian's private key.
package x25519

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// KeySize is the length of X25519 private and public keys.
const KeySize = 32

// KeyPair represents an X25519 key pair.
type KeyPair struct {
	PrivateKey *ecdh.PrivateKey
	PublicKey  *ecdh.PublicKey
}

// GenerateKey generates a new X25519 key pair using crypto/rand.
func GenerateKey() (*KeyPair, error) {
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate X25519 key: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  privateKey.PublicKey(),
	}, nil
}

// ParsePrivateKey parses an X25519 private key from raw bytes.
// The input should be 32 bytes.
func ParsePrivateKey(privateKeyBytes []byte) (*ecdh.PrivateKey, error) {
	if len(privateKeyBytes) != KeySize {
		return nil, fmt.Errorf("X25519 private key must be 32 bytes, got %d", len(privateKeyBytes))
	}
	return ecdh.X25519().NewPrivateKey(privateKeyBytes)
}

// ParsePublicKey parses an X25519 public key from raw bytes.
// The input should be 32 bytes.
func ParsePublicKey(publicKeyBytes []byte) (*ecdh.PublicKey, error) {
	if len(publicKeyBytes) != KeySize {
		return nil, fmt.Errorf("X25519 public key must be 32 bytes, got %d", len(publicKeyBytes))
	}
	return ecdh.X25519().NewPublicKey(publicKeyBytes)
}

// ParsePublicKeyHex parses a hex-encoded public key, with or without 0x.
func ParsePublicKeyHex(s string) (*ecdh.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return ParsePublicKey(b)
}

// PublicKeyHex returns the hex encoding of a public key.
func PublicKeyHex(publicKey *ecdh.PublicKey) string {
	return hex.EncodeToString(publicKey.Bytes())
}

// LoadPrivateKeyFile reads a hex-encoded private key from path.
func LoadPrivateKeyFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid key file encoding: %w", err)
	}
	defer wipe(raw)

	priv, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: priv, PublicKey: priv.PublicKey()}, nil
}

// WritePrivateKeyFile writes the private key hex-encoded with 0600 permissions.
func WritePrivateKeyFile(path string, kp *KeyPair) error {
	encoded := hex.EncodeToString(kp.PrivateKey.Bytes()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

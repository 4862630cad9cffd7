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

package x25519

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealInfo binds derived keys to this protocol.
const sealInfo = "go-keyescrow share seal v1"

// Overhead is the number of bytes Seal adds to the plaintext.
const Overhead = KeySize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrOpen is returned when a sealed share cannot be opened.
var ErrOpen = errors.New("x25519: failed to open sealed share")

// Seal encrypts plaintext to recipient. The output layout is
// ephemeralPublicKey(32) || nonce(24) || ciphertext+tag. aad is
// authenticated and must be supplied again to Open.
func Seal(recipient *ecdh.PublicKey, plaintext, aad []byte) ([]byte, error) {
	if recipient == nil {
		return nil, fmt.Errorf("recipient public key cannot be nil")
	}
	if recipient.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("recipient public key must be X25519, got %v", recipient.Curve())
	}

	ephemeral, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.PrivateKey.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("X25519 key agreement failed: %w", err)
	}
	defer wipe(shared)

	ephemeralPub := ephemeral.PublicKey.Bytes()
	key, err := deriveKey(shared, ephemeralPub, recipient.Bytes())
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	out := make([]byte, 0, Overhead+len(plaintext))
	out = append(out, ephemeralPub...)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal. Any tampering, wrong key or wrong
// aad returns ErrOpen.
func Open(recipient *ecdh.PrivateKey, sealed, aad []byte) ([]byte, error) {
	if recipient == nil {
		return nil, fmt.Errorf("recipient private key cannot be nil")
	}
	if len(sealed) < Overhead {
		return nil, ErrOpen
	}

	ephemeralPub := sealed[:KeySize]
	nonce := sealed[KeySize : KeySize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[KeySize+chacha20poly1305.NonceSizeX:]

	peer, err := ParsePublicKey(ephemeralPub)
	if err != nil {
		return nil, ErrOpen
	}
	shared, err := recipient.ECDH(peer)
	if err != nil {
		return nil, ErrOpen
	}
	defer wipe(shared)

	key, err := deriveKey(shared, ephemeralPub, recipient.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// deriveKey runs HKDF-SHA256 over the shared secret with both public keys
// as salt.
func deriveKey(shared, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	reader := hkdf.New(sha256.New, shared, salt, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

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

// Package aead provides the AES-256-GCM cipher that protects committed
// payloads, together with the canonical mapping between 256-bit keys and
// BN254 field elements.
//
// Keys are generated as 32 random bytes, reduced modulo P and re-serialized
// to 32 big-endian bytes. The same reduced value is split into shares and
// used as the AES key, so the key recovered by interpolation is byte-for-byte
// the encryption key.
//
// Every Cipher owns a NonceTracker. Each encryption draws a fresh random
// 96-bit IV and a repeated IV is refused before sealing.
//
// Example usage:
//
//	key, _ := aead.GenerateKey()
//	c, _ := aead.NewCipher(key, nil)
//	sealed, _ := c.Encrypt(payload, nil)
//	plaintext, err := c.Decrypt(sealed, nil)
//	if errors.Is(err, aead.ErrAuthentication) {
//	    // ciphertext, IV or key was tampered with
//	}
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sys/cpu"
)

const (
	// AES256GCM is AES-256 in Galois/Counter Mode
	AES256GCM = "A256GCM"

	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// IVSize is the GCM nonce length in bytes.
	IVSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// HasAESNI returns true if the CPU has hardware AES support.
//
// Supported architectures:
//   - amd64: Checks X86.HasAES
//   - arm64: Checks ARM64.HasAES
//   - Other architectures return false
func HasAESNI() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	default:
		return false
	}
}

// Sealed is the output of one encryption. Ciphertext carries the GCM tag
// as its last TagSize bytes.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
}

// Options configures a Cipher.
type Options struct {
	// Rand is the IV source. Defaults to crypto/rand.
	Rand io.Reader

	// MaxInvocations bounds encryptions under the key. Zero selects
	// DefaultMaxInvocations.
	MaxInvocations uint64
}

// Cipher is an AES-256-GCM cipher bound to a single key.
type Cipher struct {
	gcm     cipher.AEAD
	tracker *NonceTracker
	rand    io.Reader
}

// NewCipher creates a Cipher for key. The key must be 32 bytes and a
// canonical field element, as produced by GenerateKey or FieldToKey.
func NewCipher(key []byte, opts *Options) (*Cipher, error) {
	if _, err := KeyToField(key); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{
		gcm:     gcm,
		tracker: NewNonceTracker(opts.MaxInvocations),
		rand:    r,
	}, nil
}

// Algorithm returns the JWE name of the cipher.
func (c *Cipher) Algorithm() string {
	return AES256GCM
}

// Encrypt seals plaintext under a fresh random IV. aad is authenticated
// but not encrypted and may be nil.
func (c *Cipher) Encrypt(plaintext, aad []byte) (*Sealed, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	if err := c.tracker.CheckAndRecordNonce(iv); err != nil {
		return nil, err
	}

	return &Sealed{
		Ciphertext: c.gcm.Seal(nil, iv, plaintext, aad),
		IV:         iv,
	}, nil
}

// Decrypt opens a sealed message. Any modification of the ciphertext, IV
// or aad, and any wrong key, returns ErrAuthentication and no plaintext.
func (c *Cipher) Decrypt(sealed *Sealed, aad []byte) ([]byte, error) {
	if sealed == nil || len(sealed.IV) != IVSize || len(sealed.Ciphertext) < TagSize {
		return nil, ErrAuthentication
	}
	plaintext, err := c.gcm.Open(nil, sealed.IV, sealed.Ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Invocations returns the number of encryptions performed with this key.
func (c *Cipher) Invocations() int {
	return c.tracker.Count()
}

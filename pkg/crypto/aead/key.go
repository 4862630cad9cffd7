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

package aead

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-keyescrow/pkg/field"
)

// GenerateKey returns a fresh AES-256 key that is also a canonical field
// element.
//
// 32 bytes are read from crypto/rand, interpreted big-endian, reduced
// modulo P and re-serialized to 32 bytes. Because 2^256 / P ≈ 5.29 the
// reduction is not uniform: values below 2^256 mod P (about 0.29·P) are
// hit six times, the rest five times. The resulting distribution has
// min-entropy of roughly 253.4 bits, which is accepted. The reduction
// happens before the key is used or split.
func GenerateKey() ([]byte, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	defer Zero(raw)

	v := field.Reduce(raw)
	defer field.Zero(v)
	return field.Bytes(v), nil
}

// KeyToField returns the field element encoded by key. The key must be
// exactly 32 bytes and its big-endian value must be less than P.
func KeyToField(key []byte) (*big.Int, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	v, err := field.FromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return v, nil
}

// FieldToKey serializes a field element to a 32-byte AES key.
func FieldToKey(v *big.Int) ([]byte, error) {
	if err := field.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return field.Bytes(v), nil
}

// Zero overwrites key material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

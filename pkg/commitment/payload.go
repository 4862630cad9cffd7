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

package commitment

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// Payload is the plaintext sealed inside a commitment. The position of the
// real item is only ever stored here.
type Payload struct {
	RealIndex   int    `cbor:"1,keyasint" json:"realIndex"`
	Item        string `cbor:"2,keyasint" json:"item"`
	LinesDigest []byte `cbor:"3,keyasint" json:"linesDigest"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding gives one byte string per payload.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("commitment: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1024,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("commitment: cbor decoder: %v", err))
	}
}

// Marshal encodes the payload as deterministic CBOR.
func (p *Payload) Marshal() ([]byte, error) {
	return encMode.Marshal(p)
}

// UnmarshalPayload decodes a CBOR payload.
func UnmarshalPayload(data []byte) (*Payload, error) {
	var p Payload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &p, nil
}

// Hash is a 32-byte Keccak-256 digest, the value stored on-chain as bytes32.
type Hash [32]byte

// Hex returns the 0x-prefixed hex encoding of the hash.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 0x-prefixed or bare 64-digit hex hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// CommitHash returns Keccak-256(iv || ciphertext).
func CommitHash(iv, ciphertext []byte) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	d.Write(iv)
	d.Write(ciphertext)
	d.Sum(h[:0])
	return h
}

// LinesDigest returns Keccak-256 of the deterministic CBOR encoding of the
// public lines.
func LinesDigest(lines []string) ([]byte, error) {
	encoded, err := encMode.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lines: %w", err)
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(encoded)
	return d.Sum(nil), nil
}

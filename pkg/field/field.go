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

// Package field implements arithmetic modulo the BN254 scalar-field order.
//
// Every share, coefficient and key-derived value handled by go-keyescrow is
// an element of this field. The modulus is the group order of the BN254
// pairing curve so that values stay compatible with downstream proof systems:
//
//	P = 21888242871839275222246405745257275088548364400416034343698204186575808495617
//
// All operations return freshly allocated values normalized into [0, P).
// Inputs are never modified.
//
// Timing: math/big does not guarantee constant-time arithmetic. Exp uses a
// Montgomery ladder with a fixed iteration count, so the sequence of
// multiplications does not depend on the exponent bits, but the underlying
// limb operations remain variable-time.
package field

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/fentec-project/bn256"
	"github.com/fentec-project/gofe/data"
	"github.com/fentec-project/gofe/sample"
)

var (
	p    = new(big.Int).Set(bn256.Order)
	one  = big.NewInt(1)
	zero = big.NewInt(0)
)

// Size is the byte length of a canonically serialized field element.
const Size = 32

// Modulus returns a copy of the field modulus P.
func Modulus() *big.Int {
	return new(big.Int).Set(p)
}

// BitLen returns the bit length of P.
func BitLen() int {
	return p.BitLen()
}

// Mod reduces a into [0, P). Negative inputs are corrected into range.
func Mod(a *big.Int) *big.Int {
	// big.Int.Mod implements Euclidean modulus, so the result is never negative.
	return new(big.Int).Mod(a, p)
}

// Add returns (a + b) mod P.
func Add(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(a, b)
	return r.Mod(r, p)
}

// Sub returns (a - b) mod P.
func Sub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	return r.Mod(r, p)
}

// Mul returns (a * b) mod P.
func Mul(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Mod(r, p)
}

// Neg returns -a mod P.
func Neg(a *big.Int) *big.Int {
	r := new(big.Int).Neg(a)
	return r.Mod(r, p)
}

// Inv returns the multiplicative inverse of a modulo P using the iterative
// extended Euclidean algorithm. It returns ErrNoInverse when a ≡ 0 (mod P).
func Inv(a *big.Int) (*big.Int, error) {
	if a == nil {
		return nil, ErrNoInverse
	}

	oldR := Mod(a)
	if oldR.Sign() == 0 {
		return nil, ErrNoInverse
	}
	r := new(big.Int).Set(p)
	oldS := big.NewInt(1)
	s := big.NewInt(0)

	q := new(big.Int)
	tmp := new(big.Int)
	for r.Sign() != 0 {
		q.Quo(oldR, r)

		tmp.Mul(q, r)
		tmp.Sub(oldR, tmp)
		oldR, r = r, new(big.Int).Set(tmp)

		tmp.Mul(q, s)
		tmp.Sub(oldS, tmp)
		oldS, s = s, new(big.Int).Set(tmp)
	}

	if oldR.Cmp(one) != 0 {
		return nil, fmt.Errorf("%w: gcd is %s", ErrNoInverse, oldR.String())
	}
	return Mod(oldS), nil
}

// Div returns a / b mod P.
func Div(a, b *big.Int) (*big.Int, error) {
	inv, err := Inv(b)
	if err != nil {
		return nil, err
	}
	return Mul(a, inv), nil
}

// Exp returns base^e mod P. The exponent must be non-negative and no wider
// than P. The ladder always runs BitLen() iterations and performs one
// multiplication and one squaring per iteration regardless of the bit value.
func Exp(base, e *big.Int) (*big.Int, error) {
	if e == nil || e.Sign() < 0 {
		return nil, ErrInvalidExponent
	}
	if e.BitLen() > p.BitLen() {
		return nil, fmt.Errorf("%w: exponent is %d bits, maximum is %d",
			ErrInvalidExponent, e.BitLen(), p.BitLen())
	}

	regs := [2]*big.Int{big.NewInt(1), Mod(base)}
	for i := p.BitLen() - 1; i >= 0; i-- {
		bit := e.Bit(i)
		// regs[1-bit] = regs[0]*regs[1], regs[bit] = regs[bit]^2
		prod := Mul(regs[0], regs[1])
		sq := Mul(regs[bit], regs[bit])
		regs[1-bit] = prod
		regs[bit] = sq
	}
	return regs[0], nil
}

// Validate reports whether v is a canonical field element in [0, P).
// Out-of-range values are rejected, never reduced.
func Validate(v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: value is nil", ErrInvalidFieldElement)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: value is negative", ErrInvalidFieldElement)
	}
	if v.Cmp(p) >= 0 {
		return fmt.Errorf("%w: value is not less than the field modulus", ErrInvalidFieldElement)
	}
	return nil
}

// IsZero reports whether v ≡ 0 (mod P).
func IsZero(v *big.Int) bool {
	return Mod(v).Cmp(zero) == 0
}

// ParseHex parses a hex-encoded field element, with or without a 0x prefix.
// Malformed hex and values outside [0, P) return ErrInvalidFieldElement.
func ParseHex(s string) (*big.Int, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == "" {
		return nil, fmt.Errorf("%w: empty hex string", ErrInvalidFieldElement)
	}
	if len(digits) > 2*Size {
		return nil, fmt.Errorf("%w: hex string has %d digits, maximum is %d",
			ErrInvalidFieldElement, len(digits), 2*Size)
	}
	for i := 0; i < len(digits); i++ {
		if !isHexDigit(digits[i]) {
			return nil, fmt.Errorf("%w: invalid hex digit %q at position %d",
				ErrInvalidFieldElement, digits[i], i)
		}
	}

	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("%w: malformed hex string", ErrInvalidFieldElement)
	}
	if err := Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Hex returns the 0x-prefixed lowercase hex encoding of v.
func Hex(v *big.Int) string {
	return "0x" + v.Text(16)
}

// FromBytes interprets b as a big-endian integer and rejects values >= P.
func FromBytes(b []byte) (*big.Int, error) {
	if len(b) > Size {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidFieldElement, len(b), Size)
	}
	v := new(big.Int).SetBytes(b)
	if err := Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Reduce interprets b as a big-endian integer and reduces it modulo P.
// This is the only lossy entry point into the field and is reserved for
// mapping locally generated key material.
func Reduce(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	return v.Mod(v, p)
}

// Bytes serializes v as a fixed-width 32-byte big-endian value.
func Bytes(v *big.Int) []byte {
	out := make([]byte, Size)
	Mod(v).FillBytes(out)
	return out
}

// Rand returns a uniformly random element of [0, P) drawn from crypto/rand.
func Rand() (*big.Int, error) {
	v, err := sample.NewUniform(p).Sample()
	if err != nil {
		return nil, fmt.Errorf("failed to sample field element: %w", err)
	}
	return v, nil
}

// RandVector returns n independent uniformly random elements of [0, P).
func RandVector(n int) ([]*big.Int, error) {
	if n == 0 {
		return []*big.Int{}, nil
	}
	v, err := data.NewRandomVector(n, sample.NewUniform(p))
	if err != nil {
		return nil, fmt.Errorf("failed to sample %d field elements: %w", n, err)
	}
	return []*big.Int(v), nil
}

// Zero overwrites the limbs of v with zero.
func Zero(v *big.Int) {
	if v == nil {
		return
	}
	words := v.Bits()
	for i := range words {
		words[i] = 0
	}
	v.SetInt64(0)
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

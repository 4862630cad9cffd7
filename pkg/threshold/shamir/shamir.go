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

// Package shamir implements Shamir's Secret Sharing over the BN254 scalar
// field. A secret field element is split into N shares where any K shares
// reconstruct it exactly and any K-1 shares are independent of it.
//
// Shares are evaluated at x = 1..N. Reconstruction uses Lagrange
// interpolation at x = 0.
package shamir

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/jeremyhahn/go-keyescrow/pkg/field"
)

// MaxShares is the largest number of shares a single split may produce.
const MaxShares = 255

// Split divides a secret field element into total shares where any threshold
// of them reconstruct it.
//
// Parameters:
//   - secret: The secret, a field element in [0, P). Callers reduce first.
//   - threshold: Minimum number of shares needed to reconstruct (K)
//   - total: Total number of shares to create (N)
//
// The K-1 random coefficients are drawn from crypto/rand and wiped before
// Split returns.
//
// Example:
//
//	shares, err := shamir.Split(secret, 7, 10)
//	// Creates 10 shares, any 7 can reconstruct the secret
func Split(secret *big.Int, threshold, total int) ([]*Share, error) {
	if err := validateParameters(threshold, total); err != nil {
		return nil, err
	}
	if err := field.Validate(secret); err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}

	coeffs, err := field.RandVector(threshold - 1)
	if err != nil {
		return nil, fmt.Errorf("failed to generate polynomial: %w", err)
	}
	defer wipe(coeffs)

	return split(secret, coeffs, total), nil
}

// SplitWithCoefficients splits secret using caller-supplied coefficients
// a1..a_{K-1}. The threshold is len(coeffs)+1. The output is fully
// determined by its inputs.
func SplitWithCoefficients(secret *big.Int, coeffs []*big.Int, total int) ([]*Share, error) {
	if err := validateParameters(len(coeffs)+1, total); err != nil {
		return nil, err
	}
	if err := field.Validate(secret); err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	for i, c := range coeffs {
		if err := field.Validate(c); err != nil {
			return nil, fmt.Errorf("coefficient %d: %w", i+1, err)
		}
	}
	return split(secret, coeffs, total), nil
}

func split(secret *big.Int, coeffs []*big.Int, total int) []*Share {
	threshold := len(coeffs) + 1
	poly := make([]*big.Int, 0, threshold)
	poly = append(poly, secret)
	poly = append(poly, coeffs...)

	shares := make([]*Share, total)
	for i := 0; i < total; i++ {
		x := i + 1
		shares[i] = &Share{
			X:         x,
			Y:         evaluate(poly, big.NewInt(int64(x))),
			Threshold: threshold,
			Total:     total,
		}
	}
	return shares
}

// evaluate computes poly(x) mod P using Horner's rule.
func evaluate(poly []*big.Int, x *big.Int) *big.Int {
	acc := new(big.Int)
	for i := len(poly) - 1; i >= 0; i-- {
		acc = field.Add(field.Mul(acc, x), poly[i])
	}
	return acc
}

// Combine reconstructs the secret from at least K shares of one split.
//
// Shares must be valid, carry the same threshold and total, and have
// distinct X values. Fewer than K shares fail with ErrThresholdNotMet and
// no value is produced. When more than K shares are supplied the K with
// the lowest X are interpolated; for a consistent set any K-subset yields
// the same secret. Use CombineVerified to detect inconsistent sets.
//
// Example:
//
//	secret, err := shamir.Combine([]*Share{shares[0], shares[2], shares[4]})
func Combine(shares []*Share) (*big.Int, error) {
	sorted, threshold, err := prepare(shares)
	if err != nil {
		return nil, err
	}
	return interpolateAt(sorted[:threshold], new(big.Int))
}

// CombineVerified reconstructs the secret from the first K shares (ordered
// by X) and checks that every additional share lies on the same
// polynomial. Any disagreement returns an *InconsistencyError and no
// secret. With exactly K shares no check is possible and the result equals
// Combine.
func CombineVerified(shares []*Share) (*big.Int, error) {
	sorted, threshold, err := prepare(shares)
	if err != nil {
		return nil, err
	}

	base := sorted[:threshold]
	var offCurve []int
	for _, extra := range sorted[threshold:] {
		expected, err := interpolateAt(base, big.NewInt(int64(extra.X)))
		if err != nil {
			return nil, err
		}
		if expected.Cmp(extra.Y) != 0 {
			offCurve = append(offCurve, extra.X)
		}
	}
	if len(offCurve) > 0 {
		return nil, &InconsistencyError{Base: indices(base), OffCurve: offCurve}
	}

	return interpolateAt(base, new(big.Int))
}

// Interpolate evaluates the unique polynomial through the given points at
// x = 0 without any threshold or metadata checks. Points must have distinct
// non-zero X values. Below the threshold the result is unrelated to the
// secret.
func Interpolate(shares []*Share) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares provided", ErrThresholdNotMet)
	}
	if err := checkDistinct(shares); err != nil {
		return nil, err
	}
	return interpolateAt(shares, new(big.Int))
}

// interpolateAt computes Σ y_i Π_{j≠i} (x0 - x_j) / (x_i - x_j) mod P.
func interpolateAt(shares []*Share, x0 *big.Int) (*big.Int, error) {
	result := new(big.Int)
	for i, si := range shares {
		xi := big.NewInt(int64(si.X))
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.X))
			num = field.Mul(num, field.Sub(x0, xj))
			den = field.Mul(den, field.Sub(xi, xj))
		}
		basis, err := field.Div(num, den)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateShare, err)
		}
		result = field.Add(result, field.Mul(si.Y, basis))
	}
	return result, nil
}

// prepare validates a share set and returns a copy sorted by X together
// with the common threshold.
func prepare(shares []*Share) ([]*Share, int, error) {
	if len(shares) == 0 {
		return nil, 0, fmt.Errorf("%w: no shares provided", ErrThresholdNotMet)
	}

	threshold := shares[0].Threshold
	total := shares[0].Total
	for i, share := range shares {
		if share == nil {
			return nil, 0, fmt.Errorf("%w: share %d is nil", ErrInvalidShare, i)
		}
		if err := share.Validate(); err != nil {
			return nil, 0, fmt.Errorf("invalid share %d: %w", i, err)
		}
		if share.Threshold != threshold {
			return nil, 0, fmt.Errorf("%w: share %d has different threshold (%d) than share 0 (%d)",
				ErrMixedShares, i, share.Threshold, threshold)
		}
		if share.Total != total {
			return nil, 0, fmt.Errorf("%w: share %d has different total (%d) than share 0 (%d)",
				ErrMixedShares, i, share.Total, total)
		}
	}
	if err := checkDistinct(shares); err != nil {
		return nil, 0, err
	}
	if len(shares) < threshold {
		return nil, 0, fmt.Errorf("%w: need at least %d shares, got %d",
			ErrThresholdNotMet, threshold, len(shares))
	}

	sorted := make([]*Share, len(shares))
	copy(sorted, shares)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].X < sorted[b].X })
	return sorted, threshold, nil
}

func checkDistinct(shares []*Share) error {
	seen := make(map[int]struct{}, len(shares))
	for _, s := range shares {
		if s == nil || s.Y == nil {
			return fmt.Errorf("%w: share has no value", ErrInvalidShare)
		}
		if s.X < 1 {
			return fmt.Errorf("%w: invalid share index: %d (must be >= 1)", ErrInvalidShare, s.X)
		}
		if _, dup := seen[s.X]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateShare, s.X)
		}
		seen[s.X] = struct{}{}
	}
	return nil
}

func validateParameters(threshold, total int) error {
	if threshold < 1 {
		return fmt.Errorf("%w: threshold must be at least 1, got %d", ErrInvalidParameters, threshold)
	}
	if total < threshold {
		return fmt.Errorf("%w: total shares (%d) must be >= threshold (%d)", ErrInvalidParameters, total, threshold)
	}
	if total > MaxShares {
		return fmt.Errorf("%w: total shares cannot exceed %d, got %d", ErrInvalidParameters, MaxShares, total)
	}
	return nil
}

func indices(shares []*Share) []int {
	out := make([]int, len(shares))
	for i, s := range shares {
		out[i] = s.X
	}
	return out
}

func wipe(values []*big.Int) {
	for _, v := range values {
		field.Zero(v)
	}
}

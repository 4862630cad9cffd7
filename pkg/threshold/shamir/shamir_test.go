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

package shamir

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/field"
)

const (
	testTotal     = 10
	testThreshold = 7
)

func randomSecret(t *testing.T) *big.Int {
	t.Helper()
	s, err := field.Rand()
	require.NoError(t, err)
	return s
}

// combinations returns every k-element subset of shares.
func combinations(shares []*Share, k int) [][]*Share {
	var out [][]*Share
	var rec func(start int, cur []*Share)
	rec = func(start int, cur []*Share) {
		if len(cur) == k {
			subset := make([]*Share, k)
			copy(subset, cur)
			out = append(out, subset)
			return
		}
		for i := start; i < len(shares); i++ {
			rec(i+1, append(cur, shares[i]))
		}
	}
	rec(0, nil)
	return out
}

func randomSubset(r *mrand.Rand, shares []*Share, k int) []*Share {
	perm := r.Perm(len(shares))
	subset := make([]*Share, k)
	for i := 0; i < k; i++ {
		subset[i] = shares[perm[i]]
	}
	return subset
}

func TestSplit_BasicFunctionality(t *testing.T) {
	secret := randomSecret(t)

	shares, err := Split(secret, testThreshold, testTotal)
	require.NoError(t, err)
	require.Len(t, shares, testTotal)

	for i, share := range shares {
		assert.Equal(t, i+1, share.X)
		assert.Equal(t, testThreshold, share.Threshold)
		assert.Equal(t, testTotal, share.Total)
		assert.NoError(t, share.Validate())
	}
}

func TestSplitWithCoefficients_Deterministic(t *testing.T) {
	// f(x) = 5 + x + 2x^2
	coeffs := []*big.Int{big.NewInt(1), big.NewInt(2)}
	shares, err := SplitWithCoefficients(big.NewInt(5), coeffs, 4)
	require.NoError(t, err)
	require.Len(t, shares, 4)

	expected := []int64{8, 15, 26, 41}
	for i, share := range shares {
		assert.Equal(t, i+1, share.X)
		assert.Equal(t, expected[i], share.Y.Int64())
		assert.Equal(t, 3, share.Threshold)
	}

	again, err := SplitWithCoefficients(big.NewInt(5), coeffs, 4)
	require.NoError(t, err)
	for i := range shares {
		assert.True(t, shares[i].Equal(again[i]))
	}
}

func TestSplitWithCoefficients_InvalidCoefficient(t *testing.T) {
	_, err := SplitWithCoefficients(big.NewInt(5), []*big.Int{field.Modulus()}, 3)
	assert.ErrorIs(t, err, field.ErrInvalidFieldElement)
}

func TestCombine_ExactReconstruction(t *testing.T) {
	r := mrand.New(mrand.NewSource(1))

	for trial := 0; trial < 200; trial++ {
		secret := randomSecret(t)
		shares, err := Split(secret, testThreshold, testTotal)
		require.NoError(t, err)

		subset := randomSubset(r, shares, testThreshold)
		reconstructed, err := Combine(subset)
		require.NoError(t, err)
		require.Equal(t, 0, secret.Cmp(reconstructed), "trial %d", trial)
	}
}

func TestCombine_EveryThresholdSubset(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, testThreshold, testTotal)
	require.NoError(t, err)

	subsets := combinations(shares, testThreshold)
	require.Len(t, subsets, 120)
	for _, subset := range subsets {
		reconstructed, err := Combine(subset)
		require.NoError(t, err)
		assert.Equal(t, 0, secret.Cmp(reconstructed))
	}
}

func TestCombine_MoreThanThreshold(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, testThreshold, testTotal)
	require.NoError(t, err)

	for n := testThreshold; n <= testTotal; n++ {
		reconstructed, err := Combine(shares[testTotal-n:])
		require.NoError(t, err)
		assert.Equal(t, 0, secret.Cmp(reconstructed))

		verified, err := CombineVerified(shares[testTotal-n:])
		require.NoError(t, err)
		assert.Equal(t, 0, secret.Cmp(verified))

		raw, err := Interpolate(shares[testTotal-n:])
		require.NoError(t, err)
		assert.Equal(t, 0, secret.Cmp(raw))
	}
}

func TestCombine_OrderIndependent(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, testThreshold, testTotal)
	require.NoError(t, err)

	reversed := make([]*Share, testThreshold)
	for i := 0; i < testThreshold; i++ {
		reversed[i] = shares[testThreshold-1-i]
	}
	reconstructed, err := Combine(reversed)
	require.NoError(t, err)
	assert.Equal(t, 0, secret.Cmp(reconstructed))
}

func TestCombine_InsufficientShares(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, testThreshold, testTotal)
	require.NoError(t, err)

	_, err = Combine(shares[:testThreshold-1])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThresholdNotMet)
	assert.Contains(t, err.Error(), "need at least 7 shares, got 6")

	_, err = CombineVerified(shares[:testThreshold-1])
	assert.ErrorIs(t, err, ErrThresholdNotMet)

	_, err = Combine(nil)
	assert.ErrorIs(t, err, ErrThresholdNotMet)
}

func TestInterpolate_BelowThresholdDoesNotRevealSecret(t *testing.T) {
	r := mrand.New(mrand.NewSource(2))

	for trial := 0; trial < 200; trial++ {
		secret := randomSecret(t)
		shares, err := Split(secret, testThreshold, testTotal)
		require.NoError(t, err)

		subset := randomSubset(r, shares, testThreshold-1)
		guess, err := Interpolate(subset)
		require.NoError(t, err)
		assert.NotEqual(t, 0, secret.Cmp(guess), "trial %d", trial)
	}
}

func TestSplit_LowSubsetsVaryWithCoefficients(t *testing.T) {
	secret := big.NewInt(42)
	base := make([]*big.Int, testThreshold-1)
	for i := range base {
		base[i] = big.NewInt(int64(i + 3))
	}

	original, err := SplitWithCoefficients(secret, base, testTotal)
	require.NoError(t, err)

	// Changing a single coefficient must change every share value while the
	// secret stays fixed, so no K-1 subset pins the secret.
	for c := range base {
		varied := make([]*big.Int, len(base))
		copy(varied, base)
		varied[c] = big.NewInt(1000 + int64(c))

		shares, err := SplitWithCoefficients(secret, varied, testTotal)
		require.NoError(t, err)
		for i := range shares {
			assert.NotEqual(t, 0, original[i].Y.Cmp(shares[i].Y), "coefficient %d share %d", c, i+1)
		}

		reconstructed, err := Combine(shares[:testThreshold])
		require.NoError(t, err)
		assert.Equal(t, int64(42), reconstructed.Int64())
	}

	// Two different K-1 subsets interpolate to different values
	a, err := Interpolate(original[:testThreshold-1])
	require.NoError(t, err)
	b, err := Interpolate(original[testTotal-testThreshold+1:])
	require.NoError(t, err)
	assert.NotEqual(t, 0, a.Cmp(b))
}

func TestCombine_RejectsDuplicates(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, testThreshold, testTotal)
	require.NoError(t, err)

	dup := append([]*Share{}, shares[:testThreshold-1]...)
	dup = append(dup, shares[0].Clone())
	_, err = Combine(dup)
	assert.ErrorIs(t, err, ErrDuplicateShare)

	_, err = Interpolate([]*Share{shares[0], shares[0]})
	assert.ErrorIs(t, err, ErrDuplicateShare)
}

func TestCombine_RejectsMixedSplits(t *testing.T) {
	a, err := Split(randomSecret(t), 3, 5)
	require.NoError(t, err)
	b, err := Split(randomSecret(t), 4, 5)
	require.NoError(t, err)

	_, err = Combine([]*Share{a[0], a[1], b[2], b[3]})
	assert.ErrorIs(t, err, ErrMixedShares)

	c, err := Split(randomSecret(t), 3, 6)
	require.NoError(t, err)
	_, err = Combine([]*Share{a[0], a[1], c[2]})
	assert.ErrorIs(t, err, ErrMixedShares)
}

func TestCombineVerified_DetectsMixedSplitWithSameParameters(t *testing.T) {
	a, err := Split(randomSecret(t), testThreshold, testTotal)
	require.NoError(t, err)
	b, err := Split(randomSecret(t), testThreshold, testTotal)
	require.NoError(t, err)

	mixed := append([]*Share{}, a[:testThreshold]...)
	mixed = append(mixed, b[testThreshold])

	_, err = CombineVerified(mixed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconstructionInconsistency)

	var inconsistency *InconsistencyError
	require.ErrorAs(t, err, &inconsistency)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, inconsistency.Base)
	assert.Equal(t, []int{8}, inconsistency.OffCurve)
}

func TestCombineVerified_DetectsTamperedShare(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, testThreshold, testTotal)
	require.NoError(t, err)

	tampered := make([]*Share, len(shares))
	for i, s := range shares {
		tampered[i] = s.Clone()
	}
	tampered[9].Y = field.Add(tampered[9].Y, big.NewInt(1))

	_, err = CombineVerified(tampered)
	assert.ErrorIs(t, err, ErrReconstructionInconsistency)

	// A tampered base share makes every extra share disagree
	tampered[9] = shares[9].Clone()
	tampered[0].Y = field.Add(tampered[0].Y, big.NewInt(1))
	_, err = CombineVerified(tampered)
	var inconsistency *InconsistencyError
	require.ErrorAs(t, err, &inconsistency)
	assert.Equal(t, []int{8, 9, 10}, inconsistency.OffCurve)

	// Unverified combine silently yields a wrong value
	wrong, err := Combine(tampered)
	require.NoError(t, err)
	assert.NotEqual(t, 0, secret.Cmp(wrong))
}

func TestSplit_ParameterValidation(t *testing.T) {
	secret := big.NewInt(12345)

	tests := []struct {
		name      string
		threshold int
		total     int
		wantErr   bool
		errMsg    string
	}{
		{
			name:      "threshold too low",
			threshold: 0,
			total:     5,
			wantErr:   true,
			errMsg:    "threshold must be at least 1",
		},
		{
			name:      "total less than threshold",
			threshold: 5,
			total:     3,
			wantErr:   true,
			errMsg:    "total shares (3) must be >= threshold (5)",
		},
		{
			name:      "total exceeds maximum",
			threshold: 3,
			total:     256,
			wantErr:   true,
			errMsg:    "total shares cannot exceed 255",
		},
		{
			name:      "threshold of one",
			threshold: 1,
			total:     3,
			wantErr:   false,
		},
		{
			name:      "threshold equals total",
			threshold: 10,
			total:     10,
			wantErr:   false,
		},
		{
			name:      "default parameters",
			threshold: testThreshold,
			total:     testTotal,
			wantErr:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(secret, tt.threshold, tt.total)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidParameters)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSplit_ThresholdOneIsConstant(t *testing.T) {
	shares, err := Split(big.NewInt(99), 1, 3)
	require.NoError(t, err)
	for _, s := range shares {
		assert.Equal(t, int64(99), s.Y.Int64())
	}
}

func TestSplit_RejectsSecretOutsideField(t *testing.T) {
	_, err := Split(field.Modulus(), testThreshold, testTotal)
	assert.ErrorIs(t, err, field.ErrInvalidFieldElement)

	_, err = Split(big.NewInt(-1), testThreshold, testTotal)
	assert.ErrorIs(t, err, field.ErrInvalidFieldElement)

	_, err = Split(nil, testThreshold, testTotal)
	assert.ErrorIs(t, err, field.ErrInvalidFieldElement)
}

func TestSplit_ZeroAndMaxSecret(t *testing.T) {
	for _, secret := range []*big.Int{big.NewInt(0), new(big.Int).Sub(field.Modulus(), big.NewInt(1))} {
		shares, err := Split(secret, testThreshold, testTotal)
		require.NoError(t, err)
		reconstructed, err := Combine(shares[3:])
		require.NoError(t, err)
		assert.Equal(t, 0, secret.Cmp(reconstructed))
	}
}

func TestShare_JSONSerialization(t *testing.T) {
	shares, err := Split(randomSecret(t), 3, 5)
	require.NoError(t, err)

	for _, share := range shares {
		data, err := json.Marshal(share)
		require.NoError(t, err)
		assert.NotEmpty(t, data)

		var decoded Share
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.True(t, share.Equal(&decoded))
	}
}

func TestShare_UnmarshalRejectsOutOfField(t *testing.T) {
	var s Share
	data := []byte(`{"x":1,"y":"` + field.Hex(field.Modulus()) + `","threshold":2,"total":3}`)
	err := json.Unmarshal(data, &s)
	assert.ErrorIs(t, err, field.ErrInvalidFieldElement)

	err = json.Unmarshal([]byte(`{"x":1,"y":"0xnothex","threshold":2,"total":3}`), &s)
	assert.ErrorIs(t, err, field.ErrInvalidFieldElement)
}

func TestShare_Validation(t *testing.T) {
	tests := []struct {
		name    string
		share   *Share
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid share",
			share:   &Share{X: 1, Y: big.NewInt(7), Threshold: 3, Total: 5},
			wantErr: false,
		},
		{
			name:    "invalid index (zero)",
			share:   &Share{X: 0, Y: big.NewInt(7), Threshold: 3, Total: 5},
			wantErr: true,
			errMsg:  "invalid share index: 0",
		},
		{
			name:    "invalid threshold (too low)",
			share:   &Share{X: 1, Y: big.NewInt(7), Threshold: 0, Total: 5},
			wantErr: true,
			errMsg:  "invalid threshold: 0",
		},
		{
			name:    "total less than threshold",
			share:   &Share{X: 1, Y: big.NewInt(7), Threshold: 5, Total: 3},
			wantErr: true,
			errMsg:  "invalid total: 3",
		},
		{
			name:    "index exceeds total",
			share:   &Share{X: 6, Y: big.NewInt(7), Threshold: 3, Total: 5},
			wantErr: true,
			errMsg:  "invalid share index: 6",
		},
		{
			name:    "missing value",
			share:   &Share{X: 1, Threshold: 3, Total: 5},
			wantErr: true,
			errMsg:  "value is nil",
		},
		{
			name:    "value outside field",
			share:   &Share{X: 1, Y: field.Modulus(), Threshold: 3, Total: 5},
			wantErr: true,
			errMsg:  "not less than the field modulus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.share.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestShare_StringRedactsValue(t *testing.T) {
	y, err := rand.Int(rand.Reader, field.Modulus())
	require.NoError(t, err)
	s := &Share{X: 3, Y: y, Threshold: 7, Total: 10}
	assert.Equal(t, "Share{X: 3, Threshold: 7/10}", s.String())
	assert.NotContains(t, s.String(), y.Text(16))
}

func TestShare_CloneAndZero(t *testing.T) {
	s := &Share{X: 2, Y: big.NewInt(77), Threshold: 2, Total: 3}
	c := s.Clone()
	s.Zero()
	assert.Equal(t, 0, s.Y.Sign())
	assert.Equal(t, int64(77), c.Y.Int64())
	assert.False(t, s.Equal(c))
}

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
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-keyescrow/pkg/field"
)

// Share is a single point (X, Y) on a secret polynomial. X is the custodian
// index in 1..Total and Y is the polynomial evaluated at X modulo P.
type Share struct {
	// X is the evaluation point (1 to N)
	X int

	// Y is the polynomial value at X, a field element in [0, P)
	Y *big.Int

	// Threshold is the minimum number of shares required to reconstruct (K)
	Threshold int

	// Total is the total number of shares created (N)
	Total int
}

type shareJSON struct {
	X         int    `json:"x"`
	Y         string `json:"y"`
	Threshold int    `json:"threshold"`
	Total     int    `json:"total"`
}

// MarshalJSON encodes Y as 0x-prefixed hex.
func (s *Share) MarshalJSON() ([]byte, error) {
	if s.Y == nil {
		return nil, fmt.Errorf("%w: share %d has no value", ErrInvalidShare, s.X)
	}
	return json.Marshal(&shareJSON{
		X:         s.X,
		Y:         field.Hex(s.Y),
		Threshold: s.Threshold,
		Total:     s.Total,
	})
}

// UnmarshalJSON decodes a share and rejects Y values outside the field.
func (s *Share) UnmarshalJSON(data []byte) error {
	var aux shareJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	y, err := field.ParseHex(aux.Y)
	if err != nil {
		return fmt.Errorf("share %d: %w", aux.X, err)
	}
	s.X = aux.X
	s.Y = y
	s.Threshold = aux.Threshold
	s.Total = aux.Total
	return nil
}

// Clone returns a deep copy of the share.
func (s *Share) Clone() *Share {
	c := *s
	if s.Y != nil {
		c.Y = new(big.Int).Set(s.Y)
	}
	return &c
}

// Equal reports whether two shares have the same point and metadata.
func (s *Share) Equal(other *Share) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.X != other.X || s.Threshold != other.Threshold || s.Total != other.Total {
		return false
	}
	if s.Y == nil || other.Y == nil {
		return s.Y == other.Y
	}
	return s.Y.Cmp(other.Y) == 0
}

// String returns a redacted representation of the share for logging.
// The Y value is never included.
func (s *Share) String() string {
	return fmt.Sprintf("Share{X: %d, Threshold: %d/%d}", s.X, s.Threshold, s.Total)
}

// Validate checks the share's index, metadata and field value.
func (s *Share) Validate() error {
	if s.X < 1 {
		return fmt.Errorf("%w: invalid share index: %d (must be >= 1)", ErrInvalidShare, s.X)
	}
	if s.Threshold < 1 {
		return fmt.Errorf("%w: invalid threshold: %d (must be >= 1)", ErrInvalidShare, s.Threshold)
	}
	if s.Total < s.Threshold {
		return fmt.Errorf("%w: invalid total: %d (must be >= threshold %d)", ErrInvalidShare, s.Total, s.Threshold)
	}
	if s.X > s.Total {
		return fmt.Errorf("%w: invalid share index: %d (must be <= total %d)", ErrInvalidShare, s.X, s.Total)
	}
	if err := field.Validate(s.Y); err != nil {
		return fmt.Errorf("share %d: %w", s.X, err)
	}
	return nil
}

// Zero wipes the share value.
func (s *Share) Zero() {
	field.Zero(s.Y)
}

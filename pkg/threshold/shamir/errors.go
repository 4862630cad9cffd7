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
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameters is returned when threshold or total are out of range.
	ErrInvalidParameters = errors.New("shamir: invalid parameters")

	// ErrInvalidShare is returned for shares with bad indices, metadata or values.
	ErrInvalidShare = errors.New("shamir: invalid share")

	// ErrThresholdNotMet is returned when fewer than K shares are supplied.
	ErrThresholdNotMet = errors.New("shamir: threshold not met")

	// ErrDuplicateShare is returned when two shares have the same X.
	ErrDuplicateShare = errors.New("shamir: duplicate share index")

	// ErrMixedShares is returned when shares carry different split parameters.
	ErrMixedShares = errors.New("shamir: shares belong to different splits")

	// ErrReconstructionInconsistency is returned when a share set contains
	// points that do not lie on a single degree K-1 polynomial.
	ErrReconstructionInconsistency = errors.New("shamir: reconstruction inconsistency")
)

// InconsistencyError reports a share set that does not describe a single
// polynomial. Base holds the X values used to define the reference
// polynomial and OffCurve the X values of shares that disagree with it.
// With exactly K+1 shares the faulty share cannot be attributed; callers
// must treat the whole set as suspect.
type InconsistencyError struct {
	Base     []int
	OffCurve []int
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s: shares %v do not lie on the polynomial defined by shares %v",
		ErrReconstructionInconsistency.Error(), e.OffCurve, e.Base)
}

func (e *InconsistencyError) Unwrap() error {
	return ErrReconstructionInconsistency
}

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

package field

import "errors"

var (
	// ErrInvalidFieldElement is returned for values outside [0, P) or
	// malformed encodings. Untrusted input is rejected, never reduced.
	ErrInvalidFieldElement = errors.New("field: invalid field element")

	// ErrNoInverse is returned when inverting zero.
	ErrNoInverse = errors.New("field: element has no inverse")

	// ErrInvalidExponent is returned for negative or oversized exponents.
	ErrInvalidExponent = errors.New("field: invalid exponent")
)

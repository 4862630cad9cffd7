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

import "errors"

var (
	// ErrAuthentication is returned when the GCM tag does not verify. The
	// ciphertext, IV, associated data or key is wrong. No plaintext is
	// ever returned alongside this error.
	ErrAuthentication = errors.New("aead: message authentication failed")

	// ErrNonceReuse is returned when an IV is about to be reused with the same key.
	// If this error occurs, it indicates a broken random source or a bug.
	// The encryption is refused.
	ErrNonceReuse = errors.New("aead: catastrophic nonce reuse detected - encryption rejected for security")

	// ErrInvocationLimit is returned once a key has used its IV budget.
	ErrInvocationLimit = errors.New("aead: key invocation limit reached, rotate the key")

	// ErrInvalidKey is returned for keys that are not 32 bytes or not
	// canonical field elements.
	ErrInvalidKey = errors.New("aead: invalid key")

	// ErrInvalidIV is returned for IVs that are not 12 bytes.
	ErrInvalidIV = errors.New("aead: invalid iv")
)

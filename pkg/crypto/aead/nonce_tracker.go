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
	"sync"
)

// DefaultMaxInvocations is the NIST SP 800-38D limit on encryptions with
// random 96-bit IVs under a single key.
const DefaultMaxInvocations = 1 << 32

// NonceTracker records every IV used with one key and refuses reuse.
//
// A NonceTracker belongs to exactly one key. Reusing an IV under AES-GCM
// leaks the authentication subkey and the XOR of the two plaintexts, so the
// tracker rejects a repeated IV before any encryption happens. It also
// enforces an invocation ceiling after which the key must be rotated.
//
// Example usage:
//
//	tracker := aead.NewNonceTracker(0)
//	if err := tracker.CheckAndRecordNonce(iv); err != nil {
//	    return err
//	}
type NonceTracker struct {
	nonces         map[[IVSize]byte]struct{}
	maxInvocations uint64
	mu             sync.Mutex
}

// NewNonceTracker creates a tracker. A zero maxInvocations selects
// DefaultMaxInvocations.
func NewNonceTracker(maxInvocations uint64) *NonceTracker {
	if maxInvocations == 0 {
		maxInvocations = DefaultMaxInvocations
	}
	return &NonceTracker{
		nonces:         make(map[[IVSize]byte]struct{}),
		maxInvocations: maxInvocations,
	}
}

// CheckAndRecordNonce atomically rejects a previously seen IV or records a
// new one. It returns ErrNonceReuse for a repeat, ErrInvocationLimit once
// the key is exhausted and ErrInvalidIV for an IV of the wrong length.
func (nt *NonceTracker) CheckAndRecordNonce(iv []byte) error {
	if len(iv) != IVSize {
		return ErrInvalidIV
	}
	var k [IVSize]byte
	copy(k[:], iv)

	nt.mu.Lock()
	defer nt.mu.Unlock()

	if _, exists := nt.nonces[k]; exists {
		return ErrNonceReuse
	}
	if uint64(len(nt.nonces)) >= nt.maxInvocations {
		return ErrInvocationLimit
	}
	nt.nonces[k] = struct{}{}
	return nil
}

// Contains reports whether iv has been recorded.
func (nt *NonceTracker) Contains(iv []byte) bool {
	if len(iv) != IVSize {
		return false
	}
	var k [IVSize]byte
	copy(k[:], iv)

	nt.mu.Lock()
	defer nt.mu.Unlock()

	_, exists := nt.nonces[k]
	return exists
}

// Count returns the number of recorded IVs.
func (nt *NonceTracker) Count() int {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	return len(nt.nonces)
}

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

package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrThresholdNotMet is returned when fewer than K custodians accepted
	// a share or released one. Retryable: wait or re-solicit.
	ErrThresholdNotMet = errors.New("escrow: threshold not met")

	// ErrReconstructionInconsistency is returned when released shares do
	// not lie on a single polynomial. Not retryable: at least one custodian
	// is faulty or malicious.
	ErrReconstructionInconsistency = errors.New("escrow: released shares are inconsistent")

	// ErrAuthenticationFailure is returned when the reconstructed key does
	// not authenticate the committed ciphertext. Not retryable.
	ErrAuthenticationFailure = errors.New("escrow: reconstructed key failed authentication")

	// ErrAborted is returned when the caller cancelled a session before
	// its next phase could start.
	ErrAborted = errors.New("escrow: session aborted")

	// ErrReleaseRefused is returned by a custodian that declines to release
	// its share. Counted exactly like a timeout.
	ErrReleaseRefused = errors.New("escrow: custodian refused release")

	// ErrShareRejected is returned by a custodian that refuses to store a
	// share, for example a conflicting share for the same (item, x).
	ErrShareRejected = errors.New("escrow: custodian rejected share")

	// ErrInvalidShare is returned for a released share that does not match
	// the item or index it was requested for.
	ErrInvalidShare = errors.New("escrow: custodian returned an invalid share")

	// ErrNotConfirmed is returned when revealing an item whose commitment
	// is still tentative or was orphaned.
	ErrNotConfirmed = errors.New("escrow: commitment is not confirmed")

	// ErrNotFound is returned for unknown items.
	ErrNotFound = errors.New("escrow: not found")

	// ErrInvalidTransition is returned for an illegal session state change.
	ErrInvalidTransition = errors.New("escrow: invalid state transition")

	// ErrInvalidRequest is returned for malformed commit or reveal requests.
	ErrInvalidRequest = errors.New("escrow: invalid request")

	// ErrInvalidConfig is returned by NewOwner and NewBuyer.
	ErrInvalidConfig = errors.New("escrow: invalid configuration")

	// ErrCommitmentMismatch is returned when the ledger record does not
	// verify or does not match the sealed payload.
	ErrCommitmentMismatch = errors.New("escrow: commitment does not match ledger record")

	// ErrLedgerConflict is returned when an item id is already published.
	ErrLedgerConflict = errors.New("escrow: item already published")
)

// CallResult is the outcome of one custodian send or release request.
type CallResult struct {
	Custodian string
	X         int
	Attempts  int
	Err       error
}

// OK reports whether the call succeeded.
func (r CallResult) OK() bool {
	return r.Err == nil
}

// ThresholdError reports a phase that collected fewer than Needed
// successes. Failures holds every unsuccessful call.
type ThresholdError struct {
	Phase    string
	Needed   int
	Got      int
	Failures []CallResult
}

func (e *ThresholdError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s during %s: got %d of %d required", ErrThresholdNotMet.Error(), e.Phase, e.Got, e.Needed)
	if len(e.Failures) > 0 {
		b.WriteString(" (")
		for i, f := range e.Failures {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s x=%d: %v", f.Custodian, f.X, f.Err)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *ThresholdError) Unwrap() error {
	return ErrThresholdNotMet
}

// IsRetryable reports whether err means "not enough custodians answered"
// rather than "the answers are cryptographically wrong". Only the former
// may be retried, and never automatically.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReconstructionInconsistency) || errors.Is(err, ErrAuthenticationFailure) ||
		errors.Is(err, ErrCommitmentMismatch) {
		return false
	}
	return errors.Is(err, ErrThresholdNotMet)
}

// isPermanent reports whether a single custodian call must not be retried.
func isPermanent(err error) bool {
	return errors.Is(err, ErrReleaseRefused) ||
		errors.Is(err, ErrShareRejected) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidShare) ||
		errors.Is(err, context.Canceled)
}

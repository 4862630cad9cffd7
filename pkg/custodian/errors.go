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
package custodian

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
)

var (
	// ErrConflictingShare is returned when a different share is stored
	// under an existing (item_id, share_x). Re-splitting an item is not
	// allowed.
	ErrConflictingShare = errors.New("custodian: conflicting share already stored")

	// ErrSealMismatch is returned when encrypted_key_share does not open
	// to share_y under this custodian's key.
	ErrSealMismatch = errors.New("custodian: sealed share does not match share_y")

	// ErrInvalidGrant is returned for a release grant that fails
	// signature, expiry or claim checks.
	ErrInvalidGrant = errors.New("custodian: invalid release grant")
)

// RefusedError is a release refusal with a reason suitable for the
// requester. It unwraps to escrow.ErrReleaseRefused.
type RefusedError struct {
	ItemID string
	Reason string
	Err    error
}

func (e *RefusedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("release of %s refused: %s: %v", e.ItemID, e.Reason, e.Err)
	}
	return fmt.Sprintf("release of %s refused: %s", e.ItemID, e.Reason)
}

func (e *RefusedError) Unwrap() []error {
	if e.Err != nil {
		return []error{escrow.ErrReleaseRefused, e.Err}
	}
	return []error{escrow.ErrReleaseRefused}
}

func refuse(itemID, reason string, cause error) error {
	return &RefusedError{ItemID: itemID, Reason: reason, Err: cause}
}

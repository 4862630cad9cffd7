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
	"context"
	"errors"

	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/field"
)

// REST paths served by a custodian.
const (
	PathItems     = "/v1/items"
	PathRelease   = "/v1/items/{id}/release"
	PathShareInfo = "/v1/items/{id}/share_info"
)

// Error codes carried in ErrorResponse.Error.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeConflictingShare = "conflicting_share"
	CodeSealMismatch     = "seal_mismatch"
	CodeNotFound         = "not_found"
	CodeReleaseRefused   = "release_refused"
	CodeRateLimited      = "rate_limited"
	CodePayloadTooLarge  = "payload_too_large"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal_error"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// StoreResponse acknowledges a stored share. Created is false when an
// identical share was already held.
type StoreResponse struct {
	ItemID  string `json:"item_id"`
	ShareX  int    `json:"share_x"`
	Stored  bool   `json:"stored"`
	Created bool   `json:"created"`
}

// ReleaseBody is the body of a release request; the item id comes from
// the path.
type ReleaseBody struct {
	Requester string `json:"requester"`
	Grant     string `json:"grant,omitempty"`
}

// ErrorCode classifies err for the error envelope.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConflictingShare):
		return CodeConflictingShare
	case errors.Is(err, ErrSealMismatch):
		return CodeSealMismatch
	case errors.Is(err, escrow.ErrReleaseRefused):
		return CodeReleaseRefused
	case errors.Is(err, escrow.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, escrow.ErrInvalidRequest),
		errors.Is(err, field.ErrInvalidFieldElement):
		return CodeInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ErrorForCode returns the sentinel a client should wrap for code, or
// nil when the code has none.
func ErrorForCode(code string) error {
	switch code {
	case CodeConflictingShare:
		return ErrConflictingShare
	case CodeSealMismatch:
		return ErrSealMismatch
	case CodeReleaseRefused:
		return escrow.ErrReleaseRefused
	case CodeNotFound:
		return escrow.ErrNotFound
	case CodeInvalidRequest:
		return escrow.ErrInvalidRequest
	default:
		return nil
	}
}

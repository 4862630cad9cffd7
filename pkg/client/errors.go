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
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
)

// APIError is a non-2xx answer from a custodian. It unwraps to the
// escrow and custodian sentinels matching its code so callers can use
// errors.Is across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string

	// Reason is set for structured release refusals.
	Reason string
}

func (e *APIError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("custodian returned %d: %s", e.StatusCode, e.Reason)
	case e.Message != "":
		return fmt.Sprintf("custodian returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("custodian returned %d %s", e.StatusCode, e.Code)
	default:
		return fmt.Sprintf("custodian returned status %d", e.StatusCode)
	}
}

func (e *APIError) Unwrap() []error {
	sentinel := custodian.ErrorForCode(e.Code)
	if sentinel == nil {
		switch e.StatusCode {
		case http.StatusForbidden:
			sentinel = escrow.ErrReleaseRefused
		case http.StatusNotFound:
			sentinel = escrow.ErrNotFound
		case http.StatusConflict:
			sentinel = custodian.ErrConflictingShare
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			sentinel = escrow.ErrInvalidRequest
		}
	}
	if sentinel == nil {
		return nil
	}
	if errors.Is(sentinel, custodian.ErrConflictingShare) || errors.Is(sentinel, custodian.ErrSealMismatch) {
		return []error{escrow.ErrShareRejected, sentinel}
	}
	return []error{sentinel}
}

// decodeError reads either the error envelope or a structured refusal.
func decodeError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}

	var refusal escrow.Refusal
	var envelope custodian.ErrorResponse
	var probe map[string]json.RawMessage
	if json.Unmarshal(data, &probe) == nil {
		if _, ok := probe["released"]; ok && json.Unmarshal(data, &refusal) == nil {
			apiErr.Reason = refusal.Reason
			if status == http.StatusNotFound {
				apiErr.Code = custodian.CodeNotFound
			} else {
				apiErr.Code = custodian.CodeReleaseRefused
			}
			return apiErr
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error
			apiErr.Message = envelope.Message
		}
	}
	return apiErr
}

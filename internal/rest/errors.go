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
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/field"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

// Common errors
var (
	ErrPayloadTooLarge = errors.New("request body too large")
	ErrInternalError   = errors.New("internal server error")
)

// writeError writes the JSON error envelope.
func writeError(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := custodian.ErrorResponse{
		Error:   code,
		Message: message,
		Code:    statusCode,
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		log.Printf("Failed to encode error response: %v", encErr)
	}
}

// mapErrorToStatusCode maps errors to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, custodian.ErrConflictingShare):
		return http.StatusConflict
	case errors.Is(err, custodian.ErrSealMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrReleaseRefused):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidRequest),
		errors.Is(err, escrow.ErrShareRejected),
		errors.Is(err, field.ErrInvalidFieldElement),
		errors.Is(err, validation.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error, status int) string {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return custodian.CodePayloadTooLarge
	case http.StatusBadRequest:
		return custodian.CodeInvalidRequest
	case http.StatusServiceUnavailable:
		return custodian.CodeUnavailable
	}
	return custodian.ErrorCode(err)
}

// handleError maps err to a status code and writes the envelope.
// Internal errors are not echoed to the caller.
func handleError(w http.ResponseWriter, err error) {
	status := mapErrorToStatusCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = ErrInternalError.Error()
	}
	writeError(w, errorCode(err, status), message, status)
}

// writeRefusal answers a release that did not happen.
func writeRefusal(w http.ResponseWriter, itemID string, err error) {
	status := http.StatusForbidden
	reason := "release not authorized"
	if errors.Is(err, escrow.ErrNotFound) {
		status = http.StatusNotFound
		reason = "no share held for item"
	}
	var refused *custodian.RefusedError
	if errors.As(err, &refused) && refused.Reason != "" {
		reason = refused.Reason
	}
	writeJSON(w, escrow.Refusal{ItemID: itemID, Released: false, Reason: reason}, status)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// decodeJSON reads one JSON value from the request body.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: empty body", escrow.ErrInvalidRequest)
		case errors.Is(err, field.ErrInvalidFieldElement), errors.Is(err, escrow.ErrInvalidRequest):
			return err
		default:
			return fmt.Errorf("%w: malformed JSON: %v", escrow.ErrInvalidRequest, err)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON body", escrow.ErrInvalidRequest)
	}
	return nil
}

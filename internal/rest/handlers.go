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
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/health"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
)

// HealthChecker is satisfied by *health.Checker.
type HealthChecker interface {
	Live(ctx context.Context) health.CheckResult
	Ready(ctx context.Context) []health.CheckResult
	Startup(ctx context.Context) health.CheckResult
}

// HandlerContext holds what the handlers need.
type HandlerContext struct {
	Service       *custodian.Service
	Version       string
	HealthChecker HealthChecker
	Logger        logging.Logger
}

// NewHandlerContext creates a handler context for svc.
func NewHandlerContext(svc *custodian.Service, version string, logger logging.Logger) *HandlerContext {
	return &HandlerContext{Service: svc, Version: version, Logger: logging.OrDefault(logger)}
}

// SetHealthChecker sets the checker behind the probe endpoints.
func (h *HandlerContext) SetHealthChecker(checker HealthChecker) {
	h.HealthChecker = checker
}

// StoreHandler handles POST /v1/items.
func (h *HandlerContext) StoreHandler(w http.ResponseWriter, r *http.Request) {
	var record escrow.ShareRecord
	if err := decodeJSON(r, &record); err != nil {
		handleError(w, err)
		return
	}

	created, err := h.Service.Accept(r.Context(), &record)
	if err != nil {
		h.Logger.WarnContext(r.Context(), "share not stored",
			logging.ItemID(record.ItemID),
			logging.ShareX(record.ShareX),
			logging.Error(err))
		handleError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.Logger.InfoContext(r.Context(), "share stored",
			logging.ItemID(record.ItemID), logging.ShareX(record.ShareX))
	}
	writeJSON(w, custodian.StoreResponse{
		ItemID:  record.ItemID,
		ShareX:  record.ShareX,
		Stored:  true,
		Created: created,
	}, status)
}

// ReleaseHandler handles POST /v1/items/{id}/release.
func (h *HandlerContext) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	var body custodian.ReleaseBody
	if err := decodeJSON(r, &body); err != nil {
		handleError(w, err)
		return
	}

	share, err := h.Service.ReleaseShare(r.Context(), &escrow.ReleaseRequest{
		ItemID:    itemID,
		Requester: body.Requester,
		Grant:     body.Grant,
	})
	switch {
	case err == nil:
		h.Logger.InfoContext(r.Context(), "share released",
			logging.ItemID(itemID), logging.ShareX(share.ShareX))
		writeJSON(w, share, http.StatusOK)
	case errors.Is(err, escrow.ErrReleaseRefused), errors.Is(err, escrow.ErrNotFound):
		writeRefusal(w, itemID, err)
	default:
		handleError(w, err)
	}
}

// ShareInfoHandler handles GET /v1/items/{id}/share_info.
func (h *HandlerContext) ShareInfoHandler(w http.ResponseWriter, r *http.Request) {
	info, err := h.Service.ShareInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, info, http.StatusOK)
}

// notFoundHandler answers unknown routes with the error envelope.
func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, custodian.CodeNotFound, "no route for "+r.Method+" "+r.URL.Path, http.StatusNotFound)
}

func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, custodian.CodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
}

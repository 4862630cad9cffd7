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
	"net/http"

	"github.com/jeremyhahn/go-keyescrow/pkg/correlation"
)

// CorrelationMiddleware takes the correlation id from X-Correlation-ID
// or X-Request-ID, generating one when neither holds a valid id. The id
// is stored in the request context and echoed in both response headers.
func (s *Server) CorrelationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := correlation.FromRequest(r)
			if correlationID == "" {
				correlationID = correlation.NewID()
			}

			r = r.WithContext(correlation.WithCorrelationID(r.Context(), correlationID))
			w.Header().Set(correlation.CorrelationIDHeader, correlationID)
			w.Header().Set(correlation.RequestIDHeader, correlationID)

			next.ServeHTTP(w, r)
		})
	}
}

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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-keyescrow/pkg/correlation"
)

func TestCorrelationMiddleware(t *testing.T) {
	s := &Server{}

	serve := func(headers map[string]string) (string, *httptest.ResponseRecorder) {
		var seen string
		h := s.CorrelationMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = correlation.GetCorrelationID(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return seen, w
	}

	t.Run("uses X-Correlation-ID", func(t *testing.T) {
		seen, w := serve(map[string]string{correlation.CorrelationIDHeader: "corr-1"})
		assert.Equal(t, "corr-1", seen)
		assert.Equal(t, "corr-1", w.Header().Get(correlation.CorrelationIDHeader))
		assert.Equal(t, "corr-1", w.Header().Get(correlation.RequestIDHeader))
	})

	t.Run("falls back to X-Request-ID", func(t *testing.T) {
		seen, _ := serve(map[string]string{correlation.RequestIDHeader: "req-1"})
		assert.Equal(t, "req-1", seen)
	})

	t.Run("prefers X-Correlation-ID", func(t *testing.T) {
		seen, _ := serve(map[string]string{
			correlation.CorrelationIDHeader: "corr-2",
			correlation.RequestIDHeader:     "req-2",
		})
		assert.Equal(t, "corr-2", seen)
	})

	t.Run("generates when missing", func(t *testing.T) {
		seen, w := serve(nil)
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(correlation.CorrelationIDHeader))
	})

	t.Run("replaces injected ids", func(t *testing.T) {
		seen, _ := serve(map[string]string{correlation.CorrelationIDHeader: "bad\nid"})
		assert.NotContains(t, seen, "\n")
		assert.NotEqual(t, "bad\nid", seen)

		seen, _ = serve(map[string]string{correlation.CorrelationIDHeader: strings.Repeat("a", 1000)})
		assert.Less(t, len(seen), 1000)
	})
}

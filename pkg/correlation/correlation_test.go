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

package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithCorrelationID(t *testing.T) {
	tests := []struct {
		name          string
		ctx           context.Context
		correlationID string
		want          string
	}{
		{"add to context", context.Background(), "test-correlation-id", "test-correlation-id"},
		{"add to nil context", nil, "test-correlation-id-2", "test-correlation-id-2"},
		{"empty id", context.Background(), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithCorrelationID(tt.ctx, tt.correlationID)
			require.NotNil(t, ctx)
			assert.Equal(t, tt.want, GetCorrelationID(ctx))
		})
	}

	assert.Equal(t, "", GetCorrelationID(nil))
}

func TestNewID(t *testing.T) {
	id := NewID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewID())
	assert.True(t, Valid(id))
}

func TestGetOrGenerate(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "existing")
	assert.Equal(t, "existing", GetOrGenerate(ctx))

	generated := GetOrGenerate(context.Background())
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"correlation header", map[string]string{CorrelationIDHeader: "abc-123"}, "abc-123"},
		{"request id fallback", map[string]string{RequestIDHeader: "req.1"}, "req.1"},
		{"correlation preferred", map[string]string{CorrelationIDHeader: "a", RequestIDHeader: "b"}, "a"},
		{"invalid characters", map[string]string{CorrelationIDHeader: "bad\nid"}, ""},
		{"invalid falls back", map[string]string{CorrelationIDHeader: "bad id", RequestIDHeader: "ok"}, "ok"},
		{"too long", map[string]string{CorrelationIDHeader: strings.Repeat("a", MaxIDLength+1)}, ""},
		{"none", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, FromRequest(r))
		})
	}
}

func TestInject(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	Inject(context.Background(), r)
	assert.Empty(t, r.Header.Get(CorrelationIDHeader))

	Inject(WithCorrelationID(context.Background(), "trace-7"), r)
	assert.Equal(t, "trace-7", r.Header.Get(CorrelationIDHeader))
}

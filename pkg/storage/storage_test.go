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
package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 0600, int(opts.Permissions))
	assert.NotNil(t, opts.Metadata)

	// Metadata is not shared between instances.
	opts.Metadata["k"] = "v"
	assert.Empty(t, DefaultOptions().Metadata)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple", "item-1", false},
		{"nested", "shares/item-1/3", false},
		{"dots in name", "releases/a.b/0xabc", false},
		{"empty", "", true},
		{"null byte", "shares/a\x00b", true},
		{"absolute", "/etc/passwd", true},
		{"backslash", "shares\\x", true},
		{"traversal at start", "../secret", true},
		{"traversal in middle", "shares/../../etc", true},
		{"traversal at end", "shares/..", true},
		{"trailing slash", "shares/", true},
		{"double slash", "shares//x", true},
		{"too long", strings.Repeat("a", MaxKeyLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "shares/item/3", Join("shares", "item", "3"))
	assert.NoError(t, ValidateKey(Join("releases", "item", "0xabc")))
}

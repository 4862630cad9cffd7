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
	"fmt"
	"path"
	"strings"
)

// MaxKeyLength bounds keys accepted by every backend.
const MaxKeyLength = 1024

// ValidateKey accepts slash-separated relative keys such as
// "shares/item-1/3" and rejects empty keys, null bytes, absolute paths
// and any ".." segment.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: key contains null byte", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: key cannot be an absolute path", ErrInvalidKey)
	}
	if strings.ContainsRune(key, '\\') {
		return fmt.Errorf("%w: key contains backslash", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: key contains path traversal attempt", ErrInvalidKey)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: key is not in canonical form", ErrInvalidKey)
	}
	return nil
}

// Join builds a key from segments, e.g. Join("shares", id, "3").
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

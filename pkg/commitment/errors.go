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

package commitment

import "errors"

var (
	ErrInvalidItem      = errors.New("commitment: invalid item")
	ErrInvalidDecoys    = errors.New("commitment: invalid decoys")
	ErrInvalidLines     = errors.New("commitment: invalid line count")
	ErrHashMismatch     = errors.New("commitment: hash does not match iv and ciphertext")
	ErrMalformedPayload = errors.New("commitment: malformed payload")
	ErrPayloadMismatch  = errors.New("commitment: payload does not match public lines")
)

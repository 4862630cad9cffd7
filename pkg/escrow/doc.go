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

// Package escrow drives the threshold key-escrow protocol for one item at
// a time.
//
// An Owner commits an item: it generates an AES-256 key in the BN254
// scalar field, seals the item among decoys, publishes the commitment to
// a Ledger as tentative, splits the key K-of-N and sends one share to
// each Custodian. The commitment is confirmed once K custodians accepted
// and orphaned otherwise.
//
// A Buyer later asks every custodian to release its share, reconstructs
// the key from at least K releases and decrypts the payload.
//
// Lifecycle of a Session:
//
//	Created -> Splitting -> Distributing -> Distributed -> AwaitingRelease
//	        -> Reconstructing -> Revealed
//
// Any non-terminal state may move to Failed.
//
// Both phases fan out to all custodians at once and settle every call
// before counting: success is a threshold, not unanimity. Each call has
// its own timeout and a small retry budget; the phase has an overall
// timeout. Failures distinguish "not enough custodians answered"
// (IsRetryable) from cryptographically inconsistent answers.
package escrow

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
// Package custodian implements the share holder side of the escrow
// protocol: a Store that persists shares and release records through a
// storage.Backend, Authorizers that decide whether a release may happen,
// and a Service that ties them together and satisfies escrow.Custodian.
//
// Storage layout:
//
//	shares/<item_id>/<share_x>        one JSON record per held share
//	releases/<item_id>/<requester>    first release of an item to a requester
//
// Whether a requester is entitled to a release is decided outside this
// package; a GrantAuthorizer only checks a signed statement of that
// decision.
package custodian

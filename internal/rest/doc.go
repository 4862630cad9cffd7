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
// Package rest serves a custodian's share store over HTTP.
//
// # API Endpoints
//
// Shares:
//   - POST /v1/items - Store a share (201 when new, 200 when identical)
//   - POST /v1/items/{id}/release - Release the held share to a requester
//   - GET /v1/items/{id}/share_info - Describe the held share without its value
//
// Health and metrics:
//   - GET /health - Overall status
//   - GET /health/live, /health/ready, /health/startup - Kubernetes probes
//   - GET /metrics - Prometheus exposition
//
// A release returns the share or a structured refusal:
//
//	{"item_id": "...", "released": true, "share_x": 3, "share_y": "0x...", "encrypted_key_share": "..."}
//	{"item_id": "...", "released": false, "reason": "release not authorized"}
//
// Refusals use 403, unknown items 404. Every other failure uses the
// envelope {"error": code, "message": text, "code": status}.
package rest

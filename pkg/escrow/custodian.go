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

package escrow

import (
	"context"
	"crypto/ecdh"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/jeremyhahn/go-keyescrow/pkg/field"
	"github.com/jeremyhahn/go-keyescrow/pkg/threshold/shamir"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

// Custodian is one independent share holder. Implementations must be
// safe for concurrent use.
type Custodian interface {
	// ID names the custodian in logs, metrics and results.
	ID() string

	// PublicKey is the custodian's X25519 key used to seal its share.
	PublicKey() *ecdh.PublicKey

	// StoreShare hands one share to the custodian. Storing an identical
	// record twice must succeed. The record is wiped once distribution
	// ends, so implementations must copy what they keep.
	StoreShare(ctx context.Context, record *ShareRecord) error

	// ReleaseShare asks the custodian to release its share. A refusal
	// returns an error wrapping ErrReleaseRefused.
	ReleaseShare(ctx context.Context, req *ReleaseRequest) (*ReleasedShare, error)
}

// ShareRecord is the record distributed once per custodian.
type ShareRecord struct {
	ItemID            string
	OwnerAddress      string
	ShareX            int
	ShareY            *big.Int
	EncryptedKeyShare []byte
}

type shareRecordJSON struct {
	ItemID            string `json:"item_id"`
	OwnerAddress      string `json:"owner_address"`
	ShareX            int    `json:"share_x"`
	ShareY            string `json:"share_y"`
	EncryptedKeyShare string `json:"encrypted_key_share"`
}

// MarshalJSON encodes share_y as 0x-prefixed hex and encrypted_key_share
// as plain hex.
func (r *ShareRecord) MarshalJSON() ([]byte, error) {
	if r.ShareY == nil {
		return nil, fmt.Errorf("%w: share_y is missing", ErrInvalidRequest)
	}
	return json.Marshal(shareRecordJSON{
		ItemID:            r.ItemID,
		OwnerAddress:      r.OwnerAddress,
		ShareX:            r.ShareX,
		ShareY:            field.Hex(r.ShareY),
		EncryptedKeyShare: hex.EncodeToString(r.EncryptedKeyShare),
	})
}

// UnmarshalJSON decodes a record. share_y must be a canonical field
// element; nothing is silently reduced.
func (r *ShareRecord) UnmarshalJSON(data []byte) error {
	var raw shareRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	y, err := field.ParseHex(raw.ShareY)
	if err != nil {
		return fmt.Errorf("share_y: %w", err)
	}
	enc, err := hex.DecodeString(raw.EncryptedKeyShare)
	if err != nil {
		return fmt.Errorf("%w: encrypted_key_share is not hex", ErrInvalidRequest)
	}
	*r = ShareRecord{
		ItemID:            raw.ItemID,
		OwnerAddress:      raw.OwnerAddress,
		ShareX:            raw.ShareX,
		ShareY:            y,
		EncryptedKeyShare: enc,
	}
	return nil
}

// Validate applies the custodian acceptance rules for a scheme of total shares.
func (r *ShareRecord) Validate(total int) error {
	if err := validation.ValidateItemID(r.ItemID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateAddress(r.OwnerAddress); err != nil {
		return fmt.Errorf("%w: owner_address: %v", ErrInvalidRequest, err)
	}
	if r.ShareX < 1 || r.ShareX > total {
		return fmt.Errorf("%w: share_x %d outside [1, %d]", ErrInvalidRequest, r.ShareX, total)
	}
	if err := field.Validate(r.ShareY); err != nil {
		return fmt.Errorf("share_y: %w", err)
	}
	if len(r.EncryptedKeyShare) == 0 {
		return fmt.Errorf("%w: encrypted_key_share is empty", ErrInvalidRequest)
	}
	return nil
}

// Equal reports whether two records carry the same share for the same item.
func (r *ShareRecord) Equal(other *ShareRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.ShareY == nil || other.ShareY == nil {
		return false
	}
	return r.ItemID == other.ItemID &&
		r.OwnerAddress == other.OwnerAddress &&
		r.ShareX == other.ShareX &&
		r.ShareY.Cmp(other.ShareY) == 0 &&
		string(r.EncryptedKeyShare) == string(other.EncryptedKeyShare)
}

// String omits the share value.
func (r *ShareRecord) String() string {
	return fmt.Sprintf("ShareRecord{ItemID: %s, X: %d}", r.ItemID, r.ShareX)
}

// SealAAD is the associated data binding a sealed share to its item and index.
func SealAAD(itemID string, x int) []byte {
	return []byte(itemID + "/" + strconv.Itoa(x))
}

// ReleaseRequest asks a custodian to release its share of ItemID to
// Requester. Grant carries the external policy decision, if any.
type ReleaseRequest struct {
	ItemID    string `json:"item_id"`
	Requester string `json:"requester"`
	Grant     string `json:"grant,omitempty"`
}

// Validate checks the identifiers.
func (r *ReleaseRequest) Validate() error {
	if err := validation.ValidateItemID(r.ItemID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateAddress(r.Requester); err != nil {
		return fmt.Errorf("%w: requester: %v", ErrInvalidRequest, err)
	}
	return nil
}

// ReleasedShare is a custodian's answer to a successful release.
type ReleasedShare struct {
	ItemID            string
	ShareX            int
	ShareY            *big.Int
	EncryptedKeyShare []byte
}

type releasedShareJSON struct {
	ItemID            string `json:"item_id"`
	Released          bool   `json:"released"`
	ShareX            int    `json:"share_x"`
	ShareY            string `json:"share_y"`
	EncryptedKeyShare string `json:"encrypted_key_share"`
}

func (s *ReleasedShare) MarshalJSON() ([]byte, error) {
	if s.ShareY == nil {
		return nil, fmt.Errorf("%w: share_y is missing", ErrInvalidRequest)
	}
	return json.Marshal(releasedShareJSON{
		ItemID:            s.ItemID,
		Released:          true,
		ShareX:            s.ShareX,
		ShareY:            field.Hex(s.ShareY),
		EncryptedKeyShare: hex.EncodeToString(s.EncryptedKeyShare),
	})
}

func (s *ReleasedShare) UnmarshalJSON(data []byte) error {
	var raw releasedShareJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Released {
		return ErrReleaseRefused
	}
	y, err := field.ParseHex(raw.ShareY)
	if err != nil {
		return fmt.Errorf("share_y: %w", err)
	}
	enc, err := hex.DecodeString(raw.EncryptedKeyShare)
	if err != nil {
		return fmt.Errorf("%w: encrypted_key_share is not hex", ErrInvalidRequest)
	}
	*s = ReleasedShare{ItemID: raw.ItemID, ShareX: raw.ShareX, ShareY: y, EncryptedKeyShare: enc}
	return nil
}

// Share converts the release into a shamir share for a (threshold, total) scheme.
func (s *ReleasedShare) Share(threshold, total int) *shamir.Share {
	return &shamir.Share{
		X:         s.ShareX,
		Y:         new(big.Int).Set(s.ShareY),
		Threshold: threshold,
		Total:     total,
	}
}

// Refusal is the structured answer of a custodian that declines a release.
type Refusal struct {
	ItemID   string `json:"item_id"`
	Released bool   `json:"released"`
	Reason   string `json:"reason"`
}

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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
)

const ledgerPrefix = "ledger/"

// StorageLedger persists ledger entries as JSON in a storage.Backend so
// that separate owner and buyer processes can share one local ledger.
// Writes are serialized within the process only.
type StorageLedger struct {
	backend storage.Backend
	mu      sync.Mutex
	now     func() time.Time
}

// NewStorageLedger returns a ledger over backend.
func NewStorageLedger(backend storage.Backend) (*StorageLedger, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: storage backend is required", ErrInvalidConfig)
	}
	return &StorageLedger{backend: backend, now: time.Now}, nil
}

type storedEntry struct {
	ItemID       string             `json:"item_id"`
	OwnerAddress string             `json:"owner_address"`
	Record       *commitment.Record `json:"record"`
	Status       string             `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	PublishedAt  time.Time          `json:"published_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func parseLedgerStatus(s string) (LedgerStatus, error) {
	for _, st := range []LedgerStatus{LedgerTentative, LedgerConfirmed, LedgerOrphaned} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: ledger status %q", storage.ErrInvalidData, s)
}

// PublishTentative stores a new tentative entry. Re-publishing an id fails.
func (l *StorageLedger) PublishTentative(ctx context.Context, itemID, ownerAddress string, record *commitment.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRequest)
	}
	if err := record.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitmentMismatch, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.backend.Exists(ledgerPrefix + itemID)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrLedgerConflict, itemID)
	}
	now := l.now().UTC()
	return l.write(&storedEntry{
		ItemID:       itemID,
		OwnerAddress: ownerAddress,
		Record:       record,
		Status:       LedgerTentative.String(),
		PublishedAt:  now,
		UpdatedAt:    now,
	})
}

// Confirm moves a tentative entry to confirmed. Confirming twice is a no-op.
func (l *StorageLedger) Confirm(ctx context.Context, itemID string) error {
	return l.update(ctx, itemID, LedgerConfirmed, "")
}

// Orphan moves a tentative entry to orphaned.
func (l *StorageLedger) Orphan(ctx context.Context, itemID, reason string) error {
	return l.update(ctx, itemID, LedgerOrphaned, reason)
}

func (l *StorageLedger) update(ctx context.Context, itemID string, to LedgerStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, status, err := l.read(itemID)
	if err != nil {
		return err
	}
	if status == to {
		return nil
	}
	if status != LedgerTentative {
		return fmt.Errorf("%w: ledger entry %s is %s", ErrInvalidTransition, itemID, status)
	}
	entry.Status = to.String()
	entry.Reason = reason
	entry.UpdatedAt = l.now().UTC()
	return l.write(entry)
}

// Lookup returns the entry for itemID.
func (l *StorageLedger) Lookup(ctx context.Context, itemID string) (*LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, status, err := l.read(itemID)
	if err != nil {
		return nil, err
	}
	return &LedgerEntry{
		ItemID:       entry.ItemID,
		OwnerAddress: entry.OwnerAddress,
		Record:       entry.Record,
		Status:       status,
		Reason:       entry.Reason,
		PublishedAt:  entry.PublishedAt,
		UpdatedAt:    entry.UpdatedAt,
	}, nil
}

func (l *StorageLedger) read(itemID string) (*storedEntry, LedgerStatus, error) {
	data, err := l.backend.Get(ledgerPrefix + itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read ledger: %w", err)
	}
	var entry storedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, 0, fmt.Errorf("%w: ledger entry %s: %v", storage.ErrInvalidData, itemID, err)
	}
	if entry.Record == nil {
		return nil, 0, fmt.Errorf("%w: ledger entry %s has no record", storage.ErrInvalidData, itemID)
	}
	status, err := parseLedgerStatus(entry.Status)
	if err != nil {
		return nil, 0, err
	}
	return &entry, status, nil
}

func (l *StorageLedger) write(entry *storedEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.backend.Put(ledgerPrefix+entry.ItemID, data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

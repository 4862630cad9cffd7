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
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
)

// LedgerStatus is the two-phase publication status of a commitment.
type LedgerStatus int

const (
	// LedgerTentative means published, distribution not yet confirmed.
	LedgerTentative LedgerStatus = iota
	// LedgerConfirmed means at least K custodians hold a share.
	LedgerConfirmed
	// LedgerOrphaned means distribution failed; the item can never be revealed.
	LedgerOrphaned
)

func (s LedgerStatus) String() string {
	switch s {
	case LedgerTentative:
		return "tentative"
	case LedgerConfirmed:
		return "confirmed"
	case LedgerOrphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LedgerEntry is what the ledger holds for one item.
type LedgerEntry struct {
	ItemID       string
	OwnerAddress string
	Record       *commitment.Record
	Status       LedgerStatus
	Reason       string
	PublishedAt  time.Time
	UpdatedAt    time.Time
}

// Ledger is the external, append-only commitment store. Publication is
// tentative until Confirm; a failed distribution calls Orphan instead.
type Ledger interface {
	PublishTentative(ctx context.Context, itemID, ownerAddress string, record *commitment.Record) error
	Confirm(ctx context.Context, itemID string) error
	Orphan(ctx context.Context, itemID, reason string) error
	Lookup(ctx context.Context, itemID string) (*LedgerEntry, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]*LedgerEntry
	now     func() time.Time
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*LedgerEntry),
		now:     time.Now,
	}
}

// PublishTentative stores a new tentative entry. Re-publishing an id fails.
func (l *MemoryLedger) PublishTentative(_ context.Context, itemID, ownerAddress string, record *commitment.Record) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRequest)
	}
	if err := record.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitmentMismatch, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[itemID]; exists {
		return fmt.Errorf("%w: %s", ErrLedgerConflict, itemID)
	}
	now := l.now()
	l.entries[itemID] = &LedgerEntry{
		ItemID:       itemID,
		OwnerAddress: ownerAddress,
		Record:       copyRecord(record),
		Status:       LedgerTentative,
		PublishedAt:  now,
		UpdatedAt:    now,
	}
	return nil
}

// Confirm moves a tentative entry to confirmed. Confirming twice is a no-op.
func (l *MemoryLedger) Confirm(_ context.Context, itemID string) error {
	return l.update(itemID, LedgerConfirmed, "")
}

// Orphan moves a tentative entry to orphaned.
func (l *MemoryLedger) Orphan(_ context.Context, itemID, reason string) error {
	return l.update(itemID, LedgerOrphaned, reason)
}

func (l *MemoryLedger) update(itemID string, to LedgerStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if entry.Status == to {
		return nil
	}
	if entry.Status != LedgerTentative {
		return fmt.Errorf("%w: ledger entry %s is %s", ErrInvalidTransition, itemID, entry.Status)
	}
	entry.Status = to
	entry.Reason = reason
	entry.UpdatedAt = l.now()
	return nil
}

// Lookup returns a copy of the entry for itemID.
func (l *MemoryLedger) Lookup(_ context.Context, itemID string) (*LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	out := *entry
	out.Record = copyRecord(entry.Record)
	return &out, nil
}

func copyRecord(r *commitment.Record) *commitment.Record {
	lines := make([]string, len(r.Lines))
	copy(lines, r.Lines)
	return &commitment.Record{
		Hash:       r.Hash,
		Ciphertext: append([]byte(nil), r.Ciphertext...),
		IV:         append([]byte(nil), r.IV...),
		Lines:      lines,
	}
}

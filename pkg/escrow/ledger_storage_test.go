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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage/memory"
)

func TestStorageLedger(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	l, err := NewStorageLedger(backend)
	require.NoError(t, err)

	rec := &commitment.Record{IV: []byte{1}, Ciphertext: []byte{2}, Lines: []string{"a", "b"}}
	rec.Hash = commitment.CommitHash(rec.IV, rec.Ciphertext)

	require.NoError(t, l.PublishTentative(ctx, "item", testOwner, rec))
	assert.ErrorIs(t, l.PublishTentative(ctx, "item", testOwner, rec), ErrLedgerConflict)

	entry, err := l.Lookup(ctx, "item")
	require.NoError(t, err)
	assert.Equal(t, LedgerTentative, entry.Status)
	assert.Equal(t, rec.Hash, entry.Record.Hash)
	assert.NoError(t, entry.Record.Verify())

	require.NoError(t, l.Confirm(ctx, "item"))
	require.NoError(t, l.Confirm(ctx, "item"))
	assert.ErrorIs(t, l.Orphan(ctx, "item", "late"), ErrInvalidTransition)

	// A second ledger over the same backend sees the same state.
	other, err := NewStorageLedger(backend)
	require.NoError(t, err)
	entry, err = other.Lookup(ctx, "item")
	require.NoError(t, err)
	assert.Equal(t, LedgerConfirmed, entry.Status)

	assert.ErrorIs(t, l.Confirm(ctx, "missing"), ErrNotFound)
	_, err = l.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	bad := *rec
	bad.Ciphertext = []byte{3}
	assert.ErrorIs(t, l.PublishTentative(ctx, "bad", testOwner, &bad), ErrCommitmentMismatch)
}

func TestStorageLedger_Orphan(t *testing.T) {
	ctx := context.Background()
	l, err := NewStorageLedger(memory.New())
	require.NoError(t, err)

	rec := &commitment.Record{IV: []byte{9}, Ciphertext: []byte{8}, Lines: []string{"x"}}
	rec.Hash = commitment.CommitHash(rec.IV, rec.Ciphertext)
	require.NoError(t, l.PublishTentative(ctx, "item", testOwner, rec))
	require.NoError(t, l.Orphan(ctx, "item", "2 of 7"))

	entry, err := l.Lookup(ctx, "item")
	require.NoError(t, err)
	assert.Equal(t, LedgerOrphaned, entry.Status)
	assert.Equal(t, "2 of 7", entry.Reason)
}

func TestStorageLedger_CorruptEntry(t *testing.T) {
	backend := memory.New()
	require.NoError(t, backend.Put(ledgerPrefix+"item", []byte("{"), nil))
	require.NoError(t, backend.Put(ledgerPrefix+"status", []byte(`{"item_id":"status","record":{},"status":"lost"}`), nil))

	l, err := NewStorageLedger(backend)
	require.NoError(t, err)
	_, err = l.Lookup(context.Background(), "item")
	assert.ErrorIs(t, err, storage.ErrInvalidData)
	_, err = l.Lookup(context.Background(), "status")
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	_, err = NewStorageLedger(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

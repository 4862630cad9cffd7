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
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
)

const (
	testOwner     = "0x1111111111111111111111111111111111111111"
	testRequester = "0x2222222222222222222222222222222222222222"
	testItem      = "Lakers -3.5 (-110)"
)

var errTransient = errors.New("connection reset")

func testDecoys() commitment.DecoyList {
	return commitment.DecoyList{
		"Celtics -1.5 (-105)",
		"Nuggets +2.5 (-110)",
		"Heat ML (+140)",
		"Knicks -6.5 (-110)",
		"Suns +4.0 (-115)",
		"Bucks -2.0 (-110)",
		"Warriors ML (-120)",
		"Mavericks +1.5 (-108)",
		"Clippers -3.0 (-112)",
	}
}

func fastPolicy() Policy {
	return Policy{
		CallTimeout:      200 * time.Millisecond,
		PhaseTimeout:     2 * time.Second,
		MaxRetries:       2,
		RetryInterval:    time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
		ExtraShares:      1,
	}
}

// fakeCustodian is an in-memory custodian with injectable faults.
type fakeCustodian struct {
	id string
	kp *x25519.KeyPair

	mu      sync.Mutex
	records map[string]*ShareRecord

	// storeFailures transient failures precede a successful store.
	storeFailures atomic.Int32
	storeErr      error
	storeDelay    time.Duration
	storeStarted  chan struct{}
	startOnce     sync.Once

	releaseFailures atomic.Int32
	releaseErr      error
	releaseDelay    time.Duration
	tamper          func(*ReleasedShare)

	storeCalls   atomic.Int32
	releaseCalls atomic.Int32
}

func newFakeCustodian(t *testing.T, id string) *fakeCustodian {
	t.Helper()
	kp, err := x25519.GenerateKey()
	require.NoError(t, err)
	return &fakeCustodian{id: id, kp: kp, records: make(map[string]*ShareRecord)}
}

func (f *fakeCustodian) ID() string                 { return f.id }
func (f *fakeCustodian) PublicKey() *ecdh.PublicKey { return f.kp.PublicKey }

func (f *fakeCustodian) StoreShare(ctx context.Context, record *ShareRecord) error {
	f.storeCalls.Add(1)
	if f.storeStarted != nil {
		f.startOnce.Do(func() { close(f.storeStarted) })
	}
	if err := sleep(ctx, f.storeDelay); err != nil {
		return err
	}
	if f.storeFailures.Load() > 0 {
		f.storeFailures.Add(-1)
		return errTransient
	}
	if f.storeErr != nil {
		return f.storeErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.records[record.ItemID]; ok {
		if existing.Equal(record) {
			return nil
		}
		return fmt.Errorf("%w: conflicting share", ErrShareRejected)
	}
	f.records[record.ItemID] = copyShareRecord(record)
	return nil
}

func (f *fakeCustodian) ReleaseShare(ctx context.Context, req *ReleaseRequest) (*ReleasedShare, error) {
	f.releaseCalls.Add(1)
	if err := sleep(ctx, f.releaseDelay); err != nil {
		return nil, err
	}
	if f.releaseFailures.Load() > 0 {
		f.releaseFailures.Add(-1)
		return nil, errTransient
	}
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}

	f.mu.Lock()
	rec, ok := f.records[req.ItemID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.ItemID)
	}
	rs := &ReleasedShare{
		ItemID:            rec.ItemID,
		ShareX:            rec.ShareX,
		ShareY:            new(big.Int).Set(rec.ShareY),
		EncryptedKeyShare: append([]byte(nil), rec.EncryptedKeyShare...),
	}
	if f.tamper != nil {
		f.tamper(rs)
	}
	return rs, nil
}

func (f *fakeCustodian) record(itemID string) *ShareRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[itemID]
}

func copyShareRecord(r *ShareRecord) *ShareRecord {
	return &ShareRecord{
		ItemID:            r.ItemID,
		OwnerAddress:      r.OwnerAddress,
		ShareX:            r.ShareX,
		ShareY:            new(big.Int).Set(r.ShareY),
		EncryptedKeyShare: append([]byte(nil), r.EncryptedKeyShare...),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type harness struct {
	ledger     *MemoryLedger
	custodians []*fakeCustodian
	owner      *Owner
	buyer      *Buyer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	params := DefaultParams()
	policy := fastPolicy()

	h := &harness{ledger: NewMemoryLedger()}
	all := make([]Custodian, params.Total)
	for i := range all {
		c := newFakeCustodian(t, fmt.Sprintf("custodian-%d", i+1))
		h.custodians = append(h.custodians, c)
		all[i] = c
	}

	owner, err := NewOwner(&OwnerConfig{
		Params:     params,
		Policy:     policy,
		Ledger:     h.ledger,
		Custodians: all,
		Logger:     logging.NewNop(),
	})
	require.NoError(t, err)
	h.owner = owner

	buyer, err := NewBuyer(&BuyerConfig{
		Params:     params,
		Policy:     policy,
		Ledger:     h.ledger,
		Custodians: all,
		Logger:     logging.NewNop(),
	})
	require.NoError(t, err)
	h.buyer = buyer
	return h
}

func (h *harness) commit(t *testing.T) *CommitResult {
	t.Helper()
	res, err := h.owner.Commit(context.Background(), &CommitRequest{
		OwnerAddress: testOwner,
		Item:         testItem,
		Decoys:       testDecoys(),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) reveal(itemID string) (*RevealResult, error) {
	return h.buyer.Reveal(context.Background(), &RevealRequest{ItemID: itemID, Requester: testRequester})
}

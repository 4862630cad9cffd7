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
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
	"github.com/jeremyhahn/go-keyescrow/pkg/field"
	"github.com/jeremyhahn/go-keyescrow/pkg/metrics"
	"github.com/jeremyhahn/go-keyescrow/pkg/threshold/shamir"
)

func TestCommitAndReveal_EndToEnd(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)

	assert.Equal(t, 10, res.Delivered)
	assert.Equal(t, StateAwaitingRelease, res.Session.State())
	assertHistory(t, res.Session, StateSplitting, StateDistributing, StateDistributed, StateAwaitingRelease)

	entry, err := h.ledger.Lookup(context.Background(), res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, LedgerConfirmed, entry.Status)
	assert.Equal(t, res.Record.Hash, entry.Record.Hash)

	for i, c := range h.custodians {
		rec := c.record(res.ItemID)
		require.NotNil(t, rec, "custodian %s has no share", c.ID())
		assert.Equal(t, i+1, rec.ShareX)
		assert.Equal(t, testOwner, rec.OwnerAddress)
		require.NoError(t, rec.Validate(DefaultTotal))

		opened, err := x25519.Open(c.kp.PrivateKey, rec.EncryptedKeyShare, SealAAD(res.ItemID, rec.ShareX))
		require.NoError(t, err)
		assert.Equal(t, field.Bytes(rec.ShareY), opened)
	}

	out, err := h.reveal(res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, testItem, out.Item)
	assert.Equal(t, res.RealIndex, out.RealIndex)
	assert.Equal(t, testItem, out.Lines[out.RealIndex])
	assert.GreaterOrEqual(t, out.Released, DefaultThreshold)
	assert.Equal(t, StateRevealed, out.Session.State())
	assertHistory(t, out.Session, StateReconstructing, StateRevealed)
}

func TestReveal_ThreeCustodiansSilent(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)

	// One refuses, two never answer in time.
	h.custodians[0].releaseErr = fmt.Errorf("%w: policy", ErrReleaseRefused)
	h.custodians[4].releaseDelay = time.Second
	h.custodians[9].releaseDelay = time.Second

	out, err := h.reveal(res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Released)
	assert.Equal(t, testItem, out.Item)

	byID := resultsByCustodian(out.Results)
	assert.ErrorIs(t, byID["custodian-1"].Err, ErrReleaseRefused)
	assert.ErrorIs(t, byID["custodian-5"].Err, context.DeadlineExceeded)
	assert.ErrorIs(t, byID["custodian-10"].Err, context.DeadlineExceeded)
}

func TestReveal_SixRespondingFailsBeforeReconstruction(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)
	for _, i := range []int{1, 3, 5, 7} {
		h.custodians[i].releaseErr = ErrReleaseRefused
	}

	combineOK := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(metrics.OpCombine, metrics.StatusSuccess))
	combineErr := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(metrics.OpCombine, metrics.StatusError))

	out, err := h.reveal(res.ItemID)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrThresholdNotMet)
	assert.True(t, IsRetryable(err))

	var terr *ThresholdError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 6, terr.Got)
	assert.Equal(t, 7, terr.Needed)
	assert.Len(t, terr.Failures, 4)

	// No reconstruction was attempted.
	assert.Equal(t, combineOK, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(metrics.OpCombine, metrics.StatusSuccess)))
	assert.Equal(t, combineErr, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(metrics.OpCombine, metrics.StatusError)))

	// Refusals are never retried.
	assert.Equal(t, int32(1), h.custodians[1].releaseCalls.Load())
}

func TestReveal_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)
	for _, i := range []int{0, 1, 2} {
		h.custodians[i].releaseErr = ErrReleaseRefused
	}
	h.custodians[5].releaseFailures.Store(2)

	out, err := h.reveal(res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Released)
	assert.Equal(t, int32(3), h.custodians[5].releaseCalls.Load())
	assert.Equal(t, 3, resultsByCustodian(out.Results)["custodian-6"].Attempts)
}

func TestReveal_RetryBudgetIsBounded(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)
	h.custodians[2].releaseFailures.Store(100)

	for _, i := range []int{0, 1, 3} {
		h.custodians[i].releaseErr = ErrReleaseRefused
	}

	_, err := h.reveal(res.ItemID)
	require.ErrorIs(t, err, ErrThresholdNotMet)
	assert.Equal(t, int32(fastPolicy().MaxRetries+1), h.custodians[2].releaseCalls.Load())
}

func TestReveal_StopsAtThresholdPlusExtra(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)
	h.custodians[8].releaseDelay = time.Second
	h.custodians[9].releaseDelay = time.Second

	start := time.Now()
	out, err := h.reveal(res.ItemID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, DefaultThreshold+fastPolicy().ExtraShares, out.Released)
}

func TestReveal_InconsistentShareDetected(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)
	h.custodians[0].releaseErr = ErrReleaseRefused
	h.custodians[1].releaseErr = ErrReleaseRefused
	h.custodians[6].tamper = func(rs *ReleasedShare) {
		rs.ShareY = field.Add(rs.ShareY, big.NewInt(1))
	}

	out, err := h.reveal(res.ItemID)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrReconstructionInconsistency)
	assert.False(t, IsRetryable(err))

	var ierr *shamir.InconsistencyError
	require.True(t, errors.As(err, &ierr))
	assert.NotEmpty(t, ierr.OffCurve)
}

func TestReveal_CorruptShareAtThresholdFailsAuthentication(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)
	for _, i := range []int{0, 1, 2} {
		h.custodians[i].releaseErr = ErrReleaseRefused
	}
	h.custodians[6].tamper = func(rs *ReleasedShare) {
		rs.ShareY = field.Add(rs.ShareY, big.NewInt(1))
	}

	_, err := h.reveal(res.ItemID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
	assert.False(t, IsRetryable(err))
	// No silent retry of the release phase.
	assert.Equal(t, int32(1), h.custodians[6].releaseCalls.Load())
}

func TestReveal_WrongIndexIsNotCounted(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)
	for _, i := range []int{0, 1, 2} {
		h.custodians[i].releaseErr = ErrReleaseRefused
	}
	h.custodians[3].tamper = func(rs *ReleasedShare) { rs.ShareX = 9 }

	_, err := h.reveal(res.ItemID)
	var terr *ThresholdError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 6, terr.Got)
	assert.ErrorIs(t, resultsByCustodian(terr.Failures)["custodian-4"].Err, ErrInvalidShare)
}

func TestReveal_LedgerLinesAltered(t *testing.T) {
	h := newHarness(t)
	res := h.commit(t)

	tampered := &alteringLedger{MemoryLedger: h.ledger}
	buyer, err := NewBuyer(&BuyerConfig{
		Params:     DefaultParams(),
		Policy:     fastPolicy(),
		Ledger:     tampered,
		Custodians: custodianSlice(h.custodians),
	})
	require.NoError(t, err)

	_, err = buyer.Reveal(context.Background(), &RevealRequest{ItemID: res.ItemID, Requester: testRequester})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitmentMismatch)
	assert.False(t, IsRetryable(err))
}

func TestReveal_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.reveal("missing-item")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.buyer.Reveal(context.Background(), &RevealRequest{ItemID: "bad/id", Requester: testRequester})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.buyer.Reveal(context.Background(), &RevealRequest{ItemID: "item", Requester: "nobody"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.buyer.Reveal(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	res := h.commit(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.buyer.Reveal(ctx, &RevealRequest{ItemID: res.ItemID, Requester: testRequester})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestCommit_ToleratesThreeFailedSends(t *testing.T) {
	h := newHarness(t)
	for _, i := range []int{2, 5, 8} {
		h.custodians[i].storeErr = fmt.Errorf("%w: disk full", ErrShareRejected)
	}

	res := h.commit(t)
	assert.Equal(t, 7, res.Delivered)
	for _, i := range []int{2, 5, 8} {
		assert.Nil(t, h.custodians[i].record(res.ItemID))
		assert.Equal(t, int32(1), h.custodians[i].storeCalls.Load(), "rejections are not retried")
	}

	out, err := h.reveal(res.ItemID)
	require.NoError(t, err)
	assert.Equal(t, testItem, out.Item)
	assert.ErrorIs(t, resultsByCustodian(out.Results)["custodian-3"].Err, ErrNotFound)
}

func TestCommit_BelowThresholdOrphansCommitment(t *testing.T) {
	h := newHarness(t)
	for _, i := range []int{0, 1, 2, 3} {
		h.custodians[i].storeErr = errTransient
	}

	res, err := h.owner.Commit(context.Background(), &CommitRequest{
		ItemID:       "item-orphan",
		OwnerAddress: testOwner,
		Item:         testItem,
		Decoys:       testDecoys(),
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrThresholdNotMet)
	assert.True(t, IsRetryable(err))

	var terr *ThresholdError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, metrics.PhaseDistribute, terr.Phase)
	assert.Equal(t, 6, terr.Got)
	for _, f := range terr.Failures {
		assert.Equal(t, int(fastPolicy().MaxRetries)+1, f.Attempts)
	}

	entry, err := h.ledger.Lookup(context.Background(), "item-orphan")
	require.NoError(t, err)
	assert.Equal(t, LedgerOrphaned, entry.Status)
	assert.NotEmpty(t, entry.Reason)

	_, err = h.reveal("item-orphan")
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestCommit_RetriesTransientSends(t *testing.T) {
	h := newHarness(t)
	h.custodians[4].storeFailures.Store(2)

	res := h.commit(t)
	assert.Equal(t, 10, res.Delivered)
	assert.Equal(t, int32(3), h.custodians[4].storeCalls.Load())
	assert.Equal(t, 3, resultsByCustodian(res.Results)["custodian-5"].Attempts)
}

func TestCommit_SendTimeout(t *testing.T) {
	h := newHarness(t)
	h.custodians[0].storeDelay = time.Second

	res := h.commit(t)
	assert.Equal(t, 9, res.Delivered)
	assert.ErrorIs(t, resultsByCustodian(res.Results)["custodian-1"].Err, context.DeadlineExceeded)
}

func TestCommit_AbortBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.owner.Commit(ctx, &CommitRequest{
		ItemID:       "item-aborted",
		OwnerAddress: testOwner,
		Item:         testItem,
		Decoys:       testDecoys(),
	})
	assert.ErrorIs(t, err, ErrAborted)
	assert.False(t, IsRetryable(err))

	_, err = h.ledger.Lookup(context.Background(), "item-aborted")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, c := range h.custodians {
		assert.Zero(t, c.storeCalls.Load())
	}
}

func TestCommit_AbortDuringDistributionLetsSendsFinish(t *testing.T) {
	h := newHarness(t)
	h.custodians[0].storeStarted = make(chan struct{})
	for _, c := range h.custodians {
		c.storeDelay = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.custodians[0].storeStarted
		cancel()
	}()

	_, err := h.owner.Commit(ctx, &CommitRequest{
		ItemID:       "item-inflight",
		OwnerAddress: testOwner,
		Item:         testItem,
		Decoys:       testDecoys(),
	})
	require.ErrorIs(t, err, ErrAborted)

	// Every in-flight send completed.
	for _, c := range h.custodians {
		assert.NotNil(t, c.record("item-inflight"), "custodian %s", c.ID())
	}

	// No later phase ran.
	entry, err := h.ledger.Lookup(context.Background(), "item-inflight")
	require.NoError(t, err)
	assert.Equal(t, LedgerOrphaned, entry.Status)
}

func TestCommit_InvalidRequests(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		req     *CommitRequest
		wantErr error
	}{
		{"nil request", nil, ErrInvalidRequest},
		{"bad owner", &CommitRequest{OwnerAddress: "owner", Item: testItem, Decoys: testDecoys()}, ErrInvalidRequest},
		{"bad item id", &CommitRequest{ItemID: "a b", OwnerAddress: testOwner, Item: testItem, Decoys: testDecoys()}, ErrInvalidRequest},
		{"no decoys", &CommitRequest{OwnerAddress: testOwner, Item: testItem}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.owner.Commit(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("empty item", func(t *testing.T) {
		_, err := h.owner.Commit(context.Background(), &CommitRequest{OwnerAddress: testOwner, Decoys: testDecoys()})
		assert.Error(t, err)
	})

	t.Run("duplicate item id", func(t *testing.T) {
		req := &CommitRequest{ItemID: "dup", OwnerAddress: testOwner, Item: testItem, Decoys: testDecoys()}
		_, err := h.owner.Commit(context.Background(), req)
		require.NoError(t, err)
		_, err = h.owner.Commit(context.Background(), req)
		assert.ErrorIs(t, err, ErrLedgerConflict)
	})
}

func TestNewOwner_InvalidConfig(t *testing.T) {
	base := func() *OwnerConfig {
		cs := make([]Custodian, DefaultTotal)
		for i := range cs {
			cs[i] = newFakeCustodian(t, fmt.Sprintf("c%d", i))
		}
		return &OwnerConfig{Params: DefaultParams(), Policy: fastPolicy(), Ledger: NewMemoryLedger(), Custodians: cs}
	}

	_, err := NewOwner(base())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*OwnerConfig)
	}{
		{"nil ledger", func(c *OwnerConfig) { c.Ledger = nil }},
		{"too few custodians", func(c *OwnerConfig) { c.Custodians = c.Custodians[:9] }},
		{"duplicate custodian", func(c *OwnerConfig) { c.Custodians[1] = c.Custodians[0] }},
		{"threshold above total", func(c *OwnerConfig) { c.Params.Threshold = 11 }},
		{"zero threshold", func(c *OwnerConfig) { c.Params.Threshold = 0 }},
		{"one line", func(c *OwnerConfig) { c.Params.Lines = 1 }},
		{"zero timeout", func(c *OwnerConfig) { c.Policy.CallTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			_, err := NewOwner(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err = NewOwner(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConcurrentSessions(t *testing.T) {
	h := newHarness(t)

	const items = 8
	results := make([]*CommitResult, items)
	var g errgroup.Group
	for i := 0; i < items; i++ {
		g.Go(func() error {
			res, err := h.owner.Commit(context.Background(), &CommitRequest{
				ItemID:       fmt.Sprintf("item-%d", i),
				OwnerAddress: testOwner,
				Item:         fmt.Sprintf("Pick %d", i),
				Decoys:       testDecoys(),
			})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < items; i++ {
		g.Go(func() error {
			out, err := h.reveal(results[i].ItemID)
			if err != nil {
				return err
			}
			if out.Item != fmt.Sprintf("Pick %d", i) {
				return fmt.Errorf("item %d revealed %q", i, out.Item)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"threshold", &ThresholdError{Phase: "release", Needed: 7, Got: 6}, true},
		{"wrapped threshold", fmt.Errorf("reveal: %w", ErrThresholdNotMet), true},
		{"inconsistency", ErrReconstructionInconsistency, false},
		{"authentication", ErrAuthenticationFailure, false},
		{"commitment", ErrCommitmentMismatch, false},
		{"aborted", ErrAborted, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestThresholdError_Message(t *testing.T) {
	err := &ThresholdError{
		Phase:  "release",
		Needed: 7,
		Got:    6,
		Failures: []CallResult{
			{Custodian: "c1", X: 1, Err: ErrReleaseRefused},
		},
	}
	assert.Contains(t, err.Error(), "got 6 of 7")
	assert.Contains(t, err.Error(), "c1 x=1")
	assert.ErrorIs(t, err, ErrThresholdNotMet)
}

type alteringLedger struct {
	*MemoryLedger
}

func (l *alteringLedger) Lookup(ctx context.Context, itemID string) (*LedgerEntry, error) {
	entry, err := l.MemoryLedger.Lookup(ctx, itemID)
	if err != nil {
		return nil, err
	}
	for i := range entry.Record.Lines {
		entry.Record.Lines[i] += " (edited)"
	}
	return entry, nil
}

func assertHistory(t *testing.T, s *Session, want ...State) {
	t.Helper()
	var got []State
	for _, tr := range s.History() {
		got = append(got, tr.To)
	}
	assert.Equal(t, want, got)
}

func resultsByCustodian(results []CallResult) map[string]CallResult {
	out := make(map[string]CallResult, len(results))
	for _, r := range results {
		out[r.Custodian] = r
	}
	return out
}

func custodianSlice(fakes []*fakeCustodian) []Custodian {
	out := make([]Custodian, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

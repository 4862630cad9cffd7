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
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/aead"
	"github.com/jeremyhahn/go-keyescrow/pkg/field"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/metrics"
	"github.com/jeremyhahn/go-keyescrow/pkg/threshold/shamir"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

// BuyerConfig configures a Buyer. Custodians[i] is expected to hold the
// share with x = i+1.
type BuyerConfig struct {
	Params     Params
	Policy     Policy
	Ledger     Ledger
	Custodians []Custodian
	Logger     logging.Logger
}

// Buyer collects released shares and reveals committed items.
type Buyer struct {
	params     Params
	policy     Policy
	ledger     Ledger
	custodians []Custodian
	logger     logging.Logger
}

// NewBuyer validates cfg and returns a Buyer.
func NewBuyer(cfg *BuyerConfig) (*Buyer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if err := checkCustodians(cfg.Custodians, cfg.Params.Total, false); err != nil {
		return nil, err
	}
	return &Buyer{
		params:     cfg.Params,
		policy:     cfg.Policy,
		ledger:     cfg.Ledger,
		custodians: append([]Custodian(nil), cfg.Custodians...),
		logger:     logging.OrDefault(cfg.Logger),
	}, nil
}

// RevealRequest asks for one item on behalf of Requester.
type RevealRequest struct {
	ItemID    string
	Requester string

	// Grant is sent to every custodian unless Grants has an entry for
	// that custodian id.
	Grant  string
	Grants map[string]string
}

func (r *RevealRequest) grantFor(custodianID string) string {
	if g, ok := r.Grants[custodianID]; ok {
		return g
	}
	return r.Grant
}

// RevealResult is the decrypted payload plus per-custodian outcomes.
type RevealResult struct {
	ItemID    string
	RealIndex int
	Item      string
	Lines     []string
	Released  int
	Results   []CallResult
	Session   *Session
}

// Reveal requests release from every custodian concurrently, stops once
// K+ExtraShares shares arrived or the phase settles, reconstructs the key
// and decrypts the committed payload.
//
// Refusals and timeouts both count as non-release. Fewer than K releases
// fail with a *ThresholdError before any reconstruction. Shares that do
// not agree fail with ErrReconstructionInconsistency and a key that does
// not authenticate fails with ErrAuthenticationFailure; neither is retried.
func (b *Buyer) Reveal(ctx context.Context, req *RevealRequest) (*RevealResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := validation.ValidateItemID(req.ItemID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	requester, err := validation.NormalizeAddress(req.Requester)
	if err != nil {
		return nil, fmt.Errorf("%w: requester: %v", ErrInvalidRequest, err)
	}

	session := ResumeSession(req.ItemID)
	logger := b.logger.With(logging.ItemID(req.ItemID))

	entry, err := b.ledger.Lookup(ctx, req.ItemID)
	if err != nil {
		return nil, session.fail(err)
	}
	if entry.Status != LedgerConfirmed {
		return nil, session.fail(fmt.Errorf("%w: %s is %s", ErrNotConfirmed, req.ItemID, entry.Status))
	}
	if err := entry.Record.Verify(); err != nil {
		return nil, session.fail(fmt.Errorf("%w: %v", ErrCommitmentMismatch, err))
	}

	if err := ctx.Err(); err != nil {
		return nil, session.fail(fmt.Errorf("%w: %v", ErrAborted, err))
	}
	if err := session.transition(StateReconstructing); err != nil {
		return nil, session.fail(err)
	}

	shares, results := b.collect(ctx, req, requester)
	defer func() {
		for _, s := range shares {
			s.Zero()
		}
	}()

	if len(shares) < b.params.Threshold {
		if ctx.Err() != nil {
			metrics.RecordPhase(metrics.PhaseRelease, metrics.OutcomeAborted)
			return nil, session.fail(fmt.Errorf("%w: %v", ErrAborted, ctx.Err()))
		}
		terr := &ThresholdError{
			Phase:    metrics.PhaseRelease,
			Needed:   b.params.Threshold,
			Got:      len(shares),
			Failures: failures(results),
		}
		metrics.RecordPhase(metrics.PhaseRelease, metrics.OutcomeThresholdNotMet)
		logger.WarnContext(ctx, "release threshold not met", logging.Error(terr))
		return nil, session.fail(terr)
	}

	payload, err := b.open(shares, entry.Record)
	if err != nil {
		metrics.RecordPhase(metrics.PhaseRelease, revealOutcome(err))
		logger.ErrorContext(ctx, "reveal failed",
			logging.Int("released", len(shares)),
			logging.Error(err))
		return nil, session.fail(err)
	}

	if err := session.transition(StateRevealed); err != nil {
		return nil, session.fail(err)
	}
	metrics.RecordPhase(metrics.PhaseRelease, metrics.OutcomeSuccess)
	logger.InfoContext(ctx, "item revealed", logging.Int("released", len(shares)))

	return &RevealResult{
		ItemID:    req.ItemID,
		RealIndex: payload.RealIndex,
		Item:      payload.Item,
		Lines:     append([]string(nil), entry.Record.Lines...),
		Released:  len(shares),
		Results:   results,
		Session:   session,
	}, nil
}

// collect fans release requests out to every custodian. The phase ends
// when K+ExtraShares shares arrived, every request settled, or the phase
// timeout fired.
func (b *Buyer) collect(ctx context.Context, req *RevealRequest, requester string) ([]*shamir.Share, []CallResult) {
	phaseCtx, cancel := context.WithTimeout(ctx, b.policy.PhaseTimeout)
	defer cancel()

	target := b.params.Threshold + b.policy.ExtraShares
	if target > len(b.custodians) {
		target = len(b.custodians)
	}

	collected := make([]*shamir.Share, len(b.custodians))
	var released atomic.Int32

	results := fanOut(phaseCtx, len(b.custodians), func(callCtx context.Context, i int) (CallResult, bool) {
		c := b.custodians[i]
		x := i + 1
		rr := &ReleaseRequest{ItemID: req.ItemID, Requester: requester, Grant: req.grantFor(c.ID())}

		var got *ReleasedShare
		attempts, err := b.policy.call(callCtx, ctx, func(attemptCtx context.Context) error {
			rs, err := c.ReleaseShare(attemptCtx, rr)
			if err != nil {
				return err
			}
			if err := checkReleased(rs, req.ItemID, x); err != nil {
				return err
			}
			got = rs
			return nil
		})
		if err != nil {
			metrics.RecordCustodianCall(metrics.PhaseRelease, c.ID(), callOutcome(err))
			b.logger.DebugContext(ctx, "share not released",
				logging.ItemID(req.ItemID),
				logging.Custodian(c.ID()),
				logging.Int("attempts", attempts),
				logging.Error(err))
			return CallResult{Custodian: c.ID(), X: x, Attempts: attempts, Err: err}, false
		}

		metrics.RecordCustodianCall(metrics.PhaseRelease, c.ID(), metrics.OutcomeReleased)
		collected[i] = got.Share(b.params.Threshold, b.params.Total)
		n := released.Add(1)
		return CallResult{Custodian: c.ID(), X: x, Attempts: attempts}, int(n) >= target
	})

	shares := make([]*shamir.Share, 0, len(collected))
	for _, s := range collected {
		if s != nil {
			shares = append(shares, s)
		}
	}
	return shares, results
}

func checkReleased(rs *ReleasedShare, itemID string, x int) error {
	if rs == nil {
		return fmt.Errorf("%w: empty release", ErrInvalidShare)
	}
	if rs.ItemID != itemID {
		return fmt.Errorf("%w: released share is for item %q", ErrInvalidShare, validation.SanitizeForLog(rs.ItemID))
	}
	if rs.ShareX != x {
		return fmt.Errorf("%w: expected x=%d, got x=%d", ErrInvalidShare, x, rs.ShareX)
	}
	if err := field.Validate(rs.ShareY); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	return nil
}

// open reconstructs the key and decrypts the record. With more than K
// shares every share is checked against the polynomial first.
func (b *Buyer) open(shares []*shamir.Share, record *commitment.Record) (*commitment.Payload, error) {
	start := time.Now()
	var secret *big.Int
	var err error
	if len(shares) > b.params.Threshold {
		secret, err = shamir.CombineVerified(shares)
	} else {
		secret, err = shamir.Combine(shares)
	}
	metrics.RecordOperation(metrics.OpCombine, metrics.StatusFor(err), time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, shamir.ErrReconstructionInconsistency) {
			return nil, fmt.Errorf("%w: %w", ErrReconstructionInconsistency, err)
		}
		return nil, fmt.Errorf("failed to reconstruct key: %w", err)
	}
	defer field.Zero(secret)

	key, err := aead.FieldToKey(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	defer aead.Zero(key)

	cipher, err := aead.NewCipher(key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}

	start = time.Now()
	payload, err := commitment.Open(record, cipher)
	metrics.RecordOperation(metrics.OpDecrypt, metrics.StatusFor(err), time.Since(start).Seconds())
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, aead.ErrAuthentication):
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	case errors.Is(err, commitment.ErrPayloadMismatch), errors.Is(err, commitment.ErrHashMismatch):
		return nil, fmt.Errorf("%w: %w", ErrCommitmentMismatch, err)
	default:
		return nil, err
	}
}

func revealOutcome(err error) string {
	switch {
	case errors.Is(err, ErrReconstructionInconsistency):
		return metrics.OutcomeInconsistent
	case errors.Is(err, ErrAuthenticationFailure):
		return metrics.OutcomeAuthFailure
	default:
		return metrics.OutcomeError
	}
}

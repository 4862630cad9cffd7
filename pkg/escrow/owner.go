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
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/aead"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
	"github.com/jeremyhahn/go-keyescrow/pkg/field"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/metrics"
	"github.com/jeremyhahn/go-keyescrow/pkg/threshold/shamir"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

// OwnerConfig configures an Owner. Custodians[i] receives the share with
// x = i+1, so the slice length must equal Params.Total.
type OwnerConfig struct {
	Params     Params
	Policy     Policy
	Ledger     Ledger
	Custodians []Custodian
	Logger     logging.Logger

	// Builder overrides the commitment builder, mainly for tests.
	Builder *commitment.Builder
}

// Owner commits items and distributes their key shares.
type Owner struct {
	params     Params
	policy     Policy
	ledger     Ledger
	custodians []Custodian
	builder    *commitment.Builder
	logger     logging.Logger
}

// NewOwner validates cfg and returns an Owner.
func NewOwner(cfg *OwnerConfig) (*Owner, error) {
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
	if err := checkCustodians(cfg.Custodians, cfg.Params.Total, true); err != nil {
		return nil, err
	}

	builder := cfg.Builder
	if builder == nil {
		b, err := commitment.NewBuilder(commitment.WithLines(cfg.Params.Lines))
		if err != nil {
			return nil, err
		}
		builder = b
	}
	if builder.Lines() != cfg.Params.Lines {
		return nil, fmt.Errorf("%w: builder has %d lines, params %d",
			ErrInvalidConfig, builder.Lines(), cfg.Params.Lines)
	}

	return &Owner{
		params:     cfg.Params,
		policy:     cfg.Policy,
		ledger:     cfg.Ledger,
		custodians: append([]Custodian(nil), cfg.Custodians...),
		builder:    builder,
		logger:     logging.OrDefault(cfg.Logger),
	}, nil
}

func checkCustodians(custodians []Custodian, total int, needKeys bool) error {
	if len(custodians) != total {
		return fmt.Errorf("%w: need %d custodians, got %d", ErrInvalidConfig, total, len(custodians))
	}
	seen := make(map[string]struct{}, len(custodians))
	for i, c := range custodians {
		if c == nil {
			return fmt.Errorf("%w: custodian %d is nil", ErrInvalidConfig, i)
		}
		if _, dup := seen[c.ID()]; dup {
			return fmt.Errorf("%w: duplicate custodian %q", ErrInvalidConfig, c.ID())
		}
		seen[c.ID()] = struct{}{}
		if needKeys && c.PublicKey() == nil {
			return fmt.Errorf("%w: custodian %q has no public key", ErrInvalidConfig, c.ID())
		}
	}
	return nil
}

// CommitRequest describes one item to commit.
type CommitRequest struct {
	// ItemID is generated when empty.
	ItemID       string
	OwnerAddress string
	Item         string
	Decoys       commitment.DecoySource
}

// CommitResult reports a successful commit.
type CommitResult struct {
	ItemID string
	Record *commitment.Record

	// RealIndex is known only to the owner.
	RealIndex int

	Delivered int
	Results   []CallResult
	Session   *Session
}

// Commit encrypts the item, publishes a tentative commitment, splits and
// drops the key, and distributes one share per custodian. The commitment
// is confirmed once at least K custodians accepted their share and
// orphaned otherwise.
//
// Cancelling ctx before distribution starts aborts the commit. Cancelling
// it during distribution lets in-flight sends finish, but the commitment
// is then orphaned and the session fails with ErrAborted.
func (o *Owner) Commit(ctx context.Context, req *CommitRequest) (*CommitResult, error) {
	if err := o.checkRequest(req); err != nil {
		return nil, err
	}
	itemID := req.ItemID
	if itemID == "" {
		itemID = uuid.NewString()
	}
	owner, _ := validation.NormalizeAddress(req.OwnerAddress)
	session := NewSession(itemID)
	logger := o.logger.With(logging.ItemID(itemID))

	if err := ctx.Err(); err != nil {
		return nil, session.fail(fmt.Errorf("%w: %v", ErrAborted, err))
	}
	if err := session.transition(StateSplitting); err != nil {
		return nil, session.fail(err)
	}

	built, records, err := o.prepare(itemID, owner, req)
	if err != nil {
		logger.ErrorContext(ctx, "failed to prepare commitment", logging.Error(err))
		return nil, session.fail(err)
	}
	defer wipeRecords(records)

	record := built.Record()
	if err := o.ledger.PublishTentative(ctx, itemID, owner, record); err != nil {
		return nil, session.fail(fmt.Errorf("failed to publish commitment: %w", err))
	}
	logger.InfoContext(ctx, "commitment published", logging.String("status", LedgerTentative.String()))

	if err := ctx.Err(); err != nil {
		o.orphan(ctx, logger, itemID, "aborted before distribution")
		return nil, session.fail(fmt.Errorf("%w: %v", ErrAborted, err))
	}
	if err := session.transition(StateDistributing); err != nil {
		return nil, session.fail(err)
	}

	start := time.Now()
	results := o.distribute(ctx, records)
	delivered := countOK(results)
	metrics.RecordOperation(metrics.OpStoreShare, statusForCount(delivered, o.params.Threshold),
		time.Since(start).Seconds())

	if ctx.Err() != nil {
		o.orphan(ctx, logger, itemID, "aborted during distribution")
		metrics.RecordPhase(metrics.PhaseDistribute, metrics.OutcomeAborted)
		logger.WarnContext(ctx, "distribution aborted", logging.Int("delivered", delivered))
		return nil, session.fail(fmt.Errorf("%w: after %d of %d shares delivered", ErrAborted, delivered, len(records)))
	}

	if delivered < o.params.Threshold {
		terr := &ThresholdError{
			Phase:    metrics.PhaseDistribute,
			Needed:   o.params.Threshold,
			Got:      delivered,
			Failures: failures(results),
		}
		o.orphan(ctx, logger, itemID, terr.Error())
		metrics.RecordPhase(metrics.PhaseDistribute, metrics.OutcomeThresholdNotMet)
		logger.ErrorContext(ctx, "distribution failed", logging.Error(terr))
		return nil, session.fail(terr)
	}

	if err := session.transition(StateDistributed); err != nil {
		return nil, session.fail(err)
	}
	if err := o.ledger.Confirm(ctx, itemID); err != nil {
		return nil, session.fail(fmt.Errorf("failed to confirm commitment: %w", err))
	}
	if err := session.transition(StateAwaitingRelease); err != nil {
		return nil, session.fail(err)
	}

	metrics.RecordPhase(metrics.PhaseDistribute, metrics.OutcomeSuccess)
	logger.InfoContext(ctx, "shares distributed",
		logging.Int("delivered", delivered),
		logging.Int("threshold", o.params.Threshold),
		logging.Int("total", o.params.Total))

	return &CommitResult{
		ItemID:    itemID,
		Record:    record,
		RealIndex: built.RealIndex,
		Delivered: delivered,
		Results:   results,
		Session:   session,
	}, nil
}

func (o *Owner) checkRequest(req *CommitRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.ItemID != "" {
		if err := validation.ValidateItemID(req.ItemID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if err := validation.ValidateAddress(req.OwnerAddress); err != nil {
		return fmt.Errorf("%w: owner address: %v", ErrInvalidRequest, err)
	}
	if req.Decoys == nil {
		return fmt.Errorf("%w: decoy source is required", ErrInvalidRequest)
	}
	return nil
}

// prepare generates the key, builds the commitment and turns the key into
// sealed share records. The key and the polynomial never leave this call.
func (o *Owner) prepare(itemID, owner string, req *CommitRequest) (*commitment.Commitment, []*ShareRecord, error) {
	key, err := aead.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	defer aead.Zero(key)

	cipher, err := aead.NewCipher(key, nil)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	built, err := o.builder.Build(cipher, req.Item, req.Decoys)
	metrics.RecordOperation(metrics.OpCommit, metrics.StatusFor(err), time.Since(start).Seconds())
	if err != nil {
		return nil, nil, err
	}

	secret, err := aead.KeyToField(key)
	if err != nil {
		return nil, nil, err
	}
	defer field.Zero(secret)

	start = time.Now()
	shares, err := shamir.Split(secret, o.params.Threshold, o.params.Total)
	metrics.RecordOperation(metrics.OpSplit, metrics.StatusFor(err), time.Since(start).Seconds())
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		for _, s := range shares {
			s.Zero()
		}
	}()

	records := make([]*ShareRecord, len(shares))
	for i, s := range shares {
		y := field.Bytes(s.Y)
		sealed, err := x25519.Seal(o.custodians[i].PublicKey(), y, SealAAD(itemID, s.X))
		aead.Zero(y)
		if err != nil {
			wipeRecords(records)
			return nil, nil, fmt.Errorf("failed to seal share %d: %w", s.X, err)
		}
		records[i] = &ShareRecord{
			ItemID:            itemID,
			OwnerAddress:      owner,
			ShareX:            s.X,
			ShareY:            field.Mod(s.Y),
			EncryptedKeyShare: sealed,
		}
	}
	return built, records, nil
}

// distribute sends records[i] to custodians[i] concurrently and settles
// every send. Sends run on a context detached from ctx so an owner abort
// never interrupts a send in flight; only the phase timeout does.
func (o *Owner) distribute(ctx context.Context, records []*ShareRecord) []CallResult {
	phaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.policy.PhaseTimeout)
	defer cancel()

	return fanOut(phaseCtx, len(records), func(sendCtx context.Context, i int) (CallResult, bool) {
		c := o.custodians[i]
		rec := records[i]
		attempts, err := o.policy.call(sendCtx, ctx, func(callCtx context.Context) error {
			return c.StoreShare(callCtx, rec)
		})
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = callOutcome(err)
			o.logger.WarnContext(ctx, "share send failed",
				logging.ItemID(rec.ItemID),
				logging.Custodian(c.ID()),
				logging.ShareX(rec.ShareX),
				logging.Int("attempts", attempts),
				logging.Error(err))
		}
		metrics.RecordCustodianCall(metrics.PhaseDistribute, c.ID(), outcome)
		return CallResult{Custodian: c.ID(), X: rec.ShareX, Attempts: attempts, Err: err}, false
	})
}

func (o *Owner) orphan(ctx context.Context, logger logging.Logger, itemID, reason string) {
	if err := o.ledger.Orphan(context.WithoutCancel(ctx), itemID, reason); err != nil {
		logger.ErrorContext(ctx, "failed to orphan commitment", logging.Error(err))
		return
	}
	logger.WarnContext(ctx, "commitment orphaned", logging.String("reason", reason))
}

func wipeRecords(records []*ShareRecord) {
	for _, r := range records {
		if r != nil {
			field.Zero(r.ShareY)
		}
	}
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrReleaseRefused):
		return metrics.OutcomeRefused
	case errors.Is(err, ErrShareRejected):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrAborted):
		return metrics.OutcomeAborted
	default:
		return metrics.OutcomeError
	}
}

func statusForCount(got, needed int) string {
	if got < needed {
		return metrics.StatusError
	}
	return metrics.StatusSuccess
}

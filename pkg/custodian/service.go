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
package custodian

import (
	"context"
	"crypto/ecdh"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/field"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/metrics"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	ID         string
	Keys       *x25519.KeyPair
	Store      *Store
	Authorizer Authorizer
	Logger     logging.Logger
}

// Service is one custodian. It checks incoming shares, persists them and
// answers release requests. It implements escrow.Custodian, so an owner
// can use it in-process as well as behind the REST API.
type Service struct {
	id     string
	keys   *x25519.KeyPair
	store  *Store
	logger logging.Logger

	mu    sync.RWMutex
	authz Authorizer
}

var _ escrow.Custodian = (*Service)(nil)

// NewService validates cfg. Authorizer defaults to DenyAll.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("custodian: config is required")
	}
	if err := validation.ValidateCustodianID(cfg.ID); err != nil {
		return nil, fmt.Errorf("custodian: %w", err)
	}
	if cfg.Keys == nil || cfg.Keys.PrivateKey == nil {
		return nil, errors.New("custodian: key pair is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("custodian: store is required")
	}
	authz := cfg.Authorizer
	if authz == nil {
		authz = DenyAll{}
	}
	return &Service{
		id:     cfg.ID,
		keys:   cfg.Keys,
		store:  cfg.Store,
		authz:  authz,
		logger: logging.OrDefault(cfg.Logger).With(logging.Custodian(cfg.ID)),
	}, nil
}

// ID returns the custodian id.
func (s *Service) ID() string { return s.id }

// PublicKey returns the key owners seal shares to.
func (s *Service) PublicKey() *ecdh.PublicKey { return s.keys.PublicKey }

// SetAuthorizer replaces the release authorizer. nil restores DenyAll.
func (s *Service) SetAuthorizer(authz Authorizer) {
	if authz == nil {
		authz = DenyAll{}
	}
	s.mu.Lock()
	s.authz = authz
	s.mu.Unlock()
}

func (s *Service) authorizer() Authorizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authz
}

// Store exposes the underlying share store.
func (s *Service) Store() *Store { return s.store }

// StoreShare accepts a share after checking that encrypted_key_share
// opens to share_y under this custodian's key.
func (s *Service) StoreShare(ctx context.Context, record *escrow.ShareRecord) error {
	_, err := s.Accept(ctx, record)
	return err
}

// Accept is StoreShare that also reports whether the share was new.
// Re-sending an identical share returns false and no error.
func (s *Service) Accept(ctx context.Context, record *escrow.ShareRecord) (bool, error) {
	start := time.Now()
	created, err := s.storeShare(ctx, record)
	metrics.RecordOperation(metrics.OpStoreShare, metrics.StatusFor(err), time.Since(start).Seconds())
	metrics.RecordCustodianRequest(metrics.OpStoreShare, requestOutcome(err))
	return created, err
}

func (s *Service) storeShare(ctx context.Context, record *escrow.ShareRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if record == nil {
		return false, fmt.Errorf("%w: nil record", escrow.ErrInvalidRequest)
	}
	if err := record.Validate(s.store.total); err != nil {
		return false, err
	}
	if err := s.checkSeal(record); err != nil {
		s.logger.WarnContext(ctx, "sealed share rejected",
			logging.ItemID(record.ItemID), logging.ShareX(record.ShareX), logging.Error(err))
		return false, err
	}
	return s.store.Put(record)
}

func (s *Service) checkSeal(record *escrow.ShareRecord) error {
	opened, err := x25519.Open(s.keys.PrivateKey, record.EncryptedKeyShare, escrow.SealAAD(record.ItemID, record.ShareX))
	if err != nil {
		return fmt.Errorf("%w: %w: %v", escrow.ErrShareRejected, ErrSealMismatch, err)
	}
	defer clear(opened)

	want := field.Bytes(record.ShareY)
	defer clear(want)
	if subtle.ConstantTimeCompare(opened, want) != 1 {
		return fmt.Errorf("%w: %w", escrow.ErrShareRejected, ErrSealMismatch)
	}
	return nil
}

// ReleaseShare authorizes req and releases the held share.
func (s *Service) ReleaseShare(ctx context.Context, req *escrow.ReleaseRequest) (*escrow.ReleasedShare, error) {
	start := time.Now()
	share, err := s.releaseShare(ctx, req)
	metrics.RecordOperation(metrics.OpRelease, metrics.StatusFor(err), time.Since(start).Seconds())
	metrics.RecordCustodianRequest(metrics.OpRelease, requestOutcome(err))
	return share, err
}

func (s *Service) releaseShare(ctx context.Context, req *escrow.ReleaseRequest) (*escrow.ReleasedShare, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", escrow.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// Unknown items are reported before the policy decision.
	ok, err := s.store.Has(req.ItemID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no share held for %s", escrow.ErrNotFound, req.ItemID)
	}

	if err := s.authorizer().Authorize(ctx, req); err != nil {
		s.logger.InfoContext(ctx, "release refused",
			logging.ItemID(req.ItemID),
			logging.String("requester", req.Requester),
			logging.Error(err))
		return nil, err
	}

	share, _, err := s.store.Release(req.ItemID, req.Requester)
	return share, err
}

// ShareInfo is the public description of a held share. It never carries
// the share value.
type ShareInfo struct {
	ItemID   string    `json:"item_id"`
	ShareX   int       `json:"share_x"`
	StoredAt time.Time `json:"stored_at"`
	Releases int       `json:"releases"`
}

// ShareInfo describes the share held for itemID.
func (s *Service) ShareInfo(_ context.Context, itemID string) (*ShareInfo, error) {
	entry, err := s.store.Get(itemID)
	if err != nil {
		return nil, err
	}
	return &ShareInfo{
		ItemID:   entry.Record.ItemID,
		ShareX:   entry.Record.ShareX,
		StoredAt: entry.StoredAt,
		Releases: len(entry.ReleasedTo),
	}, nil
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, escrow.ErrReleaseRefused):
		return metrics.OutcomeRefused
	case errors.Is(err, escrow.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrConflictingShare):
		return metrics.OutcomeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

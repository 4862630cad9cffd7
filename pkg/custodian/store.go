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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
	"github.com/jeremyhahn/go-keyescrow/pkg/validation"
)

const (
	sharesPrefix   = "shares"
	releasesPrefix = "releases"
)

// Entry is a held share plus its bookkeeping.
type Entry struct {
	Record     *escrow.ShareRecord
	StoredAt   time.Time
	ReleasedTo []string
}

// ReleaseRecord notes the first release of an item to a requester.
type ReleaseRecord struct {
	ItemID     string    `json:"item_id"`
	Requester  string    `json:"requester"`
	ShareX     int       `json:"share_x"`
	ReleasedAt time.Time `json:"released_at"`
}

type storedShare struct {
	Record   *escrow.ShareRecord `json:"record"`
	StoredAt time.Time           `json:"stored_at"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Backend storage.Backend

	// Total bounds accepted share_x values to [1, Total].
	Total  int
	Logger logging.Logger

	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Store persists shares and release records. Writes are serialized so
// the read-compare-write of Put and Release is atomic within a process.
type Store struct {
	backend storage.Backend
	total   int
	logger  logging.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewStore returns a Store over cfg.Backend.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil || cfg.Backend == nil {
		return nil, errors.New("custodian: storage backend is required")
	}
	total := cfg.Total
	if total == 0 {
		total = escrow.DefaultTotal
	}
	if total < 1 {
		return nil, fmt.Errorf("custodian: invalid total %d", total)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: cfg.Backend,
		total:   total,
		logger:  logging.OrDefault(cfg.Logger),
		now:     now,
	}, nil
}

// Put stores record. Storing an identical record again is a no-op and
// reports created=false; a different record for the same (item_id,
// share_x) fails with ErrConflictingShare.
func (s *Store) Put(record *escrow.ShareRecord) (created bool, err error) {
	if record == nil {
		return false, fmt.Errorf("%w: nil record", escrow.ErrInvalidRequest)
	}
	if err := record.Validate(s.total); err != nil {
		return false, err
	}
	key := shareKey(record.ItemID, record.ShareX)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readShare(key)
	switch {
	case err == nil:
		if existing.Record.Equal(record) {
			s.logger.Debug("share already stored",
				logging.ItemID(record.ItemID), logging.ShareX(record.ShareX))
			return false, nil
		}
		s.logger.Warn("conflicting share rejected",
			logging.ItemID(record.ItemID), logging.ShareX(record.ShareX))
		return false, fmt.Errorf("%w: %w: %s x=%d", escrow.ErrShareRejected, ErrConflictingShare,
			record.ItemID, record.ShareX)
	case !errors.Is(err, storage.ErrNotFound):
		return false, err
	}

	data, err := json.Marshal(&storedShare{Record: record, StoredAt: s.now().UTC()})
	if err != nil {
		return false, fmt.Errorf("custodian: failed to encode share: %w", err)
	}
	if err := s.backend.Put(key, data, storage.DefaultOptions()); err != nil {
		return false, fmt.Errorf("custodian: failed to store share: %w", err)
	}
	s.logger.Info("share stored",
		logging.ItemID(record.ItemID),
		logging.ShareX(record.ShareX),
		logging.String("owner", record.OwnerAddress))
	return true, nil
}

// Get returns the lowest-indexed share held for itemID.
func (s *Store) Get(itemID string) (*Entry, error) {
	entries, err := s.GetAll(itemID)
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// GetAll returns every share held for itemID ordered by share_x. More
// than one only happens when several custodians share a backend.
func (s *Store) GetAll(itemID string) ([]*Entry, error) {
	if err := validation.ValidateItemID(itemID); err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidRequest, err)
	}
	keys, err := s.backend.List(itemPrefix(sharesPrefix, itemID))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no share held for %s", escrow.ErrNotFound, itemID)
	}

	released, err := s.releasedTo(itemID)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		stored, err := s.readShare(key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &Entry{
			Record:     stored.Record,
			StoredAt:   stored.StoredAt,
			ReleasedTo: append([]string(nil), released...),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Record.ShareX < entries[j].Record.ShareX
	})
	return entries, nil
}

// Has reports whether any share is held for itemID.
func (s *Store) Has(itemID string) (bool, error) {
	if err := validation.ValidateItemID(itemID); err != nil {
		return false, fmt.Errorf("%w: %v", escrow.ErrInvalidRequest, err)
	}
	keys, err := s.backend.List(itemPrefix(sharesPrefix, itemID))
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// Release records that itemID was released to requester and returns the
// share. Releasing again to the same requester returns the same share
// and keeps the first release time.
func (s *Store) Release(itemID, requester string) (*escrow.ReleasedShare, *ReleaseRecord, error) {
	requester, err := validation.NormalizeAddress(requester)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: requester: %v", escrow.ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.Get(itemID)
	if err != nil {
		return nil, nil, err
	}
	rec := entry.Record
	share := &escrow.ReleasedShare{
		ItemID:            rec.ItemID,
		ShareX:            rec.ShareX,
		ShareY:            rec.ShareY,
		EncryptedKeyShare: rec.EncryptedKeyShare,
	}

	key := storage.Join(releasesPrefix, itemID, requester)
	if data, err := s.backend.Get(key); err == nil {
		var prior ReleaseRecord
		if err := json.Unmarshal(data, &prior); err != nil {
			return nil, nil, fmt.Errorf("%w: release record %s: %v", storage.ErrInvalidData, key, err)
		}
		s.logger.Info("share already released",
			logging.ItemID(itemID), logging.String("requester", requester))
		return share, &prior, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	record := &ReleaseRecord{
		ItemID:     itemID,
		Requester:  requester,
		ShareX:     rec.ShareX,
		ReleasedAt: s.now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, nil, fmt.Errorf("custodian: failed to encode release: %w", err)
	}
	if err := s.backend.Put(key, data, storage.DefaultOptions()); err != nil {
		return nil, nil, fmt.Errorf("custodian: failed to record release: %w", err)
	}
	s.logger.Info("share released",
		logging.ItemID(itemID),
		logging.ShareX(rec.ShareX),
		logging.String("requester", requester))
	return share, record, nil
}

// Releases lists the release records of itemID ordered by requester.
func (s *Store) Releases(itemID string) ([]*ReleaseRecord, error) {
	if err := validation.ValidateItemID(itemID); err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidRequest, err)
	}
	keys, err := s.backend.List(itemPrefix(releasesPrefix, itemID))
	if err != nil {
		return nil, err
	}
	out := make([]*ReleaseRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.backend.Get(key)
		if err != nil {
			return nil, err
		}
		var r ReleaseRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: release record %s: %v", storage.ErrInvalidData, key, err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// Remove deletes every share and release record of itemID, e.g. when the
// item is voided or expires.
func (s *Store) Remove(itemID string) error {
	if err := validation.ValidateItemID(itemID); err != nil {
		return fmt.Errorf("%w: %v", escrow.ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, prefix := range []string{releasesPrefix, sharesPrefix} {
		k, err := s.backend.List(itemPrefix(prefix, itemID))
		if err != nil {
			return err
		}
		keys = append(keys, k...)
	}
	for _, key := range keys {
		if err := s.backend.Delete(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("custodian: failed to remove %s: %w", key, err)
		}
	}
	s.logger.Info("item removed", logging.ItemID(itemID), logging.Int("keys", len(keys)))
	return nil
}

// Count returns the number of held shares.
func (s *Store) Count() (int, error) {
	keys, err := s.backend.List(sharesPrefix + "/")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// ActiveItems lists the ids of items with at least one held share.
func (s *Store) ActiveItems() ([]string, error) {
	keys, err := s.backend.List(sharesPrefix + "/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	items := make([]string, 0)
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 {
			continue
		}
		if _, ok := seen[parts[1]]; ok {
			continue
		}
		seen[parts[1]] = struct{}{}
		items = append(items, parts[1])
	}
	sort.Strings(items)
	return items, nil
}

func (s *Store) readShare(key string) (*storedShare, error) {
	data, err := s.backend.Get(key)
	if err != nil {
		return nil, err
	}
	var stored storedShare
	if err := json.Unmarshal(data, &stored); err != nil || stored.Record == nil {
		return nil, fmt.Errorf("%w: share record %s", storage.ErrInvalidData, key)
	}
	return &stored, nil
}

func (s *Store) releasedTo(itemID string) ([]string, error) {
	prefix := itemPrefix(releasesPrefix, itemID)
	keys, err := s.backend.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

func shareKey(itemID string, x int) string {
	return storage.Join(sharesPrefix, itemID, strconv.Itoa(x))
}

func itemPrefix(prefix, itemID string) string {
	return storage.Join(prefix, itemID) + "/"
}

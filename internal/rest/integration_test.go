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
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/client"
	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
)

// network starts one HTTP custodian per authorizer and returns clients
// for them in x order.
func network(t *testing.T, authorizers []custodian.Authorizer) []escrow.Custodian {
	t.Helper()
	clients := make([]escrow.Custodian, len(authorizers))
	for i, authz := range authorizers {
		f := newFixture(t, authz)
		ts := httptest.NewServer(f.server.Handler())
		t.Cleanup(ts.Close)

		c, err := client.New(&client.Config{
			ID:        fmt.Sprintf("custodian-%d", i+1),
			Address:   ts.URL,
			PublicKey: x25519.PublicKeyHex(f.keys.PublicKey),
			Timeout:   5 * time.Second,
			Logger:    logging.NewNop(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		clients[i] = c
	}
	return clients
}

func commitOver(t *testing.T, custodians []escrow.Custodian, ledger escrow.Ledger) *escrow.CommitResult {
	t.Helper()
	owner, err := escrow.NewOwner(&escrow.OwnerConfig{
		Params:     escrow.DefaultParams(),
		Policy:     escrow.DefaultPolicy(),
		Ledger:     ledger,
		Custodians: custodians,
		Logger:     logging.NewNop(),
	})
	require.NoError(t, err)
	res, err := owner.Commit(context.Background(), &escrow.CommitRequest{
		ItemID:       "game-7",
		OwnerAddress: testOwner,
		Item:         "Celtics ML (+120)",
		Decoys:       commitment.DecoyList{"a", "b", "c", "d", "e", "f", "g", "h", "i"},
	})
	require.NoError(t, err)
	return res
}

func TestHTTP_CommitAndRevealAtThreshold(t *testing.T) {
	authz := make([]custodian.Authorizer, 10)
	for i := range authz {
		if i < 7 {
			authz[i] = custodian.AllowAll{}
		} else {
			authz[i] = custodian.DenyAll{Reason: "not purchased"}
		}
	}
	custodians := network(t, authz)
	ledger := escrow.NewMemoryLedger()

	committed := commitOver(t, custodians, ledger)
	assert.Equal(t, 10, committed.Delivered)

	buyer, err := escrow.NewBuyer(&escrow.BuyerConfig{
		Params:     escrow.DefaultParams(),
		Policy:     escrow.DefaultPolicy(),
		Ledger:     ledger,
		Custodians: custodians,
		Logger:     logging.NewNop(),
	})
	require.NoError(t, err)

	revealed, err := buyer.Reveal(context.Background(), &escrow.RevealRequest{ItemID: "game-7", Requester: testRequester})
	require.NoError(t, err)
	assert.Equal(t, "Celtics ML (+120)", revealed.Item)
	assert.Equal(t, committed.RealIndex, revealed.RealIndex)
	assert.Equal(t, 7, revealed.Released)
}

func TestHTTP_RevealBelowThreshold(t *testing.T) {
	authz := make([]custodian.Authorizer, 10)
	for i := range authz {
		if i < 6 {
			authz[i] = custodian.AllowAll{}
		} else {
			authz[i] = custodian.DenyAll{}
		}
	}
	custodians := network(t, authz)
	ledger := escrow.NewMemoryLedger()
	commitOver(t, custodians, ledger)

	buyer, err := escrow.NewBuyer(&escrow.BuyerConfig{
		Params:     escrow.DefaultParams(),
		Policy:     escrow.DefaultPolicy(),
		Ledger:     ledger,
		Custodians: custodians,
		Logger:     logging.NewNop(),
	})
	require.NoError(t, err)

	_, err = buyer.Reveal(context.Background(), &escrow.RevealRequest{ItemID: "game-7", Requester: testRequester})
	require.ErrorIs(t, err, escrow.ErrThresholdNotMet)

	var terr *escrow.ThresholdError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 6, terr.Got)
	for _, f := range terr.Failures {
		assert.ErrorIs(t, f.Err, escrow.ErrReleaseRefused)
	}
}

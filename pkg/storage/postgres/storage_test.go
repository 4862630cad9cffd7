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
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage/storagetest"
)

const dsnEnv = "ESCROW_TEST_POSTGRES_DSN"

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	return dsn
}

// newTestBackend creates a uniquely named table and drops it on cleanup.
func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	dsn := testDSN(t)
	table := fmt.Sprintf("escrow_test_%s", uuid.New().String()[:8])

	b, err := New(&Config{DSN: dsn, Table: table, QueryTimeout: 10 * time.Second})
	require.NoError(t, err)

	t.Cleanup(func() {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		_, _ = db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+table)
	})
	return b
}

func TestConformance(t *testing.T) {
	testDSN(t)
	storagetest.Run(t, newTestBackend)
}

func TestListEscapesLikeWildcards(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()

	require.NoError(t, b.Put("shares/a_b/1", []byte("x"), nil))
	require.NoError(t, b.Put("shares/aXb/1", []byte("y"), nil))

	keys, err := b.List("shares/a_b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"shares/a_b/1"}, keys)
}

func TestPutMetadataAndPing(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()

	opts := storage.DefaultOptions()
	opts.Metadata["custodian"] = "custodian-1"
	require.NoError(t, b.Put("shares/item/1", []byte("v"), opts))

	pg := b.(*Storage)
	require.NoError(t, pg.Ping(context.Background()))
	require.NoError(t, pg.Close())
	assert.ErrorIs(t, pg.Ping(context.Background()), storage.ErrClosed)
	_, err := pg.Get("shares/item/1")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestNew_ConfigErrors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)

	_, err = New(&Config{DSN: "postgres://localhost/x", Table: "drop table;"})
	assert.ErrorContains(t, err, "invalid table name")
}

func TestLikePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "%"},
		{"shares/", "shares/%"},
		{"shares/a_b/", `shares/a\_b/%`},
		{"100%", `100\%%`},
		{`back\slash`, `back\\slash%`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, likePrefix(tt.in), tt.in)
	}
}

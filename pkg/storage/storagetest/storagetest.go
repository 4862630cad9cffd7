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
// Package storagetest holds a conformance suite every storage.Backend
// must pass.
package storagetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Backend

// Run exercises the storage.Backend contract against backends produced
// by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("PutGet", func(t *testing.T) {
		b := open(t, newBackend)

		require.NoError(t, b.Put("shares/item-1/3", []byte{0x00, 0xff}, nil))
		got, err := b.Get("shares/item-1/3")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0xff}, got)

		// Overwrite.
		require.NoError(t, b.Put("shares/item-1/3", []byte("v2"), storage.DefaultOptions()))
		got, err = b.Get("shares/item-1/3")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		b := open(t, newBackend)
		require.NoError(t, b.Put("empty", []byte{}, nil))
		got, err := b.Get("empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ReturnedValueIsACopy", func(t *testing.T) {
		b := open(t, newBackend)
		value := []byte("original")
		require.NoError(t, b.Put("k", value, nil))
		value[0] = 'X'

		got, err := b.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), got)
		got[0] = 'Y'

		again, err := b.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), again)
	})

	t.Run("NotFound", func(t *testing.T) {
		b := open(t, newBackend)
		_, err := b.Get("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, b.Delete("missing"), storage.ErrNotFound)
		ok, err := b.Exists("missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Delete", func(t *testing.T) {
		b := open(t, newBackend)
		require.NoError(t, b.Put("releases/item/0xabc", []byte("r"), nil))
		ok, err := b.Exists("releases/item/0xabc")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, b.Delete("releases/item/0xabc"))
		ok, err = b.Exists("releases/item/0xabc")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ListPrefixSorted", func(t *testing.T) {
		b := open(t, newBackend)
		for _, k := range []string{"shares/b/2", "shares/a/1", "releases/a/0x1", "shares/a/10"} {
			require.NoError(t, b.Put(k, []byte(k), nil))
		}

		keys, err := b.List("shares/")
		require.NoError(t, err)
		assert.Equal(t, []string{"shares/a/1", "shares/a/10", "shares/b/2"}, keys)

		keys, err = b.List("shares/a/")
		require.NoError(t, err)
		assert.Equal(t, []string{"shares/a/1", "shares/a/10"}, keys)

		all, err := b.List("")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := b.List("nothing/")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		b := open(t, newBackend)
		for _, k := range []string{"", "../escape", "/abs", "a/../../b"} {
			assert.ErrorIs(t, b.Put(k, []byte("x"), nil), storage.ErrInvalidKey, "key %q", k)
			_, err := b.Get(k)
			assert.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", k)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		b := open(t, newBackend)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("shares/item-%d/1", i)
				assert.NoError(t, b.Put(key, []byte{byte(i)}, nil))
				got, err := b.Get(key)
				assert.NoError(t, err)
				assert.Equal(t, []byte{byte(i)}, got)
			}(i)
		}
		wg.Wait()

		keys, err := b.List("shares/")
		require.NoError(t, err)
		assert.Len(t, keys, 20)
	})
}

func open(t *testing.T, newBackend Factory) storage.Backend {
	t.Helper()
	b := newBackend(t)
	require.NotNil(t, b)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

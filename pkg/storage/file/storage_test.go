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
package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyescrow/pkg/storage"
	"github.com/jeremyhahn/go-keyescrow/pkg/storage/storagetest"
)

func TestConformance_MemMapFs(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		b, err := NewWithFs(afero.NewMemMapFs(), "/var/lib/custodian")
		require.NoError(t, err)
		return b
	})
}

func TestConformance_OsFs(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		b, err := New(t.TempDir())
		require.NoError(t, err)
		return b
	})
}

func TestNew_Errors(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = NewWithFs(nil, "/x")
	assert.Error(t, err)

	_, err = NewWithFs(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/x")
	assert.Error(t, err)
}

func TestPut_LayoutAndPermissions(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Put("shares/item-1/3", []byte("data"), nil))
	info, err := os.Stat(filepath.Join(dir, "shares", "item-1", "3"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, b.Put("shares/item-1/4", []byte("data"), &storage.Options{Permissions: 0640}))
	info, err = os.Stat(filepath.Join(dir, "shares", "item-1", "4"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	// No temporary file is left behind.
	_, err = os.Stat(filepath.Join(dir, "shares", "item-1", "3"+tmpSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestList_SkipsTemporaryFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	b, err := NewWithFs(fsys, "/root")
	require.NoError(t, err)

	require.NoError(t, b.Put("shares/a/1", []byte("x"), nil))
	require.NoError(t, afero.WriteFile(fsys, "/root/shares/a/2"+tmpSuffix, []byte("partial"), 0600))

	keys, err := b.List("shares/")
	require.NoError(t, err)
	assert.Equal(t, []string{"shares/a/1"}, keys)

	assert.ErrorIs(t, b.Put("shares/a/2"+tmpSuffix, []byte("x"), nil), storage.ErrInvalidKey)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, b.Put("shares/item/1", []byte("kept"), nil))
	require.NoError(t, b.Close())

	_, err = b.Get("shares/item/1")
	assert.ErrorIs(t, err, storage.ErrClosed)

	reopened, err := New(dir)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get("shares/item/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
}

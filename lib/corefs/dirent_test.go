// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirInsertLookupRemove(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fc, _ := newTestFileContent(t, 8192)

	root := NilBlock
	var size uint64
	var err error

	root, size, _, err = fc.DirInsert(ctx, root, size, "foo", 10)
	require.NoError(t, err)
	root, size, _, err = fc.DirInsert(ctx, root, size, "bar", 11)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*direntSize), size)

	ino, err := fc.DirLookup(ctx, root, size, "foo")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), ino)

	ino, err = fc.DirLookup(ctx, root, size, "bar")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), ino)

	_, err = fc.DirLookup(ctx, root, size, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	root, _, err = fc.DirRemove(ctx, root, size, "foo")
	require.NoError(t, err)
	_, err = fc.DirLookup(ctx, root, size, "foo")
	assert.ErrorIs(t, err, ErrNotFound)

	// bar must be unaffected by removing foo.
	ino, err = fc.DirLookup(ctx, root, size, "bar")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), ino)
}

func TestDirInsertRejectsDuplicateName(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fc, _ := newTestFileContent(t, 4096)

	root, size, _, err := fc.DirInsert(ctx, NilBlock, 0, "foo", 10)
	require.NoError(t, err)

	_, _, _, err = fc.DirInsert(ctx, root, size, "foo", 99)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDirInsertReusesTombstonedSlot(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fc, _ := newTestFileContent(t, 4096)

	root, size, _, err := fc.DirInsert(ctx, NilBlock, 0, "foo", 10)
	require.NoError(t, err)
	root, size, _, err = fc.DirInsert(ctx, root, size, "bar", 11)
	require.NoError(t, err)

	root, _, err = fc.DirRemove(ctx, root, size, "foo")
	require.NoError(t, err)

	root, newSize, _, err := fc.DirInsert(ctx, root, size, "baz", 12)
	require.NoError(t, err)
	assert.Equal(t, size, newSize, "reusing a tombstoned slot must not grow the directory")

	ino, err := fc.DirLookup(ctx, root, newSize, "baz")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), ino)
}

func TestDirIterateSkipsTombstones(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fc, _ := newTestFileContent(t, 4096)

	root, size, _, err := fc.DirInsert(ctx, NilBlock, 0, "a", 1)
	require.NoError(t, err)
	root, size, _, err = fc.DirInsert(ctx, root, size, "b", 2)
	require.NoError(t, err)
	root, size, _, err = fc.DirInsert(ctx, root, size, "c", 3)
	require.NoError(t, err)

	root, _, err = fc.DirRemove(ctx, root, size, "b")
	require.NoError(t, err)

	var names []string
	require.NoError(t, fc.DirIterate(ctx, root, size, func(e DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	assert.Equal(t, []string{"a", "c"}, names)
}

func TestDirInsertNameTooLong(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	fc, _ := newTestFileContent(t, 4096)

	longName := string(make([]byte, direntMaxName+1))
	_, _, _, err := fc.DirInsert(ctx, NilBlock, 0, longName, 1)
	assert.Error(t, err)
}

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

func newTestAllocator(t *testing.T, numBlocks uint64) (*Allocator, BlockDevice) {
	t.Helper()
	dev := NewMemBlockDevice(numBlocks)
	head, err := formatGroups(dev)
	require.NoError(t, err)
	require.Equal(t, blockGroupHead, head)
	return newAllocator(dev), dev
}

func TestAllocatorAllocateFree(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	alloc, _ := newTestAllocator(t, 1024)

	a, err := alloc.Allocate(ctx)
	require.NoError(t, err)
	b, err := alloc.Allocate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	ok, err := alloc.IsAllocated(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, alloc.Free(ctx, a))
	ok, err = alloc.IsAllocated(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocatorDoubleFree(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	alloc, _ := newTestAllocator(t, 1024)

	a, err := alloc.Allocate(ctx)
	require.NoError(t, err)
	require.NoError(t, alloc.Free(ctx, a))
	err = alloc.Free(ctx, a)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestAllocatorNoSpace(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	// A tiny device: superblock(skipped)+meta+bitmap+a handful of data blocks.
	alloc, _ := newTestAllocator(t, uint64(blockGroupHead)+2+4)

	for i := 0; i < 4; i++ {
		_, err := alloc.Allocate(ctx)
		require.NoError(t, err)
	}
	_, err := alloc.Allocate(ctx)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocatorUsedGroupBlocks(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	alloc, _ := newTestAllocator(t, 1024)

	used, err := alloc.UsedGroupBlocks(ctx)
	require.NoError(t, err)
	assert.Zero(t, used)

	for i := 0; i < 5; i++ {
		_, err := alloc.Allocate(ctx)
		require.NoError(t, err)
	}
	used, err = alloc.UsedGroupBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), used)
}

func TestAllocatorMarkUsedIdempotent(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	alloc, _ := newTestAllocator(t, 1024)

	target := groupDataBase(blockGroupHead) + 3
	require.NoError(t, alloc.MarkUsed(ctx, target))
	require.NoError(t, alloc.MarkUsed(ctx, target))

	ok, err := alloc.IsAllocated(ctx, target)
	require.NoError(t, err)
	assert.True(t, ok)

	used, err := alloc.UsedGroupBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), used)
}

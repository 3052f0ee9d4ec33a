// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBTree(t *testing.T, numBlocks uint64) (*BTree, *Allocator) {
	t.Helper()
	dev := NewMemBlockDevice(numBlocks)
	_, err := formatGroups(dev)
	require.NoError(t, err)
	alloc := newAllocator(dev)
	return newBTree(dev, alloc), alloc
}

func TestBTreeInsertGet(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 4096)

	root := NilBlock
	var err error
	for i := uint64(0); i < 1000; i++ {
		root, err = tree.Insert(ctx, root, i, i*10)
		require.NoError(t, err)
	}
	for i := uint64(0); i < 1000; i++ {
		v, err := tree.Get(ctx, root, i)
		require.NoError(t, err)
		assert.Equal(t, i*10, v)
	}
	_, err = tree.Get(ctx, root, 1000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBTreeInsertDuplicateKeyRejected(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 4096)

	root, err := tree.Insert(ctx, NilBlock, 1, 10)
	require.NoError(t, err)
	_, err = tree.Insert(ctx, root, 1, 99)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestBTreeLeafSplitBoundary(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 4096)

	root := NilBlock
	var err error
	for i := uint64(0); i < LeafCapacity; i++ {
		root, err = tree.Insert(ctx, root, i, i)
		require.NoError(t, err)
	}
	node, err := tree.readNode(root)
	require.NoError(t, err)
	assert.True(t, node.IsLeaf(), "tree should still be a single leaf at exactly capacity")
	assert.Equal(t, LeafCapacity, node.entryCount())

	// One more insert must trigger a split under a freshly promoted
	// internal root: LeafMin entries stay on the left and the remaining
	// LeafCapacity-LeafMin+1 move to the right.
	root, err = tree.Insert(ctx, root, LeafCapacity, LeafCapacity)
	require.NoError(t, err)
	node, err = tree.readNode(root)
	require.NoError(t, err)
	require.False(t, node.IsLeaf())
	require.Len(t, node.Internal, 2)

	left, err := tree.readNode(node.Internal[0].Value)
	require.NoError(t, err)
	right, err := tree.readNode(node.Internal[1].Value)
	require.NoError(t, err)
	assert.Equal(t, LeafMin, left.entryCount())
	assert.Equal(t, LeafCapacity-LeafMin+1, right.entryCount())
}

func TestBTreeUpdate(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 4096)

	root, err := tree.Insert(ctx, NilBlock, 1, 10)
	require.NoError(t, err)
	root, err = tree.Update(ctx, root, 1, 20)
	require.NoError(t, err)
	v, err := tree.Get(ctx, root, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v)

	_, err = tree.Update(ctx, root, 999, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBTreeDelete(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 4096)

	root := NilBlock
	var err error
	for i := uint64(0); i < 500; i++ {
		root, err = tree.Insert(ctx, root, i, i)
		require.NoError(t, err)
	}
	for i := uint64(0); i < 500; i += 2 {
		root, err = tree.Delete(ctx, root, i, nil)
		require.NoError(t, err)
	}
	for i := uint64(0); i < 500; i++ {
		v, err := tree.Get(ctx, root, i)
		if i%2 == 0 {
			assert.ErrorIs(t, err, ErrNotFound)
		} else {
			require.NoError(t, err)
			assert.Equal(t, i, v)
		}
	}
}

func TestBTreeDeleteEverythingEmptiesTree(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 4096)

	root := NilBlock
	var err error
	for i := uint64(0); i < 300; i++ {
		root, err = tree.Insert(ctx, root, i, i)
		require.NoError(t, err)
	}
	for i := uint64(0); i < 300; i++ {
		root, err = tree.Delete(ctx, root, i, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, NilBlock, root)
}

// TestBTreeCoWIsolation is scenario 2 from spec §8: after clone, mutating
// through one handle must not be visible through the other.
func TestBTreeCoWIsolation(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 8192)

	root := NilBlock
	var err error
	for i := uint64(1); i <= 1000; i++ {
		root, err = tree.Insert(ctx, root, i, i*7)
		require.NoError(t, err)
	}

	snapshotRoot, err := tree.Clone(ctx, root)
	require.NoError(t, err)

	root, err = tree.Delete(ctx, root, 500, nil)
	require.NoError(t, err)

	_, err = tree.Get(ctx, root, 500)
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := tree.Get(ctx, snapshotRoot, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(500*7), v)

	// Every other key must also still be intact on both sides.
	for i := uint64(1); i <= 1000; i++ {
		if i == 500 {
			continue
		}
		v1, err := tree.Get(ctx, root, i)
		require.NoError(t, err)
		v2, err := tree.Get(ctx, snapshotRoot, i)
		require.NoError(t, err)
		assert.Equal(t, v1, v2)
	}
}

func TestBTreeFreeOnDrop(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, alloc := newTestBTree(t, 8192)

	root := NilBlock
	var err error
	values := map[uint64]BlockAddr{}
	for i := uint64(0); i < 200; i++ {
		addr, aerr := alloc.Allocate(ctx)
		require.NoError(t, aerr)
		values[i] = addr
		root, err = tree.Insert(ctx, root, i, uint64(addr))
		require.NoError(t, err)
	}

	var disposed []uint64
	err = tree.Free(ctx, root, func(_ context.Context, v uint64) error {
		disposed = append(disposed, v)
		return alloc.Free(ctx, BlockAddr(v))
	})
	require.NoError(t, err)
	assert.Len(t, disposed, 200)

	for _, addr := range values {
		ok, err := alloc.IsAllocated(ctx, addr)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestBTreeFreeOnDropSharedTreeDecrementsOnly(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, alloc := newTestBTree(t, 8192)

	root := NilBlock
	var err error
	for i := uint64(0); i < 50; i++ {
		root, err = tree.Insert(ctx, root, i, i)
		require.NoError(t, err)
	}
	shared, err := tree.Clone(ctx, root)
	require.NoError(t, err)
	require.Equal(t, root, shared)

	var disposed int
	err = tree.Free(ctx, root, func(_ context.Context, v uint64) error {
		disposed++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, disposed, "a shared root's values must not be disposed on the first Free")

	// The shared handle must still read correctly.
	v, err := tree.Get(ctx, shared, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)
}

// TestBTreeIsSharedDetectsFreshClone guards against relying on GetEntry's
// bare per-entry rc to decide whether a value is safe to free: Clone only
// bumps the root's header rc, so an entry untouched since the clone would
// still read rc==0 from GetEntry despite being just as shared.
func TestBTreeIsSharedDetectsFreshClone(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 8192)

	root := NilBlock
	var err error
	for i := uint64(0); i < 10; i++ {
		root, err = tree.Insert(ctx, root, i, i*3)
		require.NoError(t, err)
	}

	_, entryRc, err := tree.GetEntry(ctx, root, 5)
	require.NoError(t, err)
	require.Zero(t, entryRc, "entries start out unshared")

	shared, err := tree.IsShared(ctx, root, 5)
	require.NoError(t, err)
	assert.False(t, shared, "a never-cloned tree must not report sharing")

	clonedRoot, err := tree.Clone(ctx, root)
	require.NoError(t, err)
	require.Equal(t, root, clonedRoot)

	_, entryRc, err = tree.GetEntry(ctx, root, 5)
	require.NoError(t, err)
	assert.Zero(t, entryRc, "Clone bumps only the node header, not per-entry rc")

	shared, err = tree.IsShared(ctx, root, 5)
	require.NoError(t, err)
	assert.True(t, shared, "IsShared must see the node-level rc Clone left behind")

	// Once an Update actually descends through the shared node, its own
	// cow() does the same work IsShared predicted, and the *new* root's
	// copy of the entry is free to go back to being reported unshared
	// (distinguishing it from the original, snapshot-held copy).
	newRoot, err := tree.Update(ctx, root, 5, 999)
	require.NoError(t, err)
	shared, err = tree.IsShared(ctx, newRoot, 5)
	require.NoError(t, err)
	assert.False(t, shared, "the freshly CoW'd copy's entry is exclusively owned again")
}

func TestBTreeRange(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree, _ := newTestBTree(t, 4096)

	root := NilBlock
	var err error
	for i := uint64(0); i < 300; i++ {
		root, err = tree.Insert(ctx, root, i, i)
		require.NoError(t, err)
	}

	var keys []uint64
	err = tree.Range(ctx, root, func(k, v uint64, rc uint32) bool {
		keys = append(keys, k)
		return true
	})
	require.NoError(t, err)
	require.Len(t, keys, 300)
	for i, k := range keys {
		assert.Equal(t, uint64(i), k, "Range must visit keys in order")
	}
}

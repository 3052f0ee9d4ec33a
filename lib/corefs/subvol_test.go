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

func newTestSubvolManager(t *testing.T, numBlocks uint64) (*SubvolManager, BlockAddr, *Allocator) {
	t.Helper()
	dev := NewMemBlockDevice(numBlocks)
	_, err := formatGroups(dev)
	require.NoError(t, err)
	alloc := newAllocator(dev)
	mgrHead, err := alloc.Allocate(dlog.NewTestContext(t, false))
	require.NoError(t, err)
	require.NoError(t, formatManager(dev, mgrHead))
	return newSubvolManager(dev, alloc), mgrHead, alloc
}

func TestSubvolCreate(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 4096)

	id, blockAddr, idx, err := m.Create(ctx, mgrHead, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id, "the first subvolume created must get id 0")

	b, err := m.readBlock(blockAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Count)
	assert.True(t, b.Entries[idx].IsLive())

	id2, _, _, err := m.Create(ctx, mgrHead, 0, 1001)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id2, "ids are allocated as a monotonic max+1 counter")
}

func TestSubvolCreateFillsManyBlocks(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 1<<16)

	var ids []uint64
	for i := 0; i < SubvolsPerManagerBlock+5; i++ {
		id, _, _, err := m.Create(ctx, mgrHead, 0, uint64(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Len(t, ids, SubvolsPerManagerBlock+5)

	list, err := m.List(ctx, mgrHead)
	require.NoError(t, err)
	assert.Len(t, list, SubvolsPerManagerBlock+5, "entries spilling into a second manager block must still be listed")
}

func TestSubvolLookupMissing(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 4096)

	_, _, _, err := m.Lookup(ctx, mgrHead, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSubvolSnapshotCoWIsolation is scenario 2 from spec §8 applied at the
// subvolume layer: mutating the source's inode tree after a snapshot must
// not be visible through the snapshot's own inode tree root.
func TestSubvolSnapshotCoWIsolation(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 1 << 16)

	srcID, blockAddr, idx, err := m.Create(ctx, mgrHead, 0, 1000)
	require.NoError(t, err)

	inodeRoot, err := m.tree.Insert(ctx, NilBlock, 0, 111)
	require.NoError(t, err)
	require.NoError(t, m.UpdateEntry(ctx, mgrHead, srcID, func(e *SubvolEntry) {
		e.InodeTreeRoot = uint64(inodeRoot)
	}))

	snapID, err := m.Snapshot(ctx, mgrHead, srcID, 2000)
	require.NoError(t, err)
	assert.NotEqual(t, srcID, snapID)

	snapEntry, _, _, err := m.Lookup(ctx, mgrHead, snapID)
	require.NoError(t, err)
	assert.Equal(t, inodeRoot, BlockAddr(snapEntry.InodeTreeRoot), "a fresh clone shares the same root address")

	newInodeRoot, err := m.tree.Insert(ctx, inodeRoot, 1, 222)
	require.NoError(t, err)
	require.NoError(t, m.UpdateEntry(ctx, mgrHead, srcID, func(e *SubvolEntry) {
		e.InodeTreeRoot = uint64(newInodeRoot)
	}))

	_, err = m.tree.Get(ctx, newInodeRoot, 1)
	require.NoError(t, err, "key 1 must be visible through the mutated source root")

	snapEntry, _, _, err = m.Lookup(ctx, mgrHead, snapID)
	require.NoError(t, err)
	_, err = m.tree.Get(ctx, BlockAddr(snapEntry.InodeTreeRoot), 1)
	assert.ErrorIs(t, err, ErrNotFound, "the snapshot's inode tree must not observe the source's later insert")

	v, err := m.tree.Get(ctx, BlockAddr(snapEntry.InodeTreeRoot), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(111), v)

	_ = blockAddr
	_ = idx
}

func TestSubvolSnapshotClonesBitmaps(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 1 << 16)

	srcID, _, _, err := m.Create(ctx, mgrHead, 0, 1000)
	require.NoError(t, err)

	bitmapHead, err := m.bitmap.Set(ctx, NilBlock, 5)
	require.NoError(t, err)
	require.NoError(t, m.UpdateEntry(ctx, mgrHead, srcID, func(e *SubvolEntry) {
		e.Bitmap = bitmapHead
	}))

	snapID, err := m.Snapshot(ctx, mgrHead, srcID, 2000)
	require.NoError(t, err)

	srcEntry, _, _, err := m.Lookup(ctx, mgrHead, srcID)
	require.NoError(t, err)
	newBitmapHead, err := m.bitmap.Set(ctx, srcEntry.Bitmap, 6)
	require.NoError(t, err)
	require.NoError(t, m.UpdateEntry(ctx, mgrHead, srcID, func(e *SubvolEntry) {
		e.Bitmap = newBitmapHead
	}))

	snapEntry, _, _, err := m.Lookup(ctx, mgrHead, snapID)
	require.NoError(t, err)
	ok, err := m.bitmap.Test(ctx, snapEntry.Bitmap, 6)
	require.NoError(t, err)
	assert.False(t, ok, "setting a bit on the source bitmap after snapshot must not affect the snapshot's bitmap")

	ok, err = m.bitmap.Test(ctx, snapEntry.Bitmap, 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestSubvolRemoveWithNoSnapsClearsSlot covers the snaps==0 branch of
// Remove: the slot is cleared entirely and the block's count drops.
func TestSubvolRemoveWithNoSnapsClearsSlot(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, alloc := newTestSubvolManager(t, 1 << 16)

	id, blockAddr, idx, err := m.Create(ctx, mgrHead, 0, 1000)
	require.NoError(t, err)

	// Inode-tree values are inode-group block addresses, which Remove
	// frees, so the value must be a really allocated block.
	groupBlock, err := alloc.Allocate(ctx)
	require.NoError(t, err)
	treeRoot, err := m.tree.Insert(ctx, NilBlock, 0, uint64(groupBlock))
	require.NoError(t, err)
	bitmapHead, err := m.bitmap.Set(ctx, NilBlock, 0)
	require.NoError(t, err)
	require.NoError(t, m.UpdateEntry(ctx, mgrHead, id, func(e *SubvolEntry) {
		e.InodeTreeRoot = uint64(treeRoot)
		e.Bitmap = bitmapHead
	}))

	require.NoError(t, m.Remove(ctx, mgrHead, id))

	b, err := m.readBlock(blockAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.Count)
	assert.Equal(t, uint8(0), b.Entries[idx].State, "a snaps==0 removal must clear the slot entirely")

	_, _, _, err = m.Lookup(ctx, mgrHead, id)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := alloc.IsAllocated(ctx, treeRoot)
	require.NoError(t, err)
	assert.False(t, ok, "the freed subvolume's inode tree root block must be released")
}

// TestSubvolRemoveWithSnapsMarksRemoved covers the snaps!=0 branch: the
// entry survives, tombstoned, so the child snapshot can still resolve
// parent_subvol, and removing the child then cascades the cleanup.
func TestSubvolRemoveWithSnapsMarksRemoved(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 1 << 16)

	srcID, blockAddr, idx, err := m.Create(ctx, mgrHead, 0, 1000)
	require.NoError(t, err)

	snapID, err := m.Snapshot(ctx, mgrHead, srcID, 2000)
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, mgrHead, srcID))

	b, err := m.readBlock(blockAddr)
	require.NoError(t, err)
	assert.Equal(t, SubvolStateRemoved, b.Entries[idx].State, "a subvolume with live snapshots is tombstoned, not cleared")

	entry, _, _, err := m.Lookup(ctx, mgrHead, srcID)
	require.NoError(t, err, "Lookup still finds a tombstoned entry, so snapshots can resolve parent_subvol")
	assert.Equal(t, SubvolStateRemoved, entry.State, "Lookup returns the tombstone, not a live entry")

	// Removing the last snapshot must cascade and finally clear the
	// tombstoned parent's slot.
	require.NoError(t, m.Remove(ctx, mgrHead, snapID))

	b, err = m.readBlock(blockAddr)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), b.Entries[idx].State, "decrementSnaps must clear a removed parent once its last snapshot is gone")
}

func TestSubvolSetDefaultRejectsUnknown(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 4096)

	assert.Error(t, m.SetDefault(ctx, mgrHead, 123))

	id, _, _, err := m.Create(ctx, mgrHead, 0, 1000)
	require.NoError(t, err)
	assert.NoError(t, m.SetDefault(ctx, mgrHead, id))
}

func TestSubvolIsReadOnlyFlag(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m, mgrHead, _ := newTestSubvolManager(t, 4096)

	id, _, _, err := m.Create(ctx, mgrHead, SubvolFlagReadonly, 1000)
	require.NoError(t, err)

	entry, _, _, err := m.Lookup(ctx, mgrHead, id)
	require.NoError(t, err)
	assert.True(t, entry.IsReadOnly())
	assert.True(t, entry.IsLive())
}

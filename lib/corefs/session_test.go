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

func newTestSession(t *testing.T, numBlocks uint64) (*Session, BlockDevice) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	dev := NewMemBlockDevice(numBlocks)
	require.NoError(t, Format(ctx, dev, "test-label", NewUUID(), 1_700_000_000))
	sess, err := Mount(ctx, dev)
	require.NoError(t, err)
	return sess, dev
}

// TestFormatAndMount is scenario 1 from spec §8: a freshly formatted
// filesystem mounts with a sane superblock and exactly one subvolume.
func TestFormatAndMount(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<16)

	sb := sess.Superblock()
	assert.Equal(t, Magic, sb.Magic)
	assert.Equal(t, CurrentVersion, sb.Version)
	assert.Equal(t, uint64(0), sb.DefaultSubvol)
	assert.Equal(t, "test-label", sb.GetLabel())

	list, err := sess.SubvolumeList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(0), list[0].ID)
	assert.True(t, list[0].IsLive())

	require.NoError(t, sess.VerifySuperblock(ctx))
}

func TestSessionInodeAndFileLifecycle(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<16)

	ino, err := sess.InodeCreate(ctx, 0, TypeRegular, 0o644, 0, 0, 1000)
	require.NoError(t, err)

	data := []byte("hello, corefs")
	require.NoError(t, sess.FileWrite(ctx, 0, ino, 0, data, 1001))

	got, err := sess.FileRead(ctx, 0, ino, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	inode, err := sess.InodeGet(ctx, 0, ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), inode.Size)
	assert.Equal(t, uint64(1001), inode.Mtime)

	require.NoError(t, sess.FileTruncate(ctx, 0, ino, 4, 1002))
	got, err = sess.FileRead(ctx, 0, ino, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("hell"), got)

	require.NoError(t, sess.InodeRemove(ctx, 0, ino))
	_, err = sess.InodeGet(ctx, 0, ino)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, sess.VerifySuperblock(ctx))
}

func TestSessionDirectoryOperations(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<16)

	dirIno, err := sess.InodeCreate(ctx, 0, TypeDirectory, 0o755, 0, 0, 1000)
	require.NoError(t, err)
	fileIno, err := sess.InodeCreate(ctx, 0, TypeRegular, 0o644, 0, 0, 1000)
	require.NoError(t, err)

	require.NoError(t, sess.DirInsert(ctx, 0, dirIno, "greeting.txt", fileIno, 1001))

	got, err := sess.DirLookup(ctx, 0, dirIno, "greeting.txt")
	require.NoError(t, err)
	assert.Equal(t, fileIno, got)

	require.NoError(t, sess.DirRemove(ctx, 0, dirIno, "greeting.txt", 1002))
	_, err = sess.DirLookup(ctx, 0, dirIno, "greeting.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSessionSnapshotCoWIsolation is scenario 2 from spec §8 at the full
// session/public-API level: writing new file content in the source
// subvolume after a snapshot must leave the snapshot's view untouched.
func TestSessionSnapshotCoWIsolation(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<17)

	ino, err := sess.InodeCreate(ctx, 0, TypeRegular, 0o644, 0, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, sess.FileWrite(ctx, 0, ino, 0, []byte("original"), 1001))

	snapID, err := sess.SubvolumeSnapshot(ctx, 0, 2000)
	require.NoError(t, err)

	require.NoError(t, sess.FileWrite(ctx, 0, ino, 0, []byte("mutated!"), 3000))

	gotSrc, err := sess.FileRead(ctx, 0, ino, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutated!"), gotSrc)

	gotSnap, err := sess.FileRead(ctx, snapID, ino, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), gotSnap, "the snapshot must retain the pre-mutation content")
}

// TestSessionSnapshotRemoval is scenario 4 from spec §8: removing a
// snapshot must leave the source subvolume's data intact and keep the
// superblock's used_blocks count consistent with the allocator.
func TestSessionSnapshotRemoval(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<17)

	ino, err := sess.InodeCreate(ctx, 0, TypeRegular, 0o644, 0, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, sess.FileWrite(ctx, 0, ino, 0, []byte("keep me"), 1001))

	snapID, err := sess.SubvolumeSnapshot(ctx, 0, 2000)
	require.NoError(t, err)

	require.NoError(t, sess.FileWrite(ctx, 0, ino, 100, []byte("more data"), 3000))

	require.NoError(t, sess.SubvolumeRemove(ctx, snapID))

	got, err := sess.FileRead(ctx, 0, ino, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), got)

	require.NoError(t, sess.VerifySuperblock(ctx))
}

func TestSessionReadOnlySubvolumeRejectsMutation(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<16)

	ino, err := sess.InodeCreate(ctx, 0, TypeRegular, 0o644, 0, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, sess.FileWrite(ctx, 0, ino, 0, []byte("data"), 1001))

	snapID, err := sess.SubvolumeSnapshot(ctx, 0, 2000)
	require.NoError(t, err)
	require.NoError(t, sess.svmgr.UpdateEntry(ctx, sess.sb.SubvolMgr, snapID, func(e *SubvolEntry) {
		e.Flags |= SubvolFlagReadonly
	}))

	err = sess.FileWrite(ctx, snapID, ino, 0, []byte("nope"), 3000)
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = sess.InodeCreate(ctx, snapID, TypeRegular, 0o644, 0, 0, 3000)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestSessionReclaimLeaksFreesUnreachableBlock(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<16)

	leaked, err := sess.alloc.Allocate(ctx)
	require.NoError(t, err)
	// Count the leaked block in used_blocks, as the resync at the end of
	// any completed operation would, so the reclaim has it to take back.
	require.NoError(t, sess.syncUsedBlocks(ctx))

	before := sess.Superblock().UsedBlocks

	reclaimed, err := sess.ReclaimLeaks(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reclaimed, uint64(1))

	ok, err := sess.alloc.IsAllocated(ctx, leaked)
	require.NoError(t, err)
	assert.False(t, ok, "a block allocated but never linked anywhere must be swept")

	after := sess.Superblock().UsedBlocks
	assert.Less(t, after, before, "used_blocks must be resynced downward after a reclaim")
	require.NoError(t, sess.VerifySuperblock(ctx))
}

func TestSessionReclaimLeaksNoopOnCleanFilesystem(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<16)

	ino, err := sess.InodeCreate(ctx, 0, TypeRegular, 0o644, 0, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, sess.FileWrite(ctx, 0, ino, 0, []byte("steady state"), 1001))

	reclaimed, err := sess.ReclaimLeaks(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed, "a consistent filesystem has nothing to reclaim")
}

func TestVerifySuperblockDetectsTamperedCounter(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	sess, _ := newTestSession(t, 1<<16)

	sess.sb.UsedBlocks += 1000
	assert.Error(t, sess.VerifySuperblock(ctx))
}

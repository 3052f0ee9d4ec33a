// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubvolEntryRoundTrip(t *testing.T) {
	t.Parallel()
	e := SubvolEntry{
		ID:             7,
		InodeTreeRoot:  100,
		RootInode:      0,
		Bitmap:         200,
		SharedBitmap:   300,
		IgroupBitmap:   400,
		UsedBlocks:     500,
		RealUsedBlocks: 10,
		CreationDate:   1_700_000_000,
		Snaps:          2,
		ParentSubvol:   1,
		State:          SubvolStateAllocated,
		Flags:          SubvolFlagReadonly,
	}

	// SubvolEntry is smaller than one block, so it round-trips embedded
	// in a SubvolManagerBlock the same way the on-disk format stores it.
	var b SubvolManagerBlock
	b.Entries[0] = e
	buf, err := marshalBlock(b)
	require.NoError(t, err)

	var got SubvolManagerBlock
	require.NoError(t, unmarshalBlock(buf, &got))
	assert.Equal(t, e, got.Entries[0])
}

func TestSubvolEntryIsReadOnlyAndIsLive(t *testing.T) {
	t.Parallel()
	live := SubvolEntry{State: SubvolStateAllocated}
	assert.True(t, live.IsLive())
	assert.False(t, live.IsReadOnly())

	removed := SubvolEntry{State: SubvolStateRemoved}
	assert.False(t, removed.IsLive())

	ro := SubvolEntry{State: SubvolStateAllocated, Flags: SubvolFlagReadonly}
	assert.True(t, ro.IsReadOnly())
}

func TestSubvolManagerBlockRoundTrip(t *testing.T) {
	t.Parallel()
	b := SubvolManagerBlock{Next: 42, Count: 2}
	b.Entries[0] = SubvolEntry{ID: 0, State: SubvolStateAllocated}
	b.Entries[1] = SubvolEntry{ID: 1, State: SubvolStateAllocated}

	buf, err := marshalBlock(b)
	require.NoError(t, err)
	assert.Len(t, buf, BlockSize)

	var got SubvolManagerBlock
	require.NoError(t, unmarshalBlock(buf, &got))
	assert.Equal(t, b.Next, got.Next)
	assert.Equal(t, b.Count, got.Count)
	assert.Equal(t, b.Entries[0], got.Entries[0])
	assert.Equal(t, b.Entries[1], got.Entries[1])
	for i := 2; i < SubvolsPerManagerBlock; i++ {
		assert.Equal(t, uint8(0), got.Entries[i].State, "untouched slots round-trip as zero-state")
	}
}

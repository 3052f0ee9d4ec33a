// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"github.com/31corefs/corefs/lib/binstruct"
)

// GroupCapacity is the maximum number of data blocks a single block group
// can hold: 8*BLOCK_SIZE bits of bitmap, one bit per data block (spec §3).
const GroupCapacity = 8 * BlockSize // 32768

// BitmapBytes is the size, in bytes, of a full block group's bitmap; it
// is exactly one block (32768 bits / 8 == BlockSize), so the bitmap has
// its own dedicated block with no header.
const BitmapBytes = GroupCapacity / 8

// GroupMeta is the one-block metadata header of a block group (spec §3).
type GroupMeta struct {
	ID           uint64 `bin:"off=0x0,  siz=0x8"`
	NextGroup    BlockAddr `bin:"off=0x8,  siz=0x8"`
	Capacity     uint64 `bin:"off=0x10, siz=0x8"`
	FreeBlocks   uint64 `bin:"off=0x18, siz=0x8"`

	Reserved      [BlockSize - 0x20]byte `bin:"off=0x20, siz=0xfe0"`
	binstruct.End `bin:"off=0x1000"`
}

// groupDataBase returns the first address of a group's data region,
// given the address of the group's meta block (the group's bitmap block,
// see groupBitmapAddr, sits between the two).
func groupDataBase(metaAddr BlockAddr) BlockAddr {
	return metaAddr + 2
}

func groupBitmapAddr(metaAddr BlockAddr) BlockAddr {
	return metaAddr + 1
}

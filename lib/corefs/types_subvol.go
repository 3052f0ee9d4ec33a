// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"github.com/31corefs/corefs/lib/binstruct"
)

// Subvolume entry state values (spec §3).
const (
	SubvolStateAllocated uint8 = 0x01
	SubvolStateRemoved   uint8 = 0x02
)

// SubvolFlagReadonly is bit 0 of a subvolume entry's flags byte (spec §3).
const SubvolFlagReadonly uint8 = 0x01

// SubvolEntry is one 128-byte subvolume record (spec §3).
type SubvolEntry struct {
	ID              uint64    `bin:"off=0x0,  siz=0x8"`
	InodeTreeRoot   uint64    `bin:"off=0x8,  siz=0x8"`
	RootInode       uint64    `bin:"off=0x10, siz=0x8"`
	Bitmap          BlockAddr `bin:"off=0x18, siz=0x8"`
	SharedBitmap    BlockAddr `bin:"off=0x20, siz=0x8"`
	IgroupBitmap    BlockAddr `bin:"off=0x28, siz=0x8"`
	UsedBlocks      uint64    `bin:"off=0x30, siz=0x8"`
	RealUsedBlocks  uint64    `bin:"off=0x38, siz=0x8"`
	CreationDate    uint64    `bin:"off=0x40, siz=0x8"`
	Snaps           uint64    `bin:"off=0x48, siz=0x8"`
	ParentSubvol    uint64    `bin:"off=0x50, siz=0x8"`
	State           uint8     `bin:"off=0x58, siz=0x1"`
	Flags           uint8     `bin:"off=0x59, siz=0x1"`

	Reserved      [128 - 0x5a]byte `bin:"off=0x5a, siz=0x26"`
	binstruct.End `bin:"off=0x80"`
}

func (e SubvolEntry) IsReadOnly() bool { return e.Flags&SubvolFlagReadonly != 0 }
func (e SubvolEntry) IsLive() bool     { return e.State == SubvolStateAllocated }

// SubvolsPerManagerBlock is the number of subvolume_entry records that fit
// in one subvolume-manager block alongside its 16-byte {next, count}
// header.
//
// The spec's literal text says 63 entries of 128 bytes each, but
// 16 + 63*128 = 8080 bytes, which overruns the fixed 4096-byte BLOCK_SIZE
// used everywhere else in the on-disk format (spec §3 "all structures...
// tightly packed" against a single BLOCK_SIZE block per structure). This
// implementation takes BLOCK_SIZE as the hard invariant (every on-disk
// "block" literally fits in one block) and recomputes the entry count
// that actually satisfies it: (4096-16)/128 = 31.
const SubvolsPerManagerBlock = (BlockSize - 16) / 128 // 31

// SubvolManagerBlock is one block of the subvolume manager's linked list
// (spec §3/§4.6).
type SubvolManagerBlock struct {
	Next          BlockAddr                          `bin:"off=0x0,  siz=0x8"`
	Count         uint64                             `bin:"off=0x8,  siz=0x8"`
	Entries       [SubvolsPerManagerBlock]SubvolEntry `bin:"off=0x10, siz=0xf80"`
	Reserved      [BlockSize - 0xf90]byte             `bin:"off=0xf90, siz=0x70"`
	binstruct.End `bin:"off=0x1000"`
}

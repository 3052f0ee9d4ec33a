// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"github.com/31corefs/corefs/lib/binstruct"
)

// File type bits packed into the top 7 bits of Inode.TypeACL (spec §3).
const (
	TypeRegular   uint16 = 0x1 << 9
	TypeDirectory uint16 = 0x2 << 9
	TypeSymlink   uint16 = 0x4 << 9
)

// TypeMask/PermMask split TypeACL into its file-type and rwxrwxrwx parts.
const (
	TypeMask uint16 = 0xFE00
	PermMask uint16 = 0x01FF
)

// EmptyTypeACL is the sentinel marking an inode slot as unused (spec §3).
const EmptyTypeACL uint16 = 0xFFFF

// InodesPerGroup is the number of 64-byte inodes packed into one block
// (spec §3/§4.5).
const InodesPerGroup = BlockSize / 64

// Inode is the fixed 64-byte on-disk inode record (spec §3).
type Inode struct {
	TypeACL       uint16 `bin:"off=0x0,  siz=0x2"`
	Uid           uint16 `bin:"off=0x2,  siz=0x2"`
	Gid           uint16 `bin:"off=0x4,  siz=0x2"`
	Atime         uint64 `bin:"off=0x6,  siz=0x8"`
	Ctime         uint64 `bin:"off=0xe,  siz=0x8"`
	Mtime         uint64 `bin:"off=0x16, siz=0x8"`
	Hlinks        uint16 `bin:"off=0x1e, siz=0x2"`
	Size          uint64 `bin:"off=0x20, siz=0x8"`
	BtreeRoot     uint64 `bin:"off=0x28, siz=0x8"`
	Reserved      [64 - 0x30]byte `bin:"off=0x30, siz=0x10"`
	binstruct.End `bin:"off=0x40"`
}

// IsEmpty reports whether the inode slot holds no live inode.
func (ino Inode) IsEmpty() bool { return ino.TypeACL == EmptyTypeACL }

// EmptyInode returns the sentinel value written into freed/unused slots.
func EmptyInode() Inode { return Inode{TypeACL: EmptyTypeACL} }

// FileType extracts the file-type bits.
func (ino Inode) FileType() uint16 { return ino.TypeACL & TypeMask }

// Perm extracts the rwxrwxrwx permission bits.
func (ino Inode) Perm() uint16 { return ino.TypeACL & PermMask }

// inodeGroup is one block holding InodesPerGroup consecutive inodes (spec
// §3/§4.5). Unlike B-Tree nodes and linked-bitmap/content blocks, it
// carries no header or rc of its own: per the design note in spec §9, an
// inode-group block's sharing status is tracked solely by the owning
// inode-group B-Tree's leaf-entry rc, so the block itself needs nothing
// beyond the 64 raw inode records.
type inodeGroup struct {
	Inodes [InodesPerGroup]Inode
}

func marshalInodeGroup(g inodeGroup) ([]byte, error) {
	buf := make([]byte, 0, BlockSize)
	for _, ino := range g.Inodes {
		b, err := binstruct.Marshal(ino)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

func unmarshalInodeGroup(dat []byte) (inodeGroup, error) {
	var g inodeGroup
	off := 0
	for i := range g.Inodes {
		if _, err := binstruct.Unmarshal(dat[off:off+64], &g.Inodes[i]); err != nil {
			return g, err
		}
		off += 64
	}
	return g, nil
}

// inodeNumber composes a global inode number from a group index and slot.
func inodeNumber(group uint64, slot int) uint64 { return group*InodesPerGroup + uint64(slot) }

// splitInodeNumber decomposes a global inode number into its group index
// and in-group slot (spec §4.5: i = 64*g + x).
func splitInodeNumber(ino uint64) (group uint64, slot int) {
	return ino / InodesPerGroup, int(ino % InodesPerGroup)
}

// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"fmt"

	"github.com/31corefs/corefs/lib/binstruct"
)

// Node type tags (spec §3).
const (
	NodeTypeLeaf     uint8 = 0x0F
	NodeTypeInternal uint8 = 0xF0
)

// Branching factors, spec §4.2.
const (
	LeafCapacity     = 204
	LeafMin          = 102
	leafSplitAt      = 102 // median index when proactively splitting a full leaf
	InternalCapacity = 255
	InternalMin      = 128
	internalSplitAt  = 128 // median index when proactively splitting a full internal node
)

// NodeHeader is the common 16-byte header present in every B-Tree node
// block (spec §3).
type NodeHeader struct {
	EntryCount    uint16 `bin:"off=0x0, siz=0x2"`
	Reserved1     uint8  `bin:"off=0x2, siz=0x1"`
	Type          uint8  `bin:"off=0x3, siz=0x1"`
	Rc            uint32 `bin:"off=0x4, siz=0x4"`
	Reserved2     uint64 `bin:"off=0x8, siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

// LeafEntry is one (key, value, rc) triple in a leaf node: 20 bytes.
type LeafEntry struct {
	Key           uint64 `bin:"off=0x0,  siz=0x8"`
	Value         uint64 `bin:"off=0x8,  siz=0x8"`
	Rc            uint32 `bin:"off=0x10, siz=0x4"`
	binstruct.End `bin:"off=0x14"`
}

// InternalEntry is one (key, child-block) pair in an internal node: 16
// bytes.  Key is the smallest key reachable through Value.
type InternalEntry struct {
	Key           uint64    `bin:"off=0x0, siz=0x8"`
	Value         BlockAddr `bin:"off=0x8, siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

// Node is one B-Tree block: a header plus either 204 leaf entries or 255
// internal entries (both cases total exactly BlockSize bytes).  Unused
// trailing slots on disk are zero; Node itself only carries the live
// Header.EntryCount entries in memory.
type Node struct {
	Header   NodeHeader
	Leaf     []LeafEntry
	Internal []InternalEntry
}

var (
	_ binstruct.Marshaler   = Node{}
	_ binstruct.Unmarshaler = (*Node)(nil)
)

func (n Node) MarshalBinary() ([]byte, error) {
	hdr := n.Header
	switch hdr.Type {
	case NodeTypeLeaf:
		hdr.EntryCount = uint16(len(n.Leaf))
	case NodeTypeInternal:
		hdr.EntryCount = uint16(len(n.Internal))
	default:
		return nil, fmt.Errorf("%w: invalid node type byte %#x", ErrCorrupted, hdr.Type)
	}
	hdrBytes, err := binstruct.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, BlockSize)
	buf = append(buf, hdrBytes...)

	switch hdr.Type {
	case NodeTypeLeaf:
		for i := 0; i < LeafCapacity; i++ {
			var e LeafEntry
			if i < len(n.Leaf) {
				e = n.Leaf[i]
			}
			b, err := binstruct.Marshal(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
	case NodeTypeInternal:
		for i := 0; i < InternalCapacity; i++ {
			var e InternalEntry
			if i < len(n.Internal) {
				e = n.Internal[i]
			}
			b, err := binstruct.Marshal(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
	}
	if len(buf) != BlockSize {
		return nil, fmt.Errorf("corefs: marshaled node to %d bytes, want %d", len(buf), BlockSize)
	}
	return buf, nil
}

func (n *Node) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < BlockSize {
		return 0, fmt.Errorf("corefs: short node buffer: %d bytes", len(dat))
	}
	var hdr NodeHeader
	if _, err := binstruct.Unmarshal(dat[:0x10], &hdr); err != nil {
		return 0, err
	}
	n.Header = hdr
	off := 0x10
	switch hdr.Type {
	case NodeTypeLeaf:
		if int(hdr.EntryCount) > LeafCapacity {
			return 0, fmt.Errorf("%w: leaf entry_count=%d exceeds capacity %d", ErrCorrupted, hdr.EntryCount, LeafCapacity)
		}
		n.Leaf = make([]LeafEntry, hdr.EntryCount)
		for i := range n.Leaf {
			if _, err := binstruct.Unmarshal(dat[off:off+0x14], &n.Leaf[i]); err != nil {
				return 0, err
			}
			off += 0x14
		}
		n.Internal = nil
	case NodeTypeInternal:
		if int(hdr.EntryCount) > InternalCapacity {
			return 0, fmt.Errorf("%w: internal entry_count=%d exceeds capacity %d", ErrCorrupted, hdr.EntryCount, InternalCapacity)
		}
		n.Internal = make([]InternalEntry, hdr.EntryCount)
		for i := range n.Internal {
			if _, err := binstruct.Unmarshal(dat[off:off+0x10], &n.Internal[i]); err != nil {
				return 0, err
			}
			off += 0x10
		}
		n.Leaf = nil
	default:
		return 0, fmt.Errorf("%w: invalid node type byte %#x", ErrCorrupted, hdr.Type)
	}
	return BlockSize, nil
}

// IsLeaf reports whether the node is a leaf, per the header type tag.
func (n Node) IsLeaf() bool { return n.Header.Type == NodeTypeLeaf }

// entryCount returns the number of live entries, regardless of node kind.
func (n Node) entryCount() int {
	if n.IsLeaf() {
		return len(n.Leaf)
	}
	return len(n.Internal)
}

// minKey returns the smallest key reachable from this node.
func (n Node) minKey() uint64 {
	if n.IsLeaf() {
		return n.Leaf[0].Key
	}
	return n.Internal[0].Key
}

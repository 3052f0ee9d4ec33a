// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"
	"fmt"

	"github.com/31corefs/corefs/lib/binstruct"
)

// bitmapPayloadBytes is the per-block payload of a linked-bitmap chain:
// BLOCK_SIZE-16 bytes after the 16-byte {next, rc} header, so each block
// addresses 8*(BlockSize-16) contiguous bits.
const bitmapPayloadBytes = BlockSize - 16
const bitsPerBitmapBlock = bitmapPayloadBytes * 8

// bitmapBlock is one block of a linked-bitmap chain (spec §3/§4.3).
type bitmapBlock struct {
	Next          BlockAddr                  `bin:"off=0x0, siz=0x8"`
	Rc            uint64                     `bin:"off=0x8, siz=0x8"`
	Data          [bitmapPayloadBytes]byte   `bin:"off=0x10, siz=0xfF0"`
	binstruct.End `bin:"off=0x1000"`
}

// LinkedBitmap is the per-subvolume unbounded bitmap described in spec
// §4.3: a chain of blocks, each with its own rc for CoW sharing between a
// subvolume and its snapshots (the chain HEAD's rc governs the whole
// chain, mirroring the B-Tree node convention in §4.2).
type LinkedBitmap struct {
	dev   BlockDevice
	alloc *Allocator
}

func newLinkedBitmap(dev BlockDevice, alloc *Allocator) *LinkedBitmap {
	return &LinkedBitmap{dev: dev, alloc: alloc}
}

func (lb *LinkedBitmap) readBlock(addr BlockAddr) (bitmapBlock, error) {
	var b bitmapBlock
	buf := make([]byte, BlockSize)
	if err := lb.dev.ReadBlock(addr, buf); err != nil {
		return b, err
	}
	if err := unmarshalBlock(buf, &b); err != nil {
		return b, &CorruptedError{Where: "linked bitmap block", Addr: addr, Err: err}
	}
	return b, nil
}

func (lb *LinkedBitmap) writeBlock(addr BlockAddr, b bitmapBlock) error {
	buf, err := marshalBlock(b)
	if err != nil {
		return err
	}
	return lb.dev.WriteBlock(addr, buf)
}

// Clone bumps the chain head's rc, per the same convention as BTree.Clone.
func (lb *LinkedBitmap) Clone(ctx context.Context, head BlockAddr) (BlockAddr, error) {
	if head == NilBlock {
		return NilBlock, nil
	}
	b, err := lb.readBlock(head)
	if err != nil {
		return NilBlock, err
	}
	b.Rc++
	if err := lb.writeBlock(head, b); err != nil {
		return NilBlock, err
	}
	return head, nil
}

// FirstClear scans the chain in bit order for the first clear bit and
// returns it. If every bit in the existing chain is set (or the chain is
// empty), found is false and bit is the first bit position just past the
// current chain's capacity — i.e. where Set would need to extend the
// chain to place a new bit.
func (lb *LinkedBitmap) FirstClear(ctx context.Context, head BlockAddr) (bit uint64, found bool, err error) {
	addr := head
	var blockIdx uint64
	for addr != NilBlock {
		b, err := lb.readBlock(addr)
		if err != nil {
			return 0, false, err
		}
		if localBit, ok := firstClearBit(b.Data[:], bitsPerBitmapBlock); ok {
			return blockIdx*bitsPerBitmapBlock + localBit, true, nil
		}
		addr = b.Next
		blockIdx++
	}
	return blockIdx * bitsPerBitmapBlock, false, nil
}

// Test reports whether bit is set anywhere in the chain; an absent block
// (chain shorter than needed to cover bit) reads as unset.
func (lb *LinkedBitmap) Test(ctx context.Context, head BlockAddr, bit uint64) (bool, error) {
	addr := head
	blockIdx := bit / bitsPerBitmapBlock
	localBit := bit % bitsPerBitmapBlock
	for i := uint64(0); addr != NilBlock; i++ {
		b, err := lb.readBlock(addr)
		if err != nil {
			return false, err
		}
		if i == blockIdx {
			return testBit(b.Data[:], localBit), nil
		}
		addr = b.Next
	}
	return false, nil
}

// Set flips bit on, CoW-cloning every block in the chain up to and
// including blockIdx that has rc>0, and extending the chain with
// freshly-zeroed blocks if it is too short to reach bit yet.
func (lb *LinkedBitmap) Set(ctx context.Context, head BlockAddr, bit uint64) (BlockAddr, error) {
	return lb.mutate(ctx, head, bit, true)
}

// Clear flips bit off, with the same CoW/extension behavior as Set. It is
// legal to Clear a bit in a chain that doesn't reach that far; the chain
// is still extended so that a later Test observes a definite "unset"
// block, matching Set's extension behavior and keeping the two operations
// symmetric.
func (lb *LinkedBitmap) Clear(ctx context.Context, head BlockAddr, bit uint64) (BlockAddr, error) {
	return lb.mutate(ctx, head, bit, false)
}

func (lb *LinkedBitmap) mutate(ctx context.Context, head BlockAddr, bit uint64, value bool) (BlockAddr, error) {
	blockIdx := bit / bitsPerBitmapBlock
	localBit := bit % bitsPerBitmapBlock

	blocks, addrs, err := lb.cowChainPrefix(ctx, head, blockIdx)
	if err != nil {
		return NilBlock, err
	}

	last := len(blocks) - 1
	if value {
		setBit(blocks[last].Data[:], localBit)
	} else {
		clearBit(blocks[last].Data[:], localBit)
	}
	for i, b := range blocks {
		if err := lb.writeBlock(addrs[i], b); err != nil {
			return NilBlock, err
		}
	}
	return addrs[0], nil
}

// bumpNextRc increments the rc of the block at addr (the Next link carried
// forward by a just-cloned chain block), mirroring BTree.bumpChildRc: once a
// block is cloned, both the frozen original and the fresh copy point at the
// same downstream block, so that block has gained one more referrer.
func (lb *LinkedBitmap) bumpNextRc(addr BlockAddr) error {
	if addr == NilBlock {
		return nil
	}
	b, err := lb.readBlock(addr)
	if err != nil {
		return err
	}
	b.Rc++
	return lb.writeBlock(addr, b)
}

// cowChainPrefix walks the chain from head through block index targetIdx
// (0-based), CoW-cloning any block whose rc>0 and allocating fresh
// zeroed blocks to extend the chain if it is currently shorter than
// targetIdx+1. It returns the in-memory blocks [0..targetIdx], already
// linked to each other via Next and to whatever tail of the original
// chain follows, together with their (possibly new) addresses; the
// caller mutates blocks[len-1]'s bitmap bits and persists all of them.
//
// Cloning a block duplicates its Next link: the frozen original (kept for
// whoever else still holds its address) and the fresh copy (linked in by
// this call) both end up pointing at the same downstream block. That
// downstream block has therefore gained a referrer and must have its own
// rc bumped — exactly the chain-of-custody bumpChildRc performs for each
// entry of a cloned B-Tree node — so that a later mutate reaching further
// down the chain correctly detects the sharing instead of mutating a block
// a snapshot still depends on.
func (lb *LinkedBitmap) cowChainPrefix(ctx context.Context, head BlockAddr, targetIdx uint64) ([]bitmapBlock, []BlockAddr, error) {
	var blocks []bitmapBlock
	var addrs []BlockAddr

	addr := head
	for i := uint64(0); i <= targetIdx; i++ {
		var (
			b   bitmapBlock
			err error
		)
		existed := addr != NilBlock
		if existed {
			b, err = lb.readBlock(addr)
			if err != nil {
				return nil, nil, err
			}
		}

		var newAddr BlockAddr
		switch {
		case !existed:
			newAddr, err = lb.alloc.Allocate(ctx)
			if err != nil {
				return nil, nil, err
			}
			b = bitmapBlock{Next: NilBlock}
		case b.Rc > 0:
			newAddr, err = lb.alloc.Allocate(ctx)
			if err != nil {
				return nil, nil, err
			}
			cloned := b
			cloned.Rc = 0
			b.Rc--
			if err := lb.writeBlock(addr, b); err != nil {
				return nil, nil, err
			}
			if err := lb.bumpNextRc(cloned.Next); err != nil {
				return nil, nil, err
			}
			b = cloned
		default:
			newAddr = addr
		}

		if existed {
			addr = b.Next
		}

		blocks = append(blocks, b)
		addrs = append(addrs, newAddr)
		if i > 0 {
			blocks[i-1].Next = newAddr
		}
	}

	if len(addrs) == 0 {
		return nil, nil, fmt.Errorf("corefs: linked bitmap: empty chain prefix")
	}
	return blocks, addrs, nil
}

// Free walks the whole chain, decrementing rc (per spec §4.3, mirroring
// §4.2's free-on-drop): a block whose rc was already 0 is freed outright
// and the walk continues into Next; a block with rc>0 only has its rc
// decremented and the walk stops, since the remainder of the chain is
// still referenced through that block.
func (lb *LinkedBitmap) Free(ctx context.Context, head BlockAddr) error {
	addr := head
	for addr != NilBlock {
		b, err := lb.readBlock(addr)
		if err != nil {
			return err
		}
		if b.Rc > 0 {
			b.Rc--
			return lb.writeBlock(addr, b)
		}
		next := b.Next
		if err := lb.alloc.Free(ctx, addr); err != nil {
			return err
		}
		addr = next
	}
	return nil
}

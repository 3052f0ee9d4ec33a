// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/31corefs/corefs/lib/slices"
)

// Allocator is the persistent free-block manager described in spec §4.1:
// a singly-linked chain of block groups, each with a bitmap, anchored at
// blockGroupHead.  It is deliberately ignorant of the superblock's
// used_blocks/real_used_blocks counters; Session is responsible for
// keeping those in sync around every Allocate/Free (spec §4.1: "Superblock
// counters are updated last").
type Allocator struct {
	dev  BlockDevice
	head BlockAddr
}

func newAllocator(dev BlockDevice) *Allocator {
	return &Allocator{dev: dev, head: blockGroupHead}
}

func (a *Allocator) readMeta(addr BlockAddr) (GroupMeta, error) {
	var meta GroupMeta
	buf := make([]byte, BlockSize)
	if err := a.dev.ReadBlock(addr, buf); err != nil {
		return meta, err
	}
	if err := unmarshalBlock(buf, &meta); err != nil {
		return meta, &CorruptedError{Where: "block-group meta", Addr: addr, Err: err}
	}
	return meta, nil
}

func (a *Allocator) writeMeta(addr BlockAddr, meta GroupMeta) error {
	buf, err := marshalBlock(meta)
	if err != nil {
		return err
	}
	return a.dev.WriteBlock(addr, buf)
}

func (a *Allocator) readBitmap(metaAddr BlockAddr) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if err := a.dev.ReadBlock(groupBitmapAddr(metaAddr), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (a *Allocator) writeBitmap(metaAddr BlockAddr, bitmap []byte) error {
	return a.dev.WriteBlock(groupBitmapAddr(metaAddr), bitmap)
}

// formatGroups lays out one or more block groups covering every block
// from blockGroupHead to the end of the device, and returns the address
// of the first one.  Used only by Format.
func formatGroups(dev BlockDevice) (BlockAddr, error) {
	total := dev.BlockCount()
	if total <= uint64(blockGroupHead) {
		return NilBlock, fmt.Errorf("corefs: device has no room for a block group")
	}
	remaining := total - uint64(blockGroupHead)
	groupAddr := blockGroupHead
	first := groupAddr

	for remaining > 2 {
		// Each group costs 2 blocks (meta+bitmap) plus its data blocks.
		avail := remaining - 2
		capacity := slices.Min(avail, GroupCapacity)
		nextGroup := NilBlock
		consumed := 2 + capacity
		if remaining > consumed {
			nextGroup = groupAddr + BlockAddr(consumed)
		}

		meta := GroupMeta{
			ID:         uint64(groupAddr),
			NextGroup:  nextGroup,
			Capacity:   capacity,
			FreeBlocks: capacity,
		}
		bitmap := make([]byte, BlockSize)

		buf, err := marshalBlock(meta)
		if err != nil {
			return NilBlock, err
		}
		if err := dev.WriteBlock(groupAddr, buf); err != nil {
			return NilBlock, err
		}
		if err := dev.WriteBlock(groupBitmapAddr(groupAddr), bitmap); err != nil {
			return NilBlock, err
		}

		if nextGroup == NilBlock {
			break
		}
		remaining -= consumed
		groupAddr = nextGroup
	}

	return first, nil
}

// Allocate finds the first group with a free block, claims the
// lowest-numbered clear bit in it, and returns the corresponding block
// address.  Traversal follows meta.NextGroup; no fixed inter-group
// spacing is assumed.
func (a *Allocator) Allocate(ctx context.Context) (BlockAddr, error) {
	addr := a.head
	for addr != NilBlock {
		meta, err := a.readMeta(addr)
		if err != nil {
			return NilBlock, err
		}
		if meta.FreeBlocks == 0 {
			addr = meta.NextGroup
			continue
		}
		bitmap, err := a.readBitmap(addr)
		if err != nil {
			return NilBlock, err
		}
		bit, ok := firstClearBit(bitmap, meta.Capacity)
		if !ok {
			return NilBlock, &CorruptedError{
				Where: "block-group bitmap",
				Addr:  addr,
				Err:   fmt.Errorf("free_blocks=%d but no clear bit found", meta.FreeBlocks),
			}
		}
		setBit(bitmap, bit)
		meta.FreeBlocks--
		if err := a.writeBitmap(addr, bitmap); err != nil {
			return NilBlock, err
		}
		if err := a.writeMeta(addr, meta); err != nil {
			return NilBlock, err
		}
		result := groupDataBase(addr) + BlockAddr(bit)
		dlog.Infof(ctx, "corefs: allocated block %d from group %d", result, addr)
		return result, nil
	}
	return NilBlock, ErrNoSpace
}

// Free clears the bit owning blockAddr and bumps that group's
// free_blocks.  It is an error (ErrDoubleFree) to free an already-free
// block.
func (a *Allocator) Free(ctx context.Context, blockAddr BlockAddr) error {
	addr := a.head
	for addr != NilBlock {
		meta, err := a.readMeta(addr)
		if err != nil {
			return err
		}
		base := groupDataBase(addr)
		if blockAddr >= base && blockAddr < base+BlockAddr(meta.Capacity) {
			bit := uint64(blockAddr - base)
			bitmap, err := a.readBitmap(addr)
			if err != nil {
				return err
			}
			if !testBit(bitmap, bit) {
				return fmt.Errorf("%w: block %d", ErrDoubleFree, blockAddr)
			}
			clearBit(bitmap, bit)
			meta.FreeBlocks++
			if err := a.writeBitmap(addr, bitmap); err != nil {
				return err
			}
			if err := a.writeMeta(addr, meta); err != nil {
				return err
			}
			dlog.Infof(ctx, "corefs: freed block %d in group %d", blockAddr, addr)
			return nil
		}
		addr = meta.NextGroup
	}
	return fmt.Errorf("%w: block %d is not within any block group", ErrCorrupted, blockAddr)
}

// IsAllocated reports whether blockAddr's bit is currently set.
func (a *Allocator) IsAllocated(ctx context.Context, blockAddr BlockAddr) (bool, error) {
	addr := a.head
	for addr != NilBlock {
		meta, err := a.readMeta(addr)
		if err != nil {
			return false, err
		}
		base := groupDataBase(addr)
		if blockAddr >= base && blockAddr < base+BlockAddr(meta.Capacity) {
			bitmap, err := a.readBitmap(addr)
			if err != nil {
				return false, err
			}
			return testBit(bitmap, uint64(blockAddr-base)), nil
		}
		addr = meta.NextGroup
	}
	return false, fmt.Errorf("%w: block %d is not within any block group", ErrCorrupted, blockAddr)
}

// MarkUsed idempotently sets blockAddr's bit, for recovery/formatting use
// (spec §4.1); unlike Free/Allocate it does not error if already set.
func (a *Allocator) MarkUsed(ctx context.Context, blockAddr BlockAddr) error {
	addr := a.head
	for addr != NilBlock {
		meta, err := a.readMeta(addr)
		if err != nil {
			return err
		}
		base := groupDataBase(addr)
		if blockAddr >= base && blockAddr < base+BlockAddr(meta.Capacity) {
			bit := uint64(blockAddr - base)
			bitmap, err := a.readBitmap(addr)
			if err != nil {
				return err
			}
			if !testBit(bitmap, bit) {
				setBit(bitmap, bit)
				meta.FreeBlocks--
				if err := a.writeBitmap(addr, bitmap); err != nil {
					return err
				}
				if err := a.writeMeta(addr, meta); err != nil {
					return err
				}
			}
			return nil
		}
		addr = meta.NextGroup
	}
	return fmt.Errorf("%w: block %d is not within any block group", ErrCorrupted, blockAddr)
}

// UsedGroupBlocks sums capacity-free_blocks across every group, for the
// superblock.used_blocks invariant check in §8.
func (a *Allocator) UsedGroupBlocks(ctx context.Context) (uint64, error) {
	var total uint64
	addr := a.head
	for addr != NilBlock {
		meta, err := a.readMeta(addr)
		if err != nil {
			return 0, err
		}
		total += meta.Capacity - meta.FreeBlocks
		addr = meta.NextGroup
	}
	return total, nil
}

func firstClearBit(bitmap []byte, limit uint64) (uint64, bool) {
	for i, b := range bitmap {
		if uint64(i)*8 >= limit {
			break
		}
		if b == 0xff {
			continue
		}
		for j := 0; j < 8; j++ {
			bit := uint64(i*8 + j)
			if bit >= limit {
				break
			}
			if b&(1<<uint(j)) == 0 {
				return bit, true
			}
		}
	}
	return 0, false
}

func testBit(bitmap []byte, bit uint64) bool {
	return bitmap[bit/8]&(1<<(bit%8)) != 0
}

func setBit(bitmap []byte, bit uint64) {
	bitmap[bit/8] |= 1 << (bit % 8)
}

func clearBit(bitmap []byte, bit uint64) {
	bitmap[bit/8] &^= 1 << (bit % 8)
}

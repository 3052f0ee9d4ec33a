// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/31corefs/corefs/lib/maps"
)

// SubvolManager implements spec §4.6: the linked list of subvolume_entry
// records, with create/snapshot/remove/lookup/list operations.
type SubvolManager struct {
	dev    BlockDevice
	alloc  *Allocator
	tree   *BTree
	bitmap *LinkedBitmap
}

func newSubvolManager(dev BlockDevice, alloc *Allocator) *SubvolManager {
	return &SubvolManager{
		dev:    dev,
		alloc:  alloc,
		tree:   newBTree(dev, alloc),
		bitmap: newLinkedBitmap(dev, alloc),
	}
}

func (m *SubvolManager) readBlock(addr BlockAddr) (SubvolManagerBlock, error) {
	var b SubvolManagerBlock
	buf := make([]byte, BlockSize)
	if err := m.dev.ReadBlock(addr, buf); err != nil {
		return b, err
	}
	if err := unmarshalBlock(buf, &b); err != nil {
		return b, &CorruptedError{Where: "subvolume manager block", Addr: addr, Err: err}
	}
	return b, nil
}

func (m *SubvolManager) writeBlock(addr BlockAddr, b SubvolManagerBlock) error {
	buf, err := marshalBlock(b)
	if err != nil {
		return err
	}
	return m.dev.WriteBlock(addr, buf)
}

// formatManager writes a single, empty subvolume-manager block at addr,
// for use by Format and when findFreeSlot extends the chain.
func formatManager(dev BlockDevice, addr BlockAddr) error {
	b := SubvolManagerBlock{Next: NilBlock, Count: 0}
	for i := range b.Entries {
		b.Entries[i] = SubvolEntry{State: 0}
	}
	buf, err := marshalBlock(b)
	if err != nil {
		return err
	}
	return dev.WriteBlock(addr, buf)
}

// Lookup performs the linear scan of spec §4.6 Lookup.
func (m *SubvolManager) Lookup(ctx context.Context, mgrHead BlockAddr, id uint64) (SubvolEntry, BlockAddr, int, error) {
	addr := mgrHead
	for addr != NilBlock {
		b, err := m.readBlock(addr)
		if err != nil {
			return SubvolEntry{}, NilBlock, 0, err
		}
		for i, e := range b.Entries {
			if e.State != 0 && e.ID == id {
				return e, addr, i, nil
			}
		}
		addr = b.Next
	}
	return SubvolEntry{}, NilBlock, 0, ErrNotFound
}

// List returns every live (ALLOCATED) subvolume entry, sorted by ID so
// callers (e.g. corefsdump) get stable output across runs even though
// the on-disk chain order depends on allocation history.
func (m *SubvolManager) List(ctx context.Context, mgrHead BlockAddr) ([]SubvolEntry, error) {
	var out []SubvolEntry
	addr := mgrHead
	for addr != NilBlock {
		b, err := m.readBlock(addr)
		if err != nil {
			return nil, err
		}
		for _, e := range b.Entries {
			if e.State == SubvolStateAllocated {
				out = append(out, e)
			}
		}
		addr = b.Next
	}
	byID := make(map[uint64]SubvolEntry, len(out))
	for _, e := range out {
		byID[e.ID] = e
	}
	sorted := make([]SubvolEntry, 0, len(out))
	for _, id := range maps.SortedKeys(byID) {
		sorted = append(sorted, byID[id])
	}
	return sorted, nil
}

// nextID scans the whole chain for the current maximum id, implementing
// the "monotonic counter derived from max+1 scan" policy spec §4.6/§9
// explicitly leaves as an implementation choice.
func (m *SubvolManager) nextID(ctx context.Context, mgrHead BlockAddr) (uint64, error) {
	var max uint64
	seen := false
	addr := mgrHead
	for addr != NilBlock {
		b, err := m.readBlock(addr)
		if err != nil {
			return 0, err
		}
		for _, e := range b.Entries {
			if e.State != 0 && (!seen || e.ID > max) {
				max = e.ID
				seen = true
			}
		}
		addr = b.Next
	}
	if !seen {
		return 0, nil
	}
	return max + 1, nil
}

// findFreeSlot finds the first entry slot with state==0 in the chain
// rooted at mgrHead, extending the chain with a new block if none exists.
func (m *SubvolManager) findFreeSlot(ctx context.Context, mgrHead BlockAddr) (blockAddr BlockAddr, idx int, err error) {
	addr := mgrHead
	var last BlockAddr
	var lastBlock SubvolManagerBlock
	for addr != NilBlock {
		b, err := m.readBlock(addr)
		if err != nil {
			return NilBlock, 0, err
		}
		for i, e := range b.Entries {
			if e.State == 0 {
				return addr, i, nil
			}
		}
		last = addr
		lastBlock = b
		addr = b.Next
	}

	newAddr, err := m.alloc.Allocate(ctx)
	if err != nil {
		return NilBlock, 0, err
	}
	if err := formatManager(m.dev, newAddr); err != nil {
		return NilBlock, 0, err
	}
	if last != NilBlock {
		lastBlock.Next = newAddr
		if err := m.writeBlock(last, lastBlock); err != nil {
			return NilBlock, 0, err
		}
	}
	return newAddr, 0, nil
}

// Create implements spec §4.6 create: allocate an empty subvolume with no
// parent.
func (m *SubvolManager) Create(ctx context.Context, mgrHead BlockAddr, flags uint8, now uint64) (id uint64, blockAddr BlockAddr, idx int, err error) {
	id, err = m.nextID(ctx, mgrHead)
	if err != nil {
		return 0, NilBlock, 0, err
	}
	blockAddr, idx, err = m.findFreeSlot(ctx, mgrHead)
	if err != nil {
		return 0, NilBlock, 0, err
	}

	b, err := m.readBlock(blockAddr)
	if err != nil {
		return 0, NilBlock, 0, err
	}
	b.Entries[idx] = SubvolEntry{
		ID:            id,
		InodeTreeRoot: uint64(NilBlock),
		Bitmap:        NilBlock,
		SharedBitmap:  NilBlock,
		IgroupBitmap:  NilBlock,
		CreationDate:  now,
		ParentSubvol:  0,
		State:         SubvolStateAllocated,
		Flags:         flags,
	}
	b.Count++
	if err := m.writeBlock(blockAddr, b); err != nil {
		return 0, NilBlock, 0, err
	}
	dlog.Infof(ctx, "corefs: created subvolume %d", id)
	return id, blockAddr, idx, nil
}

// writeEntry overwrites the entry at (blockAddr, idx) with e.
func (m *SubvolManager) writeEntry(blockAddr BlockAddr, idx int, e SubvolEntry) error {
	b, err := m.readBlock(blockAddr)
	if err != nil {
		return err
	}
	b.Entries[idx] = e
	return m.writeBlock(blockAddr, b)
}

// Snapshot implements spec §4.6 snapshot: clone the source's inode tree
// and its three linked bitmaps (bumping their respective rc's), copy
// counters, and link parent_subvol/snaps.
func (m *SubvolManager) Snapshot(ctx context.Context, mgrHead BlockAddr, srcID uint64, now uint64) (id uint64, err error) {
	src, srcBlockAddr, srcIdx, err := m.Lookup(ctx, mgrHead, srcID)
	if err != nil {
		return 0, err
	}

	id, err = m.nextID(ctx, mgrHead)
	if err != nil {
		return 0, err
	}
	blockAddr, idx, err := m.findFreeSlot(ctx, mgrHead)
	if err != nil {
		return 0, err
	}

	newInodeRoot, err := m.tree.Clone(ctx, BlockAddr(src.InodeTreeRoot))
	if err != nil {
		return 0, err
	}
	newBitmap, err := m.bitmap.Clone(ctx, src.Bitmap)
	if err != nil {
		return 0, err
	}
	newSharedBitmap, err := m.bitmap.Clone(ctx, src.SharedBitmap)
	if err != nil {
		return 0, err
	}
	newIgroupBitmap, err := m.bitmap.Clone(ctx, src.IgroupBitmap)
	if err != nil {
		return 0, err
	}

	entry := SubvolEntry{
		ID:             id,
		InodeTreeRoot:  uint64(newInodeRoot),
		RootInode:      src.RootInode,
		Bitmap:         newBitmap,
		SharedBitmap:   newSharedBitmap,
		IgroupBitmap:   newIgroupBitmap,
		UsedBlocks:     src.UsedBlocks,
		RealUsedBlocks: src.RealUsedBlocks,
		CreationDate:   now,
		ParentSubvol:   srcID,
		State:          SubvolStateAllocated,
		Flags:          src.Flags,
	}
	if err := m.writeEntry(blockAddr, idx, entry); err != nil {
		return 0, err
	}

	b, err := m.readBlock(blockAddr)
	if err != nil {
		return 0, err
	}
	b.Count++
	if err := m.writeBlock(blockAddr, b); err != nil {
		return 0, err
	}

	src.Snaps++
	if err := m.writeEntry(srcBlockAddr, srcIdx, src); err != nil {
		return 0, err
	}

	dlog.Infof(ctx, "corefs: snapshotted subvolume %d as %d", srcID, id)
	return id, nil
}

// Remove releases the subvolume's inode tree (freeing each inode-group
// block no other tree still shares) and its three linked bitmap chains,
// then either clears its slot (snaps==0) or marks it REMOVED while
// keeping it reachable via parent_subvol for any snapshot children. The
// bitmap chains are freed as chains only: their set bits are not walked,
// and the file-content trees of the subvolume's inodes are not freed.
func (m *SubvolManager) Remove(ctx context.Context, mgrHead BlockAddr, id uint64) error {
	entry, blockAddr, idx, err := m.Lookup(ctx, mgrHead, id)
	if err != nil {
		return err
	}

	if err := m.tree.Free(ctx, BlockAddr(entry.InodeTreeRoot), func(ctx context.Context, value uint64) error {
		return m.alloc.Free(ctx, BlockAddr(value))
	}); err != nil {
		return err
	}
	if err := m.bitmap.Free(ctx, entry.Bitmap); err != nil {
		return err
	}
	if err := m.bitmap.Free(ctx, entry.SharedBitmap); err != nil {
		return err
	}
	if err := m.bitmap.Free(ctx, entry.IgroupBitmap); err != nil {
		return err
	}

	b, err := m.readBlock(blockAddr)
	if err != nil {
		return err
	}

	if entry.Snaps == 0 {
		b.Entries[idx] = SubvolEntry{}
		b.Count--
	} else {
		entry.State = SubvolStateRemoved
		b.Entries[idx] = entry
	}
	if err := m.writeBlock(blockAddr, b); err != nil {
		return err
	}

	if entry.ParentSubvol != 0 {
		if err := m.decrementSnaps(ctx, mgrHead, entry.ParentSubvol); err != nil && err != ErrNotFound {
			return err
		}
	}

	dlog.Infof(ctx, "corefs: removed subvolume %d", id)
	return nil
}

func (m *SubvolManager) decrementSnaps(ctx context.Context, mgrHead BlockAddr, parentID uint64) error {
	parent, blockAddr, idx, err := m.Lookup(ctx, mgrHead, parentID)
	if err != nil {
		return err
	}
	if parent.Snaps == 0 {
		return fmt.Errorf("%w: subvolume %d has snaps=0 but a child referenced it", ErrCorrupted, parentID)
	}
	parent.Snaps--
	if parent.Snaps == 0 && parent.State == SubvolStateRemoved {
		return m.writeEntry(blockAddr, idx, SubvolEntry{})
	}
	return m.writeEntry(blockAddr, idx, parent)
}

// SetDefault updates the entry at id to/from nothing in particular; the
// "default subvolume" pointer itself lives in the superblock (spec §3),
// so SetDefault only needs to confirm id actually names a live
// subvolume before the session commits it as superblock.DefaultSubvol.
func (m *SubvolManager) SetDefault(ctx context.Context, mgrHead BlockAddr, id uint64) error {
	entry, _, _, err := m.Lookup(ctx, mgrHead, id)
	if err != nil {
		return err
	}
	if !entry.IsLive() {
		return fmt.Errorf("%w: subvolume %d is not live", ErrNotFound, id)
	}
	return nil
}

// UpdateEntry persists arbitrary field changes (e.g. new inode tree root
// after a mutation, updated counters) back to the entry named by id.
func (m *SubvolManager) UpdateEntry(ctx context.Context, mgrHead BlockAddr, id uint64, mutate func(*SubvolEntry)) error {
	entry, blockAddr, idx, err := m.Lookup(ctx, mgrHead, id)
	if err != nil {
		return err
	}
	mutate(&entry)
	return m.writeEntry(blockAddr, idx, entry)
}

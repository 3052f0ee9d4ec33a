// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// InodeManager implements spec §4.5: the inode/inode-group layer. A
// subvolume's inode_tree_root is a BTree keyed by inode-group index,
// mapping to the block address holding that group's InodesPerGroup
// inodes; igroup_bitmap tracks, slot-for-slot, which global inode numbers
// are currently occupied.
type InodeManager struct {
	dev    BlockDevice
	alloc  *Allocator
	tree   *BTree
	bitmap *LinkedBitmap
}

func newInodeManager(dev BlockDevice, alloc *Allocator) *InodeManager {
	return &InodeManager{
		dev:    dev,
		alloc:  alloc,
		tree:   newBTree(dev, alloc),
		bitmap: newLinkedBitmap(dev, alloc),
	}
}

func (m *InodeManager) readGroup(addr BlockAddr) (inodeGroup, error) {
	buf := make([]byte, BlockSize)
	if err := m.dev.ReadBlock(addr, buf); err != nil {
		return inodeGroup{}, err
	}
	g, err := unmarshalInodeGroup(buf)
	if err != nil {
		return inodeGroup{}, &CorruptedError{Where: "inode group", Addr: addr, Err: err}
	}
	return g, nil
}

func (m *InodeManager) writeGroup(addr BlockAddr, g inodeGroup) error {
	buf, err := marshalInodeGroup(g)
	if err != nil {
		return err
	}
	return m.dev.WriteBlock(addr, buf)
}

// AllocateInode finds the first empty inode slot (by igroup_bitmap
// occupancy), allocating a new inode-group block and B-Tree entry when no
// slot currently exists, and returns the global inode number plus the
// (possibly updated) inode tree root and igroup_bitmap head.
func (m *InodeManager) AllocateInode(ctx context.Context, treeRoot, bitmapHead BlockAddr) (ino uint64, newTreeRoot, newBitmapHead BlockAddr, err error) {
	bit, found, err := m.bitmap.FirstClear(ctx, bitmapHead)
	if err != nil {
		return 0, NilBlock, NilBlock, err
	}
	ino = bit
	group, slot := splitInodeNumber(ino)

	groupAddr, err := m.tree.Get(ctx, treeRoot, group)
	if err == ErrNotFound {
		groupAddr, err = m.alloc.Allocate(ctx)
		if err != nil {
			return 0, NilBlock, NilBlock, err
		}
		blank := inodeGroup{}
		for i := range blank.Inodes {
			blank.Inodes[i] = EmptyInode()
		}
		if err := m.writeGroup(groupAddr, blank); err != nil {
			return 0, NilBlock, NilBlock, err
		}
		treeRoot, err = m.tree.Insert(ctx, treeRoot, group, uint64(groupAddr))
		if err != nil {
			return 0, NilBlock, NilBlock, err
		}
	} else if err != nil {
		return 0, NilBlock, NilBlock, err
	}

	g, err := m.readGroup(BlockAddr(groupAddr))
	if err != nil {
		return 0, NilBlock, NilBlock, err
	}
	_ = found // a freshly extended chain always reports found=false; the slot is empty either way

	// Claim the slot with a zero (non-empty) record so GetInode and
	// FreeInode treat it as in use until PutInode fills it in.
	g.Inodes[slot] = Inode{}
	if err := m.writeGroup(BlockAddr(groupAddr), g); err != nil {
		return 0, NilBlock, NilBlock, err
	}

	bitmapHead, err = m.bitmap.Set(ctx, bitmapHead, ino)
	if err != nil {
		return 0, NilBlock, NilBlock, err
	}

	dlog.Infof(ctx, "corefs: allocated inode %d (group %d slot %d)", ino, group, slot)
	return ino, treeRoot, bitmapHead, nil
}

// GetInode reads the inode record for ino, per spec §4.5.
func (m *InodeManager) GetInode(ctx context.Context, treeRoot BlockAddr, ino uint64) (Inode, error) {
	group, slot := splitInodeNumber(ino)
	groupAddr, err := m.tree.Get(ctx, treeRoot, group)
	if err != nil {
		return Inode{}, err
	}
	g, err := m.readGroup(BlockAddr(groupAddr))
	if err != nil {
		return Inode{}, err
	}
	inode := g.Inodes[slot]
	if inode.IsEmpty() {
		return Inode{}, ErrNotFound
	}
	return inode, nil
}

// PutInode overwrites the inode record for ino, CoW-ing the owning
// group block through the inode-group B-Tree (spec §4.5). The old group
// block is only freed when the tree says no other path still reaches
// this entry; when a snapshot shares it, Update's entry-level CoW (spec
// §4.2) decrements the rc instead, leaving the old block intact for the
// snapshot. Sharing is checked with IsShared rather than GetEntry's bare
// per-entry rc: Clone (spec §4.6's Snapshot) bumps only the inode tree's
// root, so a freshly-snapshotted entry can still read rc==0 here even
// though it is genuinely shared until some mutation actually descends
// through it.
func (m *InodeManager) PutInode(ctx context.Context, treeRoot BlockAddr, ino uint64, inode Inode) (BlockAddr, error) {
	group, slot := splitInodeNumber(ino)
	groupAddr, err := m.tree.Get(ctx, treeRoot, group)
	if err != nil {
		return NilBlock, err
	}
	shared, err := m.tree.IsShared(ctx, treeRoot, group)
	if err != nil {
		return NilBlock, err
	}

	g, err := m.readGroup(BlockAddr(groupAddr))
	if err != nil {
		return NilBlock, err
	}
	g.Inodes[slot] = inode

	newGroupAddr, err := m.alloc.Allocate(ctx)
	if err != nil {
		return NilBlock, err
	}
	if err := m.writeGroup(newGroupAddr, g); err != nil {
		return NilBlock, err
	}
	if !shared {
		if err := m.alloc.Free(ctx, BlockAddr(groupAddr)); err != nil {
			return NilBlock, err
		}
	}

	return m.tree.Update(ctx, treeRoot, group, uint64(newGroupAddr))
}

// FreeInode clears the inode slot and its igroup_bitmap bit; if the
// owning group becomes entirely empty, the inode-group entry and block
// are removed from the tree, per spec §4.5. When the group survives (some
// slot still occupied), the old group block is only freed if IsShared
// says no snapshot still reaches it; otherwise Update's entry-level CoW
// decrements the rc and the old block is left alone (see PutInode for why
// GetEntry's bare per-entry rc is not enough here).
func (m *InodeManager) FreeInode(ctx context.Context, treeRoot, bitmapHead BlockAddr, ino uint64) (newTreeRoot, newBitmapHead BlockAddr, err error) {
	group, slot := splitInodeNumber(ino)
	groupAddr, err := m.tree.Get(ctx, treeRoot, group)
	if err != nil {
		return NilBlock, NilBlock, err
	}
	shared, err := m.tree.IsShared(ctx, treeRoot, group)
	if err != nil {
		return NilBlock, NilBlock, err
	}

	g, err := m.readGroup(BlockAddr(groupAddr))
	if err != nil {
		return NilBlock, NilBlock, err
	}
	if g.Inodes[slot].IsEmpty() {
		return NilBlock, NilBlock, ErrNotFound
	}
	g.Inodes[slot] = EmptyInode()

	bitmapHead, err = m.bitmap.Clear(ctx, bitmapHead, ino)
	if err != nil {
		return NilBlock, NilBlock, err
	}

	empty := true
	for _, inode := range g.Inodes {
		if !inode.IsEmpty() {
			empty = false
			break
		}
	}

	if empty {
		treeRoot, err = m.tree.Delete(ctx, treeRoot, group, func(ctx context.Context, value uint64) error {
			return m.alloc.Free(ctx, BlockAddr(value))
		})
		if err != nil {
			return NilBlock, NilBlock, err
		}
		return treeRoot, bitmapHead, nil
	}

	newGroupAddr, err := m.alloc.Allocate(ctx)
	if err != nil {
		return NilBlock, NilBlock, err
	}
	if err := m.writeGroup(newGroupAddr, g); err != nil {
		return NilBlock, NilBlock, err
	}
	if !shared {
		if err := m.alloc.Free(ctx, BlockAddr(groupAddr)); err != nil {
			return NilBlock, NilBlock, err
		}
	}
	treeRoot, err = m.tree.Update(ctx, treeRoot, group, uint64(newGroupAddr))
	if err != nil {
		return NilBlock, NilBlock, err
	}
	return treeRoot, bitmapHead, nil
}

// groupShared reports whether ino's owning inode-group entry is still
// reachable through more than one path into the inode tree — i.e.
// whether a snapshot might still depend on it. Snapshot (spec §4.6) bumps
// rc only for the top-level inode tree root and the three bitmaps; it
// never walks individual groups, so this defers to IsShared (see PutInode)
// rather than a bare per-entry rc read, which would understate sharing
// for a group untouched since the snapshot.
func (m *InodeManager) groupShared(ctx context.Context, treeRoot BlockAddr, ino uint64) (bool, error) {
	group, _ := splitInodeNumber(ino)
	return m.tree.IsShared(ctx, treeRoot, group)
}

// FileContent gives access to the per-inode content B-Tree: keyed by
// logical block index within the file, mapping to a physical block
// address (spec §4.5).
type FileContent struct {
	dev   BlockDevice
	alloc *Allocator
	tree  *BTree
}

func newFileContent(dev BlockDevice, alloc *Allocator) *FileContent {
	return &FileContent{dev: dev, alloc: alloc, tree: newBTree(dev, alloc)}
}

// ReadAt reads len(buf) bytes of file content starting at byte offset
// off, sparse-filling with zeros for any logical block that has no entry
// in the tree (spec §4.5).
func (fc *FileContent) ReadAt(ctx context.Context, root BlockAddr, off int64, buf []byte) error {
	for len(buf) > 0 {
		blockIdx := uint64(off) / BlockSize
		inBlock := int(uint64(off) % BlockSize)
		n := BlockSize - inBlock
		if n > len(buf) {
			n = len(buf)
		}

		addr, err := fc.tree.Get(ctx, root, blockIdx)
		if err == ErrNotFound {
			for i := 0; i < n; i++ {
				buf[i] = 0
			}
		} else if err != nil {
			return err
		} else {
			data := make([]byte, BlockSize)
			if err := fc.dev.ReadBlock(BlockAddr(addr), data); err != nil {
				return err
			}
			copy(buf[:n], data[inBlock:inBlock+n])
		}

		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// WriteAt writes buf at byte offset off, allocating (or CoW-ing, via the
// tree's entry-level rc) a physical block for any logical block index not
// already present, and returns the (possibly new) tree root plus the
// number of physical data blocks newly allocated by this call (spec §3's
// real_used_blocks counts exactly these: a fresh logical block, or a
// shared entry broken into its own block, each materializes one more
// data-carrying block than existed before).
func (fc *FileContent) WriteAt(ctx context.Context, root BlockAddr, off int64, buf []byte) (BlockAddr, int, error) {
	var allocated int
	for len(buf) > 0 {
		blockIdx := uint64(off) / BlockSize
		inBlock := int(uint64(off) % BlockSize)
		n := BlockSize - inBlock
		if n > len(buf) {
			n = len(buf)
		}

		addr, _, err := fc.tree.GetEntry(ctx, root, blockIdx)
		data := make([]byte, BlockSize)
		if err == nil {
			if err := fc.dev.ReadBlock(BlockAddr(addr), data); err != nil {
				return NilBlock, allocated, err
			}
		} else if err != ErrNotFound {
			return NilBlock, allocated, err
		}

		var shared bool
		if err == nil {
			// IsShared, not the entry's bare rc: Clone (spec §4.2) only
			// bumps the root's rc, so a node below the root — or this
			// exact leaf entry, the first time it is reached after a
			// snapshot — can still read rc==0 while genuinely shared.
			shared, err = fc.tree.IsShared(ctx, root, blockIdx)
			if err != nil {
				return NilBlock, allocated, err
			}
		}

		copy(data[inBlock:inBlock+n], buf[:n])

		switch {
		case err == ErrNotFound:
			newAddr, aerr := fc.alloc.Allocate(ctx)
			if aerr != nil {
				return NilBlock, allocated, aerr
			}
			if werr := fc.dev.WriteBlock(newAddr, data); werr != nil {
				return NilBlock, allocated, werr
			}
			root, err = fc.tree.Insert(ctx, root, blockIdx, uint64(newAddr))
			if err != nil {
				return NilBlock, allocated, err
			}
			allocated++
		case !shared:
			// Uniquely owned: safe to overwrite the physical block in
			// place, no new allocation or tree mutation needed.
			if werr := fc.dev.WriteBlock(BlockAddr(addr), data); werr != nil {
				return NilBlock, allocated, werr
			}
		default:
			// Shared with another tree (a snapshot): must not mutate the
			// existing physical block. Write a fresh block and let
			// Update's entry-level CoW (spec §4.2) decrement the old
			// entry's rc instead of freeing it.
			newAddr, aerr := fc.alloc.Allocate(ctx)
			if aerr != nil {
				return NilBlock, allocated, aerr
			}
			if werr := fc.dev.WriteBlock(newAddr, data); werr != nil {
				return NilBlock, allocated, werr
			}
			root, err = fc.tree.Update(ctx, root, blockIdx, uint64(newAddr))
			if err != nil {
				return NilBlock, allocated, err
			}
			allocated++
		}

		buf = buf[n:]
		off += int64(n)
	}
	return root, allocated, nil
}

// Truncate deletes every logical block that lies wholly at or past newLen,
// i.e. whose index is >= newLen/BlockSize rounded up (the block holding
// the last kept byte survives), freeing unshared underlying blocks (shared ones are merely
// decremented, via the B-Tree's own entry-rc/Delete-dispose contract), and
// returns the number of blocks actually freed (spec §3's real_used_blocks
// only moves for blocks that were uniquely owned at deletion time).
func (fc *FileContent) Truncate(ctx context.Context, root BlockAddr, newLen int64) (BlockAddr, int, error) {
	firstDead := uint64(newLen) / BlockSize
	if uint64(newLen)%BlockSize != 0 {
		firstDead++
	}

	var dead []uint64
	if err := fc.tree.Range(ctx, root, func(key, value uint64, rc uint32) bool {
		if key >= firstDead {
			dead = append(dead, key)
		}
		return true
	}); err != nil {
		return NilBlock, 0, err
	}

	var freed int
	for _, key := range dead {
		var err error
		root, err = fc.tree.Delete(ctx, root, key, func(ctx context.Context, value uint64) error {
			freed++
			return fc.alloc.Free(ctx, BlockAddr(value))
		})
		if err != nil {
			return NilBlock, freed, err
		}
	}
	return root, freed, nil
}

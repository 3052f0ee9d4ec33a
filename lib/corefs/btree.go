// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"
)

// BTree is the generic CoW-capable ordered map u64->u64 described in spec
// §4.2.  A tree is identified by its root block address; NilBlock denotes
// the empty tree.  BTree carries no state of its own beyond the device
// and allocator it was built with: every operation takes the current root
// as an explicit argument and returns the (possibly new) root, so that
// many independent trees (one per subvolume, one per inode, one per
// inode-group map...) can share a single BTree value.
type BTree struct {
	dev   BlockDevice
	alloc *Allocator
}

func newBTree(dev BlockDevice, alloc *Allocator) *BTree {
	return &BTree{dev: dev, alloc: alloc}
}

func (t *BTree) readNode(addr BlockAddr) (Node, error) {
	var n Node
	buf := make([]byte, BlockSize)
	if err := t.dev.ReadBlock(addr, buf); err != nil {
		return n, err
	}
	if _, err := n.UnmarshalBinary(buf); err != nil {
		return n, &CorruptedError{Where: "btree node", Addr: addr, Err: err}
	}
	return n, nil
}

func (t *BTree) writeNode(addr BlockAddr, n Node) error {
	buf, err := n.MarshalBinary()
	if err != nil {
		return err
	}
	return t.dev.WriteBlock(addr, buf)
}

// bumpChildRc increments the rc of addr (which may be a B-Tree node, used
// for internal key-pointers during CoW clone).
func (t *BTree) bumpChildRc(addr BlockAddr, delta int32) error {
	child, err := t.readNode(addr)
	if err != nil {
		return err
	}
	child.Header.Rc = uint32(int64(child.Header.Rc) + int64(delta))
	return t.writeNode(addr, child)
}

// cow implements the clone-on-write rule of spec §4.2: if node.Header.Rc
// is 0, it is uniquely owned and is returned unchanged (to be mutated in
// place at the same address by the caller). Otherwise it is cloned to a
// freshly allocated block: every child link (internal) or leaf entry
// (leaf) gains one rc, and the original's rc is decremented.
func (t *BTree) cow(ctx context.Context, addr BlockAddr, node Node) (BlockAddr, Node, error) {
	if node.Header.Rc == 0 {
		return addr, node, nil
	}
	newAddr, err := t.alloc.Allocate(ctx)
	if err != nil {
		return NilBlock, Node{}, err
	}
	newNode := Node{Header: node.Header}
	newNode.Header.Rc = 0
	if node.IsLeaf() {
		newNode.Leaf = append([]LeafEntry(nil), node.Leaf...)
		for i := range newNode.Leaf {
			newNode.Leaf[i].Rc++
		}
	} else {
		newNode.Internal = append([]InternalEntry(nil), node.Internal...)
		for _, e := range newNode.Internal {
			if err := t.bumpChildRc(e.Value, 1); err != nil {
				return NilBlock, Node{}, err
			}
		}
	}
	node.Header.Rc--
	if err := t.writeNode(addr, node); err != nil {
		return NilBlock, Node{}, err
	}
	if err := t.writeNode(newAddr, newNode); err != nil {
		return NilBlock, Node{}, err
	}
	dlog.Infof(ctx, "corefs: btree CoW cloned node %d -> %d", addr, newAddr)
	return newAddr, newNode, nil
}

// releaseNode drops one reference to a structural node block: if it was
// uniquely owned (rc==0) the block is freed outright; otherwise its rc is
// decremented. This never touches the values the node's entries point
// at — only the node block itself.
func (t *BTree) releaseNode(ctx context.Context, addr BlockAddr, node Node) error {
	if node.Header.Rc == 0 {
		return t.alloc.Free(ctx, addr)
	}
	node.Header.Rc--
	return t.writeNode(addr, node)
}

// childIndex picks, per spec §4.2 Lookup, "the largest entry whose key <=
// K" — defaulting to index 0 when K is smaller than every entry (the
// first entry's key stands for -infinity, per the §8 ordering invariant).
func childIndex(entries []InternalEntry, key uint64) int {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Key > key }) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Get implements spec §4.2 Lookup.
func (t *BTree) Get(ctx context.Context, root BlockAddr, key uint64) (uint64, error) {
	addr := root
	for {
		if addr == NilBlock {
			return 0, ErrNotFound
		}
		node, err := t.readNode(addr)
		if err != nil {
			return 0, err
		}
		if node.IsLeaf() {
			idx := sort.Search(len(node.Leaf), func(i int) bool { return node.Leaf[i].Key >= key })
			if idx < len(node.Leaf) && node.Leaf[idx].Key == key {
				return node.Leaf[idx].Value, nil
			}
			return 0, ErrNotFound
		}
		if len(node.Internal) == 0 {
			return 0, &CorruptedError{Where: "btree internal node", Addr: addr, Err: fmt.Errorf("empty internal node")}
		}
		addr = node.Internal[childIndex(node.Internal, key)].Value
	}
}

// GetEntry is like Get but also exposes the leaf entry's per-entry rc, for
// callers (e.g. file content overwrite) that must know whether the value
// a key points at is exclusively owned before deciding to reuse or free
// it in place.
func (t *BTree) GetEntry(ctx context.Context, root BlockAddr, key uint64) (value uint64, rc uint32, err error) {
	addr := root
	for {
		if addr == NilBlock {
			return 0, 0, ErrNotFound
		}
		node, err := t.readNode(addr)
		if err != nil {
			return 0, 0, err
		}
		if node.IsLeaf() {
			idx := sort.Search(len(node.Leaf), func(i int) bool { return node.Leaf[i].Key >= key })
			if idx < len(node.Leaf) && node.Leaf[idx].Key == key {
				return node.Leaf[idx].Value, node.Leaf[idx].Rc, nil
			}
			return 0, 0, ErrNotFound
		}
		if len(node.Internal) == 0 {
			return 0, 0, &CorruptedError{Where: "btree internal node", Addr: addr, Err: fmt.Errorf("empty internal node")}
		}
		addr = node.Internal[childIndex(node.Internal, key)].Value
	}
}

// IsShared reports whether key's value might currently be reachable
// through more than one path into the tree: either because some node on
// the root-to-leaf descent still carries an un-resolved node-level rc
// (spec §4.2 Clone bumps only the root, lazily propagating down through
// cow() as each level is actually mutated — so a node below the root can
// read rc==0 immediately after a Clone despite being just as shared), or
// because the leaf entry itself was already bumped by a previous cow()
// of its leaf that didn't happen to touch this particular key. Callers
// that need to decide whether freeing the entry's current value is safe
// (rather than letting the tree's own Update/Delete machinery handle it)
// must consult this instead of GetEntry's bare per-entry rc.
func (t *BTree) IsShared(ctx context.Context, root BlockAddr, key uint64) (bool, error) {
	addr := root
	for {
		if addr == NilBlock {
			return false, ErrNotFound
		}
		node, err := t.readNode(addr)
		if err != nil {
			return false, err
		}
		if node.Header.Rc > 0 {
			return true, nil
		}
		if node.IsLeaf() {
			idx := sort.Search(len(node.Leaf), func(i int) bool { return node.Leaf[i].Key >= key })
			if idx < len(node.Leaf) && node.Leaf[idx].Key == key {
				return node.Leaf[idx].Rc > 0, nil
			}
			return false, ErrNotFound
		}
		if len(node.Internal) == 0 {
			return false, &CorruptedError{Where: "btree internal node", Addr: addr, Err: fmt.Errorf("empty internal node")}
		}
		addr = node.Internal[childIndex(node.Internal, key)].Value
	}
}

// Clone implements spec §4.2 Clone: bump the root's rc, return the same
// address. The tree becomes logically shared between the caller's handle
// and whoever already held it.
func (t *BTree) Clone(ctx context.Context, root BlockAddr) (BlockAddr, error) {
	if root == NilBlock {
		return NilBlock, nil
	}
	node, err := t.readNode(root)
	if err != nil {
		return NilBlock, err
	}
	node.Header.Rc++
	if err := t.writeNode(root, node); err != nil {
		return NilBlock, err
	}
	return root, nil
}

// Insert implements spec §4.2 Insert.
func (t *BTree) Insert(ctx context.Context, root BlockAddr, key, value uint64) (BlockAddr, error) {
	if root == NilBlock {
		newAddr, err := t.alloc.Allocate(ctx)
		if err != nil {
			return NilBlock, err
		}
		leaf := Node{
			Header: NodeHeader{Type: NodeTypeLeaf},
			Leaf:   []LeafEntry{{Key: key, Value: value, Rc: 0}},
		}
		if err := t.writeNode(newAddr, leaf); err != nil {
			return NilBlock, err
		}
		return newAddr, nil
	}

	newRoot, splitKey, splitAddr, err := t.insert(ctx, root, key, value)
	if err != nil {
		return NilBlock, err
	}
	if splitKey == nil {
		return newRoot, nil
	}
	// The root split: build a new internal root over the two halves.
	rootAddr, err := t.alloc.Allocate(ctx)
	if err != nil {
		return NilBlock, err
	}
	leftNode, err := t.readNode(newRoot)
	if err != nil {
		return NilBlock, err
	}
	newRootNode := Node{
		Header: NodeHeader{Type: NodeTypeInternal},
		Internal: []InternalEntry{
			{Key: leftNode.minKey(), Value: newRoot},
			{Key: *splitKey, Value: *splitAddr},
		},
	}
	if err := t.writeNode(rootAddr, newRootNode); err != nil {
		return NilBlock, err
	}
	return rootAddr, nil
}

// insert descends to the target leaf with CoW, inserting (key, value).
// On success it returns the new address of the subtree rooted at addr; if
// that subtree split, splitKey/splitAddr describe the new right sibling
// that the caller (the parent level, or Insert for the root) must link
// in.
func (t *BTree) insert(ctx context.Context, addr BlockAddr, key, value uint64) (BlockAddr, *uint64, *BlockAddr, error) {
	node, err := t.readNode(addr)
	if err != nil {
		return NilBlock, nil, nil, err
	}
	newAddr, node, err := t.cow(ctx, addr, node)
	if err != nil {
		return NilBlock, nil, nil, err
	}

	if node.IsLeaf() {
		return t.insertLeaf(ctx, newAddr, node, key, value)
	}
	return t.insertInternal(ctx, newAddr, node, key, value)
}

func (t *BTree) insertLeaf(ctx context.Context, addr BlockAddr, node Node, key, value uint64) (BlockAddr, *uint64, *BlockAddr, error) {
	entries := node.Leaf
	if len(entries) == LeafCapacity {
		left := append([]LeafEntry(nil), entries[:leafSplitAt]...)
		right := append([]LeafEntry(nil), entries[leafSplitAt:]...)
		splitKey := right[0].Key
		var err error
		if key < splitKey {
			left, err = insertLeafEntry(left, key, value)
		} else {
			right, err = insertLeafEntry(right, key, value)
		}
		if err != nil {
			return NilBlock, nil, nil, err
		}
		rightAddr, err := t.alloc.Allocate(ctx)
		if err != nil {
			return NilBlock, nil, nil, err
		}
		leftNode := Node{Header: NodeHeader{Type: NodeTypeLeaf}, Leaf: left}
		rightNode := Node{Header: NodeHeader{Type: NodeTypeLeaf}, Leaf: right}
		if err := t.writeNode(addr, leftNode); err != nil {
			return NilBlock, nil, nil, err
		}
		if err := t.writeNode(rightAddr, rightNode); err != nil {
			return NilBlock, nil, nil, err
		}
		promoted := right[0].Key
		return addr, &promoted, &rightAddr, nil
	}

	entries, err := insertLeafEntry(entries, key, value)
	if err != nil {
		return NilBlock, nil, nil, err
	}
	node.Leaf = entries
	if err := t.writeNode(addr, node); err != nil {
		return NilBlock, nil, nil, err
	}
	return addr, nil, nil, nil
}

func insertLeafEntry(entries []LeafEntry, key, value uint64) ([]LeafEntry, error) {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= key })
	if idx < len(entries) && entries[idx].Key == key {
		return nil, ErrDuplicateKey
	}
	entries = append(entries, LeafEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = LeafEntry{Key: key, Value: value, Rc: 0}
	return entries, nil
}

func (t *BTree) insertInternal(ctx context.Context, addr BlockAddr, node Node, key, value uint64) (BlockAddr, *uint64, *BlockAddr, error) {
	idx := childIndex(node.Internal, key)
	childAddr := node.Internal[idx].Value
	newChildAddr, splitKey, splitAddr, err := t.insert(ctx, childAddr, key, value)
	if err != nil {
		return NilBlock, nil, nil, err
	}
	node.Internal[idx].Value = newChildAddr

	if splitKey == nil {
		if err := t.writeNode(addr, node); err != nil {
			return NilBlock, nil, nil, err
		}
		return addr, nil, nil, nil
	}

	promotedEntry := InternalEntry{Key: *splitKey, Value: *splitAddr}
	if len(node.Internal) == InternalCapacity {
		left := append([]InternalEntry(nil), node.Internal[:internalSplitAt]...)
		right := append([]InternalEntry(nil), node.Internal[internalSplitAt:]...)
		if promotedEntry.Key < right[0].Key {
			left = insertInternalEntry(left, promotedEntry)
		} else {
			right = insertInternalEntry(right, promotedEntry)
		}
		rightAddr, err := t.alloc.Allocate(ctx)
		if err != nil {
			return NilBlock, nil, nil, err
		}
		leftNode := Node{Header: NodeHeader{Type: NodeTypeInternal}, Internal: left}
		rightNode := Node{Header: NodeHeader{Type: NodeTypeInternal}, Internal: right}
		if err := t.writeNode(addr, leftNode); err != nil {
			return NilBlock, nil, nil, err
		}
		if err := t.writeNode(rightAddr, rightNode); err != nil {
			return NilBlock, nil, nil, err
		}
		promoted := right[0].Key
		return addr, &promoted, &rightAddr, nil
	}

	node.Internal = insertInternalEntry(node.Internal, promotedEntry)
	if err := t.writeNode(addr, node); err != nil {
		return NilBlock, nil, nil, err
	}
	return addr, nil, nil, nil
}

func insertInternalEntry(entries []InternalEntry, e InternalEntry) []InternalEntry {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= e.Key })
	entries = append(entries, InternalEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

// Update implements spec §4.2 Update, including entry-level CoW: if the
// target leaf entry has rc>0, its value is replaced and its rc
// decremented (undoing exactly the share that a preceding node-level
// clone of its leaf introduced); otherwise it's overwritten in place.
func (t *BTree) Update(ctx context.Context, root BlockAddr, key, value uint64) (BlockAddr, error) {
	if root == NilBlock {
		return NilBlock, ErrNotFound
	}
	return t.update(ctx, root, key, value)
}

func (t *BTree) update(ctx context.Context, addr BlockAddr, key, value uint64) (BlockAddr, error) {
	node, err := t.readNode(addr)
	if err != nil {
		return NilBlock, err
	}
	newAddr, node, err := t.cow(ctx, addr, node)
	if err != nil {
		return NilBlock, err
	}
	if !node.IsLeaf() {
		idx := childIndex(node.Internal, key)
		newChildAddr, err := t.update(ctx, node.Internal[idx].Value, key, value)
		if err != nil {
			return NilBlock, err
		}
		node.Internal[idx].Value = newChildAddr
		if err := t.writeNode(newAddr, node); err != nil {
			return NilBlock, err
		}
		return newAddr, nil
	}

	idx := sort.Search(len(node.Leaf), func(i int) bool { return node.Leaf[i].Key >= key })
	if idx >= len(node.Leaf) || node.Leaf[idx].Key != key {
		return NilBlock, ErrNotFound
	}
	e := node.Leaf[idx]
	e.Value = value
	if e.Rc > 0 {
		e.Rc--
	}
	node.Leaf[idx] = e
	if err := t.writeNode(newAddr, node); err != nil {
		return NilBlock, err
	}
	return newAddr, nil
}

// Delete implements spec §4.2 Delete, including rebalancing (borrow, else
// merge) against a sibling when a non-root node underflows. dispose is
// invoked with the deleted entry's value exactly when that entry's rc was
// 0 (i.e. uniquely owned) at the time of removal; it is the caller's
// policy (spec §4.6/§4.2) for whether to free the referenced block.
func (t *BTree) Delete(ctx context.Context, root BlockAddr, key uint64, dispose func(context.Context, uint64) error) (BlockAddr, error) {
	if root == NilBlock {
		return NilBlock, ErrNotFound
	}
	if _, err := t.Get(ctx, root, key); err != nil {
		return NilBlock, err
	}
	newRoot, _, err := t.delete(ctx, root, key, dispose)
	if err != nil {
		return NilBlock, err
	}
	node, err := t.readNode(newRoot)
	if err != nil {
		return NilBlock, err
	}
	if node.IsLeaf() && len(node.Leaf) == 0 {
		if err := t.releaseNode(ctx, newRoot, node); err != nil {
			return NilBlock, err
		}
		return NilBlock, nil
	}
	if !node.IsLeaf() && len(node.Internal) == 1 {
		return node.Internal[0].Value, nil
	}
	return newRoot, nil
}

// delete returns the new address of the subtree rooted at addr, plus
// whether it now underflows its minimum entry count (the caller, one
// level up, is responsible for rebalancing against a sibling; the root
// itself is exempt, per spec §4.2).
func (t *BTree) delete(ctx context.Context, addr BlockAddr, key uint64, dispose func(context.Context, uint64) error) (BlockAddr, bool, error) {
	node, err := t.readNode(addr)
	if err != nil {
		return NilBlock, false, err
	}
	newAddr, node, err := t.cow(ctx, addr, node)
	if err != nil {
		return NilBlock, false, err
	}

	if node.IsLeaf() {
		idx := sort.Search(len(node.Leaf), func(i int) bool { return node.Leaf[i].Key >= key })
		entry := node.Leaf[idx]
		node.Leaf = append(node.Leaf[:idx], node.Leaf[idx+1:]...)
		if entry.Rc == 0 && dispose != nil {
			if err := dispose(ctx, entry.Value); err != nil {
				return NilBlock, false, err
			}
		}
		if err := t.writeNode(newAddr, node); err != nil {
			return NilBlock, false, err
		}
		return newAddr, len(node.Leaf) < LeafMin, nil
	}

	idx := childIndex(node.Internal, key)
	childAddr := node.Internal[idx].Value
	newChildAddr, childUnderflow, err := t.delete(ctx, childAddr, key, dispose)
	if err != nil {
		return NilBlock, false, err
	}
	node.Internal[idx].Value = newChildAddr

	if childUnderflow {
		if err := t.rebalanceChild(ctx, &node, idx); err != nil {
			return NilBlock, false, err
		}
	}
	if err := t.writeNode(newAddr, node); err != nil {
		return NilBlock, false, err
	}
	return newAddr, len(node.Internal) < InternalMin, nil
}

// rebalanceChild fixes an underflowed child at node.Internal[idx]: borrow
// from the left sibling, else the right sibling, else merge with one of
// them (preferring left), demoting the separator key (spec §4.2).
func (t *BTree) rebalanceChild(ctx context.Context, node *Node, idx int) error {
	child, err := t.readNode(node.Internal[idx].Value)
	if err != nil {
		return err
	}
	minCount := LeafMin
	if !child.IsLeaf() {
		minCount = InternalMin
	}

	if idx > 0 {
		leftAddr := node.Internal[idx-1].Value
		left, err := t.readNode(leftAddr)
		if err != nil {
			return err
		}
		if left.entryCount() > minCount {
			return t.borrowFromLeft(ctx, node, idx, left, child)
		}
	}
	if idx < len(node.Internal)-1 {
		rightAddr := node.Internal[idx+1].Value
		right, err := t.readNode(rightAddr)
		if err != nil {
			return err
		}
		if right.entryCount() > minCount {
			return t.borrowFromRight(ctx, node, idx, child, right)
		}
	}
	if idx > 0 {
		leftAddr := node.Internal[idx-1].Value
		left, err := t.readNode(leftAddr)
		if err != nil {
			return err
		}
		return t.mergeSiblings(ctx, node, idx-1, idx, left, child)
	}
	rightAddr := node.Internal[idx+1].Value
	right, err := t.readNode(rightAddr)
	if err != nil {
		return err
	}
	return t.mergeSiblings(ctx, node, idx, idx+1, child, right)
}

func (t *BTree) borrowFromLeft(ctx context.Context, node *Node, idx int, left, child Node) error {
	newLeftAddr, left, err := t.cow(ctx, node.Internal[idx-1].Value, left)
	if err != nil {
		return err
	}
	newChildAddr, child, err := t.cow(ctx, node.Internal[idx].Value, child)
	if err != nil {
		return err
	}
	if child.IsLeaf() {
		borrowed := left.Leaf[len(left.Leaf)-1]
		left.Leaf = left.Leaf[:len(left.Leaf)-1]
		child.Leaf = append([]LeafEntry{borrowed}, child.Leaf...)
	} else {
		borrowed := left.Internal[len(left.Internal)-1]
		left.Internal = left.Internal[:len(left.Internal)-1]
		child.Internal = append([]InternalEntry{borrowed}, child.Internal...)
	}
	if err := t.writeNode(newLeftAddr, left); err != nil {
		return err
	}
	if err := t.writeNode(newChildAddr, child); err != nil {
		return err
	}
	node.Internal[idx-1].Value = newLeftAddr
	node.Internal[idx].Value = newChildAddr
	node.Internal[idx].Key = child.minKey()
	return nil
}

func (t *BTree) borrowFromRight(ctx context.Context, node *Node, idx int, child, right Node) error {
	newChildAddr, child, err := t.cow(ctx, node.Internal[idx].Value, child)
	if err != nil {
		return err
	}
	newRightAddr, right, err := t.cow(ctx, node.Internal[idx+1].Value, right)
	if err != nil {
		return err
	}
	if child.IsLeaf() {
		borrowed := right.Leaf[0]
		right.Leaf = right.Leaf[1:]
		child.Leaf = append(child.Leaf, borrowed)
	} else {
		borrowed := right.Internal[0]
		right.Internal = right.Internal[1:]
		child.Internal = append(child.Internal, borrowed)
	}
	if err := t.writeNode(newChildAddr, child); err != nil {
		return err
	}
	if err := t.writeNode(newRightAddr, right); err != nil {
		return err
	}
	node.Internal[idx].Value = newChildAddr
	node.Internal[idx+1].Value = newRightAddr
	node.Internal[idx+1].Key = right.minKey()
	return nil
}

// mergeSiblings merges node.Internal[rightIdx] (rightNode) into
// node.Internal[leftIdx] (leftNode) and removes the separator entry at
// rightIdx, demoting it out of the parent.
func (t *BTree) mergeSiblings(ctx context.Context, node *Node, leftIdx, rightIdx int, leftNode, rightNode Node) error {
	newLeftAddr, leftNode, err := t.cow(ctx, node.Internal[leftIdx].Value, leftNode)
	if err != nil {
		return err
	}
	if leftNode.IsLeaf() {
		leftNode.Leaf = append(leftNode.Leaf, rightNode.Leaf...)
	} else {
		leftNode.Internal = append(leftNode.Internal, rightNode.Internal...)
	}
	if err := t.writeNode(newLeftAddr, leftNode); err != nil {
		return err
	}
	if err := t.releaseNode(ctx, node.Internal[rightIdx].Value, rightNode); err != nil {
		return err
	}
	node.Internal[leftIdx].Value = newLeftAddr
	node.Internal = append(node.Internal[:rightIdx], node.Internal[rightIdx+1:]...)
	return nil
}

// Range walks the tree in key order, calling fn for every (key, value,
// rc) triple; fn returns false to stop early.
func (t *BTree) Range(ctx context.Context, root BlockAddr, fn func(key, value uint64, rc uint32) bool) error {
	if root == NilBlock {
		return nil
	}
	return t.walk(ctx, root, fn)
}

func (t *BTree) walk(ctx context.Context, addr BlockAddr, fn func(key, value uint64, rc uint32) bool) error {
	node, err := t.readNode(addr)
	if err != nil {
		return err
	}
	if node.IsLeaf() {
		for _, e := range node.Leaf {
			if !fn(e.Key, e.Value, e.Rc) {
				return nil
			}
		}
		return nil
	}
	for _, e := range node.Internal {
		if err := t.walk(ctx, e.Value, fn); err != nil {
			return err
		}
	}
	return nil
}

// Free implements spec §4.2 Free-on-drop: walk the whole tree, decrement
// every reachable node's rc, recursing into (and ultimately freeing)
// nodes whose rc reaches -1 (i.e. was 0); for every leaf entry with
// per-entry rc 0, invoke dispose on its value.
func (t *BTree) Free(ctx context.Context, root BlockAddr, dispose func(context.Context, uint64) error) error {
	if root == NilBlock {
		return nil
	}
	return t.free(ctx, root, dispose)
}

func (t *BTree) free(ctx context.Context, addr BlockAddr, dispose func(context.Context, uint64) error) error {
	node, err := t.readNode(addr)
	if err != nil {
		return err
	}
	if node.Header.Rc > 0 {
		node.Header.Rc--
		return t.writeNode(addr, node)
	}
	if node.IsLeaf() {
		for _, e := range node.Leaf {
			if e.Rc == 0 && dispose != nil {
				if err := dispose(ctx, e.Value); err != nil {
					return err
				}
			}
		}
	} else {
		for _, e := range node.Internal {
			if err := t.free(ctx, e.Value, dispose); err != nil {
				return err
			}
		}
	}
	return t.alloc.Free(ctx, addr)
}

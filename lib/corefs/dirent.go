// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"
	"fmt"
)

// Spec §6 treats a directory's content as an ordinary file whose format
// is caller-defined; this is the core's supplied default so that
// dir_lookup/dir_insert/dir_remove are actually usable out of the box.
//
// Directory content is a flat sequence of fixed-size 64-byte records:
// {ino: u64, name_len: u8, name[55]}. A record with ino==0 is a tombstone
// left by dir_remove and is skipped on lookup/iteration, and may be
// reused by a later dir_insert.
const (
	direntSize    = 64
	direntMaxName = 55
)

// DirEntry is one decoded directory record.
type DirEntry struct {
	Name string
	Ino  uint64
}

func encodeDirent(e DirEntry) ([]byte, error) {
	if len(e.Name) > direntMaxName {
		return nil, fmt.Errorf("corefs: directory entry name %q exceeds %d bytes", e.Name, direntMaxName)
	}
	buf := make([]byte, direntSize)
	putU64be(buf[0:8], e.Ino)
	buf[8] = byte(len(e.Name))
	copy(buf[9:], e.Name)
	return buf, nil
}

func decodeDirent(buf []byte) (DirEntry, bool) {
	ino := getU64be(buf[0:8])
	if ino == 0 {
		return DirEntry{}, false
	}
	n := int(buf[8])
	if n > direntMaxName {
		n = direntMaxName
	}
	return DirEntry{Ino: ino, Name: string(buf[9 : 9+n])}, true
}

func putU64be(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func getU64be(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// DirLookup scans the directory content for name, per spec §6 dir_lookup.
func (fc *FileContent) DirLookup(ctx context.Context, root BlockAddr, size uint64, name string) (uint64, error) {
	buf := make([]byte, direntSize)
	for off := uint64(0); off+direntSize <= size; off += direntSize {
		if err := fc.ReadAt(ctx, root, int64(off), buf); err != nil {
			return 0, err
		}
		if e, ok := decodeDirent(buf); ok && e.Name == name {
			return e.Ino, nil
		}
	}
	return 0, ErrNotFound
}

// DirInsert appends a new directory record, reusing a tombstoned slot if
// one exists, per spec §6 dir_insert. It returns the (possibly new) tree
// root, the (possibly grown) directory size, and the number of physical
// data blocks newly allocated (spec §3 real_used_blocks).
func (fc *FileContent) DirInsert(ctx context.Context, root BlockAddr, size uint64, name string, ino uint64) (BlockAddr, uint64, int, error) {
	if _, err := fc.DirLookup(ctx, root, size, name); err == nil {
		return NilBlock, 0, 0, ErrDuplicateKey
	} else if err != ErrNotFound {
		return NilBlock, 0, 0, err
	}

	rec, err := encodeDirent(DirEntry{Name: name, Ino: ino})
	if err != nil {
		return NilBlock, 0, 0, err
	}

	buf := make([]byte, direntSize)
	for off := uint64(0); off+direntSize <= size; off += direntSize {
		if err := fc.ReadAt(ctx, root, int64(off), buf); err != nil {
			return NilBlock, 0, 0, err
		}
		if ino := getU64be(buf[0:8]); ino == 0 {
			root, allocated, err := fc.WriteAt(ctx, root, int64(off), rec)
			if err != nil {
				return NilBlock, 0, 0, err
			}
			return root, size, allocated, nil
		}
	}

	root, allocated, err := fc.WriteAt(ctx, root, int64(size), rec)
	if err != nil {
		return NilBlock, 0, 0, err
	}
	return root, size + direntSize, allocated, nil
}

// DirRemove tombstones the record for name, per spec §6 dir_remove, and
// returns the number of physical data blocks newly allocated in the
// process (tombstoning a block still shared with a snapshot breaks its
// sharing the same way an ordinary overwrite does).
func (fc *FileContent) DirRemove(ctx context.Context, root BlockAddr, size uint64, name string) (BlockAddr, int, error) {
	buf := make([]byte, direntSize)
	for off := uint64(0); off+direntSize <= size; off += direntSize {
		if err := fc.ReadAt(ctx, root, int64(off), buf); err != nil {
			return NilBlock, 0, err
		}
		if e, ok := decodeDirent(buf); ok && e.Name == name {
			zero := make([]byte, direntSize)
			return fc.WriteAt(ctx, root, int64(off), zero)
		}
	}
	return NilBlock, 0, ErrNotFound
}

// DirIterate calls fn for every live (non-tombstoned) entry in order.
func (fc *FileContent) DirIterate(ctx context.Context, root BlockAddr, size uint64, fn func(DirEntry) bool) error {
	buf := make([]byte, direntSize)
	for off := uint64(0); off+direntSize <= size; off += direntSize {
		if err := fc.ReadAt(ctx, root, int64(off), buf); err != nil {
			return err
		}
		if e, ok := decodeDirent(buf); ok {
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

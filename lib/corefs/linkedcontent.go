// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"context"

	"github.com/31corefs/corefs/lib/binstruct"
)

// contentPayloadBytes is the per-block payload of a linked content chain
// (spec §3/§4.4): BLOCK_SIZE-8 bytes, the 8 bytes being the Next pointer.
const contentPayloadBytes = BlockSize - 8

type contentBlock struct {
	Next          BlockAddr                  `bin:"off=0x0, siz=0x8"`
	Content       [contentPayloadBytes]byte  `bin:"off=0x8, siz=0xFF8"`
	binstruct.End `bin:"off=0x1000"`
}

// LinkedContent stores small variable-length blobs (symlink targets,
// extended attributes) across a chain of blocks, per spec §4.4. Unlike
// LinkedBitmap and the B-Tree, chains here carry no rc: every linked
// content chain is exclusively owned by whatever single field (e.g. a
// subvolume entry, a dirent) holds its head address.
type LinkedContent struct {
	dev   BlockDevice
	alloc *Allocator
}

func newLinkedContent(dev BlockDevice, alloc *Allocator) *LinkedContent {
	return &LinkedContent{dev: dev, alloc: alloc}
}

func (lc *LinkedContent) readBlock(addr BlockAddr) (contentBlock, error) {
	var b contentBlock
	buf := make([]byte, BlockSize)
	if err := lc.dev.ReadBlock(addr, buf); err != nil {
		return b, err
	}
	if err := unmarshalBlock(buf, &b); err != nil {
		return b, &CorruptedError{Where: "linked content block", Addr: addr, Err: err}
	}
	return b, nil
}

func (lc *LinkedContent) writeBlock(addr BlockAddr, b contentBlock) error {
	buf, err := marshalBlock(b)
	if err != nil {
		return err
	}
	return lc.dev.WriteBlock(addr, buf)
}

// Write stores data as a fresh chain (freeing any previous chain at
// oldHead first) and returns the new chain's head address, or NilBlock if
// data is empty.
func (lc *LinkedContent) Write(ctx context.Context, oldHead BlockAddr, data []byte) (BlockAddr, error) {
	if oldHead != NilBlock {
		if err := lc.Free(ctx, oldHead); err != nil {
			return NilBlock, err
		}
	}
	if len(data) == 0 {
		return NilBlock, nil
	}

	var addrs []BlockAddr
	for off := 0; off < len(data); off += contentPayloadBytes {
		addr, err := lc.alloc.Allocate(ctx)
		if err != nil {
			for _, a := range addrs {
				_ = lc.alloc.Free(ctx, a)
			}
			return NilBlock, err
		}
		addrs = append(addrs, addr)
	}

	for i, addr := range addrs {
		var b contentBlock
		off := i * contentPayloadBytes
		end := off + contentPayloadBytes
		if end > len(data) {
			end = len(data)
		}
		copy(b.Content[:], data[off:end])
		if i+1 < len(addrs) {
			b.Next = addrs[i+1]
		}
		if err := lc.writeBlock(addr, b); err != nil {
			return NilBlock, err
		}
	}
	return addrs[0], nil
}

// Read streams the full blob referenced by head, given its exact byte
// length (typically stored alongside head, e.g. in an inode's size field).
func (lc *LinkedContent) Read(ctx context.Context, head BlockAddr, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	addr := head
	for len(out) < length {
		if addr == NilBlock {
			return nil, &CorruptedError{Where: "linked content chain", Addr: head, Err: ErrCorrupted}
		}
		b, err := lc.readBlock(addr)
		if err != nil {
			return nil, err
		}
		remaining := length - len(out)
		if remaining > contentPayloadBytes {
			remaining = contentPayloadBytes
		}
		out = append(out, b.Content[:remaining]...)
		addr = b.Next
	}
	return out, nil
}

// Free releases every block in the chain starting at head.
func (lc *LinkedContent) Free(ctx context.Context, head BlockAddr) error {
	addr := head
	for addr != NilBlock {
		b, err := lc.readBlock(addr)
		if err != nil {
			return err
		}
		next := b.Next
		if err := lc.alloc.Free(ctx, addr); err != nil {
			return err
		}
		addr = next
	}
	return nil
}

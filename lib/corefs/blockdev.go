// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"fmt"
	"sync"

	"github.com/31corefs/corefs/lib/diskio"
)

// BlockSize is BLOCK_SIZE from spec §3: the fixed unit of I/O and
// addressing for the whole filesystem.
const BlockSize = 4096

// BlockAddr is an unsigned 64-bit block index.  Address 0 is the
// superblock, and is also used as the "absent/terminator" sentinel in
// linked chains (spec §3); it is never a valid allocation result.
type BlockAddr uint64

const NilBlock BlockAddr = 0

// BlockDevice is the external collaborator described in spec §1/§6: a
// synchronous block device offering aligned block reads/writes and a
// total block count.  The core never assumes anything about the backing
// medium beyond this interface.
type BlockDevice interface {
	ReadBlock(addr BlockAddr, buf []byte) error
	WriteBlock(addr BlockAddr, buf []byte) error
	BlockCount() uint64
	Flush() error
}

// FileBlockDevice adapts a diskio.File into a BlockDevice, the way a real
// deployment would sit on top of a regular file or a raw device node.
type FileBlockDevice struct {
	f diskio.File[int64]
}

func NewFileBlockDevice(f diskio.File[int64]) *FileBlockDevice {
	return &FileBlockDevice{f: f}
}

func (d *FileBlockDevice) ReadBlock(addr BlockAddr, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("corefs: ReadBlock: buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	n, err := d.f.ReadAt(buf, int64(addr)*BlockSize)
	if err != nil {
		return &IoError{Op: "read", Addr: addr, Err: err}
	}
	if n != BlockSize {
		return &IoError{Op: "read", Addr: addr, Err: fmt.Errorf("short read: %d bytes", n)}
	}
	return nil
}

func (d *FileBlockDevice) WriteBlock(addr BlockAddr, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("corefs: WriteBlock: buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	n, err := d.f.WriteAt(buf, int64(addr)*BlockSize)
	if err != nil {
		return &IoError{Op: "write", Addr: addr, Err: err}
	}
	if n != BlockSize {
		return &IoError{Op: "write", Addr: addr, Err: fmt.Errorf("short write: %d bytes", n)}
	}
	return nil
}

func (d *FileBlockDevice) BlockCount() uint64 {
	return uint64(d.f.Size()) / BlockSize
}

func (d *FileBlockDevice) Flush() error {
	return nil
}

// MemBlockDevice is an in-memory BlockDevice, used throughout the test
// suite (and by any caller that wants a scratch filesystem with no real
// storage backing it).
type MemBlockDevice struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte
}

var _ BlockDevice = (*MemBlockDevice)(nil)

func NewMemBlockDevice(numBlocks uint64) *MemBlockDevice {
	return &MemBlockDevice{
		blocks: make([][BlockSize]byte, numBlocks),
	}
}

func (d *MemBlockDevice) ReadBlock(addr BlockAddr, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("corefs: ReadBlock: buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(addr) >= uint64(len(d.blocks)) {
		return &IoError{Op: "read", Addr: addr, Err: fmt.Errorf("out of range (%d blocks)", len(d.blocks))}
	}
	copy(buf, d.blocks[addr][:])
	return nil
}

func (d *MemBlockDevice) WriteBlock(addr BlockAddr, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("corefs: WriteBlock: buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(addr) >= uint64(len(d.blocks)) {
		return &IoError{Op: "write", Addr: addr, Err: fmt.Errorf("out of range (%d blocks)", len(d.blocks))}
	}
	copy(d.blocks[addr][:], buf)
	return nil
}

func (d *MemBlockDevice) BlockCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.blocks))
}

func (d *MemBlockDevice) Flush() error { return nil }

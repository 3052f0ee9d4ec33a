// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"io"

	"github.com/31corefs/corefs/lib/diskio"
)

// ScanForSuperblocks searches r byte-by-byte for the superblock magic
// (spec §3) and returns every candidate superblock's block address. It
// is a last-resort recovery aid for an image whose block-0 superblock
// is unreadable or fails Validate: since this format keeps no redundant
// superblock copies (spec §9), a stray magic match deep in the device
// is itself only ever a hint, never proof, that a superblock lives
// there.
//
// r is read once, start to end; callers passing a non-buffered
// io.Reader (e.g. an *os.File) should wrap it with bufio.NewReader
// first to avoid a syscall per byte.
func ScanForSuperblocks(r io.ByteReader) ([]BlockAddr, error) {
	offsets, err := diskio.FindAll(r, Magic[:])
	if err != nil {
		return nil, err
	}
	addrs := make([]BlockAddr, 0, len(offsets))
	for _, off := range offsets {
		if off%BlockSize == 0 {
			addrs = append(addrs, BlockAddr(off/BlockSize))
		}
	}
	return addrs, nil
}


// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"bytes"
	"fmt"

	"github.com/31corefs/corefs/lib/binstruct"
	"github.com/31corefs/corefs/lib/fmtutil"
)

// Magic is the 4-byte superblock magic value from spec §3.
var Magic = [4]byte{0x31, 0xC0, 0x8E, 0xF5}

// CurrentVersion is the only superblock version this implementation
// understands.
const CurrentVersion = 0x01

// UUID is a 16-byte filesystem identifier, wire-compatible with RFC 4122
// UUIDs but with no interpretation placed on its bits by the core.
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// Format implements fmt.Formatter so that "%s"/"%v" print the dashed
// string form while "%#v" still prints a Go-syntax byte array literal.
func (u UUID) Format(f fmt.State, verb rune) {
	fmtutil.FormatByteArrayStringer(u, u[:], f, verb)
}

var (
	_ fmt.Stringer  = UUID{}
	_ fmt.Formatter = UUID{}
)

// Superblock is the fixed first block of the device (spec §3).  Every
// field is tightly packed, big-endian, at the declared offset; Reserved
// pads the struct out to exactly one block.
type Superblock struct {
	Magic          [4]byte   `bin:"off=0x0,   siz=0x4"`
	Version        uint8     `bin:"off=0x4,   siz=0x1"`
	FSUUID         UUID      `bin:"off=0x5,   siz=0x10"`
	Label          [256]byte `bin:"off=0x15,  siz=0x100"`
	TotalBlocks    uint64    `bin:"off=0x115, siz=0x8"`
	UsedBlocks     uint64    `bin:"off=0x11d, siz=0x8"`
	RealUsedBlocks uint64    `bin:"off=0x125, siz=0x8"`
	DefaultSubvol  uint64    `bin:"off=0x12d, siz=0x8"`
	SubvolMgr      BlockAddr `bin:"off=0x135, siz=0x8"`
	CreationTime   uint64    `bin:"off=0x13d, siz=0x8"`

	Reserved      [BlockSize - 0x145]byte `bin:"off=0x145, siz=0xebb"`
	binstruct.End `bin:"off=0x1000"`
}

// blockGroupHead is the address of the first block group.  The spec's
// superblock schema has no field for this (an explicitly open question in
// §9); this implementation places the first block group immediately
// after the superblock, at block 1, which is the natural reading of "a
// linked chain of block groups anchored from the superblock region."
const blockGroupHead BlockAddr = 1

// SetLabel stores a NUL-terminated label, truncating if necessary to fit
// the 256-byte field.
func (sb *Superblock) SetLabel(label string) {
	var buf [256]byte
	n := copy(buf[:255], label)
	buf[n] = 0
	sb.Label = buf
}

// GetLabel returns the label as a Go string, stopping at the first NUL.
func (sb *Superblock) GetLabel() string {
	if i := bytes.IndexByte(sb.Label[:], 0); i >= 0 {
		return string(sb.Label[:i])
	}
	return string(sb.Label[:])
}

// Validate checks the magic and version fields, per spec §7
// (ErrInvalidSuperblock) and the documented invariant
// real_used_blocks <= used_blocks <= total_blocks.
func (sb *Superblock) Validate() error {
	if sb.Magic != Magic {
		return fmt.Errorf("%w: bad magic %x", ErrInvalidSuperblock, sb.Magic)
	}
	if sb.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSuperblock, sb.Version)
	}
	if !(sb.RealUsedBlocks <= sb.UsedBlocks && sb.UsedBlocks <= sb.TotalBlocks) {
		return fmt.Errorf("%w: real_used_blocks=%d used_blocks=%d total_blocks=%d violates invariant",
			ErrInvalidSuperblock, sb.RealUsedBlocks, sb.UsedBlocks, sb.TotalBlocks)
	}
	return nil
}

func marshalBlock(v any) ([]byte, error) {
	dat, err := binstruct.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(dat) != BlockSize {
		return nil, fmt.Errorf("corefs: marshaled %T to %d bytes, want %d", v, len(dat), BlockSize)
	}
	return dat, nil
}

func unmarshalBlock(dat []byte, ptr any) error {
	n, err := binstruct.Unmarshal(dat, ptr)
	if err != nil {
		return err
	}
	if n != BlockSize {
		return fmt.Errorf("corefs: unmarshaled %T from %d bytes, want %d", ptr, n, BlockSize)
	}
	return nil
}

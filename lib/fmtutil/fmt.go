// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fmtutil provides small helpers for implementing fmt.Formatter
// on top of fmt.Stringer, used by lib/textui's human-readable number
// formatting and by on-disk fixed-size byte-array types (UUID, etc) that
// want "%v"/"%s"/"%#v" to all produce something sensible.
package fmtutil

import (
	"fmt"
	"strings"
)

// FmtStateString returns the fmt.Printf verb string that produced a
// given fmt.State and verb, e.g. "%+08.3f". It's used by Format
// implementations that want to re-delegate to fmt with the same flags
// the caller used against them.
func FmtStateString(st fmt.State, verb rune) string {
	var ret strings.Builder
	ret.WriteByte('%')
	for _, flag := range []int{'-', '+', '#', ' ', '0'} {
		if st.Flag(flag) {
			ret.WriteByte(byte(flag))
		}
	}
	if width, ok := st.Width(); ok {
		fmt.Fprintf(&ret, "%v", width)
	}
	if prec, ok := st.Precision(); ok {
		if prec == 0 {
			ret.WriteByte('.')
		} else {
			fmt.Fprintf(&ret, ".%v", prec)
		}
	}
	ret.WriteRune(verb)
	return ret.String()
}

// FormatByteArrayStringer implements fmt.Formatter for a fixed-size byte
// array type that also implements fmt.Stringer, so that "%v" and "%s"
// print the Stringer form while "%#v" still prints a Go-syntax literal.
// Use it like:
//
//	type MyType [16]byte
//
//	func (val MyType) String() string { … }
//
//	func (val MyType) Format(f fmt.State, verb rune) {
//		fmtutil.FormatByteArrayStringer(val, val[:], f, verb)
//	}
func FormatByteArrayStringer(
	obj interface {
		fmt.Stringer
		fmt.Formatter
	},
	objBytes []byte,
	f fmt.State, verb rune,
) {
	switch verb {
	case 'v':
		if !f.Flag('#') {
			FormatByteArrayStringer(obj, objBytes, f, 's')
		} else {
			byteStr := fmt.Sprintf("%#v", objBytes)
			objType := fmt.Sprintf("%T", obj)
			objStr := objType + strings.TrimPrefix(byteStr, "[]byte")
			fmt.Fprintf(f, FmtStateString(f, 's'), objStr)
		}
	case 's', 'q':
		fmt.Fprintf(f, FmtStateString(f, verb), obj.String())
	default:
		fmt.Fprintf(f, FmtStateString(f, verb), objBytes)
	}
}

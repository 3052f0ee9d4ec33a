// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package corefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeRoundTripLeaf(t *testing.T) {
	t.Parallel()
	n := Node{
		Header: NodeHeader{Type: NodeTypeLeaf, Rc: 3},
		Leaf: []LeafEntry{
			{Key: 1, Value: 100, Rc: 0},
			{Key: 2, Value: 200, Rc: 1},
		},
	}
	buf, err := n.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, buf, BlockSize)

	var got Node
	consumed, err := got.UnmarshalBinary(buf)
	require.NoError(t, err)
	assert.Equal(t, BlockSize, consumed)
	assert.True(t, got.IsLeaf())
	assert.Equal(t, uint32(3), got.Header.Rc)
	assert.Equal(t, n.Leaf, got.Leaf)
}

func TestNodeRoundTripInternal(t *testing.T) {
	t.Parallel()
	n := Node{
		Header: NodeHeader{Type: NodeTypeInternal},
		Internal: []InternalEntry{
			{Key: 0, Value: 10},
			{Key: 50, Value: 20},
			{Key: 100, Value: 30},
		},
	}
	buf, err := n.MarshalBinary()
	require.NoError(t, err)

	var got Node
	_, err = got.UnmarshalBinary(buf)
	require.NoError(t, err)
	assert.False(t, got.IsLeaf())
	assert.Equal(t, n.Internal, got.Internal)
}

func TestNodeUnmarshalRejectsBadType(t *testing.T) {
	t.Parallel()
	buf := make([]byte, BlockSize)
	buf[3] = 0x55 // invalid type byte
	var got Node
	_, err := got.UnmarshalBinary(buf)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestNodeUnmarshalRejectsOversizedEntryCount(t *testing.T) {
	t.Parallel()
	buf := make([]byte, BlockSize)
	buf[3] = NodeTypeLeaf
	buf[0] = 0xFF // entry_count high byte, way beyond LeafCapacity
	buf[1] = 0xFF
	var got Node
	_, err := got.UnmarshalBinary(buf)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestNodeMinKey(t *testing.T) {
	t.Parallel()
	leaf := Node{Header: NodeHeader{Type: NodeTypeLeaf}, Leaf: []LeafEntry{{Key: 42}}}
	assert.Equal(t, uint64(42), leaf.minKey())

	internal := Node{Header: NodeHeader{Type: NodeTypeInternal}, Internal: []InternalEntry{{Key: 7}}}
	assert.Equal(t, uint64(7), internal.minKey())
}

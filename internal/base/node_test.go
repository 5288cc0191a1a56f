package base

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafEncodeDecode(t *testing.T) {
	t.Parallel()

	n := NewLeaf(7)
	n.InsertAt(0, []byte("b"), []byte("2"))
	n.InsertAt(0, []byte("a"), []byte("1"))
	n.InsertAt(2, []byte("c"), []byte(""))

	var p Page
	require.NoError(t, n.Encode(&p))
	assert.Equal(t, LeafPageFlag, p.Flags())
	assert.Equal(t, 3, p.CellCount())

	got, err := DecodeNode(7, &p)
	require.NoError(t, err)
	assert.True(t, got.Leaf)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got.Keys)
	assert.Equal(t, []byte("2"), got.Values[1])
	assert.Empty(t, got.Values[2])

	// Decoded cells must not alias the page buffer.
	p.Zero()
	assert.Equal(t, []byte("a"), got.Keys[0])
}

func TestBranchEncodeDecode(t *testing.T) {
	t.Parallel()

	n := &Node{
		Pgno:     3,
		Keys:     [][]byte{[]byte("m")},
		Children: []Pgno{4, 5},
	}
	n.InsertChild(1, []byte("t"), 6)

	var p Page
	require.NoError(t, n.Encode(&p))

	got, err := DecodeNode(3, &p)
	require.NoError(t, err)
	assert.False(t, got.Leaf)
	assert.Equal(t, []Pgno{4, 5, 6}, got.Children)

	child, ok := got.ChildPointer(2)
	assert.True(t, ok)
	assert.Equal(t, Pgno(6), child)
	_, ok = got.ChildPointer(3)
	assert.False(t, ok)

	assert.Equal(t, 0, got.ChildIndex([]byte("a")))
	assert.Equal(t, 1, got.ChildIndex([]byte("m")))
	assert.Equal(t, 2, got.ChildIndex([]byte("z")))
}

func TestDecodeRejectsBlankPage(t *testing.T) {
	t.Parallel()

	var p Page
	_, err := DecodeNode(2, &p)
	assert.ErrorIs(t, err, ErrCorruptPage)
}

func TestEncodeOverflow(t *testing.T) {
	t.Parallel()

	n := NewLeaf(2)
	val := bytes.Repeat([]byte("x"), MaxCellSize-8)
	for i := 0; i < 5; i++ {
		n.InsertAt(i, []byte(fmt.Sprintf("key%04d", i)), val)
	}
	assert.False(t, n.Fits())

	var p Page
	assert.ErrorIs(t, n.Encode(&p), ErrPageOverflow)
}

func TestSplitPointHalvesFit(t *testing.T) {
	t.Parallel()

	n := NewLeaf(2)
	val := bytes.Repeat([]byte("v"), 200)
	for i := 0; i < 20; i++ {
		n.InsertAt(i, []byte(fmt.Sprintf("key%04d", i)), val)
	}
	require.False(t, n.Fits())

	sp := n.SplitPoint()
	left := &Node{Leaf: true, Keys: n.Keys[:sp], Values: n.Values[:sp]}
	right := &Node{Leaf: true, Keys: n.Keys[sp:], Values: n.Values[sp:]}
	assert.True(t, left.Fits())
	assert.True(t, right.Fits())
	assert.NotZero(t, left.CellCount())
	assert.NotZero(t, right.CellCount())
}

func TestSearch(t *testing.T) {
	t.Parallel()

	n := NewLeaf(2)
	for i, k := range []string{"b", "d", "f"} {
		n.InsertAt(i, []byte(k), nil)
	}

	tests := []struct {
		key   string
		idx   int
		exact bool
	}{
		{"a", 0, false},
		{"b", 0, true},
		{"c", 1, false},
		{"f", 2, true},
		{"g", 3, false},
	}
	for _, tt := range tests {
		idx, exact := n.Search([]byte(tt.key))
		assert.Equal(t, tt.idx, idx, tt.key)
		assert.Equal(t, tt.exact, exact, tt.key)
	}
}

func TestLeafKey(t *testing.T) {
	t.Parallel()

	n := NewLeaf(4)
	n.InsertAt(0, []byte("alpha"), []byte("1"))
	n.InsertAt(1, []byte("beta"), []byte("22"))
	var p Page
	require.NoError(t, n.Encode(&p))

	key, err := LeafKey(&p, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), key)

	_, err = LeafKey(&p, 2)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	p.Zero()
	_, err = LeafKey(&p, 0)
	assert.ErrorIs(t, err, ErrCorruptPage)
}

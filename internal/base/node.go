package base

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Node is a decoded b-tree page.
//
// LEAF PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (8 bytes): Flags, Reserved, NumCells, Unused                 │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Cell[0]: KeySize(2) | ValueSize(2) | Key | Value                    │
// │ Cell[1] ...                                                         │
// └─────────────────────────────────────────────────────────────────────┘
//
// BRANCH PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (8 bytes): Flags, Reserved, NumCells, RightChild             │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Cell[0]: Child(4) | KeySize(2) | Key                                │
// │ Cell[1] ...                                                         │
// └─────────────────────────────────────────────────────────────────────┘
//
// Every key in Children[i] sorts below Keys[i]; keys in Children[i+1] sort at
// or above it. Children has one more entry than Keys, the last being the
// right child stored in the header.
type Node struct {
	Pgno     Pgno
	Leaf     bool
	Keys     [][]byte
	Values   [][]byte // leaf only
	Children []Pgno   // branch only
}

// NewLeaf returns an empty leaf node for pgno.
func NewLeaf(pgno Pgno) *Node {
	return &Node{Pgno: pgno, Leaf: true}
}

// CellCount returns the number of cells on the page.
func (n *Node) CellCount() int {
	return len(n.Keys)
}

// ChildPointer returns the i-th child of a branch node. Index CellCount()
// addresses the right child. Leaves have no children.
func (n *Node) ChildPointer(i int) (Pgno, bool) {
	if n.Leaf || i < 0 || i >= len(n.Children) {
		return 0, false
	}
	return n.Children[i], true
}

// Search returns the index of the first key >= key and whether it is an
// exact match.
func (n *Node) Search(key []byte) (int, bool) {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(n.Keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(n.Keys) && bytes.Equal(n.Keys[lo], key)
}

// ChildIndex returns which child of a branch node may contain key.
func (n *Node) ChildIndex(key []byte) int {
	i, exact := n.Search(key)
	if exact {
		return i + 1
	}
	return i
}

// Size returns the number of bytes the node occupies once encoded.
func (n *Node) Size() int {
	size := NodeHeaderSize
	for i, k := range n.Keys {
		if n.Leaf {
			size += leafCellHeaderSize + len(k) + len(n.Values[i])
		} else {
			size += branchCellHeaderSize + len(k)
		}
	}
	return size
}

// Fits reports whether the node can be encoded into a single page.
func (n *Node) Fits() bool {
	return n.Size() <= PageSize
}

// InsertAt places a leaf cell at index i.
func (n *Node) InsertAt(i int, key, value []byte) {
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = key
	n.Values = append(n.Values, nil)
	copy(n.Values[i+1:], n.Values[i:])
	n.Values[i] = value
}

// RemoveAt deletes the leaf cell at index i.
func (n *Node) RemoveAt(i int) {
	n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	n.Values = append(n.Values[:i], n.Values[i+1:]...)
}

// InsertChild places separator key at index i with right as the child that
// follows it.
func (n *Node) InsertChild(i int, key []byte, right Pgno) {
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = key
	n.Children = append(n.Children, 0)
	copy(n.Children[i+2:], n.Children[i+1:])
	n.Children[i+1] = right
}

// Encode serializes the node into p.
func (n *Node) Encode(p *Page) error {
	if !n.Fits() {
		return errors.Wrapf(ErrPageOverflow, "page %d needs %d bytes", n.Pgno, n.Size())
	}
	if !n.Leaf && len(n.Children) != len(n.Keys)+1 {
		return errors.Wrapf(ErrCorruptPage, "branch %d has %d keys and %d children",
			n.Pgno, len(n.Keys), len(n.Children))
	}

	p.Zero()
	le := binary.LittleEndian
	if n.Leaf {
		p.Data[0] = LeafPageFlag
	} else {
		p.Data[0] = BranchPageFlag
		le.PutUint32(p.Data[4:8], uint32(n.Children[len(n.Keys)]))
	}
	le.PutUint16(p.Data[2:4], uint16(len(n.Keys)))

	off := NodeHeaderSize
	for i, k := range n.Keys {
		if n.Leaf {
			v := n.Values[i]
			le.PutUint16(p.Data[off:], uint16(len(k)))
			le.PutUint16(p.Data[off+2:], uint16(len(v)))
			off += leafCellHeaderSize
			off += copy(p.Data[off:], k)
			off += copy(p.Data[off:], v)
		} else {
			le.PutUint32(p.Data[off:], uint32(n.Children[i]))
			le.PutUint16(p.Data[off+4:], uint16(len(k)))
			off += branchCellHeaderSize
			off += copy(p.Data[off:], k)
		}
	}
	return nil
}

// DecodeNode parses a b-tree page. Keys and values are copied out of the page
// so the node stays valid after the page buffer is reused.
func DecodeNode(pgno Pgno, p *Page) (*Node, error) {
	le := binary.LittleEndian
	n := &Node{Pgno: pgno}
	switch p.Flags() {
	case LeafPageFlag:
		n.Leaf = true
	case BranchPageFlag:
	default:
		return nil, errors.Wrapf(ErrCorruptPage, "page %d is not a b-tree page (flags %#x)", pgno, p.Flags())
	}

	count := p.CellCount()
	n.Keys = make([][]byte, count)
	if n.Leaf {
		n.Values = make([][]byte, count)
	} else {
		n.Children = make([]Pgno, count+1)
		n.Children[count] = Pgno(le.Uint32(p.Data[4:8]))
	}

	off := NodeHeaderSize
	for i := 0; i < count; i++ {
		if n.Leaf {
			if off+leafCellHeaderSize > PageSize {
				return nil, errors.Wrapf(ErrInvalidOffset, "page %d cell %d", pgno, i)
			}
			ks := int(le.Uint16(p.Data[off:]))
			vs := int(le.Uint16(p.Data[off+2:]))
			off += leafCellHeaderSize
			if off+ks+vs > PageSize {
				return nil, errors.Wrapf(ErrInvalidOffset, "page %d cell %d", pgno, i)
			}
			n.Keys[i] = bytes.Clone(p.Data[off : off+ks])
			off += ks
			n.Values[i] = bytes.Clone(p.Data[off : off+vs])
			off += vs
		} else {
			if off+branchCellHeaderSize > PageSize {
				return nil, errors.Wrapf(ErrInvalidOffset, "page %d cell %d", pgno, i)
			}
			n.Children[i] = Pgno(le.Uint32(p.Data[off:]))
			ks := int(le.Uint16(p.Data[off+4:]))
			off += branchCellHeaderSize
			if off+ks > PageSize {
				return nil, errors.Wrapf(ErrInvalidOffset, "page %d cell %d", pgno, i)
			}
			n.Keys[i] = bytes.Clone(p.Data[off : off+ks])
			off += ks
		}
	}
	return n, nil
}

// LeafKey returns a copy of the key of cell i on a leaf page without decoding
// the other cells.
func LeafKey(p *Page, i int) ([]byte, error) {
	if p.Flags() != LeafPageFlag {
		return nil, errors.Wrapf(ErrCorruptPage, "not a leaf page (flags %#x)", p.Flags())
	}
	if i < 0 || i >= p.CellCount() {
		return nil, errors.Wrapf(ErrInvalidOffset, "cell %d of %d", i, p.CellCount())
	}
	le := binary.LittleEndian
	off := NodeHeaderSize
	for j := 0; ; j++ {
		if off+leafCellHeaderSize > PageSize {
			return nil, errors.Wrapf(ErrInvalidOffset, "cell %d", j)
		}
		ks := int(le.Uint16(p.Data[off:]))
		vs := int(le.Uint16(p.Data[off+2:]))
		off += leafCellHeaderSize
		if off+ks+vs > PageSize {
			return nil, errors.Wrapf(ErrInvalidOffset, "cell %d", j)
		}
		if j == i {
			return bytes.Clone(p.Data[off : off+ks]), nil
		}
		off += ks + vs
	}
}

// SplitPoint returns the index at which an overfull node should be divided so
// that both halves fit on a page. For leaves the cell at the returned index
// starts the right half; for branches it is the separator promoted to the
// parent.
func (n *Node) SplitPoint() int {
	total := n.Size() - NodeHeaderSize
	acc := 0
	for i, k := range n.Keys {
		var cell int
		if n.Leaf {
			cell = leafCellHeaderSize + len(k) + len(n.Values[i])
		} else {
			cell = branchCellHeaderSize + len(k)
		}
		if acc+cell > total/2 && i > 0 {
			return i
		}
		acc += cell
	}
	return len(n.Keys) - 1
}

package base

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	PageSize = 4096

	LeafPageFlag   uint8 = 0x01
	BranchPageFlag uint8 = 0x02
	TrunkPageFlag  uint8 = 0x04

	// NodeHeaderSize is the fixed header at the start of every b-tree and
	// freelist trunk page.
	// Layout: [Flags: 1][Reserved: 1][NumCells: 2][Right/Next: 4]
	NodeHeaderSize = 8

	leafCellHeaderSize   = 4 // KeySize(2) + ValueSize(2)
	branchCellHeaderSize = 6 // Child(4) + KeySize(2)

	// MaxCellSize bounds a single key/value pair so that any page holds at
	// least four cells. Splits rely on this to always produce two pages that
	// fit.
	MaxCellSize = (PageSize-NodeHeaderSize)/4 - leafCellHeaderSize

	// TrunkCapacity is the number of leaf page numbers one freelist trunk
	// page can record.
	TrunkCapacity = (PageSize - NodeHeaderSize) / 4
)

// Pgno is a page number. Page 1 is the header page; 0 means "no page".
type Pgno uint32

// Page is a raw database page.
type Page struct {
	Data [PageSize]byte
}

// Flags returns the page type flags of a b-tree or trunk page.
func (p *Page) Flags() uint8 {
	return p.Data[0]
}

// CellCount returns the number of cells recorded in the page header without
// decoding the cells themselves.
func (p *Page) CellCount() int {
	return int(binary.LittleEndian.Uint16(p.Data[2:4]))
}

// Zero clears the page.
func (p *Page) Zero() {
	clear(p.Data[:])
}

// Clone returns a copy of the page.
func (p *Page) Clone() *Page {
	c := &Page{}
	c.Data = p.Data
	return c
}

// Trunk is a decoded freelist trunk page.
//
// TRUNK PAGE LAYOUT:
// ┌───────────────────────────────────────────────┐
// │ Flags(1) | Reserved(1) | NumLeaves(2) | Next(4) │
// ├───────────────────────────────────────────────┤
// │ Leaf[0] (4) | Leaf[1] (4) | ... | Leaf[N-1]    │
// └───────────────────────────────────────────────┘
type Trunk struct {
	Next   Pgno
	Leaves []Pgno
}

// EncodeTrunk writes t into p.
func EncodeTrunk(t *Trunk, p *Page) error {
	if len(t.Leaves) > TrunkCapacity {
		return ErrPageOverflow
	}
	p.Zero()
	p.Data[0] = TrunkPageFlag
	binary.LittleEndian.PutUint16(p.Data[2:4], uint16(len(t.Leaves)))
	binary.LittleEndian.PutUint32(p.Data[4:8], uint32(t.Next))
	off := NodeHeaderSize
	for _, leaf := range t.Leaves {
		binary.LittleEndian.PutUint32(p.Data[off:], uint32(leaf))
		off += 4
	}
	return nil
}

// DecodeTrunk reads a freelist trunk page.
func DecodeTrunk(p *Page) (*Trunk, error) {
	if p.Flags() != TrunkPageFlag {
		return nil, errors.Wrapf(ErrCorruptPage, "expected freelist trunk, flags %#x", p.Flags())
	}
	n := p.CellCount()
	if n > TrunkCapacity {
		return nil, errors.Wrapf(ErrCorruptPage, "trunk holds %d leaves", n)
	}
	t := &Trunk{
		Next:   Pgno(binary.LittleEndian.Uint32(p.Data[4:8])),
		Leaves: make([]Pgno, n),
	}
	off := NodeHeaderSize
	for i := range t.Leaves {
		t.Leaves[i] = Pgno(binary.LittleEndian.Uint32(p.Data[off:]))
		off += 4
	}
	return t, nil
}

// checksum hashes everything on the page except the trailing 8 checksum bytes.
func checksum(p *Page) uint64 {
	return xxhash.Sum64(p.Data[:PageSize-8])
}

package base

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
)

const (
	// NumMeta is the number of 32-bit meta values kept for higher layers.
	NumMeta = 8

	headerRootsOffset = 76
	headerRootSize    = 8

	// MaxTables is the capacity of the root page table stored on page 1.
	MaxTables = (PageSize - 8 - headerRootsOffset) / headerRootSize
)

// Magic identifies a database file.
var Magic = [16]byte{'b', 't', 'c', 'o', 'r', 'e', ' ', 'f', 'o', 'r', 'm', 'a', 't', ' ', '1', 0}

// Meta value slots.
const (
	MetaSchemaCookie = 0
	MetaUserVersion  = 1
)

// TableID names a logical tree. The root page table maps it to the page
// where that tree begins.
type TableID uint32

// Root is one entry of the root page table.
type Root struct {
	Table TableID
	Pgno  Pgno // 0 until the first row is written
}

// Header is the decoded content of page 1.
//
// PAGE 1 LAYOUT:
//
//	OFFSET  SIZE  DESCRIPTION
//	   0     16   Magic "btcore format 1\0"
//	  16      2   Page size
//	  18      2   Reserved
//	  20      4   Change counter
//	  24      4   Page count (NPage)
//	  28      4   First freelist trunk page
//	  32      4   Number of freelist pages
//	  36      4   Next table id
//	  40     32   Meta values
//	  72      2   Number of root page table entries
//	  74      2   Reserved
//	  76    8*N   Root page table: [TableID: 4][Pgno: 4]
//	4088      8   xxhash64 of bytes 0..4087
type Header struct {
	ChangeCounter uint32
	NPage         uint32
	FreelistTrunk Pgno
	FreelistCount uint32
	NextTable     TableID
	Meta          [NumMeta]uint32
	Roots         []Root // sorted by Table
}

// NewHeader returns the header of a brand-new database holding only page 1.
func NewHeader() *Header {
	return &Header{NPage: 1, NextTable: 1}
}

// Lookup returns the root page of a table and whether the table exists.
func (h *Header) Lookup(table TableID) (Pgno, bool) {
	i := sort.Search(len(h.Roots), func(i int) bool { return h.Roots[i].Table >= table })
	if i < len(h.Roots) && h.Roots[i].Table == table {
		return h.Roots[i].Pgno, true
	}
	return 0, false
}

// SetRoot inserts or updates the root page for a table.
func (h *Header) SetRoot(table TableID, pgno Pgno) error {
	i := sort.Search(len(h.Roots), func(i int) bool { return h.Roots[i].Table >= table })
	if i < len(h.Roots) && h.Roots[i].Table == table {
		h.Roots[i].Pgno = pgno
		return nil
	}
	if len(h.Roots) >= MaxTables {
		return ErrTooManyTables
	}
	h.Roots = append(h.Roots, Root{})
	copy(h.Roots[i+1:], h.Roots[i:])
	h.Roots[i] = Root{Table: table, Pgno: pgno}
	return nil
}

// RemoveRoot deletes a table from the root page table.
func (h *Header) RemoveRoot(table TableID) bool {
	i := sort.Search(len(h.Roots), func(i int) bool { return h.Roots[i].Table >= table })
	if i < len(h.Roots) && h.Roots[i].Table == table {
		h.Roots = append(h.Roots[:i], h.Roots[i+1:]...)
		return true
	}
	return false
}

// EncodeHeader writes h into page 1.
func EncodeHeader(h *Header, p *Page) error {
	if len(h.Roots) > MaxTables {
		return ErrTooManyTables
	}
	p.Zero()
	copy(p.Data[0:16], Magic[:])
	le := binary.LittleEndian
	le.PutUint16(p.Data[16:18], PageSize&0xffff)
	le.PutUint32(p.Data[20:24], h.ChangeCounter)
	le.PutUint32(p.Data[24:28], h.NPage)
	le.PutUint32(p.Data[28:32], uint32(h.FreelistTrunk))
	le.PutUint32(p.Data[32:36], h.FreelistCount)
	le.PutUint32(p.Data[36:40], uint32(h.NextTable))
	for i, v := range h.Meta {
		le.PutUint32(p.Data[40+4*i:], v)
	}
	le.PutUint16(p.Data[72:74], uint16(len(h.Roots)))
	off := headerRootsOffset
	for _, r := range h.Roots {
		le.PutUint32(p.Data[off:], uint32(r.Table))
		le.PutUint32(p.Data[off+4:], uint32(r.Pgno))
		off += headerRootSize
	}
	le.PutUint64(p.Data[PageSize-8:], checksum(p))
	return nil
}

// DecodeHeader reads and validates page 1.
func DecodeHeader(p *Page) (*Header, error) {
	if [16]byte(p.Data[0:16]) != Magic {
		return nil, ErrInvalidMagicNumber
	}
	le := binary.LittleEndian
	if le.Uint16(p.Data[16:18]) != PageSize&0xffff {
		return nil, ErrInvalidPageSize
	}
	if le.Uint64(p.Data[PageSize-8:]) != checksum(p) {
		return nil, ErrInvalidChecksum
	}
	h := &Header{
		ChangeCounter: le.Uint32(p.Data[20:24]),
		NPage:         le.Uint32(p.Data[24:28]),
		FreelistTrunk: Pgno(le.Uint32(p.Data[28:32])),
		FreelistCount: le.Uint32(p.Data[32:36]),
		NextTable:     TableID(le.Uint32(p.Data[36:40])),
	}
	for i := range h.Meta {
		h.Meta[i] = le.Uint32(p.Data[40+4*i:])
	}
	n := int(le.Uint16(p.Data[72:74]))
	if n > MaxTables {
		return nil, errors.Wrapf(ErrCorruptPage, "root page table holds %d entries", n)
	}
	h.Roots = make([]Root, n)
	off := headerRootsOffset
	for i := range h.Roots {
		h.Roots[i] = Root{
			Table: TableID(le.Uint32(p.Data[off:])),
			Pgno:  Pgno(le.Uint32(p.Data[off+4:])),
		}
		off += headerRootSize
	}
	return h, nil
}

// IsBlank reports whether the page was never written (all zero bytes).
func IsBlank(p *Page) bool {
	for _, b := range p.Data {
		if b != 0 {
			return false
		}
	}
	return true
}

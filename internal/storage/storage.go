package storage

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"btcore/internal/base"
)

// ErrClosed is returned by any operation on a closed store.
var ErrClosed = errors.New("storage closed")

// Storage is the durable byte store underneath the pager. Page n lives at
// byte offset (n-1)*PageSize; page 0 is never addressed.
type Storage interface {
	// ReadPage fills p with the content of pgno. Pages past the end of the
	// store read as zeros.
	ReadPage(pgno base.Pgno, p *base.Page) error
	WritePage(pgno base.Pgno, p *base.Page) error
	// Truncate shrinks or grows the store to exactly nPage pages.
	Truncate(nPage uint32) error
	// Size returns the number of whole pages in the store.
	Size() (uint32, error)
	Sync() error
	Close() error
	Stats() Stats
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
	Syncs   uint64
}

type counters struct {
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
	syncs   atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Reads:   c.reads.Load(),
		Writes:  c.writes.Load(),
		Read:    c.read.Load(),
		Written: c.written.Load(),
		Syncs:   c.syncs.Load(),
	}
}

func offset(pgno base.Pgno) int64 {
	return int64(pgno-1) * base.PageSize
}

// Memory is a Storage kept entirely in memory. It backs ":memory:" databases
// and unit tests.
type Memory struct {
	mu     sync.Mutex
	pages  []*base.Page
	closed bool
	counters
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) ReadPage(pgno base.Pgno, p *base.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if pgno == 0 {
		return errors.Newf("read of page 0")
	}

	m.reads.Add(1)
	m.read.Add(base.PageSize)
	if int(pgno) > len(m.pages) || m.pages[pgno-1] == nil {
		p.Zero()
		return nil
	}
	p.Data = m.pages[pgno-1].Data
	return nil
}

func (m *Memory) WritePage(pgno base.Pgno, p *base.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if pgno == 0 {
		return errors.Newf("write of page 0")
	}

	for int(pgno) > len(m.pages) {
		m.pages = append(m.pages, nil)
	}
	m.pages[pgno-1] = p.Clone()
	m.writes.Add(1)
	m.written.Add(base.PageSize)
	return nil
}

func (m *Memory) Truncate(nPage uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if int(nPage) <= len(m.pages) {
		clear(m.pages[nPage:])
		m.pages = m.pages[:nPage]
		return nil
	}
	for len(m.pages) < int(nPage) {
		m.pages = append(m.pages, nil)
	}
	return nil
}

func (m *Memory) Size() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint32(len(m.pages)), nil
}

func (m *Memory) Sync() error {
	m.syncs.Add(1)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pages = nil
	return nil
}

// Stats returns I/O statistics
func (m *Memory) Stats() Stats {
	return m.stats()
}

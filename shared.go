package btcore

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"

	"btcore/internal/base"
	"btcore/internal/metrics"
	"btcore/internal/pager"
)

// TransState is a transaction state, tracked per connection (Btree) and per
// shared state (BtShared).
type TransState int

const (
	TransNone TransState = iota
	TransRead
	TransWrite
)

func (s TransState) String() string {
	switch s {
	case TransNone:
		return "none"
	case TransRead:
		return "read"
	case TransWrite:
		return "write"
	}
	return "unknown"
}

// BtShared is the b-tree forest of one open database. Every Btree connection
// to the same database shares one BtShared; all fields below mu are guarded
// by it and are only touched between Btree.enter and Btree.leave.
type BtShared struct {
	mu sync.Mutex

	path     string
	registry *Registry
	nRef     int // connections, guarded by registry.mu

	pager   *pager.Pager
	log     Logger
	metrics *metrics.Metrics

	readOnly       bool
	initiallyEmpty bool // database had no pages when the write transaction began

	nPage         uint32
	inTransaction TransState
	nTransaction  int             // connections with a read or write transaction
	writer        *Btree          // connection holding the write transaction
	header        *base.Header    // page 1 content; nil while the database is empty
	page1         *pager.PgHdr    // held while any transaction is open
	hasContent    *roaring.Bitmap // pages moved to the freelist this transaction
	cursors       []*BtCursor
}

// NPage returns the number of pages in the database as seen by the open
// transaction, or as of the last commit when none is open.
func (s *BtShared) NPage() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nPage
}

// TransactionState returns the shared transaction state.
func (s *BtShared) TransactionState() TransState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTransaction
}

// Path returns the path the database was opened with.
func (s *BtShared) Path() string { return s.path }

// lockBtree takes a reference on page 1 and loads the header from it.
func (s *BtShared) lockBtree() error {
	if s.page1 != nil {
		return nil
	}
	h, err := s.pager.Get(1, false)
	if err != nil {
		return storageFault(errors.Wrap(err, "read page 1"))
	}
	if err := s.loadHeader(h); err != nil {
		h.Release()
		return err
	}
	s.page1 = h
	return nil
}

// unlockBtreeIfUnused drops the page 1 reference once no transaction needs
// it.
func (s *BtShared) unlockBtreeIfUnused() {
	if s.nTransaction == 0 && s.page1 != nil {
		s.page1.Release()
		s.page1 = nil
	}
}

// loadHeader decodes page 1 into the header and page count. A never-written
// page 1 means an empty database.
func (s *BtShared) loadHeader(h *pager.PgHdr) error {
	if base.IsBlank(h.Page()) {
		s.header = nil
		s.nPage = 0
		return nil
	}
	hdr, err := base.DecodeHeader(h.Page())
	if err != nil {
		return storageFault(errors.Wrapf(err, "decode header of %s", s.path))
	}
	if hdr.NPage == 0 || (!s.pager.InWrite() && hdr.NPage > s.pager.CommittedSize()) {
		return errors.Wrapf(ErrCorruption, "header records %d pages, file holds %d",
			hdr.NPage, s.pager.CommittedSize())
	}
	s.header = hdr
	s.nPage = hdr.NPage
	return nil
}

// saveHeader writes the in-memory header, including nPage, through to
// page 1. Every header change goes through here so savepoints and rollback
// restore it along with the rest of the database.
func (s *BtShared) saveHeader() error {
	if s.page1 == nil {
		return errors.AssertionFailedf("page 1 not held")
	}
	if err := s.pager.Write(s.page1); err != nil {
		return storageFault(err)
	}
	s.header.NPage = s.nPage
	return base.EncodeHeader(s.header, s.page1.Page())
}

// newDatabase writes a fresh page 1 when the database holds no pages.
func (s *BtShared) newDatabase() error {
	if s.nPage > 0 {
		return nil
	}
	if s.inTransaction != TransWrite {
		return ErrTxNotWritable
	}
	if err := s.pager.Write(s.page1); err != nil {
		return storageFault(err)
	}
	s.header = base.NewHeader()
	s.nPage = 1
	if err := s.saveHeader(); err != nil {
		return err
	}
	s.log.Info("initialized database", "path", s.path)
	return nil
}

// setNPageFromHeader re-derives nPage from the in-memory header.
func (s *BtShared) setNPageFromHeader() {
	if s.header == nil {
		s.nPage = 0
		return
	}
	s.nPage = s.header.NPage
}

func (s *BtShared) lookupRoot(table base.TableID) (base.Pgno, bool) {
	if s.header == nil {
		return 0, false
	}
	return s.header.Lookup(table)
}

func (s *BtShared) getHasContent(pgno base.Pgno) bool {
	return s.hasContent.Contains(uint32(pgno))
}

func (s *BtShared) setHasContent(pgno base.Pgno) {
	s.hasContent.Add(uint32(pgno))
}

func (s *BtShared) clearHasContent() {
	s.hasContent.Clear()
}

// countValidCursors returns the number of cursors that have not been
// tripped. With writeOnly only writable cursors are counted.
func (s *BtShared) countValidCursors(writeOnly bool) int {
	n := 0
	for _, c := range s.cursors {
		if (!writeOnly || c.writable) && c.state != CursorFault {
			n++
		}
	}
	return n
}

func (s *BtShared) removeCursor(c *BtCursor) {
	for i, cur := range s.cursors {
		if cur == c {
			s.cursors = append(s.cursors[:i], s.cursors[i+1:]...)
			return
		}
	}
}

// getPage returns a handle on pgno and its decoded b-tree node.
func (s *BtShared) getPage(pgno base.Pgno) (*pager.PgHdr, *base.Node, error) {
	if pgno == 0 || pgno > base.Pgno(s.nPage) {
		return nil, nil, errors.Wrapf(ErrCorruption, "page %d outside database of %d pages", pgno, s.nPage)
	}
	h, err := s.pager.Get(pgno, false)
	if err != nil {
		return nil, nil, storageFault(err)
	}
	n, err := base.DecodeNode(pgno, h.Page())
	if err != nil {
		h.Release()
		return nil, nil, storageFault(err)
	}
	return h, n, nil
}

// writeNode encodes n into its page.
func (s *BtShared) writeNode(n *base.Node) error {
	h, err := s.pager.Get(n.Pgno, false)
	if err != nil {
		return storageFault(err)
	}
	defer h.Release()
	return s.encodeInto(h, n)
}

func (s *BtShared) encodeInto(h *pager.PgHdr, n *base.Node) error {
	if err := s.pager.Write(h); err != nil {
		return storageFault(err)
	}
	return n.Encode(h.Page())
}

package btcore

import (
	"github.com/cockroachdb/errors"

	"btcore/internal/base"
	"btcore/internal/pager"
)

// The freelist is a chain of trunk pages starting at Header.FreelistTrunk.
// Each trunk lists up to base.TrunkCapacity free leaf pages. FreelistCount
// counts trunks and leaves together.

// allocatePage returns a writable handle on an unused page, taken from the
// freelist when it has any, otherwise appended to the end of the database.
// The caller owns the returned reference.
func (s *BtShared) allocatePage() (*pager.PgHdr, base.Pgno, error) {
	if s.header.FreelistCount > 0 && s.header.FreelistTrunk != 0 {
		h, pgno, err := s.allocateFromFreelist()
		if err != nil {
			return nil, 0, err
		}
		s.metrics.PageAllocated()
		return h, pgno, nil
	}

	s.nPage++
	pgno := base.Pgno(s.nPage)
	if err := s.saveHeader(); err != nil {
		s.nPage--
		return nil, 0, err
	}
	h, err := s.pager.Get(pgno, true)
	if err != nil {
		return nil, 0, storageFault(err)
	}
	if err := s.pager.Write(h); err != nil {
		h.Release()
		return nil, 0, storageFault(err)
	}
	s.metrics.PageAllocated()
	return h, pgno, nil
}

func (s *BtShared) allocateFromFreelist() (*pager.PgHdr, base.Pgno, error) {
	trunkPgno := s.header.FreelistTrunk
	th, err := s.pager.Get(trunkPgno, false)
	if err != nil {
		return nil, 0, storageFault(err)
	}
	trunk, err := base.DecodeTrunk(th.Page())
	if err != nil {
		th.Release()
		return nil, 0, storageFault(err)
	}
	if err := s.pager.Write(th); err != nil {
		th.Release()
		return nil, 0, storageFault(err)
	}

	if len(trunk.Leaves) == 0 {
		// An empty trunk is handed out itself.
		s.header.FreelistTrunk = trunk.Next
		s.header.FreelistCount--
		if err := s.saveHeader(); err != nil {
			th.Release()
			return nil, 0, err
		}
		return th, trunkPgno, nil
	}

	pgno := trunk.Leaves[len(trunk.Leaves)-1]
	trunk.Leaves = trunk.Leaves[:len(trunk.Leaves)-1]
	err = base.EncodeTrunk(trunk, th.Page())
	th.Release()
	if err != nil {
		return nil, 0, err
	}
	if pgno < 2 || uint32(pgno) > s.nPage {
		return nil, 0, errors.Wrapf(ErrCorruption, "freelist leaf %d outside database of %d pages", pgno, s.nPage)
	}
	s.header.FreelistCount--
	if err := s.saveHeader(); err != nil {
		return nil, 0, err
	}

	// Pages freed in this transaction are read so savepoints can restore
	// them; older free pages hold nothing worth reading.
	h, err := s.pager.Get(pgno, !s.getHasContent(pgno))
	if err != nil {
		return nil, 0, storageFault(err)
	}
	if err := s.pager.Write(h); err != nil {
		h.Release()
		return nil, 0, storageFault(err)
	}
	return h, pgno, nil
}

// freePage puts pgno on the freelist, as a leaf of the first trunk when it
// has room, otherwise as a new first trunk.
func (s *BtShared) freePage(pgno base.Pgno) error {
	s.setHasContent(pgno)

	if trunkPgno := s.header.FreelistTrunk; trunkPgno != 0 {
		th, err := s.pager.Get(trunkPgno, false)
		if err != nil {
			return storageFault(err)
		}
		trunk, err := base.DecodeTrunk(th.Page())
		if err != nil {
			th.Release()
			return storageFault(err)
		}
		if len(trunk.Leaves) < base.TrunkCapacity {
			trunk.Leaves = append(trunk.Leaves, pgno)
			err := s.pager.Write(th)
			if err == nil {
				err = base.EncodeTrunk(trunk, th.Page())
			}
			th.Release()
			if err != nil {
				return storageFault(err)
			}
			s.header.FreelistCount++
			s.metrics.PageFreed()
			return s.saveHeader()
		}
		th.Release()
	}

	h, err := s.pager.Get(pgno, false)
	if err != nil {
		return storageFault(err)
	}
	defer h.Release()
	if err := s.pager.Write(h); err != nil {
		return storageFault(err)
	}
	if err := base.EncodeTrunk(&base.Trunk{Next: s.header.FreelistTrunk}, h.Page()); err != nil {
		return err
	}
	s.header.FreelistTrunk = pgno
	s.header.FreelistCount++
	s.metrics.PageFreed()
	return s.saveHeader()
}

// clearPage deletes every cell in the subtree rooted at pgno and returns how
// many leaf cells were removed. With freeIt the page goes to the freelist,
// otherwise it is left as an empty leaf.
func (s *BtShared) clearPage(pgno base.Pgno, freeIt bool) (int, error) {
	h, n, err := s.getPage(pgno)
	if err != nil {
		return 0, err
	}
	h.Release()

	count := 0
	if n.Leaf {
		count = n.CellCount()
	} else {
		for _, child := range n.Children {
			c, err := s.clearPage(child, true)
			count += c
			if err != nil {
				return count, err
			}
		}
	}
	if freeIt {
		return count, s.freePage(pgno)
	}
	return count, s.writeNode(base.NewLeaf(pgno))
}

package btcore

import (
	"github.com/cockroachdb/errors"

	"btcore/internal/base"
)

// Rollback abandons this connection's write transaction, if it holds one,
// and ends its transaction. tripCode nil asks for a clean rollback in which
// cursors keep their logical positions; a non-nil tripCode poisons every
// cursor so its next operation fails with tripCode. The work runs in four
// phases, in order:
//
//  1. With a nil tripCode every cursor saves its position. If a save fails
//     the rollback carries on with tripCode set to an error marked
//     ErrRollbackPartialFailure and writeOnly cleared. With a non-nil
//     tripCode, read-only cursors save their positions when writeOnly is set
//     and every other cursor is tripped.
//  2. With a non-nil tripCode every cursor not yet tripped is tripped.
//  3. If this connection holds the write transaction the pager discards the
//     uncommitted pages, nPage is re-read from page 1 and the shared state
//     drops from TransWrite to TransRead.
//  4. The connection's transaction ends and every virtual table taking part
//     in it is rolled back.
//
// A failed save in phase 1 does not fail the rollback. The returned error is
// the first failure of phase 3, or else of a virtual table rollback hook.
func (b *Btree) Rollback(tripCode error, writeOnly bool) error {
	b.enter()
	defer b.leave()

	s := b.shared
	var rc error
	tripped := 0

	if tripCode == nil {
		if err := s.saveAllCursors(0, nil); err != nil {
			tripCode = base.Classify(errors.Wrap(err, "save cursor positions"), ErrRollbackPartialFailure)
			writeOnly = false
			s.log.Warn("rollback could not save cursor positions, tripping all cursors",
				"path", s.path, "error", err)
		}
	} else {
		n, err := s.tripAllCursors(tripCode, writeOnly)
		tripped += n
		if err != nil {
			s.log.Warn("rollback could not save cursor positions, tripping all cursors",
				"path", s.path, "error", err)
		}
	}

	if tripCode != nil {
		for _, c := range s.cursors {
			if c.state != CursorFault {
				c.trip(tripCode)
				tripped++
			}
		}
	}

	if b.inTrans == TransWrite {
		if err := s.pager.Rollback(); err != nil {
			rc = storageFault(err)
		}
		if err := s.loadHeader(s.page1); err != nil && rc == nil {
			rc = err
		}
		if s.countValidCursors(false) == 0 {
			s.clearHasContent()
		}
		s.inTransaction = TransRead
		s.writer = nil
		s.metrics.Rollback()
		s.log.Info("rolled back", "path", s.path, "pages", s.nPage, "tripped", tripped)
	}
	s.metrics.CursorTrips(tripped)

	b.endTransaction()
	if err := b.vtrans.Rollback(); err != nil {
		s.log.Warn("virtual table rollback failed", "path", s.path, "error", err)
		if rc == nil {
			rc = err
		}
	}
	return rc
}

// TripAllCursors poisons every cursor on the shared state so that its next
// operation fails with tripCode. With writeOnly, read-only cursors save
// their positions instead; if one cannot, every cursor is tripped with an
// error marked ErrRollbackPartialFailure, which is returned.
func (b *Btree) TripAllCursors(tripCode error, writeOnly bool) error {
	b.enter()
	defer b.leave()

	n, err := b.shared.tripAllCursors(tripCode, writeOnly)
	b.shared.metrics.CursorTrips(n)
	return err
}

// tripAllCursors returns how many cursors were newly tripped.
func (s *BtShared) tripAllCursors(tripCode error, writeOnly bool) (int, error) {
	n := 0
	for _, c := range s.cursors {
		if writeOnly && !c.writable {
			if err := c.savePosition(); err != nil {
				err = base.Classify(errors.Wrap(err, "save cursor position"), ErrRollbackPartialFailure)
				m, _ := s.tripAllCursors(err, false)
				return n + m, err
			}
			continue
		}
		if c.state != CursorFault {
			n++
		}
		c.trip(tripCode)
	}
	return n, nil
}

// saveAllCursors saves the position of every cursor on table, or on every
// table when table is 0, other than except.
func (s *BtShared) saveAllCursors(table TableID, except *BtCursor) error {
	for _, c := range s.cursors {
		if c == except || (table != 0 && c.table != table) {
			continue
		}
		if err := c.savePosition(); err != nil {
			return err
		}
	}
	return nil
}

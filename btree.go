package btcore

import (
	"github.com/cockroachdb/errors"

	"btcore/internal/base"
	"btcore/internal/pager"
)

// TableID names a b-tree inside the database.
type TableID = base.TableID

// Meta value slots for GetMeta and UpdateMeta.
const (
	MetaSchemaCookie = base.MetaSchemaCookie
	MetaUserVersion  = base.MetaUserVersion
	NumMeta          = base.NumMeta
)

// SavepointOp selects the savepoint operation.
type SavepointOp = pager.SavepointOp

const (
	SavepointRelease  = pager.SavepointRelease
	SavepointRollback = pager.SavepointRollback
)

// Btree is one connection to a database. Connections to the same file share
// a BtShared.
//
// CONCURRENCY: a Btree and the cursors opened on it must only be used by one
// goroutine at a time. Different connections to the same database may be
// used concurrently; the shared-state mutex serializes them.
type Btree struct {
	shared     *BtShared
	inTrans    TransState
	wantToLock int
	closed     bool
	vtrans     *VTrans
}

// Shared returns the shared state behind this connection.
func (b *Btree) Shared() *BtShared { return b.shared }

// VTrans returns the virtual tables participating in this connection's
// transaction.
func (b *Btree) VTrans() *VTrans { return b.vtrans }

// TxnState returns this connection's transaction state.
func (b *Btree) TxnState() TransState {
	b.enter()
	defer b.leave()
	return b.inTrans
}

// PageCount returns the database size in pages.
func (b *Btree) PageCount() uint32 {
	b.enter()
	defer b.leave()
	return b.shared.nPage
}

// Close rolls back any open transaction, closes the connection's cursors and
// drops its reference on the shared state.
func (b *Btree) Close() error {
	b.enter()
	if b.closed {
		b.leave()
		return nil
	}
	var err error
	if b.inTrans != TransNone {
		err = b.Rollback(nil, false)
	}
	s := b.shared
	for _, c := range append([]*BtCursor(nil), s.cursors...) {
		if c.btree == b {
			c.close()
		}
	}
	b.closed = true
	b.leave()

	return errors.CombineErrors(err, s.registry.release(s))
}

// BeginTrans starts a read or write transaction. A read transaction is
// upgraded when write is set. Only one connection may hold the write
// transaction; others get ErrTxInProgress.
func (b *Btree) BeginTrans(write bool) error {
	b.enter()
	defer b.leave()

	if b.closed {
		return ErrDatabaseClosed
	}
	s := b.shared
	if b.inTrans == TransWrite || (b.inTrans == TransRead && !write) {
		return nil
	}
	if write {
		if s.readOnly {
			return ErrReadOnly
		}
		if s.writer != nil && s.writer != b {
			return ErrTxInProgress
		}
	}

	if err := s.lockBtree(); err != nil {
		s.unlockBtreeIfUnused()
		return err
	}

	if write {
		if err := s.pager.Begin(); err != nil {
			s.unlockBtreeIfUnused()
			return storageFault(err)
		}
		s.inTransaction = TransWrite
		s.writer = b
		s.initiallyEmpty = s.nPage == 0
		s.clearHasContent()
	}

	if b.inTrans == TransNone {
		s.nTransaction++
		if s.inTransaction == TransNone {
			s.inTransaction = TransRead
		}
	}
	if !write {
		b.inTrans = TransRead
		return nil
	}

	b.inTrans = TransWrite
	if err := s.newDatabase(); err != nil {
		_ = b.Rollback(nil, false)
		return err
	}
	return nil
}

// CommitPhaseOne syncs the virtual tables taking part in the transaction,
// then writes the transaction to storage. A failed sync is returned as a
// *SyncError before any page is written. On failure the caller must
// Rollback.
func (b *Btree) CommitPhaseOne() error {
	b.enter()
	defer b.leave()

	if err := b.vtrans.Sync(); err != nil {
		return err
	}
	if b.inTrans != TransWrite {
		return nil
	}
	s := b.shared
	s.header.ChangeCounter++
	if err := s.saveHeader(); err != nil {
		return err
	}
	if err := s.pager.Commit(s.nPage); err != nil {
		err = storageFault(err)
		s.log.Error("commit failed", "path", s.path, "error", err)
		return err
	}
	return nil
}

// CommitPhaseTwo ends the transaction after CommitPhaseOne succeeded and
// commits the virtual tables taking part in it.
func (b *Btree) CommitPhaseTwo() error {
	b.enter()
	defer b.leave()

	s := b.shared
	if b.inTrans == TransWrite {
		if s.pager.InWrite() {
			return errors.Wrap(ErrTxInProgress, "commit phase one did not complete")
		}
		s.inTransaction = TransRead
		s.writer = nil
		s.clearHasContent()
		s.metrics.Commit()
		s.log.Info("committed", "path", s.path, "pages", s.nPage)
	}
	if b.inTrans != TransNone {
		b.endTransaction()
	}
	return b.vtrans.Commit()
}

// Commit runs both commit phases.
func (b *Btree) Commit() error {
	b.enter()
	defer b.leave()

	if err := b.CommitPhaseOne(); err != nil {
		return err
	}
	return b.CommitPhaseTwo()
}

// endTransaction drops this connection's transaction. The shared state stays
// at READ; it returns to NONE when the last connection closes.
func (b *Btree) endTransaction() {
	s := b.shared
	if b.inTrans != TransNone {
		s.nTransaction--
		if s.writer == b {
			s.writer = nil
		}
	}
	b.inTrans = TransNone
	s.unlockBtreeIfUnused()
}

// NewDb resets the database to a brand-new, empty state holding only
// page 1. The connection must hold the write transaction.
func (b *Btree) NewDb() error {
	b.enter()
	defer b.leave()

	if b.inTrans != TransWrite {
		return ErrTxNotWritable
	}
	s := b.shared
	if err := s.saveAllCursors(0, nil); err != nil {
		return err
	}
	s.nPage = 0
	if err := s.newDatabase(); err != nil {
		s.setNPageFromHeader()
		return err
	}
	return nil
}

// OpenSavepoint makes sure n savepoints are open in the write transaction.
func (b *Btree) OpenSavepoint(n int) error {
	b.enter()
	defer b.leave()

	if b.inTrans != TransWrite {
		return ErrTxNotWritable
	}
	return storageFault(b.shared.pager.OpenSavepoint(n))
}

// Savepoint releases or rolls back savepoint i; rolling back -1 undoes the
// whole transaction while keeping it open. Without a write transaction this
// is a no-op.
func (b *Btree) Savepoint(op SavepointOp, i int) error {
	b.enter()
	defer b.leave()

	if b.inTrans != TransWrite {
		return nil
	}
	s := b.shared
	if op == SavepointRollback {
		if err := s.saveAllCursors(0, nil); err != nil {
			return err
		}
	}
	if err := s.pager.Savepoint(op, i); err != nil {
		return storageFault(err)
	}
	if op == SavepointRelease {
		return nil
	}

	if err := s.loadHeader(s.page1); err != nil {
		return err
	}
	if i < 0 && s.initiallyEmpty {
		s.nPage = 0
	}
	return s.newDatabase()
}

// CreateTable adds an empty table. Its root page is allocated when the first
// row is inserted.
func (b *Btree) CreateTable() (TableID, error) {
	b.enter()
	defer b.leave()

	if b.inTrans != TransWrite {
		return 0, ErrTxNotWritable
	}
	s := b.shared
	id := s.header.NextTable
	if err := s.header.SetRoot(id, 0); err != nil {
		return 0, err
	}
	s.header.NextTable++
	if err := s.saveHeader(); err != nil {
		return 0, err
	}
	return id, nil
}

// DropTable deletes a table and frees its pages. It fails with ErrLocked
// while any cursor is open on the table.
func (b *Btree) DropTable(table TableID) error {
	b.enter()
	defer b.leave()

	if b.inTrans != TransWrite {
		return ErrTxNotWritable
	}
	s := b.shared
	root, ok := s.lookupRoot(table)
	if !ok {
		return ErrTableNotFound
	}
	for _, c := range s.cursors {
		if c.table == table {
			return errors.Wrapf(ErrLocked, "table %d has open cursors", table)
		}
	}
	if root != 0 {
		if _, err := s.clearPage(root, true); err != nil {
			return err
		}
	}
	s.header.RemoveRoot(table)
	return s.saveHeader()
}

// ClearTable deletes every row of a table and returns how many there were.
func (b *Btree) ClearTable(table TableID) (int, error) {
	b.enter()
	defer b.leave()

	if b.inTrans != TransWrite {
		return 0, ErrTxNotWritable
	}
	s := b.shared
	root, ok := s.lookupRoot(table)
	if !ok {
		return 0, ErrTableNotFound
	}
	if err := s.saveAllCursors(table, nil); err != nil {
		return 0, err
	}
	if root == 0 {
		return 0, nil
	}
	return s.clearPage(root, false)
}

// Tables returns the ids of every table in the database.
func (b *Btree) Tables() []TableID {
	b.enter()
	defer b.leave()

	s := b.shared
	if s.header == nil {
		return nil
	}
	ids := make([]TableID, len(s.header.Roots))
	for i, r := range s.header.Roots {
		ids[i] = r.Table
	}
	return ids
}

// GetMeta returns meta value idx. An empty database reports zero.
func (b *Btree) GetMeta(idx int) uint32 {
	b.enter()
	defer b.leave()

	s := b.shared
	if s.header == nil || idx < 0 || idx >= NumMeta {
		return 0
	}
	return s.header.Meta[idx]
}

// UpdateMeta sets meta value idx inside the write transaction.
func (b *Btree) UpdateMeta(idx int, v uint32) error {
	b.enter()
	defer b.leave()

	if b.inTrans != TransWrite {
		return ErrTxNotWritable
	}
	if idx < 0 || idx >= NumMeta {
		return errors.Newf("meta index %d out of range", idx)
	}
	s := b.shared
	s.header.Meta[idx] = v
	return s.saveHeader()
}

// FreelistCount returns the number of pages on the freelist.
func (b *Btree) FreelistCount() uint32 {
	b.enter()
	defer b.leave()

	if b.shared.header == nil {
		return 0
	}
	return b.shared.header.FreelistCount
}

// SetCacheSize changes how many clean pages are kept in memory.
func (b *Btree) SetCacheSize(pages int) error {
	b.enter()
	defer b.leave()
	return b.shared.pager.SetCacheSize(pages)
}

// Stats reports page cache and storage activity.
func (b *Btree) Stats() pager.Stats {
	b.enter()
	defer b.leave()
	return b.shared.pager.Stats()
}

// OpenCursor opens a cursor on table. Writable cursors need the write
// transaction.
func (b *Btree) OpenCursor(table TableID, writable bool) (*BtCursor, error) {
	b.enter()
	defer b.leave()

	if b.closed {
		return nil, ErrDatabaseClosed
	}
	if b.inTrans == TransNone {
		return nil, ErrNoActiveTx
	}
	if writable && b.inTrans != TransWrite {
		return nil, ErrTxNotWritable
	}
	s := b.shared
	root, ok := s.lookupRoot(table)
	if !ok {
		return nil, ErrTableNotFound
	}
	c := &BtCursor{
		btree:    b,
		shared:   s,
		table:    table,
		rootPage: root,
		writable: writable,
	}
	s.cursors = append(s.cursors, c)
	return c, nil
}

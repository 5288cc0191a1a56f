package btcore

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to open a private in-memory database
func openTestDB(t *testing.T, opts ...Option) *Btree {
	t.Helper()
	b, err := NewRegistry().Open(MemoryPath, opts...)
	require.NoError(t, err, "Failed to open database")
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key%05d", i))
}

func value(i int) []byte {
	return []byte(fmt.Sprintf("value%d", i))
}

// newTable creates a table inside b's write transaction, starting one if
// needed.
func newTable(t *testing.T, b *Btree) TableID {
	t.Helper()
	require.NoError(t, b.BeginTrans(true))
	tbl, err := b.CreateTable()
	require.NoError(t, err)
	return tbl
}

// fill inserts keys [from, to) through c.
func fill(t *testing.T, c *BtCursor, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, c.Insert(key(i), value(i)), "Failed to insert key %d", i)
	}
}

// scanKeys walks the table forward from the first key.
func scanKeys(t *testing.T, c *BtCursor) []string {
	t.Helper()
	var keys []string
	eof, err := c.First()
	require.NoError(t, err)
	for !eof {
		k, err := c.Key()
		require.NoError(t, err)
		keys = append(keys, string(k))
		eof, err = c.Next()
		require.NoError(t, err)
	}
	return keys
}

func keyRange(from, to int) []string {
	var keys []string
	for i := from; i < to; i++ {
		keys = append(keys, string(key(i)))
	}
	return keys
}

// allocatePages grows the database by n pages inside the write transaction.
func allocatePages(t *testing.T, b *Btree, n int) {
	t.Helper()
	b.enter()
	defer b.leave()
	for range n {
		h, _, err := b.shared.allocatePage()
		require.NoError(t, err)
		h.Release()
	}
}

func TestBeginTransStates(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	s := b.Shared()
	assert.Equal(t, TransNone, b.TxnState())
	assert.Equal(t, TransNone, s.TransactionState())
	assert.Equal(t, uint32(0), b.PageCount())

	require.NoError(t, b.BeginTrans(false))
	assert.Equal(t, TransRead, b.TxnState())
	assert.Equal(t, TransRead, s.TransactionState())

	// Upgrade initializes the empty database.
	require.NoError(t, b.BeginTrans(true))
	assert.Equal(t, TransWrite, b.TxnState())
	assert.Equal(t, TransWrite, s.TransactionState())
	assert.Equal(t, uint32(1), b.PageCount())

	// A read request inside a write transaction changes nothing.
	require.NoError(t, b.BeginTrans(false))
	assert.Equal(t, TransWrite, b.TxnState())

	require.NoError(t, b.Commit())
	assert.Equal(t, TransNone, b.TxnState())
	assert.Equal(t, TransRead, s.TransactionState())
	assert.Equal(t, uint32(1), b.PageCount())
}

func TestCommitPersistsRows(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	tbl := newTable(t, b)
	c, err := b.OpenCursor(tbl, true)
	require.NoError(t, err)
	fill(t, c, 0, 300)
	c.Close()
	require.NoError(t, b.Commit())

	require.NoError(t, b.BeginTrans(false))
	c, err = b.OpenCursor(tbl, false)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, keyRange(0, 300), scanKeys(t, c))

	found, err := c.Seek(key(42))
	require.NoError(t, err)
	require.True(t, found)
	v, err := c.Value()
	require.NoError(t, err)
	assert.Equal(t, value(42), v)
	require.NoError(t, b.Commit())
}

func TestWriterExclusion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	reg := NewRegistry()
	a, err := reg.Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := reg.Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.Same(t, a.Shared(), b.Shared())
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, a.BeginTrans(true))
	assert.ErrorIs(t, b.BeginTrans(true), ErrTxInProgress)
	require.NoError(t, b.BeginTrans(false))

	require.NoError(t, a.Commit())
	assert.Equal(t, TransRead, a.Shared().TransactionState())

	// The reader can upgrade once the writer is gone.
	require.NoError(t, b.BeginTrans(true))
	require.NoError(t, b.Commit())
}

func TestRegistrySharesAndReleases(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	reg := NewRegistry()
	a, err := reg.Open(path)
	require.NoError(t, err)
	b, err := reg.Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, a.Shared().Path())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, reg.Len())
	require.NoError(t, a.Close(), "second Close is a no-op")
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, b.Close())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, TransNone, b.Shared().TransactionState())

	// Memory databases are never shared.
	m1, err := reg.Open(MemoryPath)
	require.NoError(t, err)
	defer m1.Close()
	m2, err := reg.Open(MemoryPath)
	require.NoError(t, err)
	defer m2.Close()
	assert.NotSame(t, m1.Shared(), m2.Shared())
	assert.Equal(t, 0, reg.Len())
}

func TestReopenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	b, err := NewRegistry().Open(path, WithSyncMode(SyncOff), WithCacheSize(8))
	require.NoError(t, err)
	tbl := newTable(t, b)
	c, err := b.OpenCursor(tbl, true)
	require.NoError(t, err)
	fill(t, c, 0, 500)
	require.NoError(t, b.UpdateMeta(MetaUserVersion, 7))
	require.NoError(t, b.Commit())
	pages := b.PageCount()
	require.NoError(t, b.Close())

	b, err = NewRegistry().Open(path)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, pages, b.PageCount())
	assert.Equal(t, uint32(7), b.GetMeta(MetaUserVersion))
	assert.Equal(t, []TableID{tbl}, b.Tables())

	require.NoError(t, b.BeginTrans(false))
	c, err = b.OpenCursor(tbl, false)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, keyRange(0, 500), scanKeys(t, c))
}

func TestCloseRollsBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	b, err := NewRegistry().Open(path)
	require.NoError(t, err)
	tbl := newTable(t, b)
	require.NoError(t, b.Commit())

	require.NoError(t, b.BeginTrans(true))
	c, err := b.OpenCursor(tbl, true)
	require.NoError(t, err)
	fill(t, c, 0, 10)
	require.NoError(t, b.Close())

	_, err = c.First()
	assert.ErrorIs(t, err, ErrCursorClosed)
	assert.ErrorIs(t, b.BeginTrans(false), ErrDatabaseClosed)

	b, err = NewRegistry().Open(path)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.BeginTrans(false))
	c, err = b.OpenCursor(tbl, false)
	require.NoError(t, err)
	defer c.Close()
	assert.Empty(t, scanKeys(t, c))
}

func TestReadOnlyDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	b, err := NewRegistry().Open(path)
	require.NoError(t, err)
	tbl := newTable(t, b)
	c, err := b.OpenCursor(tbl, true)
	require.NoError(t, err)
	fill(t, c, 0, 3)
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	b, err = NewRegistry().Open(path, WithReadOnly())
	require.NoError(t, err)
	defer b.Close()
	assert.ErrorIs(t, b.BeginTrans(true), ErrReadOnly)

	require.NoError(t, b.BeginTrans(false))
	_, err = b.OpenCursor(tbl, true)
	assert.ErrorIs(t, err, ErrTxNotWritable)
	c, err = b.OpenCursor(tbl, false)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, keyRange(0, 3), scanKeys(t, c))
}

func TestOpenCursorPreconditions(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	_, err := b.OpenCursor(1, false)
	assert.ErrorIs(t, err, ErrNoActiveTx)

	tbl := newTable(t, b)
	_, err = b.OpenCursor(tbl+1, false)
	assert.ErrorIs(t, err, ErrTableNotFound)
	require.NoError(t, b.Commit())

	require.NoError(t, b.BeginTrans(false))
	_, err = b.OpenCursor(tbl, true)
	assert.ErrorIs(t, err, ErrTxNotWritable)
	_, err = b.CreateTable()
	assert.ErrorIs(t, err, ErrTxNotWritable)
	assert.ErrorIs(t, b.OpenSavepoint(1), ErrTxNotWritable)
}

func TestCreateAndDropTable(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	t1 := newTable(t, b)
	t2, err := b.CreateTable()
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
	assert.Equal(t, []TableID{t1, t2}, b.Tables())

	c, err := b.OpenCursor(t1, true)
	require.NoError(t, err)
	fill(t, c, 0, 1000)
	assert.ErrorIs(t, b.DropTable(t1), ErrLocked)
	c.Close()
	require.NoError(t, b.Commit())

	pages := b.PageCount()
	require.Greater(t, pages, uint32(4))

	require.NoError(t, b.BeginTrans(true))
	require.NoError(t, b.DropTable(t1))
	assert.ErrorIs(t, b.DropTable(t1), ErrTableNotFound)
	assert.Equal(t, []TableID{t2}, b.Tables())
	require.NoError(t, b.Commit())

	// Every page but page 1 went to the freelist.
	assert.Equal(t, pages, b.PageCount())
	assert.Equal(t, pages-1, b.FreelistCount())
}

func TestFreelistReuse(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	t1 := newTable(t, b)
	c, err := b.OpenCursor(t1, true)
	require.NoError(t, err)
	fill(t, c, 0, 1000)
	c.Close()
	require.NoError(t, b.Commit())
	pages := b.PageCount()

	require.NoError(t, b.BeginTrans(true))
	require.NoError(t, b.DropTable(t1))
	require.NoError(t, b.Commit())
	free := b.FreelistCount()
	require.NotZero(t, free)

	t2 := newTable(t, b)
	c, err = b.OpenCursor(t2, true)
	require.NoError(t, err)
	defer c.Close()
	fill(t, c, 0, 100)
	require.NoError(t, b.Commit())

	assert.Equal(t, pages, b.PageCount(), "pages come from the freelist before the file grows")
	assert.Less(t, b.FreelistCount(), free)

	require.NoError(t, b.BeginTrans(false))
	assert.Equal(t, keyRange(0, 100), scanKeys(t, c))
}

func TestFreelistReuseInSameTransaction(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	t1 := newTable(t, b)
	c, err := b.OpenCursor(t1, true)
	require.NoError(t, err)
	fill(t, c, 0, 1000)
	c.Close()
	require.NoError(t, b.Commit())
	pages := b.PageCount()

	require.NoError(t, b.BeginTrans(true))
	require.NoError(t, b.DropTable(t1))
	b.enter()
	assert.False(t, b.shared.hasContent.IsEmpty(), "freed pages are tracked")
	b.leave()

	t2, err := b.CreateTable()
	require.NoError(t, err)
	c, err = b.OpenCursor(t2, true)
	require.NoError(t, err)
	defer c.Close()
	fill(t, c, 0, 900)
	assert.Equal(t, keyRange(0, 900), scanKeys(t, c))
	require.NoError(t, b.Commit())
	assert.Equal(t, pages, b.PageCount())

	b.enter()
	assert.True(t, b.shared.hasContent.IsEmpty(), "commit forgets freed pages")
	b.leave()
}

func TestClearTable(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	tbl := newTable(t, b)
	c, err := b.OpenCursor(tbl, true)
	require.NoError(t, err)
	defer c.Close()
	fill(t, c, 0, 1000)

	n, err := b.ClearTable(tbl)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.NotZero(t, b.FreelistCount())

	empty, err := c.First()
	require.NoError(t, err)
	assert.True(t, empty)

	// The table still exists and accepts rows.
	fill(t, c, 0, 5)
	assert.Equal(t, keyRange(0, 5), scanKeys(t, c))

	_, err = b.ClearTable(tbl + 10)
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestMeta(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	assert.Equal(t, uint32(0), b.GetMeta(MetaSchemaCookie))
	assert.ErrorIs(t, b.UpdateMeta(MetaSchemaCookie, 1), ErrTxNotWritable)

	require.NoError(t, b.BeginTrans(true))
	require.NoError(t, b.UpdateMeta(MetaSchemaCookie, 3))
	assert.Error(t, b.UpdateMeta(NumMeta, 1))
	require.NoError(t, b.Commit())
	assert.Equal(t, uint32(3), b.GetMeta(MetaSchemaCookie))

	require.NoError(t, b.BeginTrans(true))
	require.NoError(t, b.UpdateMeta(MetaSchemaCookie, 9))
	assert.Equal(t, uint32(9), b.GetMeta(MetaSchemaCookie))
	require.NoError(t, b.Rollback(nil, false))
	assert.Equal(t, uint32(3), b.GetMeta(MetaSchemaCookie))
	assert.Equal(t, uint32(0), b.GetMeta(-1))
}

func TestSavepoints(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	tbl := newTable(t, b)
	c, err := b.OpenCursor(tbl, true)
	require.NoError(t, err)
	defer c.Close()
	fill(t, c, 0, 10)

	require.NoError(t, b.OpenSavepoint(1))
	fill(t, c, 10, 400)
	pages := b.PageCount()

	require.NoError(t, b.OpenSavepoint(2))
	require.NoError(t, b.UpdateMeta(MetaUserVersion, 5))
	_, err = b.CreateTable()
	require.NoError(t, err)

	require.NoError(t, b.Savepoint(SavepointRollback, 1))
	assert.Equal(t, uint32(0), b.GetMeta(MetaUserVersion))
	assert.Equal(t, []TableID{tbl}, b.Tables())
	assert.Equal(t, pages, b.PageCount())

	// The cursor was saved and finds its key again.
	k, err := c.Key()
	require.NoError(t, err)
	assert.Equal(t, key(399), k)

	require.NoError(t, b.Savepoint(SavepointRollback, 0))
	assert.Equal(t, keyRange(0, 10), scanKeys(t, c))

	require.NoError(t, b.Savepoint(SavepointRelease, 0))
	require.NoError(t, b.Commit())
	assert.Equal(t, uint32(2), b.PageCount())
}

func TestSavepointRollbackWholeTransaction(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	tbl := newTable(t, b)
	c, err := b.OpenCursor(tbl, true)
	require.NoError(t, err)
	defer c.Close()
	fill(t, c, 0, 50)

	require.NoError(t, b.Savepoint(SavepointRollback, -1))
	assert.Equal(t, TransWrite, b.TxnState())
	assert.Equal(t, uint32(1), b.PageCount(), "empty database is initialized again")
	assert.Empty(t, b.Tables())

	_, err = c.Key()
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Without a write transaction savepoints are a no-op.
	require.NoError(t, b.Commit())
	require.NoError(t, b.Savepoint(SavepointRollback, 0))
}

func TestConcurrentConnections(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	reg := NewRegistry()
	w, err := reg.Open(path, WithSyncMode(SyncOff))
	require.NoError(t, err)
	defer w.Close()

	read := newTable(t, w)
	write, err := w.CreateTable()
	require.NoError(t, err)
	c, err := w.OpenCursor(read, true)
	require.NoError(t, err)
	fill(t, c, 0, 300)
	c.Close()
	require.NoError(t, w.Commit())

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 20 {
			if err := w.BeginTrans(true); err != nil {
				errs <- err
				return
			}
			c, err := w.OpenCursor(write, true)
			if err != nil {
				errs <- err
				return
			}
			for j := range 20 {
				if err := c.Insert(key(i*20+j), value(j)); err != nil {
					errs <- err
					return
				}
			}
			c.Close()
			if err := w.Commit(); err != nil {
				errs <- err
				return
			}
		}
	}()

	for range 4 {
		r, err := reg.Open(path)
		require.NoError(t, err)
		defer r.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if err := r.BeginTrans(false); err != nil {
					errs <- err
					return
				}
				c, err := r.OpenCursor(read, false)
				if err != nil {
					errs <- err
					return
				}
				n := 0
				eof, err := c.First()
				for err == nil && !eof {
					n++
					eof, err = c.Next()
				}
				c.Close()
				if err != nil {
					errs <- err
					return
				}
				if n != 300 {
					errs <- fmt.Errorf("scanned %d rows, want 300", n)
					return
				}
				if err := r.Commit(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	require.NoError(t, w.BeginTrans(false))
	c, err = w.OpenCursor(write, false)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, keyRange(0, 400), scanKeys(t, c))
}

func TestEnterNests(t *testing.T) {
	t.Parallel()

	b := openTestDB(t)
	s := b.Shared()

	b.enter()
	b.enter()
	assert.True(t, b.holdsMutex())
	assert.False(t, s.mu.TryLock())
	b.leave()
	assert.True(t, b.holdsMutex())
	b.leave()
	assert.False(t, b.holdsMutex())

	require.True(t, s.mu.TryLock())
	s.mu.Unlock()
}

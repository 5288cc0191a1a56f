package btcore

import (
	"github.com/cockroachdb/errors"

	"btcore/internal/base"
	"btcore/internal/pager"
)

// CursorState describes where a cursor stands.
type CursorState int

const (
	// CursorInvalid cursors point at nothing: not yet positioned, past either
	// end, or on an empty table.
	CursorInvalid CursorState = iota
	// CursorValid cursors point at an entry.
	CursorValid
	// CursorRequireSeek cursors gave up their page so the tree could change;
	// the saved key is looked up again on next use.
	CursorRequireSeek
	// CursorFault cursors were tripped by a rollback and fail every operation
	// with the trip code.
	CursorFault
)

func (s CursorState) String() string {
	switch s {
	case CursorInvalid:
		return "invalid"
	case CursorValid:
		return "valid"
	case CursorRequireSeek:
		return "requireseek"
	case CursorFault:
		return "fault"
	}
	return "unknown"
}

// frame is an ancestor of the current page and the child taken from it.
type frame struct {
	node *base.Node
	ix   int
}

// BtCursor walks one table in key order.
//
// While the cursor is valid it holds a reference on its current leaf page.
// Ancestor pages are kept decoded in stack without a reference; any change to
// the table first saves every other cursor on it, so the copies never go
// stale.
type BtCursor struct {
	btree    *Btree
	shared   *BtShared
	table    TableID
	rootPage base.Pgno
	writable bool

	state CursorState
	page  *pager.PgHdr
	node  *base.Node
	ix    int
	stack []frame

	savedKey []byte // CursorRequireSeek only
	fault    error  // CursorFault only
	closed   bool
}

// Table returns the table the cursor walks.
func (c *BtCursor) Table() TableID { return c.table }

// State returns the cursor state.
func (c *BtCursor) State() CursorState {
	c.btree.enter()
	defer c.btree.leave()
	return c.state
}

// Err returns the code the cursor was tripped with, or nil.
func (c *BtCursor) Err() error {
	c.btree.enter()
	defer c.btree.leave()
	return c.fault
}

// Close releases the cursor's page and detaches it from the shared state.
func (c *BtCursor) Close() {
	c.btree.enter()
	defer c.btree.leave()
	c.close()
}

func (c *BtCursor) close() {
	if c.closed {
		return
	}
	c.releasePage()
	c.shared.removeCursor(c)
	c.closed = true
}

// First moves to the smallest key. empty reports a table without rows, in
// which case the cursor is left invalid; a table whose root page was never
// allocated and one whose root holds no cells are both empty.
func (c *BtCursor) First() (empty bool, err error) {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return false, err
	}
	return c.first()
}

// Last moves to the largest key. See First.
func (c *BtCursor) Last() (empty bool, err error) {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return false, err
	}
	return c.last()
}

// Next moves to the following key. eof reports that there is none; the
// cursor is then invalid.
func (c *BtCursor) Next() (eof bool, err error) {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return false, err
	}
	if c.state == CursorRequireSeek {
		exact, err := c.restore()
		if err != nil {
			return false, err
		}
		if !exact {
			// Already on the entry after the saved key.
			return c.state != CursorValid, nil
		}
	}
	if c.state != CursorValid {
		return false, errors.Wrapf(ErrInvalidCursorState, "next on %s cursor", c.state)
	}
	return c.next()
}

// Prev moves to the preceding key. eof reports that there is none; the
// cursor is then invalid.
func (c *BtCursor) Prev() (eof bool, err error) {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return false, err
	}
	if c.state == CursorRequireSeek {
		exact, err := c.restore()
		if err != nil {
			return false, err
		}
		if !exact {
			if c.state != CursorValid {
				return c.last()
			}
			return c.prev()
		}
	}
	if c.state != CursorValid {
		return false, errors.Wrapf(ErrInvalidCursorState, "prev on %s cursor", c.state)
	}
	return c.prev()
}

// Seek moves to key, or to the smallest larger key when key is absent.
// found reports an exact match. When no key is >= key the cursor is
// invalid.
func (c *BtCursor) Seek(key []byte) (found bool, err error) {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return false, err
	}
	return c.seek(key)
}

// Key returns the key under the cursor. A cursor whose saved position was
// rolled away reports ErrKeyNotFound and keeps the saved position for
// Next and Prev.
func (c *BtCursor) Key() ([]byte, error) {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.ensurePositioned(); err != nil {
		return nil, err
	}
	return c.node.Keys[c.ix], nil
}

// Value returns the value under the cursor. See Key.
func (c *BtCursor) Value() ([]byte, error) {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.ensurePositioned(); err != nil {
		return nil, err
	}
	return c.node.Values[c.ix], nil
}

func (c *BtCursor) check() error {
	switch {
	case c.closed:
		return ErrCursorClosed
	case c.state == CursorFault:
		return c.fault
	}
	return nil
}

func (c *BtCursor) ensurePositioned() error {
	if c.state == CursorRequireSeek {
		key := c.savedKey
		exact, err := c.restore()
		if err != nil {
			return err
		}
		if !exact {
			c.saveAt(key)
			return ErrKeyNotFound
		}
	}
	if c.state != CursorValid {
		return errors.Wrapf(ErrInvalidCursorState, "read from %s cursor", c.state)
	}
	return nil
}

func (c *BtCursor) releasePage() {
	if c.page != nil {
		c.page.Release()
		c.page = nil
	}
	c.node = nil
	c.stack = c.stack[:0]
}

func (c *BtCursor) invalidate() {
	c.releasePage()
	c.savedKey = nil
	c.state = CursorInvalid
}

// setPage makes pgno the current page.
func (c *BtCursor) setPage(pgno base.Pgno) error {
	h, n, err := c.shared.getPage(pgno)
	if err != nil {
		return err
	}
	if c.page != nil {
		c.page.Release()
	}
	c.page, c.node, c.ix = h, n, 0
	return nil
}

// moveToRoot positions the cursor on the root page of its table. It reports
// false, leaving the cursor invalid, when the table has no root page or the
// root holds no cells. A table that no longer exists has no root page.
func (c *BtCursor) moveToRoot() (bool, error) {
	c.btree.assertHeld()
	c.invalidate()

	root, _ := c.shared.lookupRoot(c.table)
	c.rootPage = root
	if root == 0 {
		return false, nil
	}
	if err := c.setPage(root); err != nil {
		return false, err
	}
	if c.node.CellCount() == 0 {
		c.releasePage()
		return false, nil
	}
	c.state = CursorValid
	return true, nil
}

func (c *BtCursor) moveToLeftmost() error {
	for !c.node.Leaf {
		c.stack = append(c.stack, frame{node: c.node, ix: 0})
		if err := c.setPage(c.node.Children[0]); err != nil {
			return err
		}
	}
	c.ix = 0
	return nil
}

func (c *BtCursor) moveToRightmost() error {
	for !c.node.Leaf {
		n := c.node.CellCount()
		c.stack = append(c.stack, frame{node: c.node, ix: n})
		if err := c.setPage(c.node.Children[n]); err != nil {
			return err
		}
	}
	c.ix = c.node.CellCount() - 1
	return nil
}

// moveTo descends to the leaf that would hold key.
func (c *BtCursor) moveTo(key []byte) (bool, error) {
	ok, err := c.moveToRoot()
	if err != nil || !ok {
		return false, err
	}
	for !c.node.Leaf {
		i := c.node.ChildIndex(key)
		c.stack = append(c.stack, frame{node: c.node, ix: i})
		if err := c.setPage(c.node.Children[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *BtCursor) first() (bool, error) {
	ok, err := c.moveToRoot()
	if err != nil {
		c.invalidate()
		return false, err
	}
	if !ok {
		return true, nil
	}
	if err := c.moveToLeftmost(); err != nil {
		c.invalidate()
		return false, err
	}
	if c.node.CellCount() > 0 {
		return false, nil
	}
	return c.nextLeaf()
}

func (c *BtCursor) last() (bool, error) {
	ok, err := c.moveToRoot()
	if err != nil {
		c.invalidate()
		return false, err
	}
	if !ok {
		return true, nil
	}
	if err := c.moveToRightmost(); err != nil {
		c.invalidate()
		return false, err
	}
	if c.ix >= 0 {
		return false, nil
	}
	return c.prevLeaf()
}

func (c *BtCursor) seek(key []byte) (bool, error) {
	ok, err := c.moveTo(key)
	if err != nil {
		c.invalidate()
		return false, err
	}
	if !ok {
		return false, nil
	}
	idx, exact := c.node.Search(key)
	c.ix = idx
	if idx < c.node.CellCount() {
		return exact, nil
	}
	_, err = c.nextLeaf()
	return false, err
}

func (c *BtCursor) next() (bool, error) {
	c.ix++
	if c.ix < c.node.CellCount() {
		return false, nil
	}
	return c.nextLeaf()
}

func (c *BtCursor) prev() (bool, error) {
	c.ix--
	if c.ix >= 0 {
		return false, nil
	}
	return c.prevLeaf()
}

// nextLeaf moves to the first cell of the next non-empty leaf.
func (c *BtCursor) nextLeaf() (bool, error) {
	for {
		i := len(c.stack) - 1
		for i >= 0 && c.stack[i].ix >= c.stack[i].node.CellCount() {
			i--
		}
		if i < 0 {
			c.invalidate()
			return true, nil
		}
		c.stack = c.stack[:i+1]
		c.stack[i].ix++
		if err := c.setPage(c.stack[i].node.Children[c.stack[i].ix]); err != nil {
			c.invalidate()
			return false, err
		}
		if err := c.moveToLeftmost(); err != nil {
			c.invalidate()
			return false, err
		}
		if c.node.CellCount() > 0 {
			return false, nil
		}
	}
}

// prevLeaf moves to the last cell of the previous non-empty leaf.
func (c *BtCursor) prevLeaf() (bool, error) {
	for {
		i := len(c.stack) - 1
		for i >= 0 && c.stack[i].ix == 0 {
			i--
		}
		if i < 0 {
			c.invalidate()
			return true, nil
		}
		c.stack = c.stack[:i+1]
		c.stack[i].ix--
		if err := c.setPage(c.stack[i].node.Children[c.stack[i].ix]); err != nil {
			c.invalidate()
			return false, err
		}
		if err := c.moveToRightmost(); err != nil {
			c.invalidate()
			return false, err
		}
		if c.ix >= 0 {
			return false, nil
		}
	}
}

// savePosition records the key under a valid cursor and releases its page
// so the tree can change underneath it. The key is read back from the page,
// so a damaged page makes the save fail.
func (c *BtCursor) savePosition() error {
	switch c.state {
	case CursorValid:
		key, err := base.LeafKey(c.page.Page(), c.ix)
		if err != nil {
			return errors.Wrapf(storageFault(err), "save cursor on table %d", c.table)
		}
		c.saveAt(key)
	case CursorInvalid:
		c.releasePage()
	}
	return nil
}

func (c *BtCursor) saveAt(key []byte) {
	c.releasePage()
	c.savedKey = key
	c.state = CursorRequireSeek
}

// restore seeks back to the saved key. When the key no longer exists the
// cursor rests on the next larger key, or is invalid if there is none.
func (c *BtCursor) restore() (bool, error) {
	key := c.savedKey
	c.savedKey = nil
	return c.seek(key)
}

// trip poisons the cursor with code.
func (c *BtCursor) trip(code error) {
	c.releasePage()
	c.savedKey = nil
	c.state = CursorFault
	c.fault = code
}

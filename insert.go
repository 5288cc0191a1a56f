package btcore

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"

	"btcore/internal/base"
)

// Insert writes key/value into the cursor's table, replacing the value of an
// existing key. The cursor is left on the entry. Other cursors on the table
// are saved and reposition themselves on next use.
func (c *BtCursor) Insert(key, value []byte) error {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkWrite(); err != nil {
		return err
	}
	switch {
	case len(key) == 0:
		return ErrKeyEmpty
	case len(key) > base.MaxCellSize:
		return ErrKeyTooLarge
	case len(key)+len(value) > base.MaxCellSize:
		return ErrValueTooLarge
	}

	s := c.shared
	if err := s.saveAllCursors(c.table, c); err != nil {
		return err
	}
	if err := c.moveToLeafForWrite(key); err != nil {
		c.invalidate()
		return err
	}

	n := c.node
	idx, exact := n.Search(key)
	if exact {
		n.Values[idx] = bytes.Clone(value)
	} else {
		n.InsertAt(idx, bytes.Clone(key), bytes.Clone(value))
	}
	if err := c.balance(n); err != nil {
		c.invalidate()
		return err
	}
	_, err := c.seek(key)
	return err
}

// Delete removes the entry under the cursor. Afterwards Next moves to the
// entry that followed it and Prev to the one before it.
func (c *BtCursor) Delete() error {
	c.btree.enter()
	defer c.btree.leave()

	if err := c.check(); err != nil {
		return err
	}
	if err := c.checkWrite(); err != nil {
		return err
	}
	if err := c.ensurePositioned(); err != nil {
		return err
	}

	s := c.shared
	if err := s.saveAllCursors(c.table, c); err != nil {
		return err
	}
	key := c.node.Keys[c.ix]
	n := c.node
	n.RemoveAt(c.ix)
	if err := s.writeNode(n); err != nil {
		c.invalidate()
		return err
	}
	c.saveAt(key)
	return nil
}

func (c *BtCursor) checkWrite() error {
	if !c.writable {
		return errors.Wrap(ErrTxNotWritable, "cursor opened read-only")
	}
	if c.btree.inTrans != TransWrite {
		return ErrTxNotWritable
	}
	return nil
}

// moveToLeafForWrite descends to the leaf that should hold key, allocating
// the table's root page on first use.
func (c *BtCursor) moveToLeafForWrite(key []byte) error {
	s := c.shared
	c.invalidate()

	root, ok := s.lookupRoot(c.table)
	if !ok {
		return ErrTableNotFound
	}
	if root == 0 {
		h, pgno, err := s.allocatePage()
		if err != nil {
			return err
		}
		err = base.NewLeaf(pgno).Encode(h.Page())
		h.Release()
		if err != nil {
			return err
		}
		if err := s.header.SetRoot(c.table, pgno); err != nil {
			return err
		}
		if err := s.saveHeader(); err != nil {
			return err
		}
		root = pgno
	}
	c.rootPage = root

	if err := c.setPage(root); err != nil {
		return err
	}
	for !c.node.Leaf {
		i := c.node.ChildIndex(key)
		c.stack = append(c.stack, frame{node: c.node, ix: i})
		if err := c.setPage(c.node.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

// balance writes n, the modified leaf under the cursor, back to its page.
// A node that no longer fits is split and the separator pushed into its
// parent, which may split in turn. The root keeps its page number: when it
// splits its cells move into two new children.
func (c *BtCursor) balance(n *base.Node) error {
	s := c.shared
	level := len(c.stack)
	for !n.Fits() {
		left, sep, right := split(n)
		if level == 0 {
			var err error
			if left.Pgno, err = s.allocateNode(left); err != nil {
				return err
			}
			if right.Pgno, err = s.allocateNode(right); err != nil {
				return err
			}
			n = &base.Node{
				Pgno:     n.Pgno,
				Keys:     [][]byte{sep},
				Children: []base.Pgno{left.Pgno, right.Pgno},
			}
			break
		}

		rpg, err := s.allocateNode(right)
		if err != nil {
			return err
		}
		if err := s.writeNode(left); err != nil {
			return err
		}
		level--
		parent := &c.stack[level]
		parent.node.InsertChild(parent.ix, sep, rpg)
		n = parent.node
	}
	return s.writeNode(n)
}

// allocateNode stores n on a newly allocated page and returns its number.
func (s *BtShared) allocateNode(n *base.Node) (base.Pgno, error) {
	h, pgno, err := s.allocatePage()
	if err != nil {
		return 0, err
	}
	defer h.Release()
	n.Pgno = pgno
	if err := n.Encode(h.Page()); err != nil {
		return 0, err
	}
	return pgno, nil
}

// split divides an overfull node. Left keeps n's page number. For leaves the
// separator is the first key of the right half; for branches it is the key
// between the halves, which moves up.
func split(n *base.Node) (left *base.Node, sep []byte, right *base.Node) {
	sp := n.SplitPoint()
	if n.Leaf {
		left = &base.Node{Pgno: n.Pgno, Leaf: true,
			Keys: slices.Clone(n.Keys[:sp]), Values: slices.Clone(n.Values[:sp])}
		right = &base.Node{Leaf: true,
			Keys: slices.Clone(n.Keys[sp:]), Values: slices.Clone(n.Values[sp:])}
		return left, right.Keys[0], right
	}
	left = &base.Node{Pgno: n.Pgno,
		Keys: slices.Clone(n.Keys[:sp]), Children: slices.Clone(n.Children[:sp+1])}
	right = &base.Node{
		Keys: slices.Clone(n.Keys[sp+1:]), Children: slices.Clone(n.Children[sp+1:])}
	return left, n.Keys[sp], right
}

package btcore

import (
	"github.com/cockroachdb/errors"
)

// VTable is a virtual table that can take part in a transaction. The
// optional hooks below are discovered with type assertions; a table without
// a hook is skipped for that step.
type VTable interface {
	Name() string
}

type (
	// VTableBeginner is called when the table joins a transaction.
	VTableBeginner interface{ Begin() error }
	// VTableSyncer flushes the table ahead of commit.
	VTableSyncer interface{ Sync() error }
	// VTableCommitter is called when the transaction commits.
	VTableCommitter interface{ Commit() error }
	// VTableRollbacker is called when the transaction rolls back.
	VTableRollbacker interface{ Rollback() error }
	// VTableErrMsg exposes the table's last error message. Sync imports it
	// into the transaction when a hook fails.
	VTableErrMsg interface{ ErrMsg() string }
)

// VTrans is the ordered set of virtual tables taking part in a connection's
// transaction.
type VTrans struct {
	tables  []VTable
	syncing bool
	errMsg  string
	log     Logger
}

// Begin adds vt to the transaction. A table already taking part is not added
// twice. Tables cannot join while Sync runs.
func (v *VTrans) Begin(vt VTable) error {
	if v.syncing {
		return errors.Wrapf(ErrLocked, "virtual table %q joined during sync", vt.Name())
	}
	for _, t := range v.tables {
		if t == vt {
			return nil
		}
	}
	if b, ok := vt.(VTableBeginner); ok {
		if err := b.Begin(); err != nil {
			v.importErrMsg(vt, err)
			return errors.Wrapf(err, "begin virtual table %q", vt.Name())
		}
	}
	v.tables = append(v.tables, vt)
	return nil
}

// Sync calls the sync hook of every table in the order they joined and stops
// at the first failure, which is returned as a *SyncError carrying the
// table's message.
func (v *VTrans) Sync() error {
	v.syncing = true
	defer func() { v.syncing = false }()

	for _, vt := range v.tables {
		s, ok := vt.(VTableSyncer)
		if !ok {
			continue
		}
		if err := s.Sync(); err != nil {
			msg := v.importErrMsg(vt, err)
			v.logger().Warn("virtual table sync failed", "table", vt.Name(), "error", msg)
			return &SyncError{Table: vt.Name(), Msg: msg, Err: err}
		}
	}
	return nil
}

// Commit calls every commit hook and empties the set. The first error is
// returned after all hooks ran.
func (v *VTrans) Commit() error {
	return v.finish(func(vt VTable) error {
		if c, ok := vt.(VTableCommitter); ok {
			return c.Commit()
		}
		return nil
	})
}

// Rollback calls every rollback hook and empties the set. The first error is
// returned after all hooks ran.
func (v *VTrans) Rollback() error {
	return v.finish(func(vt VTable) error {
		if r, ok := vt.(VTableRollbacker); ok {
			return r.Rollback()
		}
		return nil
	})
}

func (v *VTrans) finish(hook func(VTable) error) error {
	var first error
	for _, vt := range v.tables {
		if err := hook(vt); err != nil && first == nil {
			v.importErrMsg(vt, err)
			first = errors.Wrapf(err, "virtual table %q", vt.Name())
		}
	}
	v.tables = nil
	return first
}

// Len returns the number of tables taking part in the transaction.
func (v *VTrans) Len() int { return len(v.tables) }

// ErrMsg returns the last error message imported from a table.
func (v *VTrans) ErrMsg() string { return v.errMsg }

// importErrMsg copies the table's own message, falling back to err.
func (v *VTrans) importErrMsg(vt VTable, err error) string {
	msg := err.Error()
	if m, ok := vt.(VTableErrMsg); ok && m.ErrMsg() != "" {
		msg = m.ErrMsg()
	}
	v.errMsg = msg
	return msg
}

func (v *VTrans) logger() Logger {
	if v.log == nil {
		return DiscardLogger{}
	}
	return v.log
}

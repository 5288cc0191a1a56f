package btcore

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"btcore/internal/base"
	"btcore/internal/pager"
	"btcore/internal/storage"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrDatabaseClosed = errors.New("database is closed")
	ErrCursorClosed   = errors.New("cursor is closed")
	ErrKeyEmpty       = errors.New("key cannot be empty")
	ErrKeyTooLarge    = errors.New("key too large")
	ErrValueTooLarge  = errors.New("value too large")
	ErrCorruption     = errors.New("data corruption detected")
	ErrReadOnly       = errors.New("database is read-only")

	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxInProgress  = errors.New("write transaction already in progress")
	ErrNoActiveTx    = errors.New("no active transaction")
	ErrLocked        = errors.New("resource is locked")

	ErrTableNotFound = errors.New("table not found")
	ErrTooManyTables = base.ErrTooManyTables

	// ErrStorageFault marks every failure coming out of the page store.
	ErrStorageFault = errors.New("storage fault")

	// ErrInvalidCursorState is returned when a cursor operation's
	// precondition does not hold, such as Next on an unpositioned cursor.
	ErrInvalidCursorState = errors.New("invalid cursor state")

	// ErrRollbackPartialFailure is the code cursors are tripped with when a
	// rollback could not save their positions.
	ErrRollbackPartialFailure = errors.New("rollback could not save cursor positions")

	ErrPageOverflow       = base.ErrPageOverflow
	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
)

// SyncError reports a virtual table whose sync hook failed. Msg is the
// message imported from the table.
type SyncError struct {
	Table string
	Msg   string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync of virtual table %q failed: %s", e.Table, e.Msg)
}

func (e *SyncError) Unwrap() error { return e.Err }

// storageFault classifies errors coming out of the pager. I/O failures are
// marked ErrStorageFault, page decoding failures ErrCorruption.
func storageFault(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, pager.ErrReadOnly):
		return base.Classify(err, ErrReadOnly)
	case errors.Is(err, pager.ErrNotWriting):
		return base.Classify(err, ErrTxNotWritable)
	case errors.Is(err, base.ErrCorruptPage), errors.Is(err, base.ErrInvalidOffset),
		errors.Is(err, base.ErrInvalidMagicNumber), errors.Is(err, base.ErrInvalidChecksum),
		errors.Is(err, base.ErrInvalidPageSize):
		return base.Classify(err, ErrCorruption)
	case errors.Is(err, storage.ErrLocked):
		return base.Classify(err, ErrLocked)
	}
	return base.Classify(err, ErrStorageFault)
}

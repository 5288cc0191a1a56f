package btcore

import (
	"github.com/cockroachdb/errors"

	"btcore/internal/invariants"
)

// enter acquires the shared-state mutex. Calls nest: only the outermost
// enter of a connection locks, tracked by wantToLock. A connection and its
// cursors must be driven by one goroutine at a time.
func (b *Btree) enter() {
	if b.wantToLock == 0 {
		b.shared.mu.Lock()
	}
	b.wantToLock++
}

// leave undoes one enter. The mutex is released when the outermost enter is
// undone.
func (b *Btree) leave() {
	b.wantToLock--
	if invariants.Enabled && b.wantToLock < 0 {
		panic(errors.AssertionFailedf("leave without matching enter"))
	}
	if b.wantToLock == 0 {
		b.shared.mu.Unlock()
	}
}

func (b *Btree) holdsMutex() bool {
	return b.wantToLock > 0
}

// assertHeld panics in invariant builds when the caller forgot to enter.
func (b *Btree) assertHeld() {
	if invariants.Enabled && !b.holdsMutex() {
		panic(errors.AssertionFailedf("btree mutex not held"))
	}
}

package pager

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"btcore/internal/base"
	"btcore/internal/cache"
	"btcore/internal/storage"
)

var (
	ErrNotWriting = errors.New("pager: no write transaction open")
	ErrWriting    = errors.New("pager: write transaction already open")
	ErrReadOnly   = errors.New("pager: read-only")
	ErrBroken     = errors.New("pager: storage left inconsistent by a failed commit")
)

// SyncMode controls when committed pages are fsynced.
type SyncMode int

const (
	// SyncEveryCommit fsyncs storage at the end of every commit.
	SyncEveryCommit SyncMode = iota

	// SyncOff never fsyncs. Testing and bulk loads only.
	SyncOff
)

// SavepointOp selects what Savepoint does with the savepoint stack.
type SavepointOp int

const (
	SavepointRelease SavepointOp = iota
	SavepointRollback
)

// Options configures a Pager.
type Options struct {
	SyncMode  SyncMode
	CacheSize int // pages
	ReadOnly  bool
}

// PgHdr is a reference-counted handle on one page. Every live reference to a
// pgno shares the same PgHdr, so a write through one handle is visible to all.
type PgHdr struct {
	pgno  base.Pgno
	page  *base.Page
	nRef  int
	dirty bool
	pager *Pager
}

func (h *PgHdr) Pgno() base.Pgno { return h.pgno }

// Page returns the page image. It may only be modified after Pager.Write.
func (h *PgHdr) Page() *base.Page { return h.page }

func (h *PgHdr) IsDirty() bool { return h.dirty }

// Release drops one reference.
func (h *PgHdr) Release() {
	h.pager.release(h)
}

type savepoint struct {
	nPage uint32
	orig  map[base.Pgno]*base.Page
}

// Pager sits between the b-tree layer and Storage. It hands out page handles,
// keeps uncommitted pages in memory until Commit, and journals the original
// content of every page overwritten in a transaction so Rollback and a failed
// Commit can restore it.
//
// A Pager is not safe for concurrent use; the owning shared state serializes
// every call.
type Pager struct {
	store    storage.Storage
	cache    *cache.Cache
	syncMode SyncMode
	readOnly bool

	inUse   map[base.Pgno]*PgHdr
	dirty   *btree.BTreeG[*PgHdr]   // ordered by pgno, flushed ascending
	journal map[base.Pgno]*base.Page // committed images of pages written this txn

	writer        bool
	committedSize uint32 // pages in storage as of the last commit
	dbSize        uint32 // highest page written in the open transaction

	savepoints []*savepoint
	err        error
}

// Open creates a pager over store.
func Open(store storage.Storage, opts Options) (*Pager, error) {
	c, err := cache.NewCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	size, err := store.Size()
	if err != nil {
		return nil, errors.Wrap(err, "size storage")
	}
	return &Pager{
		store:    store,
		cache:    c,
		syncMode: opts.SyncMode,
		readOnly: opts.ReadOnly,
		inUse:    make(map[base.Pgno]*PgHdr),
		dirty: btree.NewG[*PgHdr](8, func(a, b *PgHdr) bool {
			return a.pgno < b.pgno
		}),
		committedSize: size,
		dbSize:        size,
	}, nil
}

// Get returns a handle on pgno. With noContent the caller promises to
// overwrite the whole page, so committed content is not read.
func (p *Pager) Get(pgno base.Pgno, noContent bool) (*PgHdr, error) {
	if p.err != nil {
		return nil, p.err
	}
	if pgno == 0 {
		return nil, errors.Wrap(base.ErrInvalidOffset, "get page 0")
	}
	if h, ok := p.inUse[pgno]; ok {
		h.nRef++
		return h, nil
	}
	if h, ok := p.dirty.Get(&PgHdr{pgno: pgno}); ok {
		h.nRef++
		p.inUse[pgno] = h
		return h, nil
	}

	h := &PgHdr{pgno: pgno, page: &base.Page{}, pager: p}
	if !noContent && uint32(pgno) <= p.committedSize {
		if err := p.load(pgno, h.page); err != nil {
			return nil, err
		}
	}
	h.nRef = 1
	p.inUse[pgno] = h
	return h, nil
}

// load copies the committed image of pgno into dst.
func (p *Pager) load(pgno base.Pgno, dst *base.Page) error {
	if cached, ok := p.cache.Get(pgno); ok {
		dst.Data = cached.Data
		return nil
	}
	if err := p.store.ReadPage(pgno, dst); err != nil {
		return errors.Wrapf(err, "read page %d", pgno)
	}
	p.cache.Put(pgno, dst.Clone())
	return nil
}

func (p *Pager) release(h *PgHdr) {
	if h.nRef <= 0 {
		panic(errors.AssertionFailedf("release of unreferenced page %d", h.pgno))
	}
	h.nRef--
	if h.nRef == 0 {
		delete(p.inUse, h.pgno)
	}
}

// Write makes h writable. It must be called before every batch of
// modifications to h's page so savepoints capture the prior image.
func (p *Pager) Write(h *PgHdr) error {
	if !p.writer {
		return ErrNotWriting
	}
	for _, sp := range p.savepoints {
		if uint32(h.pgno) > sp.nPage {
			continue
		}
		if _, ok := sp.orig[h.pgno]; !ok {
			sp.orig[h.pgno] = h.page.Clone()
		}
	}
	if !h.dirty {
		if uint32(h.pgno) <= p.committedSize {
			if _, ok := p.journal[h.pgno]; !ok {
				p.journal[h.pgno] = h.page.Clone()
			}
		}
		h.dirty = true
		p.dirty.ReplaceOrInsert(h)
	}
	p.dbSize = max(p.dbSize, uint32(h.pgno))
	return nil
}

// Begin opens a write transaction.
func (p *Pager) Begin() error {
	switch {
	case p.err != nil:
		return p.err
	case p.readOnly:
		return ErrReadOnly
	case p.writer:
		return ErrWriting
	}
	p.writer = true
	p.journal = make(map[base.Pgno]*base.Page)
	p.dbSize = p.committedSize
	return nil
}

// InWrite reports whether a write transaction is open.
func (p *Pager) InWrite() bool { return p.writer }

// Commit writes every dirty page at or below nPage in ascending order,
// truncates storage to nPage pages and syncs according to the sync mode.
// On failure the journal is written back and the transaction stays open so
// the caller can roll it back.
func (p *Pager) Commit(nPage uint32) error {
	if !p.writer {
		return ErrNotWriting
	}

	var written []base.Pgno
	var err error
	p.dirty.Ascend(func(h *PgHdr) bool {
		if uint32(h.pgno) > nPage {
			return true
		}
		if err = p.store.WritePage(h.pgno, h.page); err != nil {
			err = errors.Wrapf(err, "write page %d", h.pgno)
			return false
		}
		written = append(written, h.pgno)
		return true
	})
	if err == nil && nPage != p.committedSize {
		if err = p.store.Truncate(nPage); err != nil {
			err = errors.Wrapf(err, "truncate to %d pages", nPage)
		}
	}
	if err == nil && p.syncMode == SyncEveryCommit {
		if err = p.store.Sync(); err != nil {
			err = errors.Wrap(err, "sync")
		}
	}
	if err != nil {
		p.undoCommit(written)
		return err
	}

	for pgno := nPage + 1; pgno <= p.committedSize; pgno++ {
		p.cache.Delete(base.Pgno(pgno))
	}
	p.dirty.Ascend(func(h *PgHdr) bool {
		h.dirty = false
		if uint32(h.pgno) <= nPage {
			p.cache.Put(h.pgno, h.page.Clone())
		}
		return true
	})
	p.dirty.Clear(false)
	p.committedSize = nPage
	p.dbSize = nPage
	p.endTransaction()
	return nil
}

// undoCommit restores storage after a partial commit. If that fails too the
// pager refuses further work.
func (p *Pager) undoCommit(written []base.Pgno) {
	for _, pgno := range written {
		if uint32(pgno) > p.committedSize {
			continue
		}
		orig, ok := p.journal[pgno]
		if !ok {
			// Reused freelist leaf: only the freelist knows about it.
			continue
		}
		if err := p.store.WritePage(pgno, orig); err != nil {
			p.err = base.Classify(errors.Wrapf(err, "restore page %d", pgno), ErrBroken)
			return
		}
	}
	if err := p.store.Truncate(p.committedSize); err != nil {
		p.err = base.Classify(errors.Wrap(err, "restore size"), ErrBroken)
	}
}

// Rollback abandons the write transaction. Pages still referenced get their
// committed content back; the first error reloading one is returned after
// every page has been processed.
func (p *Pager) Rollback() error {
	if !p.writer {
		return ErrNotWriting
	}
	var first error
	p.dirty.Ascend(func(h *PgHdr) bool {
		h.dirty = false
		if h.nRef > 0 {
			if err := p.revert(h); err != nil && first == nil {
				first = err
			}
		}
		return true
	})
	p.dirty.Clear(false)
	p.dbSize = p.committedSize
	p.endTransaction()
	return first
}

// revert puts the committed image of h back.
func (p *Pager) revert(h *PgHdr) error {
	if orig, ok := p.journal[h.pgno]; ok {
		h.page.Data = orig.Data
		return nil
	}
	if uint32(h.pgno) <= p.committedSize {
		return p.load(h.pgno, h.page)
	}
	h.page.Zero()
	return nil
}

func (p *Pager) endTransaction() {
	p.writer = false
	p.journal = nil
	p.savepoints = nil
}

// OpenSavepoint makes sure at least n savepoints are open. Newly opened
// savepoints remember the current database size.
func (p *Pager) OpenSavepoint(n int) error {
	if !p.writer {
		return ErrNotWriting
	}
	for len(p.savepoints) < n {
		p.savepoints = append(p.savepoints, &savepoint{
			nPage: p.dbSize,
			orig:  make(map[base.Pgno]*base.Page),
		})
	}
	return nil
}

// Savepoint releases or rolls back savepoint i. Release discards savepoint i
// and every later one. Rollback restores the content as of savepoint i,
// discards the later ones and leaves i open. Rolling back i == -1 returns to
// the state at the start of the transaction.
func (p *Pager) Savepoint(op SavepointOp, i int) error {
	if !p.writer {
		return ErrNotWriting
	}
	if i >= len(p.savepoints) || i < -1 || (i == -1 && op == SavepointRelease) {
		return nil
	}
	if op == SavepointRelease {
		p.savepoints = p.savepoints[:i]
		return nil
	}

	if i == -1 {
		var first error
		p.dirty.Ascend(func(h *PgHdr) bool {
			h.dirty = false
			if h.nRef > 0 {
				if err := p.revert(h); err != nil && first == nil {
					first = err
				}
			}
			return true
		})
		p.dirty.Clear(false)
		p.dbSize = p.committedSize
		p.savepoints = nil
		return first
	}

	sp := p.savepoints[i]
	for pgno, orig := range sp.orig {
		if h, ok := p.dirty.Get(&PgHdr{pgno: pgno}); ok {
			h.page.Data = orig.Data
		}
	}
	var drop []*PgHdr
	p.dirty.AscendGreaterOrEqual(&PgHdr{pgno: base.Pgno(sp.nPage + 1)}, func(h *PgHdr) bool {
		drop = append(drop, h)
		return true
	})
	for _, h := range drop {
		p.dirty.Delete(h)
		h.dirty = false
		h.page.Zero()
	}
	p.dbSize = sp.nPage
	sp.orig = make(map[base.Pgno]*base.Page)
	p.savepoints = p.savepoints[:i+1]
	return nil
}

// Savepoints returns the number of open savepoints.
func (p *Pager) Savepoints() int { return len(p.savepoints) }

// SetCacheSize changes the clean page cache capacity. Cached pages are
// dropped.
func (p *Pager) SetCacheSize(pages int) error {
	return p.cache.Resize(pages)
}

// CommittedSize returns the number of pages as of the last commit.
func (p *Pager) CommittedSize() uint32 { return p.committedSize }

// DbSize returns the highest page written, including uncommitted pages.
func (p *Pager) DbSize() uint32 { return p.dbSize }

// RefCount returns the number of outstanding page references.
func (p *Pager) RefCount() int {
	n := 0
	for _, h := range p.inUse {
		n += h.nRef
	}
	return n
}

// Stats reports cache and storage activity.
type Stats struct {
	Cache   cache.Stats
	Storage storage.Stats
	Dirty   int
}

func (p *Pager) Stats() Stats {
	return Stats{
		Cache:   p.cache.Stats(),
		Storage: p.store.Stats(),
		Dirty:   p.dirty.Len(),
	}
}

// CacheStats reads only the cache's atomic counters, so it may be called
// without the lock guarding the pager.
func (p *Pager) CacheStats() cache.Stats {
	return p.cache.Stats()
}

// Close closes the underlying storage. Any open transaction is discarded.
func (p *Pager) Close() error {
	if p.writer {
		_ = p.Rollback()
	}
	return p.store.Close()
}

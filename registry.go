package btcore

import (
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"

	"btcore/internal/metrics"
	"btcore/internal/pager"
	"btcore/internal/storage"
)

// MemoryPath opens a private in-memory database. Every Open of MemoryPath
// creates a new one.
const MemoryPath = ":memory:"

// Registry hands out connections. Connections to the same file opened
// through one Registry share a single BtShared, which is closed when the last
// of them closes.
type Registry struct {
	mu     sync.Mutex
	shared map[string]*BtShared
}

func NewRegistry() *Registry {
	return &Registry{shared: make(map[string]*BtShared)}
}

// Open returns a new connection to the database at path, creating the file
// if needed.
func (r *Registry) Open(path string, opts ...Option) (*Btree, error) {
	if path != MemoryPath {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %s", path)
		}
		path = abs
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.shared[path]
	if !ok || path == MemoryPath {
		var err error
		if s, err = openShared(path, opts...); err != nil {
			return nil, err
		}
		s.registry = r
		if path != MemoryPath {
			r.shared[path] = s
		}
	}
	s.nRef++

	b := &Btree{shared: s}
	b.vtrans = &VTrans{log: s.log}
	return b, nil
}

// Len returns the number of shared file states currently open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shared)
}

// release drops one connection reference and closes the shared state with
// the last one.
func (r *Registry) release(s *BtShared) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.nRef--
	if s.nRef > 0 {
		return nil
	}
	if r.shared[s.path] == s {
		delete(r.shared, s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTransaction = TransNone
	s.unlockBtreeIfUnused()
	s.metrics.Close()
	s.log.Info("closed database", "path", s.path)
	return storageFault(s.pager.Close())
}

func openShared(path string, opts ...Option) (*BtShared, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	store := options.store
	switch {
	case store != nil:
	case path == MemoryPath:
		store = storage.NewMemory()
	default:
		f, err := storage.OpenFile(path, options.readOnly)
		if err != nil {
			return nil, storageFault(errors.Wrapf(err, "open %s", path))
		}
		store = f
	}

	pg, err := pager.Open(store, pager.Options{
		SyncMode:  options.syncMode,
		CacheSize: options.cacheSize,
		ReadOnly:  options.readOnly,
	})
	if err != nil {
		_ = store.Close()
		return nil, storageFault(err)
	}

	s := &BtShared{
		path:       path,
		pager:      pg,
		log:        options.logger,
		readOnly:   options.readOnly,
		hasContent: roaring.New(),
	}
	if options.registerer != nil {
		s.metrics, err = metrics.New(options.registerer, path, func() (uint64, uint64) {
			st := pg.CacheStats()
			return st.Hits, st.Misses
		})
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
	}

	h, err := pg.Get(1, false)
	if err != nil {
		_ = pg.Close()
		return nil, storageFault(err)
	}
	err = s.loadHeader(h)
	h.Release()
	if err != nil {
		_ = pg.Close()
		return nil, err
	}

	s.log.Info("opened database", "path", path, "pages", s.nPage, "readOnly", s.readOnly)
	return s, nil
}

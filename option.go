package btcore

import (
	"github.com/prometheus/client_golang/prometheus"

	"btcore/internal/pager"
	"btcore/internal/storage"
)

// SyncMode controls when committed pages are fsynced to disk
type SyncMode = pager.SyncMode

const (
	// SyncEveryCommit fsyncs on every transaction commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit = pager.SyncEveryCommit

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	SyncOff = pager.SyncOff
)

// Options configures a shared database state. Options only take effect for
// the connection that first opens a file; later connections to the same
// path share the existing state.
type Options struct {
	syncMode   SyncMode
	cacheSize  int // pages
	logger     Logger
	registerer prometheus.Registerer
	readOnly   bool
	store      storage.Storage // replaces the file or memory store
}

// DefaultOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		syncMode:  SyncEveryCommit,
		cacheSize: 2000,
		logger:    DiscardLogger{},
	}
}

// Option configures database options using the functional options pattern.
type Option func(*Options)

// WithSyncMode selects when commits are fsynced.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncMode(mode SyncMode) Option {
	return func(opts *Options) {
		opts.syncMode = mode
	}
}

// WithCacheSize sets the number of clean pages kept in memory.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(pages int) Option {
	return func(opts *Options) {
		opts.cacheSize = pages
	}
}

// WithLogger sets the logger. *slog.Logger satisfies Logger directly; see
// package logger for zap and logrus adapters.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l != nil {
			opts.logger = l
		}
	}
}

// WithMetrics registers engine counters on reg.
//
//goland:noinspection GoUnusedExportedFunction
func WithMetrics(reg prometheus.Registerer) Option {
	return func(opts *Options) {
		opts.registerer = reg
	}
}

// WithReadOnly opens the database file read-only. Write transactions fail
// with ErrReadOnly.
//
//goland:noinspection GoUnusedExportedFunction
func WithReadOnly() Option {
	return func(opts *Options) {
		opts.readOnly = true
	}
}

// withStorage serves the database from store instead of opening path.
func withStorage(store storage.Storage) Option {
	return func(opts *Options) {
		opts.store = store
	}
}

// Package metrics exports engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "btcore"

// CacheStats reports page cache counters on scrape.
type CacheStats func() (hits, misses uint64)

type Metrics struct {
	commits        prometheus.Counter
	rollbacks      prometheus.Counter
	cursorTrips    prometheus.Counter
	pagesAllocated prometheus.Counter
	pagesFreed     prometheus.Counter

	cache *cacheCollector
	src   *CacheStats
}

// New registers the engine metrics for one database on reg. Databases are
// told apart by the "db" label; registering the same database twice reuses
// the existing collectors.
func New(reg prometheus.Registerer, db string, cache CacheStats) (*Metrics, error) {
	labels := prometheus.Labels{"db": db}
	counter := func(name, help string) (prometheus.Counter, error) {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector.(prometheus.Counter), nil
			}
			return nil, errors.Wrapf(err, "register %s", name)
		}
		return c, nil
	}

	m := &Metrics{}
	var err error
	if m.commits, err = counter("commits_total", "Write transactions committed."); err != nil {
		return nil, err
	}
	if m.rollbacks, err = counter("rollbacks_total", "Transactions rolled back."); err != nil {
		return nil, err
	}
	if m.cursorTrips, err = counter("cursor_trips_total", "Cursors tripped by a rollback."); err != nil {
		return nil, err
	}
	if m.pagesAllocated, err = counter("pages_allocated_total", "Pages allocated by write transactions."); err != nil {
		return nil, err
	}
	if m.pagesFreed, err = counter("pages_freed_total", "Pages returned to the freelist."); err != nil {
		return nil, err
	}

	if cache != nil {
		cc := newCacheCollector(labels)
		if err := reg.Register(cc); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, errors.Wrap(err, "register cache metrics")
			}
			existing, ok := are.ExistingCollector.(*cacheCollector)
			if !ok {
				return nil, errors.Wrap(err, "register cache metrics")
			}
			cc = existing
		}
		// A reopened database takes over the collector from the closed one.
		cc.src.Store(&cache)
		m.cache = cc
		m.src = &cache
	}
	return m, nil
}

func (m *Metrics) Commit() {
	if m != nil {
		m.commits.Inc()
	}
}

func (m *Metrics) Rollback() {
	if m != nil {
		m.rollbacks.Inc()
	}
}

func (m *Metrics) CursorTrips(n int) {
	if m != nil && n > 0 {
		m.cursorTrips.Add(float64(n))
	}
}

func (m *Metrics) PageAllocated() {
	if m != nil {
		m.pagesAllocated.Inc()
	}
}

func (m *Metrics) PageFreed() {
	if m != nil {
		m.pagesFreed.Inc()
	}
}

// Close detaches the cache source so scrapes stop reading a closed database.
// A source installed by a later New for the same database is left alone.
func (m *Metrics) Close() {
	if m != nil && m.cache != nil {
		m.cache.src.CompareAndSwap(m.src, nil)
	}
}

// cacheCollector reports the cache counters of whichever database currently
// owns it. It reports nothing while detached.
type cacheCollector struct {
	hits   *prometheus.Desc
	misses *prometheus.Desc
	src    atomic.Pointer[CacheStats]
}

func newCacheCollector(labels prometheus.Labels) *cacheCollector {
	return &cacheCollector{
		hits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "cache_hits_total"),
			"Page cache hits.", nil, labels),
		misses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "cache_misses_total"),
			"Page cache misses.", nil, labels),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	src := c.src.Load()
	if src == nil {
		return
	}
	h, m := (*src)()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(h))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m))
}

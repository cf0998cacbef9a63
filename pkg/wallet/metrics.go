package wallet

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus metrics updated by the engine. All methods are
// nil-receiver safe so the engine runs unchanged without a registry.
type Metrics struct {
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheEntries        prometheus.Gauge
	DirtyEntries        prometheus.Gauge

	FlushedRowsTotal   prometheus.Counter
	FlushFailuresTotal prometheus.Counter

	ChargesTotal       *prometheus.CounterVec
	WriteThroughsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the wallet metrics on the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	metrics := &Metrics{
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_cache_hits_total",
			Help: "Balance reads served from the in-memory cache",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_cache_misses_total",
			Help: "Balance reads hydrated from the durable store",
		}),
		CacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_cache_evictions_total",
			Help: "Clean entries removed by the staleness sweep",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_cache_entries",
			Help: "Balance entries currently cached",
		}),
		DirtyEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_cache_dirty_entries",
			Help: "Cached balance entries awaiting flush",
		}),
		FlushedRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_flushed_rows_total",
			Help: "Balance rows confirmed persisted by flush operations",
		}),
		FlushFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_flush_failures_total",
			Help: "Flush attempts that failed and left entries dirty",
		}),
		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_charges_total",
				Help: "Charge outcomes by draw source",
			},
			[]string{"source", "outcome"},
		),
		WriteThroughsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_write_throughs_total",
				Help: "Opportunistic flushes by trigger reason",
			},
			[]string{"reason"},
		),
	}

	registry.MustRegister(
		metrics.CacheHitsTotal,
		metrics.CacheMissesTotal,
		metrics.CacheEvictionsTotal,
		metrics.CacheEntries,
		metrics.DirtyEntries,
		metrics.FlushedRowsTotal,
		metrics.FlushFailuresTotal,
		metrics.ChargesTotal,
		metrics.WriteThroughsTotal,
	)

	return metrics
}

func (metrics *Metrics) cacheHit() {
	if metrics == nil {
		return
	}
	metrics.CacheHitsTotal.Inc()
}

func (metrics *Metrics) cacheMiss() {
	if metrics == nil {
		return
	}
	metrics.CacheMissesTotal.Inc()
}

func (metrics *Metrics) cacheEvictions(count int) {
	if metrics == nil || count == 0 {
		return
	}
	metrics.CacheEvictionsTotal.Add(float64(count))
}

func (metrics *Metrics) cacheSizes(entries int, dirty int) {
	if metrics == nil {
		return
	}
	metrics.CacheEntries.Set(float64(entries))
	metrics.DirtyEntries.Set(float64(dirty))
}

func (metrics *Metrics) flushedRows(count int) {
	if metrics == nil || count == 0 {
		return
	}
	metrics.FlushedRowsTotal.Add(float64(count))
}

func (metrics *Metrics) flushFailure() {
	if metrics == nil {
		return
	}
	metrics.FlushFailuresTotal.Inc()
}

func (metrics *Metrics) charge(source string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.ChargesTotal.WithLabelValues(source, outcome).Inc()
}

func (metrics *Metrics) writeThrough(reason string) {
	if metrics == nil {
		return
	}
	metrics.WriteThroughsTotal.WithLabelValues(reason).Inc()
}

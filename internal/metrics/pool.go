package metrics

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PoolCollector implements prometheus.Collector for pgxpool statistics.
// Stats are read on each scrape; there is no polling goroutine.
type PoolCollector struct {
	pools map[string]*pgxpool.Pool

	acquireCount            *prometheus.Desc
	acquireDuration         *prometheus.Desc
	acquiredConns           *prometheus.Desc
	canceledAcquireCount    *prometheus.Desc
	constructingConns       *prometheus.Desc
	emptyAcquireCount       *prometheus.Desc
	idleConns               *prometheus.Desc
	maxConns                *prometheus.Desc
	maxIdleDestroyCount     *prometheus.Desc
	maxLifetimeDestroyCount *prometheus.Desc
	newConnsCount           *prometheus.Desc
	totalConns              *prometheus.Desc
}

func poolDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "pgxpool", name),
		help,
		[]string{"backend"}, nil,
	)
}

// NewPoolCollector creates a collector that exports pgxpool stats per backend.
func NewPoolCollector(pools map[string]*pgxpool.Pool) *PoolCollector {
	return &PoolCollector{
		pools:                   pools,
		acquireCount:            poolDesc("acquire_count", "Cumulative count of successful connection acquires."),
		acquireDuration:         poolDesc("acquire_duration_seconds", "Cumulative time spent acquiring connections."),
		acquiredConns:           poolDesc("acquired_conns", "Number of currently acquired connections."),
		canceledAcquireCount:    poolDesc("canceled_acquire_count", "Cumulative count of acquires canceled by context."),
		constructingConns:       poolDesc("constructing_conns", "Number of connections currently being constructed."),
		emptyAcquireCount:       poolDesc("empty_acquire_count", "Cumulative count of acquires from an empty pool."),
		idleConns:               poolDesc("idle_conns", "Number of idle connections in the pool."),
		maxConns:                poolDesc("max_conns", "Maximum number of connections allowed."),
		maxIdleDestroyCount:     poolDesc("max_idle_destroy_count", "Cumulative count of connections destroyed due to idle timeout."),
		maxLifetimeDestroyCount: poolDesc("max_lifetime_destroy_count", "Cumulative count of connections destroyed due to max lifetime."),
		newConnsCount:           poolDesc("new_conns_count", "Cumulative count of new connections created."),
		totalConns:              poolDesc("total_conns", "Total number of connections in the pool."),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquireCount
	ch <- c.acquireDuration
	ch <- c.acquiredConns
	ch <- c.canceledAcquireCount
	ch <- c.constructingConns
	ch <- c.emptyAcquireCount
	ch <- c.idleConns
	ch <- c.maxConns
	ch <- c.maxIdleDestroyCount
	ch <- c.maxLifetimeDestroyCount
	ch <- c.newConnsCount
	ch <- c.totalConns
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, backend string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, backend)
	}
	for name, pool := range c.pools {
		stat := pool.Stat()

		gauge(c.acquireCount, float64(stat.AcquireCount()), name)
		gauge(c.acquireDuration, stat.AcquireDuration().Seconds(), name)
		gauge(c.acquiredConns, float64(stat.AcquiredConns()), name)
		gauge(c.canceledAcquireCount, float64(stat.CanceledAcquireCount()), name)
		gauge(c.constructingConns, float64(stat.ConstructingConns()), name)
		gauge(c.emptyAcquireCount, float64(stat.EmptyAcquireCount()), name)
		gauge(c.idleConns, float64(stat.IdleConns()), name)
		gauge(c.maxConns, float64(stat.MaxConns()), name)
		gauge(c.maxIdleDestroyCount, float64(stat.MaxIdleDestroyCount()), name)
		gauge(c.maxLifetimeDestroyCount, float64(stat.MaxLifetimeDestroyCount()), name)
		gauge(c.newConnsCount, float64(stat.NewConnsCount()), name)
		gauge(c.totalConns, float64(stat.TotalConns()), name)
	}
}

// NewDBCollector exports database/sql pool stats for the SQLite backend.
func NewDBCollector(db *sql.DB, name string) prometheus.Collector {
	return collectors.NewDBStatsCollector(db, name)
}

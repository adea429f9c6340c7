package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// PgxPoolCollector exports pgxpool statistics.
type PgxPoolCollector struct {
	pool    *pgxpool.Pool
	service string

	acquired    *prometheus.Desc
	idle        *prometheus.Desc
	total       *prometheus.Desc
	max         *prometheus.Desc
	acquireWait *prometheus.Desc
	emptyWaits  *prometheus.Desc
}

// NewPgxPoolCollector builds a collector for pool labelled with service.
func NewPgxPoolCollector(pool *pgxpool.Pool, service string) *PgxPoolCollector {
	labels := []string{"service"}
	return &PgxPoolCollector{
		pool:        pool,
		service:     service,
		acquired:    prometheus.NewDesc("db_pool_acquired_connections", "Connections currently checked out.", labels, nil),
		idle:        prometheus.NewDesc("db_pool_idle_connections", "Idle connections.", labels, nil),
		total:       prometheus.NewDesc("db_pool_total_connections", "Open connections.", labels, nil),
		max:         prometheus.NewDesc("db_pool_max_connections", "Configured connection limit.", labels, nil),
		acquireWait: prometheus.NewDesc("db_pool_acquire_duration_seconds_total", "Time spent acquiring connections.", labels, nil),
		emptyWaits:  prometheus.NewDesc("db_pool_empty_acquire_count_total", "Acquires that had to wait for a connection.", labels, nil),
	}
}

func (c *PgxPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.acquireWait
	ch <- c.emptyWaits
}

func (c *PgxPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()), c.service)
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()), c.service)
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()), c.service)
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()), c.service)
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireDuration().Seconds(), c.service)
	ch <- prometheus.MustNewConstMetric(c.emptyWaits, prometheus.CounterValue, float64(s.EmptyAcquireCount()), c.service)
}

// RedisPoolStater is satisfied by *redis.Client.
type RedisPoolStater interface {
	PoolStats() *redis.PoolStats
}

// RedisPoolCollector exports go-redis connection pool statistics for the
// session store client.
type RedisPoolCollector struct {
	client  RedisPoolStater
	service string

	hits     *prometheus.Desc
	misses   *prometheus.Desc
	timeouts *prometheus.Desc
	total    *prometheus.Desc
	idle     *prometheus.Desc
}

// NewRedisPoolCollector builds a collector for client labelled with service.
func NewRedisPoolCollector(client RedisPoolStater, service string) *RedisPoolCollector {
	labels := []string{"service"}
	return &RedisPoolCollector{
		client:   client,
		service:  service,
		hits:     prometheus.NewDesc("redis_pool_hits_total", "Free connection found in the pool.", labels, nil),
		misses:   prometheus.NewDesc("redis_pool_misses_total", "No free connection found in the pool.", labels, nil),
		timeouts: prometheus.NewDesc("redis_pool_timeouts_total", "Waits for a connection that timed out.", labels, nil),
		total:    prometheus.NewDesc("redis_pool_total_connections", "Open connections.", labels, nil),
		idle:     prometheus.NewDesc("redis_pool_idle_connections", "Idle connections.", labels, nil),
	}
}

func (c *RedisPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
	ch <- c.total
	ch <- c.idle
}

func (c *RedisPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.client.PoolStats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), c.service)
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), c.service)
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts), c.service)
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns), c.service)
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns), c.service)
}

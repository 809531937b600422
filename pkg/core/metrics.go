package core

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descTensors = prometheus.NewDesc(
		"tensoroptim_registry_tensors",
		"Registered tensor references by lifecycle state.",
		[]string{"state"}, nil)
	descLookups = prometheus.NewDesc(
		"tensoroptim_registry_lookups_total",
		"Registry lookups by outcome.",
		[]string{"outcome"}, nil)
	descBytes = prometheus.NewDesc(
		"tensoroptim_registry_bytes",
		"Aligned storage bytes held by registered tensors.",
		[]string{"class"}, nil)
	descCleanups = prometheus.NewDesc(
		"tensoroptim_registry_cleanup_runs_total",
		"Completed registry cleanup sweeps.",
		nil, nil)
	descPoolUtilization = prometheus.NewDesc(
		"tensoroptim_pool_utilization",
		"Fraction of allocated objects in the pool's slabs.",
		[]string{"backend", "node"}, nil)
	descPoolFragmentation = prometheus.NewDesc(
		"tensoroptim_pool_fragmentation",
		"Fraction of the pool's slabs that are partially filled.",
		[]string{"backend", "node"}, nil)
	descPoolShares = prometheus.NewDesc(
		"tensoroptim_pool_shares_total",
		"Tensors stored through the pool.",
		[]string{"backend", "node"}, nil)
	descPoolFailures = prometheus.NewDesc(
		"tensoroptim_pool_share_failures_total",
		"Share attempts the pool rejected.",
		[]string{"backend", "node"}, nil)
	descPoolPageFaults = prometheus.NewDesc(
		"tensoroptim_pool_page_faults_total",
		"Process page faults observed since the pool's segment was mapped.",
		[]string{"backend", "node"}, nil)
)

// Collector exposes manager statistics as Prometheus metrics. Register
// it with any prometheus.Registerer; each scrape snapshots the manager.
type Collector struct {
	m *Manager
}

// NewCollector wraps m for scraping.
func NewCollector(m *Manager) *Collector { return &Collector{m: m} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTensors
	ch <- descLookups
	ch <- descBytes
	ch <- descCleanups
	ch <- descPoolUtilization
	ch <- descPoolFragmentation
	ch <- descPoolShares
	ch <- descPoolFailures
	ch <- descPoolPageFaults
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.m.Stats()

	for state, n := range st.Registry.PerState {
		ch <- prometheus.MustNewConstMetric(descTensors, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(descLookups, prometheus.CounterValue, float64(st.Registry.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(descLookups, prometheus.CounterValue, float64(st.Registry.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.GaugeValue, float64(st.Registry.ActiveBytes), "active")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.GaugeValue, float64(st.Registry.CachedBytes), "cached")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.GaugeValue, float64(st.Registry.TotalBytes), "total")
	ch <- prometheus.MustNewConstMetric(descCleanups, prometheus.CounterValue, float64(st.Registry.CleanupRuns))

	for _, pool := range st.Pools {
		node := strconv.Itoa(pool.NUMANode)
		ch <- prometheus.MustNewConstMetric(descPoolUtilization, prometheus.GaugeValue, pool.Allocator.Utilization, pool.Backend, node)
		ch <- prometheus.MustNewConstMetric(descPoolFragmentation, prometheus.GaugeValue, pool.Allocator.Fragmentation, pool.Backend, node)
		ch <- prometheus.MustNewConstMetric(descPoolShares, prometheus.CounterValue, float64(pool.Shares), pool.Backend, node)
		ch <- prometheus.MustNewConstMetric(descPoolFailures, prometheus.CounterValue, float64(pool.Failures), pool.Backend, node)
		ch <- prometheus.MustNewConstMetric(descPoolPageFaults, prometheus.CounterValue, float64(pool.PageFaults), pool.Backend, node)
	}
}

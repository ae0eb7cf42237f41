// Package metrics exports connection factory cache statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-boot/internal/rabbitmq"
)

const namespace = "mmate"

// CacheStats is implemented by factories that expose cache statistics
type CacheStats interface {
	CacheProperties() rabbitmq.CacheProperties
}

// CacheCollector reads a fresh statistics snapshot on every scrape.
type CacheCollector struct {
	stats CacheStats

	channelCacheSize    *prometheus.Desc
	connectionCacheSize *prometheus.Desc
	checkoutTimeout     *prometheus.Desc
	openConnections     *prometheus.Desc
	idleConnections     *prometheus.Desc
	idleChannels        *prometheus.Desc
	activeChannels      *prometheus.Desc
	connectionsCreated  *prometheus.Desc
	channelsCreated     *prometheus.Desc
	channelCheckouts    *prometheus.Desc
}

// NewCacheCollector creates a collector for stats. constLabels are added to
// every series, e.g. the factory name.
func NewCacheCollector(stats CacheStats, constLabels prometheus.Labels) *CacheCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection_factory", name), help, labels, constLabels)
	}
	return &CacheCollector{
		stats:               stats,
		channelCacheSize:    desc("channel_cache_size", "Configured channel cache size per connection", "cache_mode"),
		connectionCacheSize: desc("connection_cache_size", "Configured connection cache size", "cache_mode"),
		checkoutTimeout:     desc("channel_checkout_timeout_seconds", "Channel checkout timeout, 0 when the cache is unbounded"),
		openConnections:     desc("open_connections", "Connections currently open"),
		idleConnections:     desc("idle_connections", "Connections waiting in the cache"),
		idleChannels:        desc("idle_channels", "Channels waiting in the cache"),
		activeChannels:      desc("active_channels", "Channels currently open"),
		connectionsCreated:  desc("connections_created_total", "Connections dialed since start"),
		channelsCreated:     desc("channels_created_total", "Channels opened since start"),
		channelCheckouts:    desc("channel_checkouts_total", "Channel checkouts since start"),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.channelCacheSize
	ch <- c.connectionCacheSize
	ch <- c.checkoutTimeout
	ch <- c.openConnections
	ch <- c.idleConnections
	ch <- c.idleChannels
	ch <- c.activeChannels
	ch <- c.connectionsCreated
	ch <- c.channelsCreated
	ch <- c.channelCheckouts
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	p := c.stats.CacheProperties()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.channelCacheSize, float64(p.ChannelCacheSize), p.CacheMode)
	gauge(c.connectionCacheSize, float64(p.ConnectionCacheSize), p.CacheMode)
	gauge(c.checkoutTimeout, p.ChannelCheckoutTimeout.Seconds())
	gauge(c.openConnections, float64(p.OpenConnections))
	gauge(c.idleConnections, float64(p.IdleConnections))
	gauge(c.idleChannels, float64(p.IdleChannels))
	gauge(c.activeChannels, float64(p.ActiveChannels))
	counter(c.connectionsCreated, p.ConnectionsCreated)
	counter(c.channelsCreated, p.ChannelsCreated)
	counter(c.channelCheckouts, p.ChannelCheckouts)
}

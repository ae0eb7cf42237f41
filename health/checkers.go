package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-boot/internal/rabbitmq"
)

// BrokerChecker opens a connection and a channel through the factory and
// reports the broker version.
type BrokerChecker struct {
	factory rabbitmq.ConnectionFactory
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(factory rabbitmq.ConnectionFactory) *BrokerChecker {
	return &BrokerChecker{factory: factory}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"host":         c.factory.Host(),
			"port":         c.factory.Port(),
			"virtual_host": c.factory.VirtualHost(),
			"ssl":          c.factory.IsSSL(),
		},
	}

	conn, err := c.factory.CreateConnection(ctx)
	if err != nil {
		return failed(result, StatusUnhealthy, "failed to get connection", err)
	}
	defer conn.Close()

	props := conn.ServerProperties()
	if v, ok := props["version"]; ok {
		result.Details["server_version"] = fmt.Sprint(v)
	}
	if p, ok := props["product"]; ok {
		result.Details["server_product"] = fmt.Sprint(p)
	}

	ch, err := conn.CreateChannel(ctx)
	if err != nil {
		return failed(result, StatusUnhealthy, "failed to create channel", err)
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(
		"amq.direct", // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return failed(result, StatusDegraded, "exchange check failed", err)
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// CacheStats is implemented by factories that expose cache statistics
type CacheStats interface {
	CacheProperties() rabbitmq.CacheProperties
}

// ChannelCacheChecker reports degraded when a bounded channel cache has no
// free channel left.
type ChannelCacheChecker struct {
	stats CacheStats
}

// NewChannelCacheChecker creates a new channel cache health checker
func NewChannelCacheChecker(stats CacheStats) *ChannelCacheChecker {
	return &ChannelCacheChecker{stats: stats}
}

func (c *ChannelCacheChecker) Name() string {
	return "channel_cache"
}

func (c *ChannelCacheChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	props := c.stats.CacheProperties()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "channel cache is healthy",
		Details: map[string]any{
			"cache_mode":         props.CacheMode,
			"channel_cache_size": props.ChannelCacheSize,
			"active_channels":    props.ActiveChannels,
			"idle_channels":      props.IdleChannels,
			"open_connections":   props.OpenConnections,
		},
	}

	// The cache size bounds channels per connection
	capacity := props.ChannelCacheSize * max(props.OpenConnections, 1)
	if props.ChannelCheckoutTimeout > 0 && props.ActiveChannels >= int64(capacity) {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("all %d channels checked out", capacity)
	}
	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that a queue exists and is not backing up
type QueueChecker struct {
	queue     string
	admin     rabbitmq.AmqpAdmin
	threshold int
}

// NewQueueChecker creates a queue checker. A positive threshold marks the
// queue degraded once it holds more messages than that.
func NewQueueChecker(queue string, admin rabbitmq.AmqpAdmin, threshold int) *QueueChecker {
	return &QueueChecker{queue: queue, admin: admin, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue_name": c.queue},
	}

	info, err := c.admin.QueueProperties(ctx, c.queue)
	if err != nil {
		return failed(result, StatusUnhealthy, fmt.Sprintf("queue %s not accessible", c.queue), err)
	}
	if info == nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s does not exist", c.queue)
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	result.Details["message_count"] = info.MessageCount
	result.Details["consumer_count"] = info.ConsumerCount
	if c.threshold > 0 && info.MessageCount > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.queue)
	}
	result.Duration = time.Since(start)
	return result
}

func failed(result CheckResult, status Status, msg string, err error) CheckResult {
	result.Status = status
	result.Message = msg
	result.Error = err.Error()
	result.Duration = time.Since(result.Timestamp)
	return result
}

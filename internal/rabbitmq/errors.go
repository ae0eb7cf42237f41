package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrFactoryClosed    = errors.New("rabbitmq: connection factory is closed")
	ErrNoAddresses      = errors.New("rabbitmq: no broker addresses")

	// Channel errors
	ErrChannelClosed          = errors.New("rabbitmq: channel is closed")
	ErrChannelCacheClosed     = errors.New("rabbitmq: channel cache is closed")
	ErrChannelCheckoutTimeout = errors.New("rabbitmq: timed out waiting for a free channel")
	ErrChannelCreationFailed  = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrMandatoryFailed     = errors.New("rabbitmq: mandatory publish failed")
	ErrReplyTimeout        = errors.New("rabbitmq: timed out waiting for reply")
	ErrNoDestination       = errors.New("rabbitmq: no destination and no default destination")

	// Listener errors
	ErrContainerRunning     = errors.New("rabbitmq: listener container already running")
	ErrRejectAndDontRequeue = errors.New("rabbitmq: reject without requeue")
	ErrManualAckRequired    = errors.New("rabbitmq: acknowledgement requires MANUAL acknowledge mode")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrOperationCancelled   = errors.New("rabbitmq: operation cancelled")
)

// ConfigurationError reports connection factory settings that cannot be
// turned into a usable factory, such as unreadable TLS material.
type ConfigurationError struct {
	Op        string    // Setting or step that failed
	Path      string    // File involved, if any
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConfigurationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("rabbitmq configuration error: %s (%s): %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("rabbitmq configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrInvalidConfiguration) match every ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

func newConfigurationError(op, path string, err error) *ConfigurationError {
	return &ConfigurationError{
		Op:        op,
		Path:      path,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func newTopologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// IsFatal reports whether err comes from configuration rather than from the
// broker, meaning a second attempt with the same settings cannot succeed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr) || errors.Is(err, ErrInvalidConfiguration)
}

// SanitizeURL removes the password from a connection URL.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CacheMode selects what the factory caches.
type CacheMode int

const (
	// CacheModeChannel shares one connection and caches its channels.
	CacheModeChannel CacheMode = iota
	// CacheModeConnection caches whole connections, each with its own channels.
	CacheModeConnection
)

// DefaultConnectionCacheSize is the idle connection count kept in CONNECTION mode.
const DefaultConnectionCacheSize = 1

func (m CacheMode) String() string {
	switch m {
	case CacheModeChannel:
		return "CHANNEL"
	case CacheModeConnection:
		return "CONNECTION"
	default:
		return fmt.Sprintf("CacheMode(%d)", int(m))
	}
}

// ParseCacheMode accepts CHANNEL or CONNECTION, case-insensitively.
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CHANNEL":
		return CacheModeChannel, nil
	case "CONNECTION":
		return CacheModeConnection, nil
	default:
		return 0, newConfigurationError("cache mode", "", fmt.Errorf("unknown mode %q", s))
	}
}

// ConnectionFactory hands out broker connections.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context) (Connection, error)
	Host() string
	Port() int
	VirtualHost() string
	Username() string
	IsSSL() bool
	AddConnectionListener(l ConnectionListener)
	Close() error
}

// Address is one broker endpoint
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	if a.Port == 0 {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddresses splits a comma separated list of host[:port] entries or
// amqp(s) URIs. Credentials and vhosts inside URIs are ignored here.
// A zero Port means DefaultPort, or DefaultTLSPort over TLS.
func ParseAddresses(list string) ([]Address, error) {
	var out []Address
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := parseAddress(part)
		if err != nil {
			return nil, newConfigurationError("addresses", "", err)
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, newConfigurationError("addresses", "", ErrNoAddresses)
	}
	return out, nil
}

func parseAddress(s string) (Address, error) {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid address %q", SanitizeURL(s))
		}
		if u.Scheme != "amqp" && u.Scheme != "amqps" {
			return Address{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return Address{}, fmt.Errorf("missing host in %q", SanitizeURL(s))
		}
		return addressFrom(u.Hostname(), u.Port())
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// no port
		return Address{Host: s}, nil
	}
	return addressFrom(host, port)
}

func addressFrom(host, port string) (Address, error) {
	if port == "" {
		return Address{Host: host}, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Address{}, fmt.Errorf("invalid port %q", port)
	}
	return Address{Host: host, Port: p}, nil
}

// CacheProperties is a snapshot of the factory's cache state
type CacheProperties struct {
	CacheMode              string
	ChannelCacheSize       int
	ConnectionCacheSize    int
	ChannelCheckoutTimeout time.Duration
	OpenConnections        int
	IdleConnections        int
	IdleChannels           int
	ActiveChannels         int64
	ConnectionsCreated     int64
	ChannelsCreated        int64
	ChannelCheckouts       int64
}

// FactoryOption configures a CachingConnectionFactory
type FactoryOption func(*CachingConnectionFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *CachingConnectionFactory) {
		f.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial DialFunc) FactoryOption {
	return func(f *CachingConnectionFactory) {
		if dial != nil {
			f.dial = dial
		}
	}
}

// CachingConnectionFactory opens broker connections lazily and caches
// connections and channels according to its CacheMode.
type CachingConnectionFactory struct {
	params    ConnectionParams
	addresses []Address
	dial      DialFunc
	logger    *slog.Logger

	cacheMode              CacheMode
	channelCacheSize       int
	connectionCacheSize    int
	channelCheckoutTimeout time.Duration
	publisherConfirms      bool
	publisherReturns       bool

	mu        sync.Mutex
	shared    *cachedConnection
	idle      []*cachedConnection
	open      map[string]*cachedConnection
	closed    bool
	listeners []ConnectionListener

	connectionsCreated atomic.Int64
}

// NewCachingConnectionFactory creates a factory for params. Nothing is
// dialed until the first CreateConnection.
func NewCachingConnectionFactory(params ConnectionParams, opts ...FactoryOption) *CachingConnectionFactory {
	f := &CachingConnectionFactory{
		params:              params,
		dial:                DialAMQP,
		logger:              slog.Default(),
		cacheMode:           CacheModeChannel,
		channelCacheSize:    DefaultChannelCacheSize,
		connectionCacheSize: DefaultConnectionCacheSize,
		open:                make(map[string]*cachedConnection),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetAddresses replaces host and port with an ordered failover list.
func (f *CachingConnectionFactory) SetAddresses(list string) error {
	addrs, err := ParseAddresses(list)
	if err != nil {
		return err
	}
	f.addresses = addrs
	return nil
}

func (f *CachingConnectionFactory) SetChannelCacheSize(size int) {
	if size > 0 {
		f.channelCacheSize = size
	}
}

func (f *CachingConnectionFactory) SetCacheMode(mode CacheMode) { f.cacheMode = mode }

func (f *CachingConnectionFactory) SetConnectionCacheSize(size int) {
	if size > 0 {
		f.connectionCacheSize = size
	}
}

func (f *CachingConnectionFactory) SetChannelCheckoutTimeout(d time.Duration) {
	f.channelCheckoutTimeout = d
}

func (f *CachingConnectionFactory) SetPublisherConfirms(enabled bool) { f.publisherConfirms = enabled }
func (f *CachingConnectionFactory) SetPublisherReturns(enabled bool)  { f.publisherReturns = enabled }

func (f *CachingConnectionFactory) ChannelCacheSize() int                 { return f.channelCacheSize }
func (f *CachingConnectionFactory) CacheMode() CacheMode                  { return f.cacheMode }
func (f *CachingConnectionFactory) ConnectionCacheSize() int              { return f.connectionCacheSize }
func (f *CachingConnectionFactory) ChannelCheckoutTimeout() time.Duration { return f.channelCheckoutTimeout }
func (f *CachingConnectionFactory) PublisherConfirms() bool               { return f.publisherConfirms }
func (f *CachingConnectionFactory) PublisherReturns() bool                { return f.publisherReturns }

// Addresses returns the endpoints tried in order
func (f *CachingConnectionFactory) Addresses() []Address {
	if len(f.addresses) > 0 {
		out := make([]Address, len(f.addresses))
		copy(out, f.addresses)
		return out
	}
	return []Address{{Host: f.params.Host, Port: f.params.Port}}
}

func (f *CachingConnectionFactory) Host() string        { return f.Addresses()[0].Host }
func (f *CachingConnectionFactory) VirtualHost() string { return f.params.Config.Vhost }
func (f *CachingConnectionFactory) Username() string    { return f.params.Username }
func (f *CachingConnectionFactory) IsSSL() bool         { return f.params.UseTLS }

func (f *CachingConnectionFactory) Port() int {
	return f.portFor(f.Addresses()[0])
}

// portFor resolves the port to dial for addr. A list entry without a port
// uses the protocol default, never the port of another entry.
func (f *CachingConnectionFactory) portFor(addr Address) int {
	switch {
	case addr.Port != 0:
		return addr.Port
	case f.params.UseTLS:
		return DefaultTLSPort
	default:
		return DefaultPort
	}
}

// AddConnectionListener registers l. If a shared connection is already
// open, l is told about it straight away.
func (f *CachingConnectionFactory) AddConnectionListener(l ConnectionListener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	shared := f.shared
	f.mu.Unlock()

	if shared != nil && shared.IsOpen() {
		l.OnCreate(shared)
	}
}

// CreateConnection returns an open connection, dialing when the cache has none.
func (f *CachingConnectionFactory) CreateConnection(ctx context.Context) (Connection, error) {
	if f.cacheMode == CacheModeConnection {
		return f.connectionFromCache(ctx)
	}
	return f.sharedConnection(ctx)
}

func (f *CachingConnectionFactory) sharedConnection(ctx context.Context) (Connection, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	if f.shared != nil && f.shared.IsOpen() {
		conn := f.shared
		f.mu.Unlock()
		return conn, nil
	}

	// Dial under the lock so concurrent callers share one connection.
	conn, err := f.connect(ctx)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.shared = conn
	f.open[conn.id] = conn
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	conn.watch()
	notifyCreate(listeners, conn)
	return conn, nil
}

func (f *CachingConnectionFactory) connectionFromCache(ctx context.Context) (Connection, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	for len(f.idle) > 0 {
		conn := f.idle[len(f.idle)-1]
		f.idle = f.idle[:len(f.idle)-1]
		if conn.IsOpen() {
			f.mu.Unlock()
			return conn, nil
		}
	}
	f.mu.Unlock()

	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.destroy()
		return nil, ErrFactoryClosed
	}
	f.open[conn.id] = conn
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	conn.watch()
	notifyCreate(listeners, conn)
	return conn, nil
}

// connect dials each address in order and returns the first success
func (f *CachingConnectionFactory) connect(ctx context.Context) (*cachedConnection, error) {
	var (
		errs    []error
		lastURL string
	)
	addrs := f.Addresses()
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, &ConnectionError{
				Op:        "dial",
				URL:       lastURL,
				Err:       fmt.Errorf("%w: %v", ErrOperationCancelled, err),
				Timestamp: time.Now(),
				Attempts:  len(errs),
			}
		}

		rawURL := f.params.URL(addr.Host, f.portFor(addr))
		lastURL = SanitizeURL(rawURL)

		cfg := f.params.Config
		if cfg.TLSClientConfig != nil {
			// amqp091 writes ServerName into the config it is given.
			cfg.TLSClientConfig = cfg.TLSClientConfig.Clone()
		}

		raw, err := f.dial(rawURL, cfg)
		if err != nil {
			f.logger.Warn("failed to connect to broker", "url", lastURL, "error", err)
			errs = append(errs, err)
			continue
		}

		f.connectionsCreated.Add(1)
		conn := newCachedConnection(f, raw, addr.String())
		f.logger.Info("connected to broker",
			"url", lastURL,
			"connection", conn.id,
			"cache_mode", f.cacheMode.String())
		return conn, nil
	}

	return nil, &ConnectionError{
		Op:        "dial",
		URL:       lastURL,
		Err:       errors.Join(errs...),
		Timestamp: time.Now(),
		Attempts:  len(errs),
	}
}

// release takes a connection back from a caller
func (f *CachingConnectionFactory) release(conn *cachedConnection) error {
	if f.cacheMode == CacheModeChannel {
		// the shared connection stays open until the factory closes
		return nil
	}

	f.mu.Lock()
	if !f.closed && conn.IsOpen() && len(f.idle) < f.connectionCacheSize {
		for _, c := range f.idle {
			if c == conn {
				f.mu.Unlock()
				return nil
			}
		}
		f.idle = append(f.idle, conn)
		f.mu.Unlock()
		return nil
	}
	delete(f.open, conn.id)
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	if conn.destroy() {
		notifyClose(listeners, conn)
	}
	return nil
}

// connectionLost drops a connection the broker closed
func (f *CachingConnectionFactory) connectionLost(conn *cachedConnection) {
	f.mu.Lock()
	if f.shared == conn {
		f.shared = nil
	}
	for i, c := range f.idle {
		if c == conn {
			f.idle = append(f.idle[:i], f.idle[i+1:]...)
			break
		}
	}
	delete(f.open, conn.id)
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	if conn.destroy() {
		notifyClose(listeners, conn)
	}
}

// Close closes every connection. The factory cannot be used afterwards.
func (f *CachingConnectionFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := make([]*cachedConnection, 0, len(f.open))
	for _, c := range f.open {
		conns = append(conns, c)
	}
	f.open = make(map[string]*cachedConnection)
	f.idle = nil
	f.shared = nil
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	for _, c := range conns {
		if c.destroy() {
			notifyClose(listeners, c)
		}
	}
	f.logger.Info("connection factory closed", "connections", len(conns))
	return nil
}

// CacheProperties reports the current cache configuration and usage
func (f *CachingConnectionFactory) CacheProperties() CacheProperties {
	f.mu.Lock()
	defer f.mu.Unlock()

	props := CacheProperties{
		CacheMode:              f.cacheMode.String(),
		ChannelCacheSize:       f.channelCacheSize,
		ConnectionCacheSize:    f.connectionCacheSize,
		ChannelCheckoutTimeout: f.channelCheckoutTimeout,
		OpenConnections:        len(f.open),
		IdleConnections:        len(f.idle),
		ConnectionsCreated:     f.connectionsCreated.Load(),
	}
	for _, c := range f.open {
		props.IdleChannels += c.channels.idleCount()
		props.ActiveChannels += c.channels.active.Load()
		props.ChannelsCreated += c.channels.created.Load()
		props.ChannelCheckouts += c.channels.checkouts.Load()
	}
	return props
}

// snapshotListeners copies the listener slice; callers hold f.mu.
func (f *CachingConnectionFactory) snapshotListeners() []ConnectionListener {
	out := make([]ConnectionListener, len(f.listeners))
	copy(out, f.listeners)
	return out
}

func notifyCreate(listeners []ConnectionListener, conn Connection) {
	for _, l := range listeners {
		l.OnCreate(conn)
	}
}

func notifyClose(listeners []ConnectionListener, conn Connection) {
	for _, l := range listeners {
		l.OnClose(conn)
	}
}

package rabbitmq

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Library defaults applied when a setting is never touched.
const (
	DefaultHost        = "localhost"
	DefaultPort        = 5672
	DefaultTLSPort     = 5671
	DefaultUsername    = "guest"
	DefaultPassword    = "guest"
	DefaultVirtualHost = "/"
	DefaultHeartbeat   = 10 * time.Second
	DefaultLocale      = "en_US"
)

// ConnectionParams is everything needed to dial a broker, produced by
// ConnectionFactoryBean.Initialize.
type ConnectionParams struct {
	Host     string
	Port     int
	Username string
	UseTLS   bool
	Config   amqp.Config
}

// URL returns the dial URL for host:port. Credentials travel in Config.SASL
// and the vhost in Config.Vhost, so the URL never carries secrets.
func (p ConnectionParams) URL(host string, port int) string {
	scheme := "amqp"
	if p.UseTLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

// ConnectionFactoryBean collects connection settings one setter at a time and
// turns them into ConnectionParams. Settings that are never set keep the
// library defaults.
type ConnectionFactoryBean struct {
	host              string
	port              int
	username          string
	password          string
	virtualHost       string
	heartbeat         time.Duration
	connectionTimeout time.Duration

	useSSL             bool
	keyStore           string
	keyStorePassphrase string
	trustStore         string
	trustPassphrase    string
	tlsAlgorithm       string

	initialized bool
	params      ConnectionParams
}

// NewConnectionFactoryBean creates a bean holding library defaults
func NewConnectionFactoryBean() *ConnectionFactoryBean {
	return &ConnectionFactoryBean{
		host:        DefaultHost,
		username:    DefaultUsername,
		password:    DefaultPassword,
		virtualHost: DefaultVirtualHost,
		heartbeat:   DefaultHeartbeat,
	}
}

func (b *ConnectionFactoryBean) SetHost(host string)                  { b.host = host }
func (b *ConnectionFactoryBean) SetPort(port int)                     { b.port = port }
func (b *ConnectionFactoryBean) SetUsername(username string)          { b.username = username }
func (b *ConnectionFactoryBean) SetPassword(password string)          { b.password = password }
func (b *ConnectionFactoryBean) SetVirtualHost(vhost string)          { b.virtualHost = vhost }
func (b *ConnectionFactoryBean) SetRequestedHeartbeat(d time.Duration) { b.heartbeat = d }
func (b *ConnectionFactoryBean) SetConnectionTimeout(d time.Duration) { b.connectionTimeout = d }
func (b *ConnectionFactoryBean) SetUseSSL(useSSL bool)                { b.useSSL = useSSL }
func (b *ConnectionFactoryBean) SetKeyStore(path string)              { b.keyStore = path }
func (b *ConnectionFactoryBean) SetKeyStorePassphrase(pass string)    { b.keyStorePassphrase = pass }
func (b *ConnectionFactoryBean) SetTrustStore(path string)            { b.trustStore = path }
func (b *ConnectionFactoryBean) SetTrustStorePassphrase(pass string)  { b.trustPassphrase = pass }
func (b *ConnectionFactoryBean) SetSSLAlgorithm(name string)          { b.tlsAlgorithm = name }

// Initialize validates the settings and builds the dial parameters. TLS
// material is loaded here, so unreadable stores fail before any dial.
func (b *ConnectionFactoryBean) Initialize() error {
	port := b.port
	if port == 0 {
		port = DefaultPort
		if b.useSSL {
			port = DefaultTLSPort
		}
	}
	if port < 1 || port > 65535 {
		return newConfigurationError("port", "", fmt.Errorf("%d out of range", port))
	}
	if b.heartbeat < 0 {
		return newConfigurationError("requested heartbeat", "", errors.New("must not be negative"))
	}

	cfg := amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: b.username, Password: b.password}},
		Vhost:     b.virtualHost,
		Heartbeat: b.heartbeat,
		Locale:    DefaultLocale,
	}
	if b.connectionTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(b.connectionTimeout)
	}

	if b.useSSL {
		tlsCfg, err := b.tlsConfig()
		if err != nil {
			return err
		}
		cfg.TLSClientConfig = tlsCfg
	}

	b.params = ConnectionParams{
		Host:     b.host,
		Port:     port,
		Username: b.username,
		UseTLS:   b.useSSL,
		Config:   cfg,
	}
	b.initialized = true
	return nil
}

// Params returns the built parameters. Initialize must have succeeded.
func (b *ConnectionFactoryBean) Params() (ConnectionParams, error) {
	if !b.initialized {
		return ConnectionParams{}, newConfigurationError("params", "", errors.New("bean not initialized"))
	}
	return b.params, nil
}

func (b *ConnectionFactoryBean) tlsConfig() (*tls.Config, error) {
	minVersion, err := tlsMinVersion(b.tlsAlgorithm)
	if err != nil {
		return nil, err
	}
	// ServerName stays empty: the dialer fills it per address.
	cfg := &tls.Config{MinVersion: minVersion}

	if b.keyStore != "" {
		cert, err := LoadKeyStore(b.keyStore, b.keyStorePassphrase)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	// Without a trust store the system roots verify the broker.
	if b.trustStore != "" {
		pool, err := LoadTrustStore(b.trustStore, b.trustPassphrase)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

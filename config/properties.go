package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Prefix is the key prefix every connection property lives under.
const Prefix = "rabbitmq"

// Default values for properties that always carry one.
const (
	DefaultHost    = "localhost"
	DefaultPort    = 5672
	DefaultDynamic = true
)

// Properties is the rabbitmq section of the configuration. Pointer fields are
// optional: nil means the library default applies. Treat a loaded value as
// read-only.
type Properties struct {
	Host               string         `mapstructure:"host" yaml:"host"`
	Port               int            `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	Username           string         `mapstructure:"username" yaml:"username,omitempty"`
	Password           string         `mapstructure:"password" yaml:"password,omitempty"`
	VirtualHost        string         `mapstructure:"virtual-host" yaml:"virtual-host,omitempty"`
	Addresses          string         `mapstructure:"addresses" yaml:"addresses,omitempty"`
	RequestedHeartbeat *time.Duration `mapstructure:"requested-heartbeat" yaml:"requested-heartbeat,omitempty"`
	ConnectionTimeout  *time.Duration `mapstructure:"connection-timeout" yaml:"connection-timeout,omitempty"`
	Dynamic            bool           `mapstructure:"dynamic" yaml:"dynamic"`
	PublisherConfirms  bool           `mapstructure:"publisher-confirms" yaml:"publisher-confirms"`
	PublisherReturns   bool           `mapstructure:"publisher-returns" yaml:"publisher-returns"`

	SSL      SSL      `mapstructure:"ssl" yaml:"ssl"`
	Cache    Cache    `mapstructure:"cache" yaml:"cache"`
	Template Template `mapstructure:"template" yaml:"template"`
	Listener Listener `mapstructure:"listener" yaml:"listener"`
}

// SSL holds the TLS settings. Everything but Enabled is ignored while
// Enabled is false.
type SSL struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	KeyStore           string `mapstructure:"key-store" yaml:"key-store,omitempty"`
	KeyStorePassword   string `mapstructure:"key-store-password" yaml:"key-store-password,omitempty"`
	TrustStore         string `mapstructure:"trust-store" yaml:"trust-store,omitempty"`
	TrustStorePassword string `mapstructure:"trust-store-password" yaml:"trust-store-password,omitempty"`
	Algorithm          string `mapstructure:"algorithm" yaml:"algorithm,omitempty" validate:"omitempty,oneof=TLSv1.2 TLSv1.3"`
}

// Cache holds the channel and connection cache knobs.
type Cache struct {
	Channel    ChannelCache    `mapstructure:"channel" yaml:"channel"`
	Connection ConnectionCache `mapstructure:"connection" yaml:"connection"`
}

type ChannelCache struct {
	Size            *int           `mapstructure:"size" yaml:"size,omitempty" validate:"omitempty,min=1"`
	CheckoutTimeout *time.Duration `mapstructure:"checkout-timeout" yaml:"checkout-timeout,omitempty"`
}

type ConnectionCache struct {
	Mode *string `mapstructure:"mode" yaml:"mode,omitempty" validate:"omitempty,oneof=CHANNEL CONNECTION channel connection"`
	Size *int    `mapstructure:"size" yaml:"size,omitempty" validate:"omitempty,min=1"`
}

// Template holds the message template defaults.
type Template struct {
	Exchange       string         `mapstructure:"exchange" yaml:"exchange,omitempty"`
	RoutingKey     string         `mapstructure:"routing-key" yaml:"routing-key,omitempty"`
	Queue          string         `mapstructure:"queue" yaml:"queue,omitempty"`
	Mandatory      *bool          `mapstructure:"mandatory" yaml:"mandatory,omitempty"`
	ReceiveTimeout *time.Duration `mapstructure:"receive-timeout" yaml:"receive-timeout,omitempty"`
	ReplyTimeout   *time.Duration `mapstructure:"reply-timeout" yaml:"reply-timeout,omitempty"`
}

// Listener holds the defaults for listener containers.
type Listener struct {
	AcknowledgeMode        *string        `mapstructure:"acknowledge-mode" yaml:"acknowledge-mode,omitempty" validate:"omitempty,oneof=NONE MANUAL AUTO none manual auto"`
	Concurrency            *int           `mapstructure:"concurrency" yaml:"concurrency,omitempty" validate:"omitempty,min=1"`
	Prefetch               *int           `mapstructure:"prefetch" yaml:"prefetch,omitempty" validate:"omitempty,min=0,max=65535"`
	DefaultRequeueRejected *bool          `mapstructure:"default-requeue-rejected" yaml:"default-requeue-rejected,omitempty"`
	RecoveryInterval       *time.Duration `mapstructure:"recovery-interval" yaml:"recovery-interval,omitempty"`
}

// firstAddress is one parsed entry of Addresses.
type firstAddress struct {
	host     string
	port     int
	username string
	password string
	vhost    string
	hasVhost bool
}

// first parses the first entry of Addresses. ok is false when there is none.
func (p *Properties) first() (firstAddress, bool) {
	for _, part := range strings.Split(p.Addresses, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		return parseFirst(part), true
	}
	return firstAddress{}, false
}

func parseFirst(s string) firstAddress {
	var a firstAddress
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return a
		}
		a.host = u.Hostname()
		a.port, _ = strconv.Atoi(u.Port())
		if u.User != nil {
			a.username = u.User.Username()
			a.password, _ = u.User.Password()
		}
		if len(u.Path) > 1 {
			a.vhost, a.hasVhost = strings.TrimPrefix(u.Path, "/"), true
		}
		return a
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		a.host = s
		return a
	}
	a.host = host
	a.port, _ = strconv.Atoi(port)
	return a
}

// DetermineAddresses returns Addresses, or host:port when it is empty.
func (p *Properties) DetermineAddresses() string {
	if strings.TrimSpace(p.Addresses) != "" {
		return p.Addresses
	}
	if p.Host == "" {
		return ""
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.DeterminePort()))
}

// DetermineHost returns the host of the first address, or Host.
func (p *Properties) DetermineHost() string {
	if a, ok := p.first(); ok {
		return a.host
	}
	return p.Host
}

// DeterminePort returns the port of the first address, or Port. An address
// without a port yields DefaultPort.
func (p *Properties) DeterminePort() int {
	if a, ok := p.first(); ok {
		if a.port == 0 {
			return DefaultPort
		}
		return a.port
	}
	if p.Port == 0 {
		return DefaultPort
	}
	return p.Port
}

// DetermineUsername prefers Username over credentials in the first address URI.
func (p *Properties) DetermineUsername() string {
	if p.Username != "" {
		return p.Username
	}
	a, _ := p.first()
	return a.username
}

// DeterminePassword prefers Password over credentials in the first address URI.
func (p *Properties) DeterminePassword() string {
	if p.Password != "" {
		return p.Password
	}
	a, _ := p.first()
	return a.password
}

// DetermineVirtualHost prefers VirtualHost over the path of the first address URI.
func (p *Properties) DetermineVirtualHost() string {
	if p.VirtualHost != "" {
		return p.VirtualHost
	}
	if a, ok := p.first(); ok && a.hasVhost {
		if v, err := url.PathUnescape(a.vhost); err == nil {
			return v
		}
		return a.vhost
	}
	return ""
}

// DetermineMandatory returns template.mandatory, falling back to
// publisher-returns.
func (p *Properties) DetermineMandatory() bool {
	if p.Template.Mandatory != nil {
		return *p.Template.Mandatory
	}
	return p.PublisherReturns
}

// Redacted returns a copy with passwords masked, for printing.
func (p *Properties) Redacted() Properties {
	const mask = "******"
	r := *p
	p = &r
	if p.Password != "" {
		p.Password = mask
	}
	if p.SSL.KeyStorePassword != "" {
		p.SSL.KeyStorePassword = mask
	}
	if p.SSL.TrustStorePassword != "" {
		p.SSL.TrustStorePassword = mask
	}
	if p.Addresses != "" {
		parts := strings.Split(p.Addresses, ",")
		for i, part := range parts {
			part = strings.TrimSpace(part)
			if u, err := url.Parse(part); err == nil && u.User != nil {
				if _, has := u.User.Password(); has {
					u.User = url.UserPassword(u.User.Username(), mask)
					part = u.String()
				}
			}
			parts[i] = part
		}
		p.Addresses = strings.Join(parts, ",")
	}
	return r
}

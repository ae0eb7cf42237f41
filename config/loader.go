package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MMATE_RABBITMQ_HOST or
// MMATE_RABBITMQ_SSL_KEY_STORE.
const EnvPrefix = "MMATE"

// ConfigName is the file name (without extension) searched in config paths.
const ConfigName = "mmate"

// keys lists every property so environment overrides are seen by Unmarshal
// even when no file or default mentions them.
var keys = []string{
	"host",
	"port",
	"username",
	"password",
	"virtual-host",
	"addresses",
	"requested-heartbeat",
	"connection-timeout",
	"dynamic",
	"publisher-confirms",
	"publisher-returns",
	"ssl.enabled",
	"ssl.key-store",
	"ssl.key-store-password",
	"ssl.trust-store",
	"ssl.trust-store-password",
	"ssl.algorithm",
	"cache.channel.size",
	"cache.channel.checkout-timeout",
	"cache.connection.mode",
	"cache.connection.size",
	"template.exchange",
	"template.routing-key",
	"template.queue",
	"template.mandatory",
	"template.receive-timeout",
	"template.reply-timeout",
	"listener.acknowledge-mode",
	"listener.concurrency",
	"listener.prefetch",
	"listener.default-requeue-rejected",
	"listener.recovery-interval",
}

type document struct {
	RabbitMQ Properties `mapstructure:"rabbitmq"`
}

type loadOptions struct {
	file  string
	paths []string
}

// LoadOption configures Load
type LoadOption func(*loadOptions)

// WithConfigFile reads the given file. A missing file is an error.
func WithConfigFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.file = path
	}
}

// WithConfigPaths searches the directories for mmate.yaml. A missing file is
// not an error.
func WithConfigPaths(paths ...string) LoadOption {
	return func(o *loadOptions) {
		o.paths = append(o.paths, paths...)
	}
}

// Default returns the properties used when nothing is configured.
func Default() *Properties {
	return &Properties{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Dynamic: DefaultDynamic,
	}
}

// Load reads defaults, then the optional config file, then MMATE_*
// environment variables, and validates the result.
func Load(opts ...LoadOption) (*Properties, error) {
	o := &loadOptions{}
	for _, opt := range opts {
		opt(o)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(Prefix + "." + key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	switch {
	case o.file != "":
		v.SetConfigFile(o.file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", o.file, err)
		}
	case len(o.paths) > 0:
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		for _, p := range o.paths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	props := doc.RabbitMQ
	if err := props.Validate(); err != nil {
		return nil, err
	}
	return &props, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(Prefix+".host", d.Host)
	v.SetDefault(Prefix+".port", d.Port)
	v.SetDefault(Prefix+".dynamic", d.Dynamic)
	v.SetDefault(Prefix+".ssl.enabled", false)
	v.SetDefault(Prefix+".publisher-confirms", false)
	v.SetDefault(Prefix+".publisher-returns", false)
}

// Validate checks field constraints and that no duration is negative.
func (p *Properties) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := []struct {
		key string
		d   *time.Duration
	}{
		{"requested-heartbeat", p.RequestedHeartbeat},
		{"connection-timeout", p.ConnectionTimeout},
		{"cache.channel.checkout-timeout", p.Cache.Channel.CheckoutTimeout},
		{"template.receive-timeout", p.Template.ReceiveTimeout},
		{"template.reply-timeout", p.Template.ReplyTimeout},
		{"listener.recovery-interval", p.Listener.RecoveryInterval},
	}
	for _, f := range durations {
		if f.d != nil && *f.d < 0 {
			return fmt.Errorf("invalid configuration: %s.%s must not be negative", Prefix, f.key)
		}
	}
	return nil
}

// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package boot

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-boot/config"
	"github.com/glimte/mmate-boot/internal/rabbitmq"
	"github.com/glimte/mmate-boot/messaging"
	"github.com/glimte/mmate-boot/registry"
)

// Registry names of the collaborators a Bootstrapper creates.
const (
	ConnectionFactoryName = "rabbitConnectionFactory"
	AdminName             = "amqpAdmin"
	TemplateName          = "rabbitTemplate"
	MessagingTemplateName = "rabbitMessagingTemplate"

	ListenerContainerFactoryName = "rabbitListenerContainerFactory"
)

// Beans are the collaborators available after Bootstrap, whether created
// by it or registered beforehand. Admin and MessagingTemplate may be nil.
type Beans struct {
	ConnectionFactory ConnectionFactory
	Admin             AmqpAdmin
	Template          *Template
	MessagingTemplate *MessagingTemplate

	ListenerContainerFactory *ListenerContainerFactory
}

// Bootstrapper builds the broker collaborators from Properties, skipping
// any collaborator the registry already holds.
type Bootstrapper struct {
	reg      *registry.Registry
	logger   *slog.Logger
	dial     rabbitmq.DialFunc
	tracer   trace.TracerProvider
	features features
}

// features records which optional collaborators are compiled in
type features struct {
	messagingTemplate bool
}

// Option configures the Bootstrapper
type Option func(*Bootstrapper)

// WithLogger sets the logger for the bootstrapper and everything it builds
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrapper) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithDialer replaces the AMQP dialer used by the connection factory
func WithDialer(dial rabbitmq.DialFunc) Option {
	return func(b *Bootstrapper) {
		b.dial = dial
	}
}

// WithTracerProvider sets the tracer provider for template spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bootstrapper) {
		b.tracer = tp
	}
}

// New creates a Bootstrapper working against reg
func New(reg *registry.Registry, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		reg:      reg,
		logger:   slog.Default(),
		features: features{messagingTemplate: messagingTemplateAvailable},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the registry the bootstrapper registers into
func (b *Bootstrapper) Registry() *registry.Registry {
	return b.reg
}

// Bootstrap builds and registers every missing collaborator, then returns
// what the registry holds. Nothing is dialed here; connections open on
// first use. On failure the entries registered by this call are removed and
// closed again.
func (b *Bootstrapper) Bootstrap(ctx context.Context, props *config.Properties) (*Beans, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if props == nil {
		props = config.Default()
	}

	factory, created, err := b.BuildConnectionFactory(props)
	if err != nil {
		return nil, err
	}
	regs := &registrations{reg: b.reg}
	if created {
		if err := regs.add(ConnectionFactoryName, factory); err != nil {
			_ = factory.Close()
			return nil, err
		}
	}

	if admin, created := b.BuildAdminClient(factory, props.Dynamic); created {
		if a, ok := admin.(*rabbitmq.Admin); ok {
			if decls := registry.Candidates[rabbitmq.Declarable](b.reg); len(decls) > 0 {
				a.Declare(decls...)
				b.logger.Debug("declarables handed to admin", "count", len(decls))
			}
		}
		if err := regs.add(AdminName, admin); err != nil {
			return nil, regs.rollback(err)
		}
	}

	template, created := b.BuildMessageTemplate(factory, props)
	if created {
		if err := regs.add(TemplateName, template); err != nil {
			return nil, regs.rollback(err)
		}
	}

	if mt, created := b.BuildMessagingTemplate(template); created {
		if err := regs.add(MessagingTemplateName, mt); err != nil {
			return nil, regs.rollback(err)
		}
	}

	listeners, created, err := b.BuildListenerContainerFactory(factory, props)
	if err != nil {
		return nil, regs.rollback(err)
	}
	if created {
		if err := regs.add(ListenerContainerFactoryName, listeners); err != nil {
			return nil, regs.rollback(err)
		}
	}

	beans := &Beans{
		ConnectionFactory:        factory,
		Template:                 template,
		ListenerContainerFactory: listeners,
	}
	if admins := registry.Candidates[AmqpAdmin](b.reg); len(admins) > 0 {
		beans.Admin = admins[0]
	}
	if mts := registry.Candidates[*MessagingTemplate](b.reg); len(mts) > 0 {
		beans.MessagingTemplate = mts[0]
	}

	b.logger.Info("rabbitmq bootstrap complete",
		"host", factory.Host(),
		"port", factory.Port(),
		"virtual_host", factory.VirtualHost(),
		"ssl", factory.IsSSL(),
		"admin", beans.Admin != nil,
		"messaging_template", beans.MessagingTemplate != nil)
	return beans, nil
}

// registrations records what one Bootstrap call added to the registry
type registrations struct {
	reg   *registry.Registry
	names []string
}

func (r *registrations) add(name string, v any) error {
	if err := registry.Register(r.reg, name, v); err != nil {
		return err
	}
	r.names = append(r.names, name)
	return nil
}

// rollback removes the recorded entries newest first, closing the ones that
// hold resources, and returns err.
func (r *registrations) rollback(err error) error {
	for i := len(r.names) - 1; i >= 0; i-- {
		v, ok := r.reg.Remove(r.names[i])
		if !ok {
			continue
		}
		if c, isCloser := v.(io.Closer); isCloser {
			_ = c.Close()
		}
	}
	r.names = nil
	return err
}

// BuildConnectionFactory returns the registered factory, or builds one from
// props. created reports whether a new factory was built. Only settings
// present in props are applied; everything else keeps the library default.
func (b *Bootstrapper) BuildConnectionFactory(props *config.Properties) (ConnectionFactory, bool, error) {
	if existing := registry.Candidates[ConnectionFactory](b.reg); len(existing) > 0 {
		b.logger.Debug("using registered connection factory")
		return existing[0], false, nil
	}

	bean := rabbitmq.NewConnectionFactoryBean()
	if host := props.DetermineHost(); host != "" {
		bean.SetHost(host)
		bean.SetPort(props.DeterminePort())
	}
	if username := props.DetermineUsername(); username != "" {
		bean.SetUsername(username)
	}
	if password := props.DeterminePassword(); password != "" {
		bean.SetPassword(password)
	}
	if vhost := props.DetermineVirtualHost(); vhost != "" {
		bean.SetVirtualHost(vhost)
	}
	if props.RequestedHeartbeat != nil {
		bean.SetRequestedHeartbeat(*props.RequestedHeartbeat)
	}
	if props.ConnectionTimeout != nil {
		bean.SetConnectionTimeout(*props.ConnectionTimeout)
	}

	if ssl := props.SSL; ssl.Enabled {
		bean.SetUseSSL(true)
		if ssl.KeyStore != "" {
			bean.SetKeyStore(ssl.KeyStore)
		}
		if ssl.KeyStorePassword != "" {
			bean.SetKeyStorePassphrase(ssl.KeyStorePassword)
		}
		if ssl.TrustStore != "" {
			bean.SetTrustStore(ssl.TrustStore)
		}
		if ssl.TrustStorePassword != "" {
			bean.SetTrustStorePassphrase(ssl.TrustStorePassword)
		}
		if ssl.Algorithm != "" {
			bean.SetSSLAlgorithm(ssl.Algorithm)
		}
	}

	if err := bean.Initialize(); err != nil {
		return nil, false, fmt.Errorf("connection factory: %w", err)
	}
	params, err := bean.Params()
	if err != nil {
		return nil, false, fmt.Errorf("connection factory: %w", err)
	}

	opts := []rabbitmq.FactoryOption{rabbitmq.WithLogger(b.logger)}
	if b.dial != nil {
		opts = append(opts, rabbitmq.WithDialer(b.dial))
	}
	factory := rabbitmq.NewCachingConnectionFactory(params, opts...)

	if props.Addresses != "" {
		if err := factory.SetAddresses(props.DetermineAddresses()); err != nil {
			return nil, false, fmt.Errorf("connection factory: %w", err)
		}
	}

	cache := props.Cache
	if cache.Channel.Size != nil {
		factory.SetChannelCacheSize(*cache.Channel.Size)
	}
	if cache.Connection.Mode != nil {
		mode, err := rabbitmq.ParseCacheMode(*cache.Connection.Mode)
		if err != nil {
			return nil, false, fmt.Errorf("connection factory: %w", err)
		}
		factory.SetCacheMode(mode)
	}
	if cache.Connection.Size != nil {
		factory.SetConnectionCacheSize(*cache.Connection.Size)
	}
	if cache.Channel.CheckoutTimeout != nil {
		factory.SetChannelCheckoutTimeout(*cache.Channel.CheckoutTimeout)
	}
	factory.SetPublisherConfirms(props.PublisherConfirms)
	factory.SetPublisherReturns(props.PublisherReturns)

	b.logger.Debug("connection factory built",
		"addresses", factory.Addresses(),
		"ssl", factory.IsSSL(),
		"cache_mode", factory.CacheMode().String(),
		"channel_cache_size", factory.ChannelCacheSize())
	return factory, true, nil
}

// BuildAdminClient builds an admin over factory when dynamic provisioning
// is enabled and no admin is registered.
func (b *Bootstrapper) BuildAdminClient(factory ConnectionFactory, dynamic bool) (AmqpAdmin, bool) {
	if !dynamic {
		b.logger.Debug("dynamic provisioning disabled, no admin built")
		return nil, false
	}
	if registry.Contains[AmqpAdmin](b.reg) {
		return nil, false
	}
	return rabbitmq.NewAdmin(factory, rabbitmq.WithAdminLogger(b.logger)), true
}

// BuildMessageTemplate returns the registered template untouched, or builds
// one over factory. A registered MessageConverter is attached only when it
// is the sole candidate.
func (b *Bootstrapper) BuildMessageTemplate(factory ConnectionFactory, props *config.Properties) (*Template, bool) {
	if existing := registry.Candidates[*Template](b.reg); len(existing) > 0 {
		return existing[0], false
	}

	opts := []rabbitmq.TemplateOption{rabbitmq.WithTemplateLogger(b.logger)}
	if b.tracer != nil {
		opts = append(opts, rabbitmq.WithTracerProvider(b.tracer))
	}
	template := rabbitmq.NewTemplate(factory, opts...)

	if converter, ok := b.uniqueConverter(); ok {
		template.SetMessageConverter(converter)
	}

	t := props.Template
	template.SetExchange(t.Exchange)
	template.SetRoutingKey(t.RoutingKey)
	template.SetDefaultReceiveQueue(t.Queue)
	template.SetMandatory(props.DetermineMandatory())
	if t.ReceiveTimeout != nil {
		template.SetReceiveTimeout(*t.ReceiveTimeout)
	}
	if t.ReplyTimeout != nil {
		template.SetReplyTimeout(*t.ReplyTimeout)
	}
	return template, true
}

// BuildMessagingTemplate wraps template when the messaging template is
// compiled in and none is registered.
func (b *Bootstrapper) BuildMessagingTemplate(template *Template) (*MessagingTemplate, bool) {
	if !b.features.messagingTemplate {
		return nil, false
	}
	if registry.Contains[*MessagingTemplate](b.reg) {
		return nil, false
	}
	return rabbitmq.NewMessagingTemplate(template), true
}

// BuildListenerContainerFactory returns the registered listener container
// factory, or builds one over factory configured from props.Listener.
func (b *Bootstrapper) BuildListenerContainerFactory(factory ConnectionFactory, props *config.Properties) (*ListenerContainerFactory, bool, error) {
	if existing := registry.Candidates[*ListenerContainerFactory](b.reg); len(existing) > 0 {
		return existing[0], false, nil
	}

	lf := rabbitmq.NewListenerContainerFactory(factory, rabbitmq.WithListenerLogger(b.logger))
	if converter, ok := b.uniqueConverter(); ok {
		lf.SetMessageConverter(converter)
	}

	l := props.Listener
	if l.AcknowledgeMode != nil {
		mode, err := rabbitmq.ParseAcknowledgeMode(*l.AcknowledgeMode)
		if err != nil {
			return nil, false, fmt.Errorf("listener container factory: %w", err)
		}
		lf.SetAcknowledgeMode(mode)
	}
	if l.Concurrency != nil {
		lf.SetConcurrency(*l.Concurrency)
	}
	if l.Prefetch != nil {
		lf.SetPrefetch(*l.Prefetch)
	}
	if l.DefaultRequeueRejected != nil {
		lf.SetDefaultRequeueRejected(*l.DefaultRequeueRejected)
	}
	if l.RecoveryInterval != nil {
		lf.SetRecoveryInterval(*l.RecoveryInterval)
	}
	return lf, true, nil
}

// uniqueConverter returns the registered MessageConverter when exactly one
// is registered.
func (b *Bootstrapper) uniqueConverter() (messaging.MessageConverter, bool) {
	converters := registry.Candidates[messaging.MessageConverter](b.reg)
	if len(converters) > 1 {
		b.logger.Debug("several message converters registered, keeping the default", "candidates", len(converters))
	}
	if len(converters) != 1 {
		return nil, false
	}
	return converters[0], true
}

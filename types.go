package boot

import (
	"github.com/glimte/mmate-boot/internal/rabbitmq"
)

// Re-exported collaborator types, so callers outside this module can name
// what Bootstrap returns.
type (
	ConnectionFactory        = rabbitmq.ConnectionFactory
	CachingConnectionFactory = rabbitmq.CachingConnectionFactory
	Connection               = rabbitmq.Connection
	ConnectionListener       = rabbitmq.ConnectionListener
	ConnectionListenerFuncs  = rabbitmq.ConnectionListenerFuncs
	AmqpAdmin                = rabbitmq.AmqpAdmin
	Admin                    = rabbitmq.Admin
	Template                 = rabbitmq.Template
	MessagingTemplate        = rabbitmq.MessagingTemplate
	ListenerContainerFactory = rabbitmq.ListenerContainerFactory
	ListenerContainer        = rabbitmq.ListenerContainer
	MessageListener          = rabbitmq.MessageListener
	Delivery                 = rabbitmq.Delivery
	AcknowledgeMode          = rabbitmq.AcknowledgeMode
	DialFunc                 = rabbitmq.DialFunc
	ConfigurationError       = rabbitmq.ConfigurationError

	Declarable = rabbitmq.Declarable
	Exchange   = rabbitmq.Exchange
	Queue      = rabbitmq.Queue
	Binding    = rabbitmq.Binding
)

// ErrInvalidConfiguration matches every ConfigurationError
var ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration

// Package boot wires RabbitMQ collaborators from configuration.
//
// A Bootstrapper reads config.Properties and registers, in order, a
// connection factory, an admin client (when rabbitmq.dynamic is true), a
// message template, a messaging template and a listener container factory.
// Each is built only when the registry does not already hold one of that
// type, so callers can supply their own instances before calling Bootstrap.
//
// Example usage:
//
//	props, err := config.Load(config.WithConfigPaths(".", "/etc/mmate"))
//	if err != nil {
//		return err
//	}
//
//	reg := registry.New()
//	defer reg.Close(context.Background())
//
//	beans, err := boot.New(reg, boot.WithLogger(logger)).Bootstrap(ctx, props)
//	if err != nil {
//		return err
//	}
//	err = beans.Template.ConvertAndSendDefault(ctx, "hello")
//
//	container, err := beans.ListenerContainerFactory.CreateListenerContainer(
//		func(ctx context.Context, d *boot.Delivery) error {
//			return handle(d.Body)
//		}, "orders.in")
//	if err != nil {
//		return err
//	}
//	err = container.Start(ctx)
//
// Building with -tags nomessagingtemplate leaves the messaging template out.
package boot

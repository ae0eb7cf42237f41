package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	boot "github.com/glimte/mmate-boot"
	"github.com/glimte/mmate-boot/config"
	"github.com/glimte/mmate-boot/health"
	"github.com/glimte/mmate-boot/metrics"
	"github.com/glimte/mmate-boot/registry"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-boot",
		Short: "Bootstrap and check RabbitMQ connectivity from configuration",
		Long: `mmate-boot loads rabbitmq.* settings from mmate.yaml and MMATE_* environment
variables, builds the connection factory, admin, templates and listener containers,
and can check the broker.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configFile string
		verbose    bool
	)
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./mmate.yaml or /etc/mmate/mmate.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	load := func() (*config.Properties, error) {
		if configFile != "" {
			return config.Load(config.WithConfigFile(configFile))
		}
		return config.Load(config.WithConfigPaths(".", "/etc/mmate"))
	}
	logger := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := load()
			if err != nil {
				return err
			}
			return printConfig(props)
		},
	}

	var (
		queues       []string
		threshold    int
		timeout      time.Duration
		printMetrics bool
	)
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Bootstrap and run broker health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			reg := registry.New()
			defer reg.Close(context.Background())

			beans, err := boot.New(reg, boot.WithLogger(logger())).Bootstrap(ctx, props)
			if err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}

			checks := health.NewRegistry(health.NewBrokerChecker(beans.ConnectionFactory))
			if stats, ok := beans.ConnectionFactory.(health.CacheStats); ok {
				checks.Register(health.NewChannelCacheChecker(stats))
			}
			if beans.Admin != nil {
				for _, q := range queues {
					checks.Register(health.NewQueueChecker(q, beans.Admin, threshold))
				}
			}

			report := checks.Check(ctx)
			printReport(report)

			if printMetrics {
				if err := printCacheMetrics(beans.ConnectionFactory); err != nil {
					return err
				}
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}
	checkCmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Queues that must exist")
	checkCmd.Flags().IntVar(&threshold, "max-messages", 10000, "Queue depth reported as degraded")
	checkCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall check timeout")
	checkCmd.Flags().BoolVar(&printMetrics, "metrics", false, "Print connection factory cache metrics")

	var (
		exchange   string
		routingKey string
	)
	sendCmd := &cobra.Command{
		Use:   "send <payload>",
		Short: "Send a text message through the template",
		Long:  "Send a text/plain message. Exchange and routing key default to rabbitmq.template.*.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := registry.New()
			defer reg.Close(context.Background())

			beans, err := boot.New(reg, boot.WithLogger(logger())).Bootstrap(ctx, props)
			if err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}

			t := beans.Template
			if !cmd.Flags().Changed("exchange") {
				exchange = t.Exchange()
			}
			if !cmd.Flags().Changed("routing-key") {
				routingKey = t.RoutingKey()
			}
			if err := t.ConvertAndSend(ctx, exchange, routingKey, args[0]); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Sent %d bytes to exchange %q with routing key %q\n", len(args[0]), exchange, routingKey)
			return nil
		},
	}
	sendCmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange to publish to")
	sendCmd.Flags().StringVarP(&routingKey, "routing-key", "r", "", "Routing key")

	var limit int
	listenCmd := &cobra.Command{
		Use:   "listen <queue>...",
		Short: "Print messages arriving on queues until interrupted",
		Long:  "Consume with the rabbitmq.listener.* settings and print each message. Messages are acknowledged once printed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			reg := registry.New()
			defer reg.Close(context.Background())

			beans, err := boot.New(reg, boot.WithLogger(logger())).Bootstrap(ctx, props)
			if err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}

			var (
				mu       sync.Mutex
				received int
			)
			container, err := beans.ListenerContainerFactory.CreateListenerContainer(func(_ context.Context, d *boot.Delivery) error {
				payload, err := d.Payload()
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				received++
				fmt.Printf("[%s] %s %s: %v\n",
					d.Properties.ReceivedRoutingKey, d.Properties.MessageID, d.Properties.ContentType, payload)
				if limit > 0 && received >= limit {
					cancel()
				}
				return nil
			}, args...)
			if err != nil {
				return err
			}
			if err := container.Start(ctx); err != nil {
				return err
			}
			defer container.Stop()

			fmt.Printf("Listening on %s (%s mode), Ctrl+C to stop\n", strings.Join(args, ", "), container.AcknowledgeMode())
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := container.Err(); err != nil {
						return fmt.Errorf("listener stopped: %w", err)
					}
				}
			}
		},
	}
	listenCmd.Flags().IntVarP(&limit, "count", "n", 0, "Exit after this many messages (0 = no limit)")

	rootCmd.AddCommand(configCmd, checkCmd, sendCmd, listenCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// Output formatting functions

func printConfig(props *config.Properties) error {
	out, err := yaml.Marshal(map[string]config.Properties{config.Prefix: props.Redacted()})
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func printReport(report health.Report) {
	fmt.Printf("Broker Health: %s (%s)\n", report.Status, report.Duration.Round(time.Millisecond))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\n%-30s %-10s %s\n", "Check", "Status", "Message")
	fmt.Println(strings.Repeat("-", 80))
	for _, name := range names {
		r := report.Checks[name]
		msg := r.Message
		if r.Error != "" {
			msg += ": " + r.Error
		}
		fmt.Printf("%-30s %-10s %s\n", truncate(name, 30), r.Status, msg)
	}

	if broker, ok := report.Checks["rabbitmq"]; ok {
		if v, ok := broker.Details["server_version"]; ok {
			fmt.Printf("\nRabbitMQ Version: %v\n", v)
		}
	}
}

func printCacheMetrics(factory boot.ConnectionFactory) error {
	stats, ok := factory.(metrics.CacheStats)
	if !ok {
		return nil
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCacheCollector(stats, nil)); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	fmt.Printf("\nConnection Factory Cache:\n")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			value := m.GetGauge().GetValue()
			if c := m.GetCounter(); c != nil {
				value = c.GetValue()
			}
			fmt.Printf("  %-60s %g\n", mf.GetName(), value)
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

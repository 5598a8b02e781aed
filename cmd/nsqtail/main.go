// Command nsqtail prints the messages of an nsq topic to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vitalvas/nsq"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		flags      Config
	)

	cmd := &cobra.Command{
		Use:   "nsqtail",
		Short: "Print messages of an nsq topic",
		Long: `nsqtail subscribes to a topic and prints every message body on its own line.

Without --channel an ephemeral channel is created, so nsqtail never
steals messages from existing consumers.

Examples:
  nsqtail --nsqd=127.0.0.1:4150 --topic=orders
  nsqtail --lookupd=http://127.0.0.1:4161 --topic=orders -n 10
  nsqtail --config=nsqtail.yaml --metrics-listen=:9100`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			overlayFlags(cmd, cfg, &flags)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	f.StringSliceVar(&flags.Nsqd, "nsqd", nil, "nsqd TCP address (repeatable)")
	f.StringSliceVar(&flags.Lookupd, "lookupd", nil, "nsqlookupd HTTP address (repeatable)")
	f.StringVarP(&flags.Topic, "topic", "t", "", "Topic to consume")
	f.StringVar(&flags.Channel, "channel", "", "Channel to consume (default ephemeral)")
	f.IntVar(&flags.MaxInFlight, "max-in-flight", 0, "Messages nsqd may send before they are finished")
	f.IntVarP(&flags.MaxMessages, "max-messages", "n", 0, "Exit after printing this many messages")
	f.StringVar(&flags.Logging.Level, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&flags.Logging.Format, "log-format", "", "Log format: text or json")
	f.StringVar(&flags.Metrics.Listen, "metrics-listen", "", "Serve /metrics and /healthz on this address")
	f.BoolVar(&flags.Tracing.Enabled, "trace", false, "Trace handlers with the global OpenTelemetry provider")

	cmd.AddCommand(versionCmd())
	return cmd
}

// overlayFlags copies explicitly set flags over the file configuration.
func overlayFlags(cmd *cobra.Command, cfg, flags *Config) {
	changed := cmd.Flags().Changed

	if changed("nsqd") {
		cfg.Nsqd = flags.Nsqd
	}
	if changed("lookupd") {
		cfg.Lookupd = flags.Lookupd
	}
	if changed("topic") {
		cfg.Topic = flags.Topic
	}
	if changed("channel") {
		cfg.Channel = flags.Channel
	}
	if changed("max-in-flight") {
		cfg.MaxInFlight = flags.MaxInFlight
	}
	if changed("max-messages") {
		cfg.MaxMessages = flags.MaxMessages
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.Logging.Level
	}
	if changed("log-format") {
		cfg.Logging.Format = flags.Logging.Format
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = flags.Metrics.Listen
	}
	if changed("trace") {
		cfg.Tracing.Enabled = flags.Tracing.Enabled
	}
}

func run(ctx context.Context, cfg *Config) error {
	logger, nsqLogger := newLogger(cfg.Logging, os.Stderr)
	return newTailer(cfg, os.Stdout, logger, nsqLogger).run(ctx)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nsqtail %s (%s), nsq %s\n", version, commit, nsq.Version)
		},
	}
}

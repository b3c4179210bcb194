package kbridge

import (
	"fmt"
	"os"

	"github.com/edgeflare/kbridge/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Register broker drivers
	_ "github.com/edgeflare/kbridge/pkg/broker/franz"
	_ "github.com/edgeflare/kbridge/pkg/broker/kafka"
	_ "github.com/edgeflare/kbridge/pkg/broker/memory"
	_ "github.com/edgeflare/kbridge/pkg/broker/mqtt"
	_ "github.com/edgeflare/kbridge/pkg/broker/nats"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/kbridge/cmd/kbridge.Version=..."
var Version = "dev"

var (
	cfgFile string
	cfg     *config.Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "kbridge",
	Short: "kbridge bridges HTTP requests to a message broker topic",
	Long: `kbridge accepts JSON envelopes over HTTP, publishes them asynchronously to a broker topic
and runs a listener that logs every envelope consumed from the same topic.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		}
		return cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kbridge.yaml)")
	pf.StringP("log-level", "L", "", "log at this level (debug, info, warn, error, none)")
	pf.String("driver", "", "broker driver (kafka, franz, nats, mqtt, memory)")
	pf.StringSlice("brokers", nil, "comma-separated broker addresses")
	pf.StringP("topic", "t", "", "topic to publish to and consume from")
	pf.StringP("group", "g", "", "consumer group of the listener")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")
}

// flagKeys maps flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"driver":       "broker.driver",
	"brokers":      "broker.brokers",
	"topic":        "broker.topic",
	"group":        "broker.groupID",
	"listen-addr":  "server.listenAddr",
	"metrics-addr": "metrics.addr",
}

func initConfig(cmd *cobra.Command, _ []string) error {
	var opts []config.Option
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			opts = append(opts, config.WithFlag(key, f))
		}
	}

	c, err := config.Load(cfgFile, opts...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if noMetrics, _ := cmd.Flags().GetBool("no-metrics"); noMetrics {
		c.Metrics.Enabled = false
	}

	l, err := newLogger(c.Log.Level)
	if err != nil {
		return err
	}
	cfg, logger = c, l
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/cmd/gen"
	"github.com/ucp-ntfy/eredis/internal/env"
)

var (
	// Optional YAML config file
	configPath string

	// Overrides the configured log level
	logLevel string
)

var RootCmd = &cobra.Command{
	Use:   "eredis",
	Short: "A Redis client that survives password rotations",
	Long: `eredis talks to a Redis server over a single pipelined connection,
re-authenticating and replaying requests when the server starts answering
NOAUTH, and reconnecting when the connection drops.`,
	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&logLevel, "log-level", "", "Log level, overrides EREDIS_LOG_LEVEL")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(ExecCmd)
	RootCmd.AddCommand(GatewayCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the logger every command shares.
func setup(ctx context.Context) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		conf.LogLevel = logLevel
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}

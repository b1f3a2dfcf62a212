package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/client"
	"github.com/ucp-ntfy/eredis/internal/env"
	"github.com/ucp-ntfy/eredis/protocol"
)

var (
	execPipeline bool
)

func init() {
	flags := ExecCmd.PersistentFlags()

	addClientFlags(ExecCmd)
	flags.BoolVar(&execPipeline, "pipeline", false, "Read commands from stdin, one per line, and send them as a single pipeline")
}

var ExecCmd = &cobra.Command{
	Use:   "exec [command [args...]]",
	Short: "Run commands against a server",
	Long: `Run a single command, or a pipeline of commands read from stdin

Usage
	eredis exec SET greeting hello
	printf 'GET greeting\nPING\n' | eredis exec --pipeline

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		if !execPipeline && len(args) == 0 {
			return errors.New("Expected a command to run")
		}

		conf, log, err := setup(ctx)
		if err != nil {
			return err
		}

		c, err := connect(ctx, cmd, conf, log)
		if err != nil {
			return err
		}

		defer func() {
			err = multierr.Append(err, c.Stop())
		}()

		out := cmd.OutOrStdout()

		if !execPipeline {
			value, err := c.Do(ctx, args...)
			if err != nil && value.Type != protocol.Error {
				return err
			}

			fmt.Fprintln(out, value.String())
			return nil
		}

		cmds, err := readCommands(cmd.InOrStdin())
		if err != nil {
			return err
		}

		values, err := c.Pipeline(ctx, cmds)
		if err != nil {
			return err
		}

		for i, value := range values {
			fmt.Fprintf(out, "%d) %s\n", i+1, value.String())
		}

		return nil
	},
}

// readCommands reads one whitespace separated command per line, skipping
// blank lines.
func readCommands(r io.Reader) ([][]string, error) {
	var cmds [][]string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			cmds = append(cmds, fields)
		}
	}

	return cmds, scanner.Err()
}

var (
	clientHost     string
	clientPort     int
	clientDatabase int
)

// addClientFlags adds flags that override the configured server address.
func addClientFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	flags.StringVar(&clientHost, "host", client.DefaultHost, "Server host, overrides EREDIS_HOST")
	flags.IntVarP(&clientPort, "port", "p", client.DefaultPort, "Server port, overrides EREDIS_PORT")
	flags.IntVarP(&clientDatabase, "db", "n", 0, "Database to select, overrides EREDIS_DATABASE")
}

func connect(ctx context.Context, cmd *cobra.Command, conf *env.Config, log *zap.Logger) (*client.Client, error) {
	flags := cmd.Flags()

	if flags.Changed("host") {
		conf.Host = clientHost
	}
	if flags.Changed("port") {
		conf.Port = clientPort
	}
	if flags.Changed("db") {
		conf.Database = clientDatabase
	}

	opts := conf.ClientOptions()
	opts.Log = log

	return client.Connect(ctx, opts)
}

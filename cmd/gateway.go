package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/internal/gateway"
)

var (
	gatewayListen  string
	gatewayTimeout time.Duration
)

func init() {
	flags := GatewayCmd.PersistentFlags()

	addClientFlags(GatewayCmd)
	flags.StringVar(&gatewayListen, "listen", "127.0.0.1:7364", "Address to serve HTTP on")
	flags.DurationVar(&gatewayTimeout, "timeout", gateway.DefaultTimeout, "How long a request may wait for its reply")
}

var GatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve a client over HTTP",
	Long: `Serve a client over HTTP

Usage
	eredis gateway
	curl localhost:7364/do -d '{"args":["GET","greeting"]}'
	curl localhost:7364/pipeline -d '{"commands":[["SET","a","1"],["GET","a"]]}'

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, log, err := setup(ctx)
		if err != nil {
			return err
		}

		c, err := connect(ctx, cmd, conf, log.Named("client"))
		if err != nil {
			return err
		}

		defer func() {
			err = multierr.Append(err, c.Stop())
		}()

		router := setupRouter(conf.DebugHTTP, log)
		gateway.New(c, gatewayTimeout, log.Named("gateway")).Register(router)

		// Stop serving when the client gives up for good.
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			select {
			case <-c.Done():
				log.Error("Client stopped", zap.Error(c.Err()))
				cancel()
			case <-serveCtx.Done():
			}
		}()

		err = serveHTTP(serveCtx, gatewayListen, router, log)

		signalStop()
		log.Info("Exiting")

		return multierr.Append(err, c.Err())
	},
}

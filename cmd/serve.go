package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/client"
	"github.com/ucp-ntfy/eredis/server"
	"github.com/ucp-ntfy/eredis/storage"
	"github.com/ucp-ntfy/eredis/transport"
)

var (
	// The host to listen on
	serveHost string

	// The port to listen for http requests on
	serveHTTPPort string

	// The port to listen for tcp clients on
	servePort int

	serveDatabases int
	serveSnapshot  string
	serveTrace     bool
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.IntVarP(&servePort, "port", "p", 6379, "The port to listen client connections on")
	flags.StringVar(&serveHTTPPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&serveHost, "host", "a", "127.0.0.1", "The host to listen on")
	flags.IntVar(&serveDatabases, "databases", server.DefaultDatabases, "Number of selectable databases")
	flags.StringVar(&serveSnapshot, "snapshot", "", "JSON file restored on start and written on shutdown")
	flags.BoolVar(&serveTrace, "trace", false, "Log every request and every change to the store")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a local development server",
	Long: `Start a local development server

The server speaks enough of the Redis protocol to exercise the client:
PING, ECHO, AUTH, SELECT, GET, SET, DEL, FLUSHDB and QUIT. The password is
taken from the config (EREDIS_PASSWORD) and can be rotated at runtime:

	curl -X PUT localhost:7362/password -d '{"password":"new"}'

Every connection then has to authenticate again.

Usage
	eredis serve

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, log, err := setup(ctx)
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store := storage.NewInmemoryStore()
		defer func() {
			err = multierr.Append(err, store.Close())
		}()

		if serveSnapshot != "" {
			if err := restoreSnapshot(store, serveSnapshot, log); err != nil {
				return err
			}
		}

		if serveTrace {
			go logUpdates(store.ListenToUpdates(), log.Named("store"))
		}

		password := conf.Password
		if conf.PasswordFile != "" {
			password, _ = client.FilePassword(conf.PasswordFile).Password()
		}

		handler := server.New(server.Options{
			Password:  password,
			Databases: serveDatabases,
			Store:     store,
			Log:       log.Named("server"),
		})

		tcp := transport.NewTCP(transport.Options{
			Host:      serveHost,
			Port:      servePort,
			Reuseport: true,
			Trace:     serveTrace,
			Handler:   handler,
			Log:       log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.String("host", serveHost),
			zap.Int("port", servePort),
			zap.Int("databases", serveDatabases),
			zap.Bool("auth", password != ""),
			zap.String("httpPort", serveHTTPPort))

		router := setupRouter(conf.DebugHTTP, log)
		router.PUT("/password", rotatePassword(handler))
		router.GET("/backup", func(c *gin.Context) {
			backup, err := store.Backup()
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}

			c.Data(http.StatusOK, "application/json", backup)
		})

		// Blocks until we are interrupted
		httpErr := serveHTTP(ctx, net.JoinHostPort(serveHost, serveHTTPPort), router, log)

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		err = multierr.Append(httpErr, tcp.Close())

		if serveSnapshot != "" {
			err = multierr.Append(err, writeSnapshot(store, serveSnapshot))
		}

		log.Info("Exiting")
		return err
	},
}

func rotatePassword(handler *server.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}

		password := gjson.GetBytes(body, "password")
		if password.Type != gjson.String {
			c.String(http.StatusBadRequest, "password must be a string")
			return
		}

		handler.SetPassword(password.String())
		c.Status(http.StatusNoContent)
	}
}

func restoreSnapshot(store storage.Store, path string, log *zap.Logger) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info("No snapshot to restore", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}

	return store.Restore(data)
}

func writeSnapshot(store storage.Store, path string) error {
	backup, err := store.Backup()
	if err != nil {
		return err
	}

	return os.WriteFile(path, backup, 0600)
}

func logUpdates(updates <-chan *storage.Update, log *zap.Logger) {
	for update := range updates {
		log.Info("Update",
			zap.Int("db", update.DB),
			zap.ByteString("key", update.Key),
			zap.Bool("deleted", update.Value == nil))
	}
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}

package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/zap"
)

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	// Ping test
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	return r
}

// serveHTTP serves handler on a SO_REUSEPORT listener until ctx is done, then
// gives in-flight requests 5 seconds to finish.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s := &http.Server{Handler: handler}

	errs := make(chan error, 1)
	go func() {
		if err := s.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	log.Info("HTTP listening", zap.String("addr", listener.Addr().String()))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.SetKeepAlivesEnabled(false)

	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error("Http server forced to shutdown", zap.Error(err))
		return err
	}

	return nil
}

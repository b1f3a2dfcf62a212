package transport

import (
	"go.uber.org/zap"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. Port 0 picks a free port, use TCP.Addr to find out
	// which.
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Trace will log every request and reply. This is only useful in local debugging
	Trace bool

	// NumListeners is ignored unless Reuseport is set and Port is not 0
	NumListeners int

	Handler Handler

	Log *zap.Logger
}

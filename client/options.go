package client

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 6379
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second

	// NoReconnect disables the reconnect worker, losing the connection stops
	// the client.
	NoReconnect time.Duration = 0

	mailboxSize = 255
)

type Options struct {
	Host string
	Port int

	// Database is selected after connecting, 0 (the server default) skips
	// the SELECT.
	Database int

	// Password is the static credential. Credentials, when set, takes
	// precedence over it.
	Password    string
	Credentials CredentialSource

	// ReconnectSleep is the pause between reconnect attempts. NoReconnect
	// makes connection loss terminal.
	ReconnectSleep time.Duration

	// ConnectTimeout bounds connecting and each handshake reply.
	ConnectTimeout time.Duration

	// WriteTimeout bounds every write to the server. A write that times out
	// fails its request with ErrSendFailed and drops the connection.
	WriteTimeout time.Duration

	Log *zap.Logger

	// Clock drives the reconnect sleeps, it's replaceable in tests.
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}

	if o.Port == 0 {
		o.Port = DefaultPort
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}

	return o
}

// password looks up the current credential. The credential source wins over
// the static password.
func (o Options) password() (string, bool) {
	if o.Credentials != nil {
		if password, ok := o.Credentials.Password(); ok {
			return password, true
		}
	}

	if o.Password != "" {
		return o.Password, true
	}

	return "", false
}

package client

import "errors"

var (
	// ErrNotConnected is returned when a request is submitted while there is
	// no live connection. The caller may retry later.
	ErrNotConnected = errors.New("eredis: not connected")

	// ErrSendFailed wraps the transport error of a failed write. The request
	// was not queued.
	ErrSendFailed = errors.New("eredis: send failed")

	// ErrConnectionLost is delivered to every queued caller when the
	// connection goes away.
	ErrConnectionLost = errors.New("eredis: connection lost")

	// ErrHandshakeFailed wraps a connect, AUTH or SELECT failure.
	ErrHandshakeFailed = errors.New("eredis: handshake failed")

	// ErrAuthenticationRejected means re-authentication after a NOAUTH reply
	// was rejected, or impossible. It stops the client.
	ErrAuthenticationRejected = errors.New("eredis: authentication rejected")

	// ErrProtocolDesync means the reply stream no longer lines up with the
	// requests: a reply arrived with nothing waiting for it, or the stream
	// could not be decoded. It stops the client.
	ErrProtocolDesync = errors.New("eredis: protocol desynchronised")

	// ErrStopped is returned once the client has been stopped.
	ErrStopped = errors.New("eredis: client stopped")
)

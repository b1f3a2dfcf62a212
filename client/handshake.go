package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/ucp-ntfy/eredis/protocol"
	"github.com/ucp-ntfy/eredis/transport"
)

var errHandshakeTimeout = errors.New("timed out waiting for reply")

// handshake connects and prepares a connection for use: AUTH when there is
// a credential, then SELECT when a database other than 0 is configured. The
// returned connection is still in passive mode. On failure nothing is left
// open.
func handshake(ctx context.Context, opts Options) (*transport.Conn, error) {
	conn, err := transport.Dial(ctx, opts.Host, opts.Port, opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrHandshakeFailed, err)
	}

	conn.SetWriteTimeout(opts.WriteTimeout)

	if err := authenticate(conn, opts); err != nil {
		return nil, multierr.Append(err, conn.Close())
	}

	if err := selectDatabase(conn, opts); err != nil {
		return nil, multierr.Append(err, conn.Close())
	}

	return conn, nil
}

func authenticate(conn *transport.Conn, opts Options) error {
	password, ok := opts.password()
	if !ok {
		return nil
	}

	reply, err := roundTrip(conn, protocol.BuildAuth(password), opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("%w: auth: %w", ErrHandshakeFailed, err)
	}

	// A server without a password rejects AUTH, which is harmless.
	if reply.IsOK() || isNoPasswordSet(reply) {
		return nil
	}

	return fmt.Errorf("%w: auth: %w", ErrHandshakeFailed, unexpectedReply(reply))
}

func selectDatabase(conn *transport.Conn, opts Options) error {
	if opts.Database == 0 {
		return nil
	}

	reply, err := roundTrip(conn, protocol.BuildSelect(opts.Database), opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("%w: select %d: %w", ErrHandshakeFailed, opts.Database, err)
	}

	if !reply.IsOK() {
		return fmt.Errorf("%w: select %d: %w", ErrHandshakeFailed, opts.Database, unexpectedReply(reply))
	}

	return nil
}

// roundTrip sends cmd and reads until exactly one reply has been decoded.
func roundTrip(conn *transport.Conn, cmd []byte, timeout time.Duration) (protocol.Value, error) {
	if err := conn.Send(cmd); err != nil {
		return protocol.Value{}, err
	}

	decoder := protocol.NewDecoder()
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Value{}, errHandshakeTimeout
		}

		data, err := conn.ReceiveOnce(remaining)
		if err != nil {
			return protocol.Value{}, err
		}

		res := decoder.Decode(data)

		switch res.Kind {
		case protocol.NeedMore:
			continue

		case protocol.Malformed:
			return protocol.Value{}, res.Err

		default:
			if len(res.Rest) > 0 {
				return protocol.Value{}, fmt.Errorf("%w: %d unexpected bytes after the reply", ErrProtocolDesync, len(res.Rest))
			}

			return res.Value, nil
		}
	}
}

func isNoPasswordSet(v protocol.Value) bool {
	if v.Type != protocol.Error {
		return false
	}

	msg := string(v.Str)
	return strings.Contains(msg, "no password is set") ||
		strings.Contains(msg, "without any password configured")
}

func unexpectedReply(v protocol.Value) error {
	if err := v.ErrorOrNil(); err != nil {
		return err
	}

	return fmt.Errorf("unexpected reply %s", v.String())
}

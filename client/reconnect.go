package client

import (
	"context"

	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/transport"
)

// reconnect runs the handshake until it succeeds, sleeping ReconnectSleep
// after every failed attempt, and then hands the connection over to the
// actor. It gives up when ctx is cancelled.
func (c *Client) reconnect(ctx context.Context) {
	log := c.log.Named("reconnect")

	for attempt := 1; ; attempt++ {
		conn, err := handshake(ctx, c.opts)
		if err == nil {
			c.handOver(conn)
			log.Debug("Handshake completed", zap.Int("attempt", attempt))
			return
		}

		if ctx.Err() != nil {
			return
		}

		log.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", c.opts.ReconnectSleep),
			zap.Error(err))

		select {
		case <-c.opts.Clock.After(c.opts.ReconnectSleep):
		case <-ctx.Done():
			return
		}
	}
}

// handOver gives conn to the actor. The channel is unbuffered, so either the
// actor owns conn afterwards or it has stopped and conn is closed here.
func (c *Client) handOver(conn *transport.Conn) {
	select {
	case c.ready <- conn:
	case <-c.done:
		conn.Close()
	}
}

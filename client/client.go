// Package client is a Redis client that owns a single connection.
//
// All connection state lives in one goroutine, the actor. Callers submit
// requests through a mailbox and wait for their reply; the actor writes the
// request, records it in a FIFO queue and hands every decoded reply to the
// head of that queue. When the server starts answering NOAUTH, for instance
// after a password rotation, the client re-authenticates and resends the
// affected requests without the callers noticing.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/protocol"
	"github.com/ucp-ntfy/eredis/transport"
)

type submitMsg struct {
	req *pending
}

type stopMsg struct {
	result chan error
}

type Client struct {
	opts Options
	log  *zap.Logger

	mailbox chan interface{}
	events  chan transport.Event
	// ready carries connections from the reconnect worker
	ready chan *transport.Conn

	// ctx is cancelled when the actor exits, it stops the reconnect worker
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	workers sync.WaitGroup

	connected atomic.Bool

	errMu sync.Mutex
	err   error

	// Everything below is only touched by the actor goroutine.
	conn               *transport.Conn
	decoder            *protocol.Decoder
	queue              queue
	authRepairInFlight bool
}

// Connect performs the handshake and starts the client. A failed handshake
// is returned as is and nothing keeps running.
func Connect(ctx context.Context, options Options) (*Client, error) {
	opts := options.withDefaults()

	c := newClient(opts)

	conn, err := handshake(ctx, opts)
	if err != nil {
		c.log.Error("Failed to connect", zap.Error(err))
		c.cancel()
		return nil, err
	}

	c.adopt(conn)

	go c.loop()

	return c, nil
}

func newClient(opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		opts: opts,
		log: opts.Log.Named("eredis").With(
			zap.String("addr", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))),
			zap.Int("db", opts.Database)),
		mailbox: make(chan interface{}, mailboxSize),
		events:  make(chan transport.Event, 1),
		ready:   make(chan *transport.Conn),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		decoder: protocol.NewDecoder(),
	}
}

// Do sends a single command and waits for its reply. A server error reply
// is returned both as the value and as a *protocol.ServerError.
func (c *Client) Do(ctx context.Context, args ...string) (protocol.Value, error) {
	return c.DoBytes(ctx, protocol.BuildCommand(args...))
}

// DoBytes sends a single, already encoded command and waits for its reply.
func (c *Client) DoBytes(ctx context.Context, raw []byte) (protocol.Value, error) {
	res, err := c.call(ctx, raw, 1, false)
	if err != nil {
		return protocol.Value{}, err
	}

	return res.value, res.value.ErrorOrNil()
}

// Pipeline sends every command in a single write and waits for all of their
// replies, which are returned in order. Server errors are returned as values.
func (c *Client) Pipeline(ctx context.Context, cmds [][]string) ([]protocol.Value, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	res, err := c.call(ctx, protocol.BuildPipeline(cmds), len(cmds), true)
	if err != nil {
		return nil, err
	}

	return res.values, nil
}

// Cast sends a command without waiting for its reply. The error only tells
// whether the command could be handed to the client.
func (c *Client) Cast(ctx context.Context, args ...string) error {
	return c.submit(ctx, newRequest(nil, protocol.BuildCommand(args...), 1, false))
}

func (c *Client) call(ctx context.Context, raw []byte, commands int, pipeline bool) (reply, error) {
	replies := make(chan reply, 1)

	if err := c.submit(ctx, newRequest(replies, raw, commands, pipeline)); err != nil {
		return reply{}, err
	}

	select {
	case res := <-replies:
		return res, res.err

	case <-ctx.Done():
		return reply{}, ctx.Err()

	case <-c.done:
		// The actor may have answered right before it stopped.
		select {
		case res := <-replies:
			return res, res.err
		default:
			return reply{}, c.Err()
		}
	}
}

func (c *Client) submit(ctx context.Context, req *pending) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	select {
	case c.mailbox <- &submitMsg{req: req}:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop fails every outstanding request with ErrStopped, closes the
// connection and waits for the client to wind down. It's safe to call more
// than once.
func (c *Client) Stop() error {
	msg := &stopMsg{result: make(chan error, 1)}

	var err error

	select {
	case c.mailbox <- msg:
		select {
		case err = <-msg.result:
		case <-c.done:
		}
	case <-c.done:
	}

	c.workers.Wait()

	return err
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Done is closed once the client has stopped, see Err for the reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client stopped, or nil while it's running.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

func (c *Client) loop() {
	log := c.log.Named("loop")

	for {
		var err error

		select {
		case msg := <-c.mailbox:
			switch m := msg.(type) {
			case *submitMsg:
				err = c.handleSubmit(m.req)

			case *stopMsg:
				log.Info("Stopping", zap.Int("pending", c.queue.len()))
				m.result <- c.shutdown(ErrStopped)
				return
			}

		case ev := <-c.events:
			err = c.handleEvent(ev)

		case conn := <-c.ready:
			c.handleConnReady(conn)
		}

		if err != nil {
			log.Error("Stopping after fatal error", zap.Error(err), zap.Int("pending", c.queue.len()))

			if closeErr := c.shutdown(err); closeErr != nil {
				log.Warn("Failed to close connection", zap.Error(closeErr))
			}

			return
		}
	}
}

func (c *Client) handleSubmit(req *pending) error {
	if c.conn == nil {
		req.fail(ErrNotConnected)
		return nil
	}

	if err := c.conn.Send(req.raw); err != nil {
		c.log.Warn("Failed to send request", zap.Error(err))
		req.fail(fmt.Errorf("%w: %w", ErrSendFailed, err))

		// Part of the request may be on the wire, nothing sent after it
		// would be framed correctly.
		return c.connectionLost(err)
	}

	c.queue.push(req)

	return nil
}

func (c *Client) handleConnReady(conn *transport.Conn) {
	if c.conn != nil {
		c.log.Warn("Discarding surplus connection", zap.String("remote", conn.RemoteAddr()))
		conn.Close()
		return
	}

	c.adopt(conn)
	c.log.Info("Reconnected", zap.String("remote", conn.RemoteAddr()))
}

// adopt makes conn the current connection and starts receiving from it.
func (c *Client) adopt(conn *transport.Conn) {
	c.conn = conn
	c.decoder.Reset()
	c.connected.Store(true)

	conn.Activate(c.events, c.done)
}

func (c *Client) handleEvent(ev transport.Event) error {
	if c.conn == nil || ev.Conn != c.conn {
		// Left over from a connection we already gave up on.
		return nil
	}

	if ev.Err != nil {
		return c.connectionLost(ev.Err)
	}

	if err := c.decode(ev.Data); err != nil {
		return err
	}

	if c.conn != nil {
		c.conn.Rearm()
	}

	return nil
}

// decode feeds data to the decoder and applies every complete reply.
func (c *Client) decode(data []byte) error {
	for res := c.decoder.Decode(data); res.Kind != protocol.NeedMore; res = c.decoder.Decode(res.Rest) {
		switch res.Kind {
		case protocol.Malformed:
			return fmt.Errorf("%w: %w", ErrProtocolDesync, res.Err)

		case protocol.AuthRequired:
			if err := c.repairAuth(); err != nil {
				return err
			}

			if c.conn == nil {
				// Lost while repairing, the rest of data belongs to it.
				return nil
			}

		case protocol.Decoded:
			restored, err := c.queue.resolve(res.Value)
			if err != nil {
				return err
			}

			if restored {
				c.authRepairInFlight = false
				c.log.Info("Re-authenticated")
			}
		}
	}

	return nil
}

// repairAuth handles a NOAUTH reply to the head of the queue. The first one
// sends AUTH, every one counts against the head, which is resent once all of
// its outstanding replies have been rejected.
func (c *Client) repairAuth() error {
	if c.queue.len() == 0 {
		return fmt.Errorf("%w: NOAUTH reply with no request waiting", ErrProtocolDesync)
	}

	if !c.authRepairInFlight {
		password, ok := c.opts.password()
		if !ok {
			return fmt.Errorf("%w: server requires a password and none is configured", ErrAuthenticationRejected)
		}

		c.log.Info("Server requires authentication, re-authenticating")

		if err := c.conn.Send(protocol.BuildAuth(password)); err != nil {
			c.log.Warn("Failed to send AUTH", zap.Error(err))
			return c.connectionLost(err)
		}

		c.authRepairInFlight = true
		c.queue.pushAuthMarker()
	}

	raw, err := c.queue.requeueForRetry()
	if err != nil {
		return err
	}

	if raw != nil {
		if err := c.conn.Send(raw); err != nil {
			c.log.Warn("Failed to resend request", zap.Error(err))
			return c.connectionLost(err)
		}
	}

	return nil
}

func (c *Client) connectionLost(cause error) error {
	c.log.Warn("Connection lost", zap.Error(cause), zap.Int("pending", c.queue.len()))

	c.conn.Close()
	c.conn = nil
	c.connected.Store(false)
	c.decoder.Reset()
	c.authRepairInFlight = false

	c.queue.drain(fmt.Errorf("%w: %v", ErrConnectionLost, cause))

	if c.opts.ReconnectSleep == NoReconnect {
		return ErrConnectionLost
	}

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		c.reconnect(c.ctx)
	}()

	return nil
}

// shutdown fails every outstanding request with reason and releases the
// connection. It returns the error of closing the connection, if any.
func (c *Client) shutdown(reason error) error {
	c.queue.drain(reason)

	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}

	c.connected.Store(false)

	c.errMu.Lock()
	c.err = reason
	c.errMu.Unlock()

	c.cancel()
	close(c.done)

	return err
}

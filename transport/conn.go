package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	// ReadChunkSize bounds how many bytes a single inbound Event carries.
	ReadChunkSize = 16 * 1024
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrConnActive = errors.New("connection is in active mode")
)

// Event is delivered for every chunk read from an active connection. A
// non-nil Err means the connection is gone and no further events follow.
type Event struct {
	Conn *Conn
	Data []byte
	Err  error
}

// Conn is the client side of a single stream connection.
//
// A Conn starts in passive mode where the owner reads synchronously with
// ReceiveOnce. Activate switches it to active mode: a reader goroutine
// delivers one chunk at a time as an Event and then waits for Rearm before
// reading again.
type Conn struct {
	conn net.Conn

	// writeTimeout bounds every Send, zero means no bound.
	writeTimeout time.Duration

	mu     sync.Mutex
	active bool
	closed bool

	rearm chan struct{}
	stop  chan struct{}
}

// Dial opens a TCP connection to host:port, giving up after timeout.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	return NewConn(conn), nil
}

// NewConn wraps an already established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:  conn,
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// SetWriteTimeout bounds how long a single Send may block on a peer that
// isn't reading. It must be set before the connection is shared.
func (c *Conn) SetWriteTimeout(timeout time.Duration) {
	c.writeTimeout = timeout
}

// Send writes b in a single attempt. After a failed Send part of b may have
// been written, so the connection should be dropped.
func (c *Conn) Send(b []byte) error {
	if c.isClosed() {
		return ErrConnClosed
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}

	_, err := c.conn.Write(b)
	return err
}

// ReceiveOnce performs one blocking read, bounded by timeout. It's only
// valid in passive mode.
func (c *Conn) ReceiveOnce(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	active, closed := c.active, c.closed
	c.mu.Unlock()

	switch {
	case closed:
		return nil, ErrConnClosed
	case active:
		return nil, ErrConnActive
	}

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, ReadChunkSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}

	return nil, err
}

// Activate switches the connection to active mode. The first chunk is
// delivered straight away, later ones only after a call to Rearm. Events are
// dropped once done is closed.
func (c *Conn) Activate(events chan<- Event, done <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active || c.closed {
		return
	}

	c.active = true
	c.rearm <- struct{}{}

	go c.readLoop(events, done)
}

// Rearm allows the reader to deliver one more chunk.
func (c *Conn) Rearm() {
	select {
	case c.rearm <- struct{}{}:
	default:
		// Already armed
	}
}

func (c *Conn) readLoop(events chan<- Event, done <-chan struct{}) {
	deliver := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		case <-c.stop:
			return false
		}
	}

	for {
		select {
		case <-c.rearm:
		case <-done:
			return
		case <-c.stop:
			return
		}

		buf := make([]byte, ReadChunkSize)
		n, err := c.conn.Read(buf)

		if n > 0 && !deliver(Event{Conn: c, Data: buf[:n]}) {
			return
		}

		if err != nil {
			if c.isClosed() {
				err = ErrConnClosed
			}

			deliver(Event{Conn: c, Err: err})
			return
		}

		if n > 0 {
			continue
		}

		// A zero byte read without an error doesn't consume the arm.
		c.Rearm()
	}
}

// Close closes the connection and stops the reader. It's safe to call more
// than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	return c.conn.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

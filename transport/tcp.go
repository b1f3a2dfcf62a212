package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/protocol"
)

const (
	WriteQueueSize = 127
)

// ErrQuit is returned by Session.Handle to close the connection once the
// reply has been written.
var ErrQuit = errors.New("client quit")

// Handler creates the per connection state of a server.
type Handler interface {
	NewSession(conn *TCPConn) Session
}

// Session handles the requests of a single connection, one at a time and in
// the order they were received.
type Session interface {
	Handle(ctx context.Context, req *protocol.Request) (protocol.Value, error)
	Close()
}

// TCP is a RESP server.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr      string
	reuseport bool

	numListeners int
	listeners    []*TCPListener

	handler Handler

	log   *zap.Logger
	trace bool
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	if !options.Reuseport || options.Port == 0 {
		// Without SO_REUSEPORT only one listener can bind, and with a random
		// port every listener would get a different one.
		numListeners = 1
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:    options.Reuseport,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		handler:      options.Handler,
		trace:        options.Trace,
		log:          log,
	}
}

// Start binds every listener and then serves connections in the
// background. Once Start returns the server is accepting connections.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		if err := w.startListener(ctx, w.addr); err != nil {
			cancel()
			return multierr.Append(err, w.closeListeners())
		}
	}

	return nil
}

// Addr returns the address the first listener is bound to.
func (w *TCP) Addr() net.Addr {
	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].listener.Addr()
}

// HostPort splits Addr into a host and port.
func (w *TCP) HostPort() (string, int) {
	addr, ok := w.Addr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}

	return addr.IP.String(), addr.Port
}

func (w *TCP) listen(addr string) (net.Listener, error) {
	if w.reuseport {
		return reuseport.Listen("tcp", addr)
	}

	return net.Listen("tcp", addr)
}

func (w *TCP) startListener(ctx context.Context, addr string) error {
	l, err := w.listen(addr)
	if err != nil {
		return fmt.Errorf("Failed to listen on %s: %w", addr, err)
	}

	listener := NewTCPListener(
		ctx,
		l,
		w.handler,
		w.trace,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	)

	w.listeners = append(w.listeners, listener)

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			w.log.Error("Failed to listen", zap.Error(err))
		}
	}()

	return nil
}

// DropConnections closes every active connection but keeps listening.
func (w *TCP) DropConnections() {
	for _, listener := range w.listeners {
		listener.CloseConns()
	}
}

// Close immediately closes all active listeners and connections.
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")
	if w.cancel != nil {
		w.cancel()
	}

	err := w.closeListeners()

	w.stopWaiter.Wait()
	w.log.Info("TCP server stopped")

	return err
}

func (w *TCP) closeListeners() (err error) {
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx context.Context

	listener net.Listener
	handler  Handler
	trace    bool
	log      *zap.Logger

	mu          sync.Mutex
	closed      bool
	activeConns map[*TCPConn]struct{}
	loopWaiter  sync.WaitGroup
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	handler Handler,
	trace bool,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		activeConns: make(map[*TCPConn]struct{}),
		handler:     handler,
		trace:       trace,
		log:         log,
	}
}

// Close stops accepting and closes every active connection.
func (t *TCPListener) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	err := t.listener.Close()
	if isClosedConnError(err) {
		err = nil
	}

	t.CloseConns()

	return err
}

func (t *TCPListener) CloseConns() {
	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (t *TCPListener) Listen() error {
	defer func() {
		t.log.Info("Waiting for Read/Write loops to stop")
		t.loopWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn, t.trace, t.log.Named("conn"))
		if !t.addConn(tcpConn) {
			tcpConn.Close()
			return nil
		}

		t.loopWaiter.Add(1)
		go func() {
			defer t.loopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start(t.handler)
		}()
	}
}

// addConn tracks conn unless the listener is already closing.
func (t *TCPListener) addConn(conn *TCPConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	t.activeConns[conn] = struct{}{}
	return true
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

// TCPConn is a server side connection.
type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	conn net.Conn

	writeQueue chan []byte

	trace bool
	log   *zap.Logger
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	trace bool,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		writeQueue: make(chan []byte, WriteQueueSize),
		trace:      trace,
		log:        log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (t *TCPConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close closes the connection, which also stops its read and write loops.
func (t *TCPConn) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		if isClosedConnError(err) {
			err = nil
		}
	})

	return err
}

// Start runs the read and write loops and blocks until both exit.
func (t *TCPConn) Start(handler Handler) {
	session := handler.NewSession(t)
	defer session.Close()

	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		defer t.cancel()
		t.ReadLoop(session)
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()
	t.Close()
}

func (t *TCPConn) ReadLoop(session Session) {
	log := t.log.Named("readLoop")

	defer log.Debug("Read loop exited")

	decoder := protocol.NewDecoder()
	buf := make([]byte, ReadChunkSize)

	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			log.Debug("Connection read ended", zap.Error(err))
			return
		}

		res := decoder.Decode(append([]byte(nil), buf[:n]...))

		for res.Kind != protocol.NeedMore {
			if res.Kind == protocol.Malformed {
				log.Warn("Failed to read client request", zap.Error(res.Err))
				t.Write(protocol.NewError("ERR Protocol error: " + res.Err.Error()).Bytes())
				return
			}

			if !t.dispatch(session, res.Value) {
				return
			}

			res = decoder.Decode(res.Rest)
		}
	}
}

// dispatch handles a single request and reports whether the connection
// should keep going.
func (t *TCPConn) dispatch(session Session, v protocol.Value) bool {
	req, err := protocol.ParseRequest(v)
	if err != nil {
		t.Write(protocol.NewError("ERR " + err.Error()).Bytes())
		return true
	}

	reply, err := session.Handle(t.ctx, req)

	if t.trace {
		t.log.Info("Request",
			zap.String("command", string(req.Command)),
			zap.Int("args", len(req.Args)),
			zap.Stringer("replyType", reply.Type))
	}

	t.Write(reply.Bytes())

	if errors.Is(err, ErrQuit) {
		t.log.Info("Client QUIT, exiting...")
		return false
	}

	return true
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	defer log.Debug("Write loop exited")

	for {
		select {
		case data := <-t.writeQueue:
			if _, err := t.conn.Write(data); err != nil {
				log.Debug("Failed to write from write queue", zap.Error(err))
				return
			}

		case <-t.ctx.Done():
			// Flush whatever the read loop queued before it stopped, a QUIT
			// reply for instance.
			for {
				select {
				case data := <-t.writeQueue:
					if _, err := t.conn.Write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Write queues data for the write loop to write into the connection. Write! Write! Write!
func (t *TCPConn) Write(data []byte) (int, error) {
	select {
	case t.writeQueue <- data:
		return len(data), nil
	case <-t.ctx.Done():
		return 0, ErrConnClosed
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, net.ErrClosed) {
		return true
	}

	return strings.Contains(err.Error(), "use of closed network connection")
}

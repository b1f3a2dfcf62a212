package transport_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/protocol"
	"github.com/ucp-ntfy/eredis/transport"
)

// echoHandler answers PING and ECHO and closes on QUIT.
type echoHandler struct{}

func (echoHandler) NewSession(conn *transport.TCPConn) transport.Session {
	return echoSession{}
}

type echoSession struct{}

func (echoSession) Handle(ctx context.Context, req *protocol.Request) (protocol.Value, error) {
	switch req.Command {
	case protocol.PING:
		return protocol.NewSimpleString("PONG"), nil
	case protocol.ECHO:
		return protocol.NewBulkString(req.Args[0]), nil
	case protocol.QUIT:
		return protocol.NewSimpleString("OK"), transport.ErrQuit
	}

	return protocol.NewError("ERR unknown command"), nil
}

func (echoSession) Close() {}

var _ = Describe("transport / TCP", func() {
	var (
		tcp  *transport.TCP
		conn net.Conn
	)

	BeforeEach(func() {
		tcp = makeTCPServer(true)

		var err error
		conn, err = net.Dial("tcp", tcp.Addr().String())
		Expect(err).To(Succeed())
	})

	AfterEach(func() {
		conn.Close()
		Expect(tcp.Close()).To(Succeed())
	})

	It("listens on the port it reports", func() {
		host, port := tcp.HostPort()
		Expect(host).To(Equal("127.0.0.1"))
		Expect(port).NotTo(BeZero())
	})

	It("will respond with PONG when the client sends PING", func() {
		_, err := conn.Write(protocol.BuildCommand("PING"))
		Expect(err).To(Succeed())

		Expect(readReplies(conn, 1)).To(Equal([]protocol.Value{
			protocol.NewSimpleString("PONG"),
		}))
	})

	It("answers pipelined requests in order", func() {
		_, err := conn.Write(protocol.BuildPipeline([][]string{{"ECHO", "a"}, {"PING"}, {"ECHO", "b"}}))
		Expect(err).To(Succeed())

		Expect(readReplies(conn, 3)).To(Equal([]protocol.Value{
			protocol.NewBulkString([]byte("a")),
			protocol.NewSimpleString("PONG"),
			protocol.NewBulkString([]byte("b")),
		}))
	})

	It("answers a request that arrives a byte at a time", func() {
		for _, b := range protocol.BuildCommand("ECHO", "slow") {
			_, err := conn.Write([]byte{b})
			Expect(err).To(Succeed())
		}

		Expect(readReplies(conn, 1)).To(Equal([]protocol.Value{
			protocol.NewBulkString([]byte("slow")),
		}))
	})

	It("will close client connections when they QUIT", func() {
		_, err := conn.Write(protocol.BuildCommand("QUIT"))
		Expect(err).To(Succeed())

		response, err := bufio.NewReader(conn).ReadString('\n')
		Expect(err).To(Succeed())
		Expect(response).To(Equal("+OK\r\n"))

		waitForClose(conn)
	})

	It("replies with an error and closes on malformed input", func() {
		_, err := conn.Write([]byte("?nonsense\r\n"))
		Expect(err).To(Succeed())

		replies := readReplies(conn, 1)
		Expect(replies[0].Type).To(Equal(protocol.Error))
		Expect(replies[0].Text()).To(HavePrefix("ERR Protocol error"))

		waitForClose(conn)
	})

	It("rejects requests that are not arrays", func() {
		_, err := conn.Write([]byte("+PING\r\n"))
		Expect(err).To(Succeed())

		replies := readReplies(conn, 1)
		Expect(replies[0].Type).To(Equal(protocol.Error))
	})

	It("keeps listening after dropping connections", func() {
		tcp.DropConnections()
		waitForClose(conn)
		conn.Close()

		var err error
		conn, err = net.Dial("tcp", tcp.Addr().String())
		Expect(err).To(Succeed())

		_, err = conn.Write(protocol.BuildCommand("PING"))
		Expect(err).To(Succeed())
		Expect(readReplies(conn, 1)[0].Text()).To(Equal("PONG"))
	})
})

var _ = Describe("transport / TCP with SO_REUSEPORT", func() {
	It("binds several listeners to the same port", func() {
		portFinder := makeTCPServer(false)
		_, port := portFinder.HostPort()
		Expect(portFinder.Close()).To(Succeed())

		tcp := transport.NewTCP(transport.Options{
			Host:         "127.0.0.1",
			Port:         port,
			Reuseport:    true,
			NumListeners: 2,
			Handler:      echoHandler{},
		})
		Expect(tcp.Start(context.Background())).To(Succeed())

		defer func() {
			Expect(tcp.Close()).To(Succeed())
		}()

		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		Expect(err).To(Succeed())
		defer conn.Close()

		_, err = conn.Write(protocol.BuildCommand("PING"))
		Expect(err).To(Succeed())
		Expect(readReplies(conn, 1)[0].Text()).To(Equal("PONG"))
	})
})

// readReplies reads until n values have been decoded.
func readReplies(conn net.Conn, n int) []protocol.Value {
	Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())

	var (
		decoder = protocol.NewDecoder()
		values  []protocol.Value
		buf     = make([]byte, 1024)
	)

	for len(values) < n {
		read, err := conn.Read(buf)
		Expect(err).To(Succeed())

		for res := decoder.Decode(append([]byte(nil), buf[:read]...)); res.Kind != protocol.NeedMore; res = decoder.Decode(res.Rest) {
			Expect(res.Kind).NotTo(Equal(protocol.Malformed))
			values = append(values, res.Value)
		}
	}

	return values
}

func waitForClose(conn net.Conn) {
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

	// Drain whatever is left until the server hangs up.
	_, err := io.Copy(io.Discard, conn)
	Expect(err).To(Succeed())
}

func makeTCPServer(trace bool) *transport.TCP {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	tcp := transport.NewTCP(transport.Options{
		Host:    "127.0.0.1",
		Port:    0,
		Trace:   trace,
		Handler: echoHandler{},
		Log:     log,
	})

	Expect(tcp.Start(context.Background())).To(Succeed())

	return tcp
}

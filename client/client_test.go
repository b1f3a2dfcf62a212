package client_test

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ucp-ntfy/eredis/client"
	"github.com/ucp-ntfy/eredis/protocol"
)

var _ = Describe("client", func() {
	var (
		ctx    context.Context
		server *fakeServer
		c      *client.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = newFakeServer()
	})

	AfterEach(func() {
		if c != nil {
			c.Stop()
			c = nil
		}

		server.Close()
	})

	connect := func(opts client.Options) *peer {
		opts.Host = "127.0.0.1"
		opts.Port = server.port

		var err error
		c, err = client.Connect(ctx, opts)
		Expect(err).To(Succeed())

		return server.accept()
	}

	Describe("Do()", func() {
		It("delivers replies to callers in the order they were sent", func() {
			p := connect(client.Options{})

			a := doAsync(c, "GET", "a")
			p.expect("GET", "a")

			b := doAsync(c, "GET", "b")
			p.expect("GET", "b")

			p.reply("$1\r\nA\r\n$1\r\nB\r\n")

			var r result
			Eventually(a).Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.value).To(Equal(bulk("A")))

			Eventually(b).Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.value).To(Equal(bulk("B")))
		})

		It("reassembles a reply split across reads", func() {
			p := connect(client.Options{})

			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")

			for _, chunk := range []string{"$1", "1\r\n", "hello wor", "ld\r", "\n"} {
				p.reply(chunk)
				time.Sleep(5 * time.Millisecond)
			}

			var r result
			Eventually(res).Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.value.Text()).To(Equal("hello world"))
		})

		It("returns server errors as errors", func() {
			p := connect(client.Options{})

			res := doAsync(c, "GET")
			p.expect("GET")
			p.reply("-ERR wrong number of arguments for 'get' command\r\n")

			var r result
			Eventually(res).Should(Receive(&r))
			Expect(r.err).To(HaveOccurred())
			Expect(r.err.Error()).To(ContainSubstring("wrong number of arguments"))
			Expect(r.value.Type).To(Equal(protocol.Error))
		})

		It("keeps the queue intact when a caller gives up", func() {
			p := connect(client.Options{})

			timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			_, err := c.Do(timeoutCtx, "GET", "a")
			Expect(err).To(MatchError(context.DeadlineExceeded))
			p.expect("GET", "a")

			res := doAsync(c, "GET", "b")
			p.expect("GET", "b")
			p.reply("$1\r\nA\r\n$1\r\nB\r\n")

			var r result
			Eventually(res).Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.value).To(Equal(bulk("B")))
			Expect(c.Err()).To(BeNil())
		})
	})

	Describe("Pipeline()", func() {
		It("returns every reply in order, server errors included", func() {
			p := connect(client.Options{})

			res := pipelineAsync(c, []string{"SET", "a", "1"}, []string{"INCR", "a"}, []string{"BOGUS"})
			p.expectRaw(protocol.BuildPipeline([][]string{{"SET", "a", "1"}, {"INCR", "a"}, {"BOGUS"}}))

			p.reply("+OK\r\n:2\r\n")
			Consistently(res, "50ms").ShouldNot(Receive())

			p.reply("-ERR unknown command 'BOGUS'\r\n")

			var r pipelineResult
			Eventually(res).Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.values).To(HaveLen(3))
			Expect(r.values[0].IsOK()).To(BeTrue())
			Expect(r.values[1]).To(Equal(protocol.NewInteger(2)))
			Expect(r.values[2].Type).To(Equal(protocol.Error))
		})

		It("keeps pipelines and single commands in order", func() {
			p := connect(client.Options{})

			first := pipelineAsync(c, []string{"GET", "a"}, []string{"GET", "b"})
			p.expectRaw(protocol.BuildPipeline([][]string{{"GET", "a"}, {"GET", "b"}}))

			second := doAsync(c, "GET", "c")
			p.expect("GET", "c")

			p.reply("$1\r\nA\r\n$1\r\nB\r\n$1\r\nC\r\n")

			var pr pipelineResult
			Eventually(first).Should(Receive(&pr))
			Expect(pr.values).To(Equal([]protocol.Value{bulk("A"), bulk("B")}))

			var r result
			Eventually(second).Should(Receive(&r))
			Expect(r.value).To(Equal(bulk("C")))
		})
	})

	Describe("Cast()", func() {
		It("sends without waiting and discards the reply", func() {
			p := connect(client.Options{})

			Expect(c.Cast(ctx, "SET", "a", "1")).To(Succeed())
			p.expect("SET", "a", "1")

			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")

			p.reply("+OK\r\n$1\r\n1\r\n")

			var r result
			Eventually(res).Should(Receive(&r))
			Expect(r.value).To(Equal(bulk("1")))
		})
	})

	Describe("fatal errors", func() {
		It("stops with ErrProtocolDesync when a reply arrives unasked", func() {
			p := connect(client.Options{})

			p.reply("+OK\r\n")

			Eventually(c.Done(), "2s").Should(BeClosed())
			Expect(c.Err()).To(MatchError(client.ErrProtocolDesync))
			Expect(c.Connected()).To(BeFalse())

			_, err := c.Do(ctx, "PING")
			Expect(err).To(MatchError(client.ErrProtocolDesync))
		})

		It("stops with ErrProtocolDesync on malformed input and fails waiting callers", func() {
			p := connect(client.Options{})

			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")
			p.reply("?what\r\n")

			var r result
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(MatchError(client.ErrProtocolDesync))
			Expect(c.Err()).To(MatchError(client.ErrProtocolDesync))
		})
	})

	Describe("connection loss", func() {
		It("stops with ErrConnectionLost without a reconnect policy", func() {
			p := connect(client.Options{ReconnectSleep: client.NoReconnect})

			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")
			p.Close()

			var r result
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(MatchError(client.ErrConnectionLost))

			Eventually(c.Done(), "2s").Should(BeClosed())
			Expect(c.Err()).To(MatchError(client.ErrConnectionLost))
		})

		It("drops the connection when the server stops reading", func() {
			connect(client.Options{
				ReconnectSleep: client.NoReconnect,
				WriteTimeout:   100 * time.Millisecond,
			})

			// Far more than the socket buffers hold, the peer never reads it.
			value := strings.Repeat("x", 32*1024*1024)

			res := doAsync(c, "SET", "k", value)

			var r result
			Eventually(res, "5s").Should(Receive(&r))
			Expect(r.err).To(MatchError(client.ErrSendFailed))

			Eventually(c.Done(), "2s").Should(BeClosed())
			Expect(c.Err()).To(MatchError(client.ErrConnectionLost))

			stopped := make(chan error, 1)
			go func() {
				stopped <- c.Stop()
			}()
			Eventually(stopped, "2s").Should(Receive())
		})

		It("fails waiting callers, rejects new ones and reconnects", func() {
			mock := clock.NewMock()
			p := connect(client.Options{ReconnectSleep: time.Second, Clock: mock})
			port := server.port

			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")

			// Nobody is listening while the connection is down.
			server.Close()
			p.Close()

			var r result
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(MatchError(client.ErrConnectionLost))

			Eventually(c.Connected, "2s").Should(BeFalse())

			_, err := c.Do(ctx, "GET", "a")
			Expect(err).To(MatchError(client.ErrNotConnected))

			server = listenFake(port)

			Eventually(func() bool {
				mock.Add(time.Second)
				return c.Connected()
			}, "5s").Should(BeTrue())

			p = server.accept()

			res = doAsync(c, "GET", "b")
			p.expect("GET", "b")
			p.reply("$1\r\nB\r\n")

			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.value).To(Equal(bulk("B")))
			Expect(c.Err()).To(BeNil())
		})
	})

	Describe("authentication repair", func() {
		var (
			p *peer
		)

		BeforeEach(func() {
			connecting := connectAsync(client.Options{
				Host:     "127.0.0.1",
				Port:     server.port,
				Password: "secret",
			})

			p = server.accept()
			p.expect("AUTH", "secret")
			p.reply("+OK\r\n")

			var cr connectResult
			Eventually(connecting, "2s").Should(Receive(&cr))
			Expect(cr.err).To(Succeed())
			c = cr.client
		})

		It("re-authenticates once and resends the rejected command", func() {
			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")

			p.reply("-NOAUTH Authentication required.\r\n")
			p.expect("AUTH", "secret")
			p.expect("GET", "a")
			p.expectNothing()

			p.reply("+OK\r\n$1\r\nA\r\n")

			var r result
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.value).To(Equal(bulk("A")))
		})

		It("sends a single AUTH for every rejected command in flight", func() {
			a := doAsync(c, "GET", "a")
			p.expect("GET", "a")
			b := doAsync(c, "GET", "b")
			p.expect("GET", "b")

			p.reply("-NOAUTH Authentication required.\r\n-NOAUTH Authentication required.\r\n")
			p.expect("AUTH", "secret")
			p.expect("GET", "a")
			p.expect("GET", "b")
			p.expectNothing()

			p.reply("+OK\r\n$1\r\nA\r\n$1\r\nB\r\n")

			var r result
			Eventually(a, "2s").Should(Receive(&r))
			Expect(r.value).To(Equal(bulk("A")))
			Eventually(b, "2s").Should(Receive(&r))
			Expect(r.value).To(Equal(bulk("B")))
		})

		It("resends a pipeline once all of its replies were rejected", func() {
			cmds := [][]string{{"GET", "a"}, {"GET", "b"}}

			res := pipelineAsync(c, cmds...)
			p.expectRaw(protocol.BuildPipeline(cmds))

			p.reply("-NOAUTH Authentication required.\r\n")
			p.expect("AUTH", "secret")
			p.expectNothing()

			p.reply("-NOAUTH Authentication required.\r\n")
			p.expectRaw(protocol.BuildPipeline(cmds))

			p.reply("+OK\r\n$1\r\nA\r\n$1\r\nB\r\n")

			var r pipelineResult
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.values).To(Equal([]protocol.Value{bulk("A"), bulk("B")}))
		})

		It("resends a pipeline that was rejected halfway through", func() {
			cmds := [][]string{{"GET", "a"}, {"GET", "b"}}

			res := pipelineAsync(c, cmds...)
			p.expectRaw(protocol.BuildPipeline(cmds))

			p.reply("$1\r\nA\r\n-NOAUTH Authentication required.\r\n")
			p.expect("AUTH", "secret")
			p.expectRaw(protocol.BuildPipeline(cmds))

			p.reply("+OK\r\n$2\r\nA2\r\n$2\r\nB2\r\n")

			var r pipelineResult
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(Succeed())
			Expect(r.values).To(Equal([]protocol.Value{bulk("A2"), bulk("B2")}))
		})

		It("stops with ErrAuthenticationRejected when AUTH is refused", func() {
			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")

			p.reply("-NOAUTH Authentication required.\r\n")
			p.expect("AUTH", "secret")
			p.expect("GET", "a")

			p.reply("-WRONGPASS invalid username-password pair or user is disabled.\r\n")

			var r result
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(MatchError(client.ErrAuthenticationRejected))

			Eventually(c.Done(), "2s").Should(BeClosed())
			Expect(c.Err()).To(MatchError(client.ErrAuthenticationRejected))
		})

		It("stops with ErrAuthenticationRejected when AUTH itself gets NOAUTH", func() {
			doAsync(c, "GET", "a")
			p.expect("GET", "a")

			p.reply("-NOAUTH Authentication required.\r\n")
			p.expect("AUTH", "secret")
			p.expect("GET", "a")

			p.reply("-NOAUTH Authentication required.\r\n")

			Eventually(c.Done(), "2s").Should(BeClosed())
			Expect(c.Err()).To(MatchError(client.ErrAuthenticationRejected))
		})
	})

	It("stops with ErrAuthenticationRejected on NOAUTH without a password", func() {
		p := connect(client.Options{})

		res := doAsync(c, "GET", "a")
		p.expect("GET", "a")
		p.reply("-NOAUTH Authentication required.\r\n")

		var r result
		Eventually(res, "2s").Should(Receive(&r))
		Expect(r.err).To(MatchError(client.ErrAuthenticationRejected))
	})

	It("looks up the credential again for every re-authentication", func() {
		password := "first"

		connecting := connectAsync(client.Options{
			Host: "127.0.0.1",
			Port: server.port,
			Credentials: client.CredentialFunc(func() (string, bool) {
				return password, true
			}),
		})

		p := server.accept()
		p.expect("AUTH", "first")
		p.reply("+OK\r\n")

		var cr connectResult
		Eventually(connecting, "2s").Should(Receive(&cr))
		Expect(cr.err).To(Succeed())
		c = cr.client

		// The credential source is only read by the client while it handles
		// the NOAUTH reply below, after this write.
		password = "second"

		res := doAsync(c, "PING")
		p.expect("PING")
		p.reply("-NOAUTH Authentication required.\r\n")
		p.expect("AUTH", "second")
		p.expect("PING")
		p.reply("+OK\r\n+PONG\r\n")

		var r result
		Eventually(res, "2s").Should(Receive(&r))
		Expect(r.value.Text()).To(Equal("PONG"))
	})

	Describe("Connect()", func() {
		It("selects the configured database", func() {
			connecting := connectAsync(client.Options{
				Host:     "127.0.0.1",
				Port:     server.port,
				Database: 3,
			})

			p := server.accept()
			p.expect("SELECT", "3")
			p.reply("+OK\r\n")

			var cr connectResult
			Eventually(connecting, "2s").Should(Receive(&cr))
			Expect(cr.err).To(Succeed())
			c = cr.client
			Expect(c.Connected()).To(BeTrue())
		})

		It("fails when SELECT is refused", func() {
			connecting := connectAsync(client.Options{
				Host:     "127.0.0.1",
				Port:     server.port,
				Database: 99,
			})

			p := server.accept()
			p.expect("SELECT", "99")
			p.reply("-ERR DB index is out of range\r\n")

			var cr connectResult
			Eventually(connecting, "2s").Should(Receive(&cr))
			Expect(cr.err).To(MatchError(client.ErrHandshakeFailed))
			Expect(cr.err.Error()).To(ContainSubstring("out of range"))
		})

		It("accepts a server without a password", func() {
			connecting := connectAsync(client.Options{
				Host:     "127.0.0.1",
				Port:     server.port,
				Password: "secret",
			})

			p := server.accept()
			p.expect("AUTH", "secret")
			p.reply("-ERR Client sent AUTH, but no password is set\r\n")

			var cr connectResult
			Eventually(connecting, "2s").Should(Receive(&cr))
			Expect(cr.err).To(Succeed())
			c = cr.client
		})

		It("fails when AUTH is refused", func() {
			connecting := connectAsync(client.Options{
				Host:     "127.0.0.1",
				Port:     server.port,
				Password: "wrong",
			})

			p := server.accept()
			p.expect("AUTH", "wrong")
			p.reply("-WRONGPASS invalid username-password pair or user is disabled.\r\n")

			var cr connectResult
			Eventually(connecting, "2s").Should(Receive(&cr))
			Expect(cr.err).To(MatchError(client.ErrHandshakeFailed))
		})

		It("fails when nothing is listening", func() {
			port := server.port
			server.Close()

			_, err := client.Connect(ctx, client.Options{
				Host:           "127.0.0.1",
				Port:           port,
				ConnectTimeout: time.Second,
			})
			Expect(err).To(MatchError(client.ErrHandshakeFailed))
		})
	})

	Describe("Stop()", func() {
		It("fails waiting callers with ErrStopped", func() {
			p := connect(client.Options{})

			res := doAsync(c, "GET", "a")
			p.expect("GET", "a")

			Expect(c.Stop()).To(Succeed())

			var r result
			Eventually(res, "2s").Should(Receive(&r))
			Expect(r.err).To(MatchError(client.ErrStopped))

			Expect(c.Connected()).To(BeFalse())
			Expect(c.Err()).To(MatchError(client.ErrStopped))

			_, err := c.Do(ctx, "PING")
			Expect(err).To(MatchError(client.ErrStopped))
			Expect(c.Cast(ctx, "PING")).To(MatchError(client.ErrStopped))
		})

		It("can be called more than once", func() {
			connect(client.Options{})

			Expect(c.Stop()).To(Succeed())
			Expect(c.Stop()).To(Succeed())
		})
	})
})

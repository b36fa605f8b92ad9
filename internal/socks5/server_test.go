package socks5

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"runtime"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NegotiationTimeout = 2 * time.Second
	cfg.DialTimeout = 2 * time.Second
	cfg.BindTimeout = 5 * time.Second
	return cfg
}

// startServer serves cfg on a loopback port until the test ends.
func startServer(t *testing.T, cfg Config) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return serveListener(t, cfg, ln)
}

// serveListener serves cfg on ln until the test ends and fails the test if
// Serve returns an error.
func serveListener(t *testing.T, cfg Config, ln net.Listener) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return ln.Addr().String()
}

// rawClient is a hand-driven SOCKS5 client for the cases the client library
// cannot express.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	c := &rawClient{t: t, conn: conn, br: bufio.NewReader(conn)}
	c.write([]byte{5, 1, byte(MethodNoAuth)})
	m, err := readFrame(c.br, ParseMethodSelection)
	if err != nil {
		t.Fatal(err)
	}
	if m != MethodNoAuth {
		t.Fatalf("server selected %s", m)
	}
	return c
}

func (c *rawClient) write(b []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatal(err)
	}
}

func (c *rawClient) request(cmd Command, addr Address) {
	c.t.Helper()
	b, err := AppendRequest(nil, Request{Command: cmd, Addr: addr})
	if err != nil {
		c.t.Fatal(err)
	}
	c.write(b)
}

func (c *rawClient) reply() Reply {
	c.t.Helper()
	r, err := readFrame(c.br, ParseReply)
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	return r
}

// expectClosed asserts the server closes the connection without sending
// anything more.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	b, err := io.ReadAll(c.br)
	if len(b) != 0 {
		c.t.Fatalf("unexpected bytes before close: %x", b)
	}
	if err != nil && !errors.Is(err, net.ErrClosed) && !isClosedErr(err) {
		c.t.Fatalf("expected clean close, got %v", err)
	}
}

func addrOf(t *testing.T, hostport string) Address {
	t.Helper()
	a, err := ParseHostPort(hostport)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestConnectWithClientLibrary(t *testing.T) {
	tests := []struct {
		name  string
		creds *Credentials
		user  string
		pass  string
	}{
		{name: "no_auth"},
		{name: "user_pass", creds: &Credentials{Username: "user", Password: "pass"}, user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			cfg := testConfig()
			cfg.Credentials = tt.creds
			addr := startServer(t, cfg)
			echoLn := testutil.StartEchoTCPServer(t, ctx)

			client, err := txsocks5.NewClient(addr, tt.user, tt.pass, 5, 0)
			if err != nil {
				t.Fatal(err)
			}
			conn, err := client.Dial("tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("hello"))
			testutil.AssertEcho(t, conn, conn, bytes.Repeat([]byte("0123456789"), 5000))
		})
	}
}

func TestConnectWrongPassword(t *testing.T) {
	cfg := testConfig()
	cfg.Credentials = &Credentials{Username: "user", Password: "pass"}
	addr := startServer(t, cfg)

	client, err := txsocks5.NewClient(addr, "user", "wrong", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if conn, err := client.Dial("tcp", "127.0.0.1:1"); err == nil {
		_ = conn.Close()
		t.Fatal("expected auth failure")
	}
}

func TestConnectDomain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	r := NewResolver(time.Second, time.Minute)
	r.cache.SetDefault("echo.test", []netip.Addr{netip.MustParseAddr("127.0.0.1")})
	cfg.Resolver = r
	addr := startServer(t, cfg)
	echoLn := testutil.StartEchoTCPServer(t, ctx)

	port := AddressFromNetAddr(echoLn.Addr()).Port
	c := dialRaw(t, addr)
	c.request(RequestConnect, DomainAddress("echo.test", port))
	rep := c.reply()
	if rep.Code != Succeeded {
		t.Fatalf("got reply %s", rep.Code)
	}
	testutil.AssertEcho(t, c.conn, c.br, []byte("over a name"))
}

func TestConnectRefused(t *testing.T) {
	addr := startServer(t, testConfig())

	c := dialRaw(t, addr)
	c.request(RequestConnect, addrOf(t, testutil.ClosedPort(t)))
	rep := c.reply()
	if rep.Code != ConnRefused {
		t.Fatalf("got reply %s want %s", rep.Code, ConnRefused)
	}
	c.expectClosed()
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name      string
		wire      []byte
		wantReply bool
		code      ReplyCode
	}{
		{name: "reserved byte", wire: []byte{5, 1, 1, 1, 127, 0, 0, 1, 0, 80}},
		{name: "bad version", wire: []byte{4, 1, 0, 1, 127, 0, 0, 1, 0, 80}},
		{name: "unknown command", wire: []byte{5, 9, 0, 1, 127, 0, 0, 1, 0, 80}, wantReply: true, code: CmdUnsupported},
		{name: "unknown address type", wire: []byte{5, 1, 0, 9, 127, 0, 0, 1, 0, 80}, wantReply: true, code: AddrUnsupported},
	}

	addr := startServer(t, testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialRaw(t, addr)
			c.write(tt.wire)
			if tt.wantReply {
				if rep := c.reply(); rep.Code != tt.code {
					t.Fatalf("got reply %s want %s", rep.Code, tt.code)
				}
			}
			c.expectClosed()
		})
	}
}

func TestNegotiationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 100 * time.Millisecond
	addr := startServer(t, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	// a greeting that never completes
	if _, err := conn.Write([]byte{5, 3, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Read(make([]byte, 1)); errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("server did not close the stalled handshake")
	}
}

func TestBind(t *testing.T) {
	addr := startServer(t, testConfig())

	c := dialRaw(t, addr)
	c.request(RequestBind, IPAddress(netip.MustParseAddr("127.0.0.1"), 0))
	first := c.reply()
	if first.Code != Succeeded || first.Addr.Port == 0 {
		t.Fatalf("first reply %+v", first)
	}
	if first.Addr.IP != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("advertised %s", first.Addr)
	}

	peer, err := net.Dial("tcp", first.Addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	second := c.reply()
	if second.Code != Succeeded {
		t.Fatalf("second reply %s", second.Code)
	}
	if want := AddressFromNetAddr(peer.LocalAddr()); second.Addr != want {
		t.Fatalf("second reply names %s want %s", second.Addr, want)
	}

	testutil.AssertEcho(t, c.conn, peer, []byte("to peer"))
	testutil.AssertEcho(t, peer, c.br, []byte("to client"))
}

func TestBindRejectsOtherPeers(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs 127.0.0.2 on the loopback interface")
	}
	addr := startServer(t, testConfig())

	c := dialRaw(t, addr)
	c.request(RequestBind, IPAddress(netip.MustParseAddr("127.0.0.1"), 0))
	first := c.reply()
	if first.Code != Succeeded {
		t.Fatalf("first reply %s", first.Code)
	}

	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2)}}
	intruder, err := d.Dial("tcp", first.Addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer intruder.Close()
	_ = intruder.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := intruder.Read(make([]byte, 1)); errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("intruder connection was not closed")
	}

	// no second reply for the rejected connection
	_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := c.br.Peek(1); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("unexpected data or error on control connection: %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	peer, err := net.Dial("tcp", first.Addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	second := c.reply()
	if second.Code != Succeeded || second.Addr != AddressFromNetAddr(peer.LocalAddr()) {
		t.Fatalf("second reply %+v", second)
	}
}

func TestBindTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.BindTimeout = 200 * time.Millisecond
	addr := startServer(t, cfg)

	c := dialRaw(t, addr)
	c.request(RequestBind, IPAddress(netip.IPv4Unspecified(), 0))
	if first := c.reply(); first.Code != Succeeded {
		t.Fatalf("first reply %s", first.Code)
	}
	if second := c.reply(); second.Code != TTLExpired {
		t.Fatalf("second reply %s want %s", second.Code, TTLExpired)
	}
	c.expectClosed()
}

// startPongServer answers every datagram with "pong".
func startPongServer(t *testing.T) *net.UDPConn {
	t.Helper()

	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == "ping" {
				_, _ = pc.WriteToUDPAddrPort([]byte("pong"), from)
			}
		}
	}()
	return pc
}

func TestUDPAssociate(t *testing.T) {
	addr := startServer(t, testConfig())
	pong := startPongServer(t)
	target := AddressFromNetAddr(pong.LocalAddr())

	c := dialRaw(t, addr)
	c.request(RequestUDP, IPAddress(netip.IPv4Unspecified(), 0))
	rep := c.reply()
	if rep.Code != Succeeded || rep.Addr.Port == 0 {
		t.Fatalf("reply %+v", rep)
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer uc.Close()
	_ = uc.SetDeadline(time.Now().Add(5 * time.Second))

	dgram, err := AppendDatagram(nil, Datagram{Addr: target, Data: []byte("ping")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uc.WriteToUDPAddrPort(dgram, rep.Addr.AddrPort()); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	n, from, err := uc.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatal(err)
	}
	if netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != rep.Addr.AddrPort() {
		t.Fatalf("answer came from %s, not the relay %s", from, rep.Addr)
	}
	got, err := ParseDatagram(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if got.Addr != target || string(got.Data) != "pong" {
		t.Fatalf("got %s %q want %s \"pong\"", got.Addr, got.Data, target)
	}
}

func TestUDPAssociateDropsFragments(t *testing.T) {
	addr := startServer(t, testConfig())
	pong := startPongServer(t)
	target := AddressFromNetAddr(pong.LocalAddr())

	c := dialRaw(t, addr)
	c.request(RequestUDP, IPAddress(netip.IPv4Unspecified(), 0))
	rep := c.reply()

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer uc.Close()

	dgram, _ := AppendDatagram(nil, Datagram{Frag: 1, Addr: target, Data: []byte("ping")})
	if _, err := uc.WriteToUDPAddrPort(dgram, rep.Addr.AddrPort()); err != nil {
		t.Fatal(err)
	}
	_ = uc.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := uc.ReadFromUDPAddrPort(make([]byte, 1500)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("fragment was relayed: %v", err)
	}
}

func TestUDPAssociateEndsWithControlConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := NewServer(testConfig())
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- srv.ServeConn(context.Background(), conn)
	}()

	c := dialRaw(t, ln.Addr().String())
	c.request(RequestUDP, IPAddress(netip.IPv4Unspecified(), 0))
	rep := c.reply()
	if rep.Code != Succeeded {
		t.Fatalf("reply %s", rep.Code)
	}

	_ = c.conn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("session: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("association outlived its control connection")
	}

	// the relay port is free again
	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", rep.Addr.Port))
	if err != nil {
		t.Fatalf("relay socket not released: %v", err)
	}
	_ = pc.Close()
}

func TestConcurrentSessionsIsolated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := startServer(t, testConfig())
	echoLn := testutil.StartEchoTCPServer(t, ctx)

	const sessions = 32
	var g errgroup.Group
	for i := range sessions {
		g.Go(func() error {
			client, err := txsocks5.NewClient(addr, "", "", 5, 0)
			if err != nil {
				return err
			}
			conn, err := client.Dial("tcp", echoLn.Addr().String())
			if err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			defer conn.Close()

			payload := make([]byte, 4096+rand.IntN(4096))
			for j := range payload {
				payload[j] = byte(rand.UintN(256))
			}
			if _, err := conn.Write(payload); err != nil {
				return err
			}
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, got); err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			if !bytes.Equal(got, payload) {
				return fmt.Errorf("session %d: payload mismatch", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestServerMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startServer(t, testConfig())
	echoLn := testutil.StartEchoTCPServer(t, ctx)

	connects := promtest.ToFloat64(metrics.CommandCounter.WithLabelValues("connect"))
	succeeded := promtest.ToFloat64(metrics.ReplyCounter.WithLabelValues(Succeeded.String()))
	total := promtest.ToFloat64(metrics.ConnectCounter.WithLabelValues("127.0.0.1"))

	c := dialRaw(t, addr)
	c.request(RequestConnect, AddressFromNetAddr(echoLn.Addr()))
	if rep := c.reply(); rep.Code != Succeeded {
		t.Fatalf("reply %s", rep.Code)
	}
	testutil.AssertEcho(t, c.conn, c.br, []byte("metrics"))

	if got := promtest.ToFloat64(metrics.CommandCounter.WithLabelValues("connect")); got != connects+1 {
		t.Fatalf("connect commands %v want %v", got, connects+1)
	}
	if got := promtest.ToFloat64(metrics.ReplyCounter.WithLabelValues(Succeeded.String())); got != succeeded+1 {
		t.Fatalf("succeeded replies %v want %v", got, succeeded+1)
	}
	if got := promtest.ToFloat64(metrics.ConnectCounter.WithLabelValues("127.0.0.1")); got != total+1 {
		t.Fatalf("connections %v want %v", got, total+1)
	}
}

func TestListenReusePort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_REUSEPORT semantics differ")
	}
	cfg := testConfig()
	cfg.ReusePort = true
	srv := NewServer(cfg)

	ln1, err := srv.Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln1.Close()
	ln2, err := srv.Listen(context.Background(), ln1.Addr().String())
	if err != nil {
		t.Fatalf("second listener on %s: %v", ln1.Addr(), err)
	}
	_ = ln2.Close()
}

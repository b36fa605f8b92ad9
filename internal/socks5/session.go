package socks5

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
)

// session is one accepted client connection. It owns every auxiliary socket
// it creates and releases all of them in teardown.
type session struct {
	id   string
	cfg  *Config
	conn net.Conn
	br   *bufio.Reader
	log  *log.Entry

	method AuthMethod
	req    Request

	owned []io.Closer
}

func newSession(cfg *Config, conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:   id,
		cfg:  cfg,
		conn: conn,
		br:   bufio.NewReader(conn),
		log: log.WithFields(log.Fields{
			"session": id,
			"client":  conn.RemoteAddr().String(),
		}),
	}
}

// own registers c for release at teardown.
func (s *session) own(c io.Closer) {
	s.owned = append(s.owned, c)
}

func (s *session) teardown() {
	for i := len(s.owned) - 1; i >= 0; i-- {
		_ = s.owned[i].Close()
	}
	s.owned = nil
	_ = s.conn.Close()
}

// serve runs the session to completion: greeting, auth, request, command.
func (s *session) serve(ctx context.Context) error {
	defer s.teardown()

	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))

	method, err := negotiate(s.br, s.conn, s.cfg.Credentials)
	s.method = method
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(failureReason(err)).Inc()
		return fmt.Errorf("handshake: %w", err)
	}
	s.log.Debugf("negotiated method %s", method)

	req, err := readFrame(s.br, ParseRequest)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(failureReason(err)).Inc()
		if errors.Is(err, ErrAddressType) {
			return s.fail(err)
		}
		return fmt.Errorf("read request: %w", err)
	}
	_ = s.conn.SetDeadline(time.Time{})

	s.req = req
	s.log = s.log.WithFields(log.Fields{"cmd": req.Command.String(), "dst": req.Addr.String()})
	s.log.Debug("request received")
	metrics.CommandCounter.WithLabelValues(req.Command.String()).Inc()

	cmd := newCommand(s, req)
	if cmd == nil {
		return s.fail(&ReplyError{Op: "request", Code: CmdUnsupported, Err: fmt.Errorf("unsupported command %#x", uint8(req.Command))})
	}
	return cmd.execute(ctx)
}

// reply writes one reply on the control connection.
func (s *session) reply(code ReplyCode, addr Address) error {
	if addr.Atyp == 0 {
		addr = IPAddress(netip.IPv4Unspecified(), 0)
	}
	b, err := AppendReply(make([]byte, 0, 22), Reply{Code: code, Addr: addr})
	if err != nil {
		return fmt.Errorf("encode %s reply: %w", code, err)
	}
	metrics.ReplyCounter.WithLabelValues(code.String()).Inc()
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("write %s reply: %w", code, err)
	}
	return nil
}

// fail sends the failure reply owed for err and returns err. The session
// always ends after a non-success reply.
func (s *session) fail(err error) error {
	code := ReplyCodeFor(err)
	if code == Succeeded {
		code = Failure
	}
	if werr := s.reply(code, Address{}); werr != nil {
		s.log.Debug(werr)
	}
	return err
}

// watchClient returns a context cancelled when the client closes the control
// connection. stop ends the watch without consuming any client bytes and
// cancels the context.
func (s *session) watchClient(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.br.Peek(1); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			s.log.Debugf("client went away: %v", err)
			cancel()
		}
	}()
	return ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
		<-done
		_ = s.conn.SetReadDeadline(time.Time{})
		cancel()
	}
}

func (s *session) relayOptions() relayOptions {
	return relayOptions{idle: s.cfg.IdleTimeout, halfClose: s.cfg.HalfCloseTimeout}
}

// relayTo runs the TCP relay between the client and peer.
func (s *session) relayTo(ctx context.Context, peer net.Conn) error {
	up, down, err := relay(ctx, s.conn, s.br, peer, s.relayOptions())
	s.log.Debugf("relay done: %d bytes up, %d bytes down", up, down)
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func failureReason(err error) string {
	var (
		authErr  *AuthError
		protoErr *ProtocolError
	)
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	default:
		return "io"
	}
}

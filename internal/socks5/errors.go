package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrShortBuffer is returned by the decoders when the input ends before the
// structure does. On a stream it means "read more", not a protocol error.
var ErrShortBuffer = errors.New("socks5: need more input")

// ErrAddressType is wrapped by the ProtocolError for an unknown ATYP byte.
var ErrAddressType = errors.New("address type not supported")

// ProtocolError reports malformed bytes on the wire.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "socks5: " + e.Msg + ": " + e.Err.Error()
	}
	return "socks5: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// AuthError reports a failed method negotiation or bad credentials.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return "socks5 auth: " + e.Msg }

// ReplyError is a command failure with the reply code the client is owed.
// Op is one of "resolve", "connect", "bind", "accept" or "listen".
type ReplyError struct {
	Op   string
	Code ReplyCode
	Err  error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *ReplyError) Unwrap() error { return e.Err }

func replyError(op string, err error) *ReplyError {
	return &ReplyError{Op: op, Code: ReplyCodeFor(err), Err: err}
}

// ReplyCodeFor maps an error to the reply code sent to the client.
func ReplyCodeFor(err error) ReplyCode {
	if err == nil {
		return Succeeded
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, ErrAddressType) {
		return AddrUnsupported
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return NetUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return HostUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return HostUnreachable
		}
		return NetUnreachable
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return TTLExpired
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TTLExpired
	}
	return Failure
}

// isClosedErr reports errors that only mean the other side went away.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.Canceled)
}

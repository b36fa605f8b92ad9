package socks5

import (
	"context"
	"io"
	"net"
	"sync"
)

const relayBufferSize = 32 * 1024

// bufPool holds the per-direction relay buffers; each relay direction owns
// exactly one buffer for its whole lifetime.
var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

type readerFunc func(p []byte) (n int, err error)

func (rf readerFunc) Read(p []byte) (n int, err error) { return rf(p) }

// ctxReader checks ctx before every read so a cancelled session stops at the
// earliest point in the copy loop.
func ctxReader(ctx context.Context, src io.Reader) io.Reader {
	return readerFunc(func(p []byte) (n int, err error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return src.Read(p)
		}
	})
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c if it supports it, otherwise closes it fully.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
)

// relayOptions are the timeouts of one TCP relay.
type relayOptions struct {
	idle      time.Duration
	halfClose time.Duration
}

// halfPipe is one direction of a TCP relay. It reads from src, whose
// deadlines are controlled through srcConn, and writes to dst.
type halfPipe struct {
	name    string
	src     io.Reader
	srcConn net.Conn
	dst     net.Conn

	n    atomic.Int64
	done atomic.Bool

	mu          sync.Mutex
	lingerUntil time.Time
}

type relayStats struct {
	lastActivity atomic.Int64
}

func (s *relayStats) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *relayStats) idleSince() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// relay copies client<->peer until both directions have seen EOF, either
// direction fails, or ctx is cancelled. EOF on one direction half-closes the
// opposite socket and leaves the other direction opts.halfClose to finish.
// Both connections are closed when relay returns.
func relay(ctx context.Context, client net.Conn, clientR io.Reader, peer net.Conn, opts relayOptions) (up, down int64, err error) {
	stats := &relayStats{}
	stats.touch()

	upstream := &halfPipe{name: metrics.Upstream, src: clientR, srcConn: client, dst: peer}
	downstream := &halfPipe{name: metrics.Downstream, src: peer, srcConn: peer, dst: client}

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = peer.Close()
		})
	}
	defer closeBoth()
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error { return upstream.copy(gctx, downstream, stats, opts) })
	g.Go(func() error { return downstream.copy(gctx, upstream, stats, opts) })

	err = g.Wait()
	return upstream.n.Load(), downstream.n.Load(), err
}

func (p *halfPipe) copy(ctx context.Context, other *halfPipe, stats *relayStats, opts relayOptions) error {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	src := ctxReader(ctx, p.src)
	for {
		p.armDeadline(stats, opts.idle)
		nr, rerr := src.Read(buf)
		if nr > 0 {
			stats.touch()
			nw, werr := p.dst.Write(buf[:nr])
			p.n.Add(int64(nw))
			metrics.RelayBytes.WithLabelValues(p.name).Add(float64(nw))
			if werr != nil {
				return fmt.Errorf("%s write: %w", p.name, werr)
			}
		}
		switch {
		case rerr == nil:
			continue
		case rerr == io.EOF:
			p.done.Store(true)
			_ = closeWrite(p.dst)
			other.linger(opts.halfClose)
			return nil
		case errors.Is(rerr, os.ErrDeadlineExceeded):
			if p.lingering() {
				// the other direction already finished; stop waiting for EOF
				p.done.Store(true)
				return nil
			}
			if opts.idle > 0 && time.Since(stats.idleSince()) < opts.idle {
				// the other direction is still moving data
				continue
			}
			return fmt.Errorf("%s read: idle timeout: %w", p.name, rerr)
		default:
			return fmt.Errorf("%s read: %w", p.name, rerr)
		}
	}
}

// armDeadline sets the read deadline to the earlier of the idle deadline and
// the half-close deadline.
func (p *halfPipe) armDeadline(stats *relayStats, idle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dl time.Time
	if idle > 0 {
		dl = stats.idleSince().Add(idle)
	}
	if !p.lingerUntil.IsZero() && (dl.IsZero() || p.lingerUntil.Before(dl)) {
		dl = p.lingerUntil
	}
	if !dl.IsZero() {
		_ = p.srcConn.SetReadDeadline(dl)
	}
}

func (p *halfPipe) linger(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lingerUntil = time.Now().Add(d)
	_ = p.srcConn.SetReadDeadline(p.lingerUntil)
}

func (p *halfPipe) lingering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lingerUntil.IsZero()
}

package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer chains CONNECT through an upstream SOCKS5 server.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	user      string
	pass      string
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, user, pass string) Dialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, user: user, pass: pass}
}

type dialResult struct {
	conn net.Conn
	err  error
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := socks5.NewClient(f.proxyAddr, f.user, f.pass, timeoutSeconds(f.cfg.DialTimeout), 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy init: %w", err)
	}

	// The client has no context support; abandon the dial on cancellation and
	// close whatever it eventually returns.
	ch := make(chan dialResult, 1)
	go func() {
		c, err := client.Dial(network, address)
		ch <- dialResult{conn: c, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &DialError{Via: f.proxyAddr, Network: network, Address: address, Err: r.err}
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, &DialError{Via: f.proxyAddr, Network: network, Address: address, Err: ctx.Err()}
	}
}

// timeoutSeconds converts d to the whole seconds the client takes, rounding
// up so a sub-second timeout never becomes 0 (no timeout).
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

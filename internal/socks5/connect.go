package socks5

import (
	"context"
	"errors"
	"net"
)

type connectCmd struct {
	s   *session
	dst Address
}

// execute resolves and dials the destination, replies with the outbound
// socket's local address and relays until either side is done.
func (c *connectCmd) execute(ctx context.Context) error {
	s := c.s

	wctx, stop := s.watchClient(ctx)
	out, err := c.dial(wctx)
	stop()
	if err != nil {
		s.log.Warnf("connect to %s failed: %v", c.dst, err)
		return s.fail(err)
	}
	s.own(out)

	if err := s.reply(Succeeded, AddressFromNetAddr(out.LocalAddr())); err != nil {
		return err
	}
	s.log.Infof("connected to %s via %s", out.RemoteAddr(), out.LocalAddr())
	return s.relayTo(ctx, out)
}

// dial tries every resolved address in order; the first successful connect
// wins and the last failure decides the reply code.
func (c *connectCmd) dial(ctx context.Context) (net.Conn, error) {
	cfg := c.s.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if cfg.Upstream {
		conn, err := cfg.Dialer.DialContext(ctx, "tcp", c.dst.String())
		if err != nil {
			return nil, replyError("connect", err)
		}
		return conn, nil
	}

	addrs, err := cfg.Resolver.Resolve(ctx, c.dst)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ap := range addrs {
		conn, err := cfg.Dialer.DialContext(ctx, "tcp", ap.String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.s.log.Debugf("dial %s: %v", ap, err)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses to dial")
	}
	return nil, replyError("connect", lastErr)
}

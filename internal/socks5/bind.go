package socks5

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"time"
)

type bindCmd struct {
	s    *session
	want Address
}

// execute listens on an ephemeral port and sends two replies: one when the
// listener is up and one when the expected peer has connected.
func (c *bindCmd) execute(ctx context.Context) error {
	s := c.s

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.auxNetwork("tcp"), ":0")
	if err != nil {
		return s.fail(&ReplyError{Op: "listen", Code: Failure, Err: err})
	}
	s.own(ln)
	tl := ln.(*net.TCPListener)

	bound := s.advertisedAddr(ln.Addr())
	if err := s.reply(Succeeded, bound); err != nil {
		return err
	}
	s.log.Infof("bind: listening on %s", bound)

	wctx, stop := s.watchClient(ctx)
	peer, err := c.accept(wctx, tl, c.allowedPeers(wctx))
	stop()
	if err != nil {
		s.log.Warnf("bind: %v", err)
		return s.fail(err)
	}
	s.own(peer)
	// only one peer per BIND
	_ = ln.Close()

	if err := s.reply(Succeeded, AddressFromNetAddr(peer.RemoteAddr())); err != nil {
		return err
	}
	s.log.Infof("bind: accepted %s", peer.RemoteAddr())
	return s.relayTo(ctx, peer)
}

// allowedPeers returns the IPs the inbound connection may come from, or nil
// when any peer is acceptable.
func (c *bindCmd) allowedPeers(ctx context.Context) []netip.Addr {
	if c.want.IsUnspecified() {
		return nil
	}
	if !c.want.IsDomain() {
		return []netip.Addr{c.want.IP}
	}
	addrs, err := c.s.cfg.Resolver.Resolve(ctx, c.want)
	if err != nil {
		c.s.log.Warnf("bind: cannot resolve expected peer %s, accepting any: %v", c.want.Host, err)
		return nil
	}
	ips := make([]netip.Addr, 0, len(addrs))
	for _, ap := range addrs {
		ips = append(ips, ap.Addr())
	}
	return ips
}

// accept waits for one allowed inbound connection. Connections from other
// addresses are closed without a reply and the wait continues.
func (c *bindCmd) accept(ctx context.Context, ln *net.TCPListener, allowed []netip.Addr) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.s.cfg.BindTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.SetDeadline(time.Now()) })
	defer stop()

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, replyError("accept", err)
		}
		from := AddressFromNetAddr(conn.RemoteAddr()).IP
		if allowed == nil || slices.Contains(allowed, from) {
			return conn, nil
		}
		c.s.log.Warnf("bind: rejected connection from %s", conn.RemoteAddr())
		_ = conn.Close()
	}
}

package socks5

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
)

type udpAssociateCmd struct {
	s    *session
	want Address

	pc *net.UDPConn
	// client is the client's UDP source, fixed by the request or learned from
	// its first datagram. clientIP restricts who may be learned.
	client   netip.AddrPort
	clientIP netip.Addr
}

// execute opens the relay socket, replies with its address and relays
// datagrams until the control connection closes or the socket fails.
func (c *udpAssociateCmd) execute(ctx context.Context) error {
	s := c.s

	// Dual-stack, so peers of either family are reachable whatever family the
	// client uses. Sources are unmapped in loop.
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return s.fail(&ReplyError{Op: "listen", Code: Failure, Err: err})
	}
	s.own(pc)
	c.pc = pc.(*net.UDPConn)
	c.initClient()

	bound := s.advertisedAddr(pc.LocalAddr())
	if err := s.reply(Succeeded, bound); err != nil {
		return err
	}
	s.log.Infof("udp associate: relaying on %s", bound)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		// The control connection carries nothing after the reply; it only
		// keeps the association alive.
		_, err := io.Copy(io.Discard, s.br)
		s.log.Debugf("udp associate: control connection closed: %v", err)
	}()
	stop := context.AfterFunc(ctx, func() { _ = c.pc.Close() })
	defer stop()

	err = c.loop(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("udp relay: %w", err)
}

func (c *udpAssociateCmd) initClient() {
	if !c.want.IsDomain() && !c.want.IsUnspecified() {
		c.clientIP = c.want.IP
		if c.want.Port != 0 {
			c.client = c.want.AddrPort()
		}
		return
	}
	c.clientIP = c.s.clientIP()
}

// isClient reports whether a datagram from src came from the client,
// learning the client's address from its first datagram.
func (c *udpAssociateCmd) isClient(src netip.AddrPort) bool {
	if c.client.IsValid() {
		return src == c.client
	}
	if src.Addr() == c.clientIP {
		c.client = src
		c.s.log.Debugf("udp associate: client source is %s", src)
		return true
	}
	return false
}

func (c *udpAssociateCmd) loop(ctx context.Context) error {
	size := c.s.cfg.UDPBufferSize
	buf := make([]byte, size)
	out := make([]byte, 0, size+22)

	for {
		n, src, err := c.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			return err
		}
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

		switch {
		case c.isClient(src):
			c.forward(ctx, buf[:n])
		case c.client.IsValid():
			out = c.encapsulate(out[:0], src, buf[:n])
		default:
			metrics.UDPDatagrams.WithLabelValues(metrics.Dropped).Inc()
		}
	}
}

// forward strips the header from a client datagram and sends the payload to
// the target it names. Fragments and malformed datagrams are dropped.
func (c *udpAssociateCmd) forward(ctx context.Context, b []byte) {
	d, err := ParseDatagram(b)
	if err != nil {
		c.s.log.Debugf("udp associate: dropping malformed datagram: %v", err)
		metrics.UDPDatagrams.WithLabelValues(metrics.Dropped).Inc()
		return
	}
	if d.Frag != 0 {
		metrics.UDPDatagrams.WithLabelValues(metrics.Dropped).Inc()
		return
	}

	addrs, err := c.s.cfg.Resolver.Resolve(ctx, d.Addr)
	if err != nil {
		c.s.log.Debugf("udp associate: resolve %s: %v", d.Addr, err)
		metrics.UDPDatagrams.WithLabelValues(metrics.Dropped).Inc()
		return
	}
	if _, err := c.pc.WriteToUDPAddrPort(d.Data, addrs[0]); err != nil {
		c.s.log.Debugf("udp associate: send to %s: %v", addrs[0], err)
		metrics.UDPDatagrams.WithLabelValues(metrics.Dropped).Inc()
		return
	}
	metrics.UDPDatagrams.WithLabelValues(metrics.Upstream).Inc()
}

// encapsulate wraps a peer datagram in a header naming the peer and sends it
// to the client. out is the reused encoding buffer.
func (c *udpAssociateCmd) encapsulate(out []byte, src netip.AddrPort, payload []byte) []byte {
	out, err := AppendDatagram(out, Datagram{Addr: IPAddress(src.Addr(), src.Port()), Data: payload})
	if err != nil {
		c.s.log.Debugf("udp associate: encode reply from %s: %v", src, err)
		return out
	}
	if _, err := c.pc.WriteToUDPAddrPort(out, c.client); err != nil {
		c.s.log.Debugf("udp associate: send to client %s: %v", c.client, err)
		metrics.UDPDatagrams.WithLabelValues(metrics.Dropped).Inc()
		return out
	}
	metrics.UDPDatagrams.WithLabelValues(metrics.Downstream).Inc()
	return out
}

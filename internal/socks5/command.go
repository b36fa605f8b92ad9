package socks5

import (
	"context"
	"net"
	"net/netip"
)

// command is the data path of one request. Each variant keeps its own state
// and writes every reply itself.
type command interface {
	execute(ctx context.Context) error
}

// newCommand returns nil for commands the server does not implement.
func newCommand(s *session, req Request) command {
	switch req.Command {
	case RequestConnect:
		return &connectCmd{s: s, dst: req.Addr}
	case RequestBind:
		return &bindCmd{s: s, want: req.Addr}
	case RequestUDP:
		return &udpAssociateCmd{s: s, want: req.Addr}
	default:
		return nil
	}
}

// advertisedAddr is the address a client should use to reach an auxiliary
// socket listening on the wildcard address: the IP the client reached the
// server on, with the socket's port.
func (s *session) advertisedAddr(aux net.Addr) Address {
	local := AddressFromNetAddr(s.conn.LocalAddr())
	port := AddressFromNetAddr(aux).Port
	return IPAddress(local.IP, port)
}

// auxNetwork picks the family of the BIND listener from the control
// connection, so the advertised address is reachable.
func (s *session) auxNetwork(proto string) string {
	if AddressFromNetAddr(s.conn.LocalAddr()).IP.Is4() {
		return proto + "4"
	}
	return proto + "6"
}

func (s *session) clientIP() netip.Addr {
	return AddressFromNetAddr(s.conn.RemoteAddr()).IP
}

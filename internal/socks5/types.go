package socks5

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

const SOCKS5VERSION uint8 = 5

// UserPassVersion is the sub-negotiation version of RFC 1929.
const UserPassVersion uint8 = 1

// AuthMethod is a METHOD value of the greeting and method selection reply.
type AuthMethod uint8

const (
	MethodNoAuth AuthMethod = iota
	MethodGSSAPI
	MethodUserPass
	MethodNoAcceptable AuthMethod = 0xFF
)

func (m AuthMethod) String() string {
	switch m {
	case MethodNoAuth:
		return "no-auth"
	case MethodGSSAPI:
		return "gssapi"
	case MethodUserPass:
		return "username/password"
	case MethodNoAcceptable:
		return "no-acceptable-methods"
	default:
		return fmt.Sprintf("method(%#x)", uint8(m))
	}
}

const (
	UserPassStatusSuccess uint8 = 0x00
	UserPassStatusFailure uint8 = 0x01
)

// Command is the CMD byte of a request.
type Command uint8

const (
	RequestConnect Command = iota + 1
	RequestBind
	RequestUDP
)

func (c Command) String() string {
	switch c {
	case RequestConnect:
		return "connect"
	case RequestBind:
		return "bind"
	case RequestUDP:
		return "udp-associate"
	default:
		return fmt.Sprintf("cmd(%#x)", uint8(c))
	}
}

const (
	RequestAtypIPV4       uint8 = 1
	RequestAtypDomainname uint8 = 3
	RequestAtypIPV6       uint8 = 4
)

// ReplyCode is the REP byte of a reply.
type ReplyCode uint8

const (
	Succeeded ReplyCode = iota
	Failure
	NotAllowed
	NetUnreachable
	HostUnreachable
	ConnRefused
	TTLExpired
	CmdUnsupported
	AddrUnsupported
)

var replyNames = [...]string{
	Succeeded:       "succeeded",
	Failure:         "general-failure",
	NotAllowed:      "not-allowed",
	NetUnreachable:  "network-unreachable",
	HostUnreachable: "host-unreachable",
	ConnRefused:     "connection-refused",
	TTLExpired:      "ttl-expired",
	CmdUnsupported:  "command-not-supported",
	AddrUnsupported: "address-type-not-supported",
}

func (r ReplyCode) String() string {
	if int(r) < len(replyNames) {
		return replyNames[r]
	}
	return fmt.Sprintf("reply(%#x)", uint8(r))
}

// Address is a SOCKS5 address: exactly one of IPv4, IPv6 or domain name, plus
// a port. Address values are comparable.
type Address struct {
	Atyp uint8
	IP   netip.Addr
	Host string
	Port uint16
}

// IPAddress returns an IPv4 or IPv6 address. IPv4-mapped IPv6 addresses are
// unmapped and zones are dropped, since neither survives the wire format.
func IPAddress(ip netip.Addr, port uint16) Address {
	ip = ip.Unmap().WithZone("")
	if ip.Is4() {
		return Address{Atyp: RequestAtypIPV4, IP: ip, Port: port}
	}
	return Address{Atyp: RequestAtypIPV6, IP: ip, Port: port}
}

// DomainAddress returns a domain-name address.
func DomainAddress(host string, port uint16) Address {
	return Address{Atyp: RequestAtypDomainname, Host: host, Port: port}
}

// AddressFromNetAddr converts a TCP or UDP address. Anything else maps to the
// IPv4 wildcard address.
func AddressFromNetAddr(a net.Addr) Address {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		if a != nil {
			if parsed, err := netip.ParseAddrPort(a.String()); err == nil {
				ap = parsed
			}
		}
	}
	if !ap.Addr().IsValid() {
		return IPAddress(netip.IPv4Unspecified(), ap.Port())
	}
	return IPAddress(ap.Addr(), ap.Port())
}

// ParseHostPort builds an Address from a "host:port" string.
func ParseHostPort(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return IPAddress(ip, uint16(port)), nil
	}
	if len(host) > 255 {
		return Address{}, fmt.Errorf("domain name too long: %d bytes", len(host))
	}
	return DomainAddress(host, uint16(port)), nil
}

func (a Address) IsDomain() bool { return a.Atyp == RequestAtypDomainname }

// IsUnspecified reports whether a is a wildcard IP address (0.0.0.0 or ::).
func (a Address) IsUnspecified() bool {
	return !a.IsDomain() && (!a.IP.IsValid() || a.IP.IsUnspecified())
}

// AddrPort is only meaningful for IP addresses.
func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

func (a Address) String() string {
	host := a.Host
	if !a.IsDomain() {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// Request is a client request after the handshake.
type Request struct {
	Command Command
	Addr    Address
}

// Reply is the server's answer to a request.
type Reply struct {
	Code ReplyCode
	Addr Address
}

// Datagram is one UDP relay datagram with its header.
type Datagram struct {
	Frag uint8
	Addr Address
	Data []byte
}

// Greeting is the client's method offer.
type Greeting struct {
	Methods []AuthMethod
}

// UserPassRequest is the RFC 1929 sub-negotiation request.
type UserPassRequest struct {
	Username []byte
	Password []byte
}

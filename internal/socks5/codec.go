package socks5

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// The Parse* functions decode one structure from the front of b and return the
// number of bytes consumed. They return ErrShortBuffer when b ends early and a
// *ProtocolError when the bytes can never form a valid structure.
//
// The Append* functions are the exact inverse.

// ParseAddress decodes ATYP, DST.ADDR and DST.PORT.
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//	+------+----------+----------+
func ParseAddress(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, ErrShortBuffer
	}
	var (
		addr Address
		n    = 1
	)
	switch atyp := b[0]; atyp {
	case RequestAtypIPV4:
		if len(b) < n+4+2 {
			return Address{}, 0, ErrShortBuffer
		}
		addr = IPAddress(netip.AddrFrom4([4]byte(b[n:n+4])), 0)
		n += 4
	case RequestAtypIPV6:
		if len(b) < n+16+2 {
			return Address{}, 0, ErrShortBuffer
		}
		// AddrFrom16 keeps v4-mapped addresses as IPv6 so the ATYP round-trips.
		addr = Address{Atyp: RequestAtypIPV6, IP: netip.AddrFrom16([16]byte(b[n : n+16]))}
		n += 16
	case RequestAtypDomainname:
		if len(b) < n+1 {
			return Address{}, 0, ErrShortBuffer
		}
		l := int(b[n])
		n++
		if len(b) < n+l+2 {
			return Address{}, 0, ErrShortBuffer
		}
		addr = DomainAddress(string(b[n:n+l]), 0)
		n += l
	default:
		return Address{}, 0, &ProtocolError{Msg: fmt.Sprintf("atyp %#x", atyp), Err: ErrAddressType}
	}
	addr.Port = binary.BigEndian.Uint16(b[n : n+2])
	return addr, n + 2, nil
}

// AppendAddress appends the wire form of a to b.
func AppendAddress(b []byte, a Address) ([]byte, error) {
	switch a.Atyp {
	case RequestAtypIPV4:
		if !a.IP.Is4() {
			return b, fmt.Errorf("socks5: %v is not an IPv4 address", a.IP)
		}
		ip := a.IP.As4()
		b = append(b, RequestAtypIPV4)
		b = append(b, ip[:]...)
	case RequestAtypIPV6:
		if !a.IP.IsValid() {
			return b, errors.New("socks5: invalid IPv6 address")
		}
		ip := a.IP.As16()
		b = append(b, RequestAtypIPV6)
		b = append(b, ip[:]...)
	case RequestAtypDomainname:
		if len(a.Host) > 255 {
			return b, fmt.Errorf("socks5: domain name too long: %d bytes", len(a.Host))
		}
		b = append(b, RequestAtypDomainname, byte(len(a.Host)))
		b = append(b, a.Host...)
	default:
		return b, &ProtocolError{Msg: fmt.Sprintf("atyp %#x", a.Atyp), Err: ErrAddressType}
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}

// ParseGreeting decodes the client greeting.
//
//	+-----+----------+-----------+
//	| VER | NMETHODS |  METHODS  |
//	+-----+----------+-----------+
//	|  1  |    1     |  1 to 255 |
//	+-----+----------+-----------+
func ParseGreeting(b []byte) (Greeting, int, error) {
	if len(b) < 1 {
		return Greeting{}, 0, ErrShortBuffer
	}
	if b[0] != SOCKS5VERSION {
		return Greeting{}, 0, protocolErrorf("unsupported version %#x in greeting", b[0])
	}
	if len(b) < 2 {
		return Greeting{}, 0, ErrShortBuffer
	}
	n := int(b[1])
	if len(b) < 2+n {
		return Greeting{}, 0, ErrShortBuffer
	}
	methods := make([]AuthMethod, n)
	for i, m := range b[2 : 2+n] {
		methods[i] = AuthMethod(m)
	}
	return Greeting{Methods: methods}, 2 + n, nil
}

func AppendGreeting(b []byte, g Greeting) ([]byte, error) {
	if len(g.Methods) > 255 {
		return b, fmt.Errorf("socks5: too many methods: %d", len(g.Methods))
	}
	b = append(b, SOCKS5VERSION, byte(len(g.Methods)))
	for _, m := range g.Methods {
		b = append(b, byte(m))
	}
	return b, nil
}

// AppendMethodSelection encodes the server's chosen method.
//
//	+-----+--------+
//	| VER | METHOD |
//	+-----+--------+
//	|  1  |   1    |
//	+-----+--------+
func AppendMethodSelection(b []byte, m AuthMethod) []byte {
	return append(b, SOCKS5VERSION, byte(m))
}

// ParseMethodSelection decodes the server's chosen method.
func ParseMethodSelection(b []byte) (AuthMethod, int, error) {
	if len(b) < 2 {
		return 0, 0, ErrShortBuffer
	}
	if b[0] != SOCKS5VERSION {
		return 0, 0, protocolErrorf("unsupported version %#x in method selection", b[0])
	}
	return AuthMethod(b[1]), 2, nil
}

// ParseUserPassRequest decodes the RFC 1929 request.
//
//	+-----+------+----------+------+----------+
//	| VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+-----+------+----------+------+----------+
//	|  1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+-----+------+----------+------+----------+
func ParseUserPassRequest(b []byte) (UserPassRequest, int, error) {
	if len(b) < 1 {
		return UserPassRequest{}, 0, ErrShortBuffer
	}
	if b[0] != UserPassVersion {
		return UserPassRequest{}, 0, protocolErrorf("unsupported auth version %#x", b[0])
	}
	if len(b) < 2 {
		return UserPassRequest{}, 0, ErrShortBuffer
	}
	ulen := int(b[1])
	n := 2
	if len(b) < n+ulen+1 {
		return UserPassRequest{}, 0, ErrShortBuffer
	}
	uname := b[n : n+ulen]
	n += ulen
	plen := int(b[n])
	n++
	if len(b) < n+plen {
		return UserPassRequest{}, 0, ErrShortBuffer
	}
	passwd := b[n : n+plen]
	n += plen
	return UserPassRequest{
		Username: append([]byte(nil), uname...),
		Password: append([]byte(nil), passwd...),
	}, n, nil
}

func AppendUserPassRequest(b []byte, r UserPassRequest) ([]byte, error) {
	if len(r.Username) > 255 || len(r.Password) > 255 {
		return b, errors.New("socks5: username or password longer than 255 bytes")
	}
	b = append(b, UserPassVersion, byte(len(r.Username)))
	b = append(b, r.Username...)
	b = append(b, byte(len(r.Password)))
	return append(b, r.Password...), nil
}

// AppendUserPassStatus encodes the RFC 1929 reply.
func AppendUserPassStatus(b []byte, status uint8) []byte {
	return append(b, UserPassVersion, status)
}

// ParseRequest decodes a request. An unknown CMD is not a decode error; the
// executor answers it with CmdUnsupported.
//
//	+-----+-----+-------+------+----------+----------+
//	| VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-------+------+----------+----------+
//	|  1  |  1  | X'00' |  1   | Variable |    2     |
//	+-----+-----+-------+------+----------+----------+
func ParseRequest(b []byte) (Request, int, error) {
	cmd, addr, n, err := parseHeader(b, "request")
	if err != nil {
		return Request{}, 0, err
	}
	return Request{Command: Command(cmd), Addr: addr}, n, nil
}

func AppendRequest(b []byte, r Request) ([]byte, error) {
	b = append(b, SOCKS5VERSION, byte(r.Command), 0x00)
	return AppendAddress(b, r.Addr)
}

// ParseReply decodes a reply.
//
//	+-----+-----+-------+------+----------+----------+
//	| VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+-----+-----+-------+------+----------+----------+
//	|  1  |  1  | X'00' |  1   | Variable |    2     |
//	+-----+-----+-------+------+----------+----------+
func ParseReply(b []byte) (Reply, int, error) {
	rep, addr, n, err := parseHeader(b, "reply")
	if err != nil {
		return Reply{}, 0, err
	}
	return Reply{Code: ReplyCode(rep), Addr: addr}, n, nil
}

func AppendReply(b []byte, r Reply) ([]byte, error) {
	b = append(b, SOCKS5VERSION, byte(r.Code), 0x00)
	return AppendAddress(b, r.Addr)
}

func parseHeader(b []byte, what string) (uint8, Address, int, error) {
	if len(b) < 1 {
		return 0, Address{}, 0, ErrShortBuffer
	}
	if b[0] != SOCKS5VERSION {
		return 0, Address{}, 0, protocolErrorf("unsupported version %#x in %s", b[0], what)
	}
	if len(b) < 3 {
		return 0, Address{}, 0, ErrShortBuffer
	}
	if b[2] != 0x00 {
		return 0, Address{}, 0, protocolErrorf("non-zero reserved byte %#x in %s", b[2], what)
	}
	addr, n, err := ParseAddress(b[3:])
	if err != nil {
		return 0, Address{}, 0, err
	}
	return b[1], addr, 3 + n, nil
}

// ParseDatagram decodes a whole UDP relay datagram. Data aliases b.
//
//	+-----+------+------+----------+----------+----------+
//	| RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+-----+------+------+----------+----------+----------+
//	|  2  |  1   |  1   | Variable |    2     | Variable |
//	+-----+------+------+----------+----------+----------+
func ParseDatagram(b []byte) (Datagram, error) {
	if len(b) < 3 {
		return Datagram{}, ErrShortBuffer
	}
	if b[0] != 0x00 || b[1] != 0x00 {
		return Datagram{}, protocolErrorf("non-zero reserved bytes in datagram")
	}
	addr, n, err := ParseAddress(b[3:])
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Frag: b[2], Addr: addr, Data: b[3+n:]}, nil
}

func AppendDatagram(b []byte, d Datagram) ([]byte, error) {
	b = append(b, 0x00, 0x00, d.Frag)
	b, err := AppendAddress(b, d.Addr)
	if err != nil {
		return b, err
	}
	return append(b, d.Data...), nil
}

// readFrame decodes one structure from a stream, peeking until parse stops
// asking for more input.
func readFrame[T any](br *bufio.Reader, parse func([]byte) (T, int, error)) (T, error) {
	var zero T
	need := 1
	for {
		need = max(need, br.Buffered())
		b, err := br.Peek(need)
		if len(b) == 0 && err != nil {
			return zero, err
		}
		v, n, perr := parse(b)
		switch {
		case perr == nil:
			_, _ = br.Discard(n)
			return v, nil
		case !errors.Is(perr, ErrShortBuffer):
			return zero, perr
		case err != nil:
			if errors.Is(err, bufio.ErrBufferFull) {
				return zero, protocolErrorf("frame exceeds %d bytes", br.Size())
			}
			return zero, fmt.Errorf("truncated frame: %w", unexpectedEOF(err))
		}
		need = len(b) + 1
	}
}

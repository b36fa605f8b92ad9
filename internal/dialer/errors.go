package dialer

import "fmt"

// DialError is an outbound dial failure. Via names the hop that failed:
// "direct" or the upstream proxy address. It unwraps to the network error so
// callers can still map it to a SOCKS5 reply code.
type DialError struct {
	Via     string
	Network string
	Address string
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s %s via %s: %v", e.Network, e.Address, e.Via, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Package dialer builds the outbound Dialer used for CONNECT from an
// upstream URL.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig
}

// New parses upstream and constructs the appropriate outbound Dialer. The
// returned bool is true when the Dialer goes through another proxy, which
// resolves destination names itself.
//
// Supported schemes:
//   - direct://
//   - socks5://[user:pass@]host:port
//
// socks5 defaults to port 1080 when the URL has none.
func New(cfg Config, upstream string) (Dialer, bool, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, false, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, false, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, false, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), false, nil
	case "socks5":
		host := u.Hostname()
		if host == "" {
			return nil, false, errors.New("invalid url: missing host")
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(host, "1080")
		}

		var user, pass string
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass), true, nil
	default:
		return nil, false, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

package dialer

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// directDialer connects to the destination itself.
type directDialer struct {
	cfg Config
}

func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: f.cfg.DialTimeout, KeepAliveConfig: f.cfg.KeepAlive}

	start := time.Now()
	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		log.Debugf("direct dial %s failed after %v: %v", address, time.Since(start), err)
		return nil, &DialError{Via: "direct", Network: network, Address: address, Err: err}
	}
	log.Debugf("direct dial %s -> %s in %v", conn.LocalAddr(), address, time.Since(start))
	return conn, nil
}

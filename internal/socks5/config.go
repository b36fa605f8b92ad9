package socks5

import (
	"context"
	"net"
	"time"
)

// Dialer opens outbound connections for CONNECT.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config is shared read-only by all sessions of a Server.
type Config struct {
	// Credentials enables username/password authentication. Nil means the
	// server only accepts clients offering no-auth.
	Credentials *Credentials

	NegotiationTimeout time.Duration
	DialTimeout        time.Duration
	ResolveTimeout     time.Duration
	BindTimeout        time.Duration
	// IdleTimeout ends a relay after this long without traffic. Zero disables it.
	IdleTimeout time.Duration
	// HalfCloseTimeout bounds the remaining direction after one side sent EOF.
	HalfCloseTimeout time.Duration

	MaxConns      int
	UDPBufferSize int
	DNSCacheTTL   time.Duration

	// ReusePort sets SO_REUSEPORT on the client listener so several
	// processes can share the port.
	ReusePort bool

	// Dialer is used for CONNECT. When Upstream is set the destination is
	// passed to it unresolved, since the upstream resolves names itself.
	Dialer   Dialer
	Upstream bool

	Resolver *Resolver
}

const (
	defaultNegotiationTimeout = 10 * time.Second
	defaultDialTimeout        = 10 * time.Second
	defaultResolveTimeout     = 5 * time.Second
	defaultBindTimeout        = 2 * time.Minute
	defaultHalfCloseTimeout   = 5 * time.Second
	defaultMaxConns           = 1000
	defaultUDPBufferSize      = 65535 + 262
)

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: defaultNegotiationTimeout,
		DialTimeout:        defaultDialTimeout,
		ResolveTimeout:     defaultResolveTimeout,
		BindTimeout:        defaultBindTimeout,
		IdleTimeout:        3 * time.Minute,
		HalfCloseTimeout:   defaultHalfCloseTimeout,
		MaxConns:           defaultMaxConns,
		UDPBufferSize:      defaultUDPBufferSize,
		DNSCacheTTL:        time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = defaultNegotiationTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = defaultBindTimeout
	}
	if c.HalfCloseTimeout <= 0 {
		c.HalfCloseTimeout = defaultHalfCloseTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.UDPBufferSize <= 0 {
		c.UDPBufferSize = defaultUDPBufferSize
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
		c.Upstream = false
	}
	if c.Resolver == nil {
		c.Resolver = NewResolver(c.ResolveTimeout, c.DNSCacheTTL)
	}
	return c
}

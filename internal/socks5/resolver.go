package socks5

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// Resolver turns request addresses into connectable IP addresses. Answers
// for domain names are cached for the configured TTL.
type Resolver struct {
	resolver *net.Resolver
	cache    *cache.Cache
	timeout  time.Duration
}

// NewResolver returns a resolver using the system DNS configuration. A zero
// ttl disables caching; a zero timeout leaves lookups bounded only by ctx.
func NewResolver(timeout, ttl time.Duration) *Resolver {
	r := &Resolver{resolver: net.DefaultResolver, timeout: timeout}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve returns the candidate addresses for addr, in resolver order. IP
// addresses resolve to themselves.
func (r *Resolver) Resolve(ctx context.Context, addr Address) ([]netip.AddrPort, error) {
	if !addr.IsDomain() {
		return []netip.AddrPort{addr.AddrPort()}, nil
	}

	ips, err := r.lookup(ctx, addr.Host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), addr.Port))
	}
	return out, nil
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(host); ok {
			return v.([]netip.Addr), nil
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ips, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, replyError("resolve", err)
	}
	if len(ips) == 0 {
		return nil, &ReplyError{Op: "resolve", Code: HostUnreachable, Err: fmt.Errorf("no addresses for %s", host)}
	}
	log.Debugf("resolved %s to %v", host, ips)

	if r.cache != nil {
		r.cache.SetDefault(host, ips)
	}
	return ips, nil
}

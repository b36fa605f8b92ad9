package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
)

// Server accepts SOCKS5 clients and runs one session per connection.
type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg.withDefaults()}
}

// Listen opens the client listener on addr.
func (s *Server) Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	if s.cfg.ReusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := s.Listen(ctx, addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Other accept errors are retried with backoff. It returns nil once every
// session has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Debug("Socks5 server start at: ", ln.Addr())
	defer func() { _ = ln.Close() }()

	stop := context.AfterFunc(ctx, func() {
		log.Info("Close socks5 listener...")
		_ = ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.MaxConns)

	defer func() {
		wg.Wait()
		log.Info("Server has gracefully shutdown.")
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Debug("Server has gracefully shutdown from listener status")
				return nil
			}
			// EMFILE, ECONNABORTED and friends are transient; keep serving
			backoff = nextAcceptBackoff(backoff)
			log.Warnf("fail in accept: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		// limit goroutine pool and wait for goroutine to finish
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
		wg.Add(1)

		go func(conn net.Conn) {
			defer func() {
				wg.Done()
				<-sem
				log.Infof("Connection closed: %v", conn.RemoteAddr())
			}()

			log.Infof("New connection: %v", conn.RemoteAddr())
			if err := s.ServeConn(ctx, conn); err != nil {
				log.Warnf("session %v: %v", conn.RemoteAddr(), err)
			}
		}(conn)
	}
}

const maxAcceptBackoff = time.Second

// nextAcceptBackoff doubles the delay after a failed accept, from 5ms up to
// one second.
func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxAcceptBackoff)
}

// ServeConn runs one session on conn and closes it when done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	labels := prometheus.Labels{"host": AddressFromNetAddr(conn.RemoteAddr()).IP.String()}
	metrics.ConnectGauge.With(labels).Inc()
	metrics.ConnectCounter.With(labels).Inc()
	defer metrics.ConnectGauge.With(labels).Dec()

	// unblock any read or write still pending at shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	return newSession(&s.cfg, conn).serve(ctx)
}

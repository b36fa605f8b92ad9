package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectGauge is the current number of active SOCKS5 connections.
	ConnectGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connect_gauge",
		Help: "Current number of active SOCKS5 connections",
	}, []string{"host"})

	// ConnectCounter is the total number of SOCKS5 connections.
	ConnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connect_counter",
		Help: "Total number of SOCKS5 connections",
	}, []string{"host"})

	// CommandCounter counts requests by SOCKS5 command.
	CommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_command_total",
		Help: "Total number of SOCKS5 requests by command",
	}, []string{"command"})

	// ReplyCounter counts replies sent to clients by reply code.
	ReplyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_reply_total",
		Help: "Total number of SOCKS5 replies by reply code",
	}, []string{"code"})

	// HandshakeFailures counts sessions that ended before a request was read.
	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_handshake_failures_total",
		Help: "Total number of failed SOCKS5 handshakes by reason",
	}, []string{"reason"})

	// RelayBytes counts relayed TCP payload bytes.
	RelayBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_relay_bytes_total",
		Help: "Total number of relayed TCP bytes by direction",
	}, []string{"direction"})

	// UDPDatagrams counts relayed UDP datagrams.
	UDPDatagrams = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_udp_datagrams_total",
		Help: "Total number of relayed UDP datagrams by direction",
	}, []string{"direction"})
)

// Direction label values.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
	Dropped    = "dropped"
)

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		ConnectGauge,
		ConnectCounter,
		CommandCounter,
		ReplyCounter,
		HandshakeFailures,
		RelayBytes,
		UDPDatagrams,
	)
}

func StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/dialer"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/metrics"
	"github.io/kevin-rd/k8s-tools/socks5d/internal/socks5"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func init() {
	log.SetFormatter(&nested.Formatter{
		NoColors: false,
	})
	log.SetReportCaller(true)
	log.SetLevel(log.InfoLevel)
}

type options struct {
	listen        string
	metricsListen string
	upstream      string
	username      string
	password      string
	logLevel      string
	reusePort     bool
	showVersion   bool

	negotiationTimeout time.Duration
	dialTimeout        time.Duration
	resolveTimeout     time.Duration
	bindTimeout        time.Duration
	idleTimeout        time.Duration
	halfCloseTimeout   time.Duration
	dnsCacheTTL        time.Duration
	maxConns           int
}

func parseFlags(args []string, getenv func(string) string) (*options, error) {
	def := socks5.DefaultConfig()
	o := &options{}

	fs := pflag.NewFlagSet("socks5d", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.StringVarP(&o.listen, "listen", "l", "127.0.0.1:1080", "SOCKS5 listen address")
	fs.StringVar(&o.username, "username", getenv("SOCKS5_USERNAME"), "Require username/password auth with this username")
	fs.StringVar(&o.password, "password", getenv("SOCKS5_PASSWORD"), "Password for --username, plain or a bcrypt hash")
	fs.StringVar(&o.upstream, "upstream", "direct://", "CONNECT forwarding target: direct:// | socks5://[user:pass@]host:port")
	fs.StringVar(&o.metricsListen, "metrics-listen", "", "Prometheus /metrics listen address (e.g. :10081). Empty disables.")
	fs.DurationVar(&o.negotiationTimeout, "negotiation-timeout", def.NegotiationTimeout, "Timeout for greeting, auth and request")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", def.DialTimeout, "Timeout for outbound TCP connect")
	fs.DurationVar(&o.resolveTimeout, "resolve-timeout", def.ResolveTimeout, "Timeout for one DNS lookup")
	fs.DurationVar(&o.bindTimeout, "bind-timeout", def.BindTimeout, "How long BIND waits for the inbound peer")
	fs.DurationVar(&o.idleTimeout, "idle-timeout", def.IdleTimeout, "Close relays idle this long (0 disables)")
	fs.DurationVar(&o.halfCloseTimeout, "half-close-timeout", def.HalfCloseTimeout, "How long a relay may run after one side closed")
	fs.DurationVar(&o.dnsCacheTTL, "dns-cache-ttl", def.DNSCacheTTL, "DNS answer cache lifetime (0 disables)")
	fs.IntVar(&o.maxConns, "max-conns", def.MaxConns, "Maximum concurrent sessions")
	fs.BoolVar(&o.reusePort, "reuse-port", false, "Set SO_REUSEPORT on the listener")
	fs.StringVar(&o.logLevel, "log-level", envOr(getenv, "LOG_LEVEL", "info"), "Log level: trace|debug|info|warn|error")
	fs.BoolVarP(&o.showVersion, "version", "V", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if (o.username == "") != (o.password == "") {
		return nil, errors.New("--username and --password must be set together")
	}
	return o, nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) config() (socks5.Config, error) {
	cfg := socks5.Config{
		NegotiationTimeout: o.negotiationTimeout,
		DialTimeout:        o.dialTimeout,
		ResolveTimeout:     o.resolveTimeout,
		BindTimeout:        o.bindTimeout,
		IdleTimeout:        o.idleTimeout,
		HalfCloseTimeout:   o.halfCloseTimeout,
		MaxConns:           o.maxConns,
		DNSCacheTTL:        o.dnsCacheTTL,
		ReusePort:          o.reusePort,
	}
	if o.username != "" {
		cfg.Credentials = &socks5.Credentials{Username: o.username, Password: o.password}
	}

	d, upstream, err := dialer.New(dialer.Config{DialTimeout: o.dialTimeout}, o.upstream)
	if err != nil {
		return cfg, fmt.Errorf("invalid --upstream: %w", err)
	}
	cfg.Dialer = d
	cfg.Upstream = upstream
	return cfg, nil
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if o.showVersion {
		fmt.Println("socks5d", version)
		return
	}

	if err := run(o); err != nil {
		log.Error(err)
		os.Exit(1)
	}
	log.Info("Shutdown done.")
}

func run(o *options) error {
	level, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	log.SetLevel(level)

	cfg, err := o.config()
	if err != nil {
		return err
	}

	log.Infof("Welcome socks5d %s!", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopCh)

	go func() {
		count := 0
		for sig := range stopCh {
			count++
			log.Debugf("Receive signal: %v, count: %d", sig, count)

			if count == 1 {
				log.Info("First signal received, initiating graceful shutdown...")
				cancel()
			} else {
				log.Warn("Receive signal again, force exit.")
				os.Exit(1)
			}
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	// metrics server
	if o.metricsListen != "" {
		g.Go(func() error {
			log.Infof("Starting metrics server on %s", o.metricsListen)
			err := metrics.StartServer(ctx, o.metricsListen)
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("Metrics server has gracefully shutdown.")
				return nil
			}
			return fmt.Errorf("metrics server: %w", err)
		})
	}

	// socks5 server
	srv := socks5.NewServer(cfg)
	ln, err := srv.Listen(ctx, o.listen)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	log.Infof("socks5 proxy listening on %s (upstream %s)", ln.Addr(), o.upstream)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	return g.Wait()
}

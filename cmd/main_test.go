package main

import (
	"testing"
	"time"

	"github.io/kevin-rd/k8s-tools/socks5d/internal/dialer"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parseFlags(nil, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if o.listen != "127.0.0.1:1080" {
		t.Fatalf("listen %q", o.listen)
	}
	if o.upstream != "direct://" || o.logLevel != "info" || o.metricsListen != "" {
		t.Fatalf("unexpected defaults: %+v", o)
	}
	if o.idleTimeout != 3*time.Minute || o.maxConns != 1000 {
		t.Fatalf("unexpected defaults: %+v", o)
	}

	cfg, err := o.config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Credentials != nil || cfg.Upstream {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		check   func(t *testing.T, o *options)
		wantErr bool
	}{
		{
			name: "short flags",
			args: []string{"-l", "0.0.0.0:1081", "-V"},
			check: func(t *testing.T, o *options) {
				if o.listen != "0.0.0.0:1081" || !o.showVersion {
					t.Fatalf("got %+v", o)
				}
			},
		},
		{
			name: "credentials from env",
			env:  map[string]string{"SOCKS5_USERNAME": "alice", "SOCKS5_PASSWORD": "s3cret", "LOG_LEVEL": "debug"},
			check: func(t *testing.T, o *options) {
				if o.username != "alice" || o.password != "s3cret" || o.logLevel != "debug" {
					t.Fatalf("got %+v", o)
				}
				cfg, err := o.config()
				if err != nil {
					t.Fatal(err)
				}
				if cfg.Credentials == nil || cfg.Credentials.Username != "alice" {
					t.Fatalf("credentials not configured: %+v", cfg.Credentials)
				}
			},
		},
		{
			name: "flags override env",
			args: []string{"--username", "bob", "--password", "pw", "--log-level", "warn"},
			env:  map[string]string{"SOCKS5_USERNAME": "alice", "SOCKS5_PASSWORD": "s3cret", "LOG_LEVEL": "debug"},
			check: func(t *testing.T, o *options) {
				if o.username != "bob" || o.password != "pw" || o.logLevel != "warn" {
					t.Fatalf("got %+v", o)
				}
			},
		},
		{
			name: "timeouts and upstream",
			args: []string{"--idle-timeout", "0", "--bind-timeout", "30s", "--max-conns", "5", "--upstream", "socks5://127.0.0.1:1090", "--reuse-port"},
			check: func(t *testing.T, o *options) {
				if o.idleTimeout != 0 || o.bindTimeout != 30*time.Second || o.maxConns != 5 || !o.reusePort {
					t.Fatalf("got %+v", o)
				}
				cfg, err := o.config()
				if err != nil {
					t.Fatal(err)
				}
				if !cfg.Upstream || !cfg.ReusePort {
					t.Fatalf("got %+v", cfg)
				}
				if _, ok := cfg.Dialer.(*dialer.SOCKS5ProxyDialer); !ok {
					t.Fatalf("dialer %T", cfg.Dialer)
				}
			},
		},
		{name: "username without password", args: []string{"--username", "bob"}, wantErr: true},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: true},
		{name: "positional args", args: []string{"extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseFlags(tt.args, env(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, o)
			}
		})
	}
}

func TestConfigRejectsBadUpstream(t *testing.T) {
	o, err := parseFlags([]string{"--upstream", "ftp://x"}, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.config(); err == nil {
		t.Fatal("expected error")
	}
}

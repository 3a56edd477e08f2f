// Command socksd runs the standalone SOCKS5 proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/proxycore/socksd/internal/config"
	"github.com/proxycore/socksd/internal/credentials"
	"github.com/proxycore/socksd/internal/logx"
	"github.com/proxycore/socksd/internal/resolver"
	"github.com/proxycore/socksd/internal/socks"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config-file", "", "path to the YAML config file (required)")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "socksd: --config-file is required")
		return 1
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socksd: %v\n", err)
		return 1
	}

	level, err := logx.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socksd: %v\n", err)
		return 1
	}
	logger := logx.New(os.Stderr, level)
	logx.SetDefault(logger)

	creds, err := buildCredentialStore(cfg)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	dnsResolver, err := resolver.New()
	if err != nil {
		logger.Errorf("failed to build resolver: %v", err)
		return 1
	}

	listener, err := socks.NewListener(cfg.ListenAddress(), cfg.NumThreads, creds, dnsResolver, logger)
	if err != nil {
		logger.Errorf("failed to start listening on %s: %v", cfg.ListenAddress(), err)
		return 1
	}

	logger.Infof("SOCKS5 server listening on %s with %d workers", listener.Addr(), cfg.NumThreads)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := listener.Serve(ctx); err != nil {
		logger.Errorf("server stopped: %v", err)
		return 1
	}

	logger.Infof("server stopped")
	return 0
}

func buildCredentialStore(cfg *config.Config) (*credentials.Store, error) {
	parsed, err := cfg.ParsedCredentials()
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, nil
	}
	store := credentials.New()
	for _, c := range parsed {
		store.Add(c.Username, c.Password)
	}
	return store, nil
}

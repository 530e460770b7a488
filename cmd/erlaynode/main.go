package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"erlaynet/internal/daemon"
	"erlaynet/internal/metrics"
	"erlaynet/internal/node"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("erlaynode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:19330", "listen addr (host:port)")
	home := fs.String("home", defaultHome(), "node home directory")
	bootstrap := fs.String("bootstrap", "", "comma-separated peer addresses to dial")
	metricsAddr := fs.String("metrics-addr", "", "prometheus exposition addr (host:port), disabled when empty")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logCfg := zap.NewProductionConfig()
	if *debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(stderr, "logger setup failed: %v\n", err)
		return 1
	}
	defer log.Sync()

	self, err := node.NewNode(*home, node.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}

	m := metrics.New()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	var peers []string
	for _, p := range strings.Split(*bootstrap, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	runner := daemon.NewRunner(self, daemon.Options{
		Log:       log,
		Metrics:   m,
		Bootstrap: peers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready := make(chan string, 1)
	go func() {
		bound := <-ready
		fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", bound, hex.EncodeToString(self.ID[:]))
	}()
	if err := runner.RunWithContext(ctx, *addr, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".erlaynet")
}

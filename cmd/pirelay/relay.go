package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/pirelay/pirelay/internal/logging"
	"github.com/pirelay/pirelay/internal/relay"
	"github.com/pirelay/pirelay/internal/relay/config"
)

func runRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	addr := fs.String("addr", "", "listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("invalid log level, using info", "log_level", cfg.LogLevel)
	} else {
		logging.SetLevel(level)
	}

	logging.PrintBanner(version, cfg.Addr)

	server, err := relay.NewServer(cfg, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}

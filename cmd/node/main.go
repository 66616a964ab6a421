package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Meshpath/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level)

	id, err := loadIdentity(cfg)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, id)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	logger.Info("starting meshpath node",
		"address", id.Address(),
		"key_type", cfg.KeyType,
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"udp", cfg.UDPAddress,
		"data", cfg.DataPath,
		"roots", len(cfg.Roots),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return node.Run(ctx)
}

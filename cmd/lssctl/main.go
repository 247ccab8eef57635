package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sessionctl/internal/config"
	"github.com/danmuck/sessionctl/internal/logging"
	"github.com/danmuck/sessionctl/internal/lss"
)

func main() {
	path := flag.String("config", "", "path to lss config.toml (defaults when empty)")
	flag.Parse()
	logging.ConfigureRuntime("lssctl")

	cfg, err := config.LoadLSS(*path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lssctl: %v\n", err)
		os.Exit(1)
	}
	svc := lss.NewService(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lssctl: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sessionctl/internal/config"
	"github.com/danmuck/sessionctl/internal/gds"
	"github.com/danmuck/sessionctl/internal/logging"
)

func main() {
	path := flag.String("config", "", "path to gds config.toml (defaults when empty)")
	flag.Parse()
	logging.ConfigureRuntime("gdsctl")

	cfg, err := config.LoadGDS(*path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gdsctl: %v\n", err)
		os.Exit(1)
	}
	svc := gds.NewService(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gdsctl: %v\n", err)
		os.Exit(1)
	}
}

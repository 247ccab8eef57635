package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sessionctl/internal/config"
	"github.com/danmuck/sessionctl/internal/gss"
	"github.com/danmuck/sessionctl/internal/logging"
)

func main() {
	path := flag.String("config", "", "path to gss config.toml (defaults when empty)")
	flag.Parse()
	logging.ConfigureRuntime("gssctl")

	cfg, err := config.LoadGSS(*path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gssctl: %v\n", err)
		os.Exit(1)
	}
	svc, err := gss.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gssctl: %v\n", err)
		os.Exit(1)
	}
	svc.AddListener(gss.LogListener{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gssctl: %v\n", err)
		os.Exit(1)
	}
}

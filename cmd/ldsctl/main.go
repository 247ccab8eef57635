package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sessionctl/internal/config"
	"github.com/danmuck/sessionctl/internal/lds"
	"github.com/danmuck/sessionctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "path to lds config.toml (defaults when empty)")
	flag.Parse()
	logging.ConfigureRuntime("ldsctl")

	cfg, err := config.LoadLDS(*path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ldsctl: %v\n", err)
		os.Exit(1)
	}
	// An LDS without an imported services config still serves debug and
	// ping, but refuses work and does not register.
	services := importServices(cfg.ServicesConfig)
	launcher := &lds.ExecLauncher{Stdout: os.Stdout, Stderr: os.Stderr}
	svc := lds.NewService(cfg.Service, services, launcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ldsctl: %v\n", err)
		os.Exit(1)
	}
}

func importServices(path string) *lds.Config {
	if path == "" {
		log.Error().Msg("ldsctl services_config not set, configuration not imported")
		cfg := lds.DefaultConfig()
		return &cfg
	}
	cfg, err := lds.ImportConfig(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("ldsctl configuration not imported")
	}
	return cfg
}

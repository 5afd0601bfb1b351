package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}

	logger, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return exitConfig, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		logger.Info("closing store")
		_ = st.Close()
	}()

	srv, err := server.New(cfg, server.Backend{
		Messages:  st,
		Directory: st,
		History:   st,
	}, logger)
	if err != nil {
		return exitConfig, err
	}
	st.OnMembershipChange(srv.Rosters.Invalidate)

	logger.Info("starting relay", "addr", cfg.Port, "database", cfg.DatabaseURL)
	if err := srv.Run(ctx); err != nil {
		return exitRuntime, err
	}
	logger.Info("relay stopped")
	return exitOK, nil
}

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dunamismax/convertly/internal/cli"
	"github.com/dunamismax/convertly/internal/pipeline"
)

func main() {
	logger := log.New(os.Stderr, "[convertly] ", log.LstdFlags|log.Lmsgprefix)

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	pipeline.Shutdown()

	switch {
	case err == nil:
	case errors.Is(err, cli.ErrUsage):
		logger.Print(err)
		os.Exit(2)
	default:
		logger.Print(err)
		os.Exit(1)
	}
}

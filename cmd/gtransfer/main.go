package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophtransfer/internal/buildinfo"
	"github.com/dmitrijs2005/gophtransfer/internal/cli"
	"github.com/dmitrijs2005/gophtransfer/internal/config"
	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/transfer"
)

const (
	exitFailure = 1
	exitUsage   = 2
	exitPaused  = 3
)

func main() {

	cfg, rest, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Printf("%v", err)
		os.Exit(exitUsage)
	}

	if len(rest) > 0 && rest[0] == "version" {
		buildinfo.PrintBuildData(os.Stdout)
		return
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)
	ctx := context.Background()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(exitFailure)
	}

	err = app.WithInterrupts(interrupts).Run(ctx, rest)
	if cerr := app.Close(); cerr != nil {
		logger.Warn(ctx, "close", "error", cerr)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cli.ErrUsage):
		return exitUsage
	case errors.Is(err, transfer.ErrPaused):
		return exitPaused
	default:
		log.Printf("%v", err)
		return exitFailure
	}
}

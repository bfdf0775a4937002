package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"biomewatch/internal/config"
	"biomewatch/internal/logging"
	"biomewatch/internal/runtime"
)

var BuildVersion = "dev"

const runErrorExitCode = 1

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions(config.DefaultLogDir)
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lock, lockedByOther, lockErr := acquireInstanceLock()
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		os.Exit(2)
	}
	if lockedByOther {
		fmt.Fprintln(os.Stderr, "biomewatch is already running.")
		os.Exit(1)
	}
	defer func() {
		_ = lock.Release()
	}()

	logger := logging.New(opts.Debug)
	defer func() {
		_ = logger.Close()
	}()
	if err := logger.EnableFilePersistence(0); err != nil {
		logger.Warn("failed to enable file log persistence", logging.Field("error", err))
	}
	logger.Info("starting biomewatch", logging.Field("version", BuildVersion))

	service, err := runtime.NewService(opts, logger)
	if err != nil {
		logger.Error("failed to start", logging.Field("error", err))
		os.Exit(2)
	}

	runErr := service.RunContext(rootCtx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("watcher exited with error", logging.Field("error", runErr))
		os.Exit(runErrorExitCode)
	}
}

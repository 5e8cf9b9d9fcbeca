package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"sbcfan/internal/config"
	"sbcfan/internal/logging"
	"sbcfan/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const logBufferLines = 2000

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run parses args, wires the controller and blocks until a one-shot update
// finished or ctx is canceled. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a, err := config.ParseArgs("sbcfan", args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "sbcfan: %v\n", err)
		return 2
	}
	if a.ShowVersion {
		fmt.Fprintf(stdout, "sbcfan %s\n", version)
		return 0
	}

	base, err := logging.ParseLevel(a.Config.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "sbcfan: %v\n", err)
		return 2
	}
	logs := web.NewLogBuffer(logBufferLines)
	log := logging.NewTee(stderr, logging.LevelForVerbosity(base, a.Verbosity), logging.IsTerminal(stderr), logs)

	rt, err := newRuntime(ctx, a.Config, runtimeDeps{log: log, logs: logs})
	if err != nil {
		log.Error("startup failed", "err", err)
		return 1
	}
	defer rt.Close()

	if a.Config.OneShot() {
		if err := rt.RunOnce(ctx); err != nil {
			log.Error("fan update failed", "err", err)
			return 1
		}
		return 0
	}

	if err := rt.Start(ctx); err != nil {
		log.Error("control loop failed to start", "err", err)
		return 1
	}
	log.Info("sbcfan running", "interval", a.Config.Fan.Interval)
	<-ctx.Done()
	log.Info("sbcfan stopping")
	return 0
}

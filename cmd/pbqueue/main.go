package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/pbqueue/internal/cmd"
	"github.com/3leaps/pbqueue/internal/observability"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	observability.InitCLILogger("pbqueue", false)
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		_ = observability.CLILogger.Sync()
		os.Exit(cmd.ExitCode(err))
	}
}

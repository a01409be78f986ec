package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/katasec/dstream-ingester-tracked/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Cli(ctx, os.Args[1:], cli.NewConfig()); err != nil {
		fmt.Fprintln(os.Stderr, "trackedctl:", err)
		stop()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"icatkit/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.IngestCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "icatingest:", err)
		stop()
		os.Exit(1)
	}
}

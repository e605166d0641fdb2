package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stravapower/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := &appContext{}
	err := newRootCommand(app).ExecuteContext(ctx)
	app.close()
	stop()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		if service.IsFatal(err) {
			fmt.Fprintln(os.Stderr, "Strava rejected the stored credentials. Store a new refresh token with: stravapower token set <refresh-token>")
		}
		os.Exit(1)
	}
}

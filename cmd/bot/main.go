package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modbot/internal/app"
	"modbot/internal/platform"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the config file (yaml or json)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := platform.NewConsoleAdapter()

	a, err := app.New(*cfgPath, adapter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start failed:", err)
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.Stop(sctx)
		cancel()
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	sctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	a.Stop(sctx)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/pipebroker/internal/config"
	"github.com/danmuck/pipebroker/internal/observability"
	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pipebroker: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if opts.Help {
		printHelp(os.Stderr, opts.flags)
		return nil
	}
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	if opts.PrintConfig {
		out, err := config.Render(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	logger := observability.InitLogger("pipebroker")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	return b.run(ctx)
}

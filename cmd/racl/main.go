package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func fprintErr(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "racl: %v\n", err)
}

// App builds the command line application
func App() *cli.App {
	return &cli.App{
		Name:  "racl",
		Usage: "Train and evaluate relation-aware collaborative learning for aspect-based sentiment analysis",
		Commands: []*cli.Command{
			trainCliCommand(),
			evaluateCliCommand(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := App().RunContext(ctx, os.Args); err != nil {
		fprintErr(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

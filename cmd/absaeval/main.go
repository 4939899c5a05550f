// Command absaeval scores a directory of written predictions against a gold
// split and prints one tab-separated row of metrics.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/racl_absa/pkg/evaluation"
)

func run(args []string, out io.Writer) error {
	app := &cli.App{
		Name:      "absaeval",
		Usage:     "Score aspect, opinion and sentiment predictions",
		ArgsUsage: "<gold_dir> <pred_dir>",
		Writer:    out,
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("expected <gold_dir> <pred_dir>, got %d arguments", c.NArg())
			}
			m, err := evaluation.EvaluateWrittenPredictions(c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, evaluation.Header)
			fmt.Fprintln(c.App.Writer, m.Row())
			return nil
		},
	}
	return app.Run(args)
}

func main() {
	if err := run(os.Args, os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "absaeval: %v\n", err)
		os.Exit(1)
	}
}

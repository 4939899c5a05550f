package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/racl_absa/pkg/evaluation"
)

func evaluateCliCommand() *cli.Command {
	return &cli.Command{
		Name:      "evaluate",
		Usage:     "Score written predictions against a gold split",
		ArgsUsage: "<gold_dir> <pred_dir>",
		Description: `
Reads target.txt, opinion.txt and target_polarity.txt from both directories
and prints aspect F1, opinion F1, sentiment accuracy, sentiment F1 and ABSA F1.

  racl evaluate data/res14/test predictions/res14/test`[1:],
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
}

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/racl_absa/internal/log"
	"github.com/racl_absa/pkg/autodiff"
	"github.com/racl_absa/pkg/checkpoint"
	"github.com/racl_absa/pkg/core"
	"github.com/racl_absa/pkg/dataset"
	"github.com/racl_absa/pkg/racl"
	"github.com/racl_absa/pkg/trainer"
)

func trainCliCommand() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train RACL on a task, or evaluate the newest checkpoint with --load",
		Description: `
Reads data/<task>/{train,dev,test} and the word and domain embeddings, trains
for n_iter iterations and writes dev and test predictions to
predictions/<task>/. Values from --config are overridden by explicit flags.

  racl train --task res14 --n-iter 80
  racl train --config res14.yaml --load`[1:],
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "task", Usage: "dataset name under data/"},
			&cli.BoolFlag{Name: "load", Usage: "restore the newest checkpoint and evaluate once"},
			&cli.IntFlag{Name: "n-iter", Usage: "training iterations"},
			&cli.IntFlag{Name: "batch-size", Usage: "training batch size"},
			&cli.Float64Flag{Name: "learning-rate", Usage: "Adam learning rate"},
			&cli.IntFlag{Name: "hop-num", Usage: "number of interaction hops"},
			&cli.Float64Flag{Name: "kp1", Usage: "keep probability of input dropout"},
			&cli.Float64Flag{Name: "kp2", Usage: "keep probability of DropBlock"},
			&cli.Float64Flag{Name: "reg-scale", Usage: "weight of the aspect/opinion overlap penalty"},
			&cli.IntFlag{Name: "warmup-iter", Usage: "iterations before checkpointing starts"},
			&cli.Int64Flag{Name: "seed", Usage: "random seed"},
			&cli.IntFlag{Name: "workers", Usage: "parallel sentence forwards"},
			&cli.StringFlag{Name: "log-level", Usage: "TRACE, DEBUG, INFO, WARN or ERROR"},
			&cli.BoolFlag{Name: "no-progress", Usage: "hide the epoch progress bar"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromCli(c)
			if err != nil {
				return err
			}
			logger, closer, err := createLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			err = runTraining(c.Context, cfg, logger)
			if trainer.IsCanceled(err) {
				logger.Warn("Interrupted: %v", err)
			}
			return err
		},
	}
}

// configFromCli loads --config when given and overlays explicit flags
func configFromCli(c *cli.Context) (*core.Config, error) {
	cfg := core.NewDefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = core.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if c.IsSet("task") {
		cfg.Task = c.String("task")
	}
	if c.IsSet("load") {
		cfg.Load = c.Bool("load")
	}
	if c.IsSet("n-iter") {
		cfg.NIter = c.Int("n-iter")
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("learning-rate") {
		cfg.LearningRate = c.Float64("learning-rate")
	}
	if c.IsSet("hop-num") {
		cfg.HopNum = c.Int("hop-num")
	}
	if c.IsSet("kp1") {
		cfg.KP1 = c.Float64("kp1")
	}
	if c.IsSet("kp2") {
		cfg.KP2 = c.Float64("kp2")
	}
	if c.IsSet("reg-scale") {
		cfg.RegScale = c.Float64("reg-scale")
	}
	if c.IsSet("warmup-iter") {
		cfg.WarmupIter = c.Int("warmup-iter")
	}
	if c.IsSet("seed") {
		cfg.Seed = c.Int64("seed")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.Bool("no-progress") {
		cfg.Progress = false
	}

	cfg.ResolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createLogger writes to stderr and to log/<task>/<timestamp>.txt
func createLogger(cfg *core.Config) (*log.Logger, io.Closer, error) {
	conf := log.NewConfig()
	conf.LogLevel = strings.ToUpper(cfg.LogLevel)
	conf.File.Path = filepath.Join(cfg.LogDir, cfg.Task, time.Now().Format("2006-01-02_15-04-05")+".txt")
	return log.New(os.Stderr, conf)
}

func loadEmbeddings(ctx context.Context, cfg *core.Config) (word, domain *dataset.Embeddings, err error) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		word, err = dataset.LoadEmbeddings(cfg.WordEmbeddingPath)
		return err
	})
	g.Go(func() (err error) {
		domain, err = dataset.LoadEmbeddings(cfg.DomainEmbeddingPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return word, domain, nil
}

func runTraining(ctx context.Context, cfg *core.Config, logger log.Modular) error {
	word, domain, err := loadEmbeddings(ctx, cfg)
	if err != nil {
		return err
	}
	tok, err := dataset.NewTokenizerFromEmbeddings(nil, word, domain)
	if err != nil {
		return fmt.Errorf("build vocabulary: %w", err)
	}
	logger.Debug("Vocabulary of %d tokens, embeddings %d+%d", tok.VocabSize(), word.Dim, domain.Dim)

	splits, err := dataset.LoadSplits(ctx, tok, cfg.MaxSentenceLen, cfg.TrainPath, cfg.DevPath, cfg.TestPath)
	if err != nil {
		return err
	}
	logger.Info("Loaded %d train, %d dev and %d test sentences", splits.Train.Len(), splits.Dev.Len(), splits.Test.Len())

	model, err := racl.NewModel(cfg, word.Table(tok), domain.Table(tok), rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	saver := checkpoint.NewSaver(cfg.TaskCheckpointDir(), cfg.MaxToKeep, logger)
	if !cfg.Load {
		if err := cfg.Save(filepath.Join(cfg.TaskCheckpointDir(), "config.yaml")); err != nil {
			return err
		}
	}

	tr, err := trainer.NewTrainer(cfg, model, autodiff.NewAdamOptimizer(cfg.LearningRate, 0), saver, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	res, err := tr.Run(ctx, splits)
	if err != nil {
		return err
	}
	logger.Info("Best dev ABSA f1 %.4f at iteration %d", res.BestDev, res.BestIter)
	return nil
}

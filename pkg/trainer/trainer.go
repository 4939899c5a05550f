// Package trainer drives RACL training: epochs over shuffled batches,
// dev and test evaluation after every iteration, best-dev checkpoints and
// prediction files at the end.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uiprogress"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/racl_absa/internal/log"
	"github.com/racl_absa/pkg/autodiff"
	"github.com/racl_absa/pkg/checkpoint"
	"github.com/racl_absa/pkg/core"
	"github.com/racl_absa/pkg/dataset"
	"github.com/racl_absa/pkg/evaluation"
	"github.com/racl_absa/pkg/racl"
)

// Dev metric and loss recorded while warming up
const (
	warmupMetric = 0.0
	warmupLoss   = 1000.0
)

// LossValues are batch-size weighted sums of the loss components
type LossValues struct {
	Total     float64
	Aspect    float64
	Opinion   float64
	Sentiment float64
	Reg       float64
}

func (l *LossValues) add(ls *racl.Losses, weight float64) {
	l.Total += ls.Total.Item() * weight
	l.Aspect += ls.Aspect.Item() * weight
	l.Opinion += ls.Opinion.Item() * weight
	l.Sentiment += ls.Sentiment.Item() * weight
	l.Reg += ls.Reg.Item() * weight
}

func (l LossValues) String() string {
	return fmt.Sprintf("final loss=%.6f, aspect loss=%.6f, opinion loss=%.6f, sentiment loss=%.6f, reg loss=%.6f",
		l.Total, l.Aspect, l.Opinion, l.Sentiment, l.Reg)
}

// Evaluation is the outcome of scoring one split
type Evaluation struct {
	Split   string
	Loss    LossValues
	Metrics evaluation.Metrics
	Input   evaluation.MetricInput
}

// Result summarises a Run
type Result struct {
	Iterations int
	// BestIter is the first iteration with the highest dev metric
	BestIter   int
	BestDev    float64
	Dev        *Evaluation
	Test       *Evaluation
	Checkpoint string
}

// Trainer owns the optimisation loop of a model
type Trainer struct {
	cfg   *core.Config
	model *racl.Model
	opt   *autodiff.AdamOptimizer
	saver *checkpoint.Saver
	log   log.Modular

	pool *ants.Pool
	rng  *rand.Rand
}

// NewTrainer creates a trainer with a forward pool of cfg.Workers goroutines
func NewTrainer(cfg *core.Config, model *racl.Model, opt *autodiff.AdamOptimizer, saver *checkpoint.Saver, logger log.Modular) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Noop()
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Trainer{
		cfg:   cfg,
		model: model,
		opt:   opt,
		saver: saver,
		log:   logger,
		pool:  pool,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Close releases the worker pool
func (t *Trainer) Close() {
	t.pool.Release()
}

// forwardBatch runs the per-sentence forwards of a batch on the pool. Each
// sentence gets its own generator seeded from the trainer in batch order.
func (t *Trainer) forwardBatch(batch []*dataset.Example, training bool) ([]*racl.Output, error) {
	outs := make([]*racl.Output, len(batch))
	errs := make([]error, len(batch))
	seeds := make([]int64, len(batch))
	if training {
		for i := range seeds {
			seeds[i] = t.rng.Int63()
		}
	}

	var wg sync.WaitGroup
	for i, ex := range batch {
		wg.Add(1)
		err := t.pool.Submit(func() {
			defer wg.Done()
			var rng *rand.Rand
			if training {
				rng = rand.New(rand.NewSource(seeds[i]))
			}
			outs[i], errs[i] = t.model.Forward(ex, training, rng)
		})
		if err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit forward: %w", err)
		}
	}
	wg.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	return outs, nil
}

func newProgressBar(total int) (*uiprogress.Progress, *uiprogress.Bar) {
	p := uiprogress.New()
	p.Start()
	bar := p.AddBar(total)
	bar.AppendCompleted()
	bar.PrependElapsed()
	return p, bar
}

// TrainEpoch makes one pass over the reshuffled training split and returns
// the loss components summed over sentences
func (t *Trainer) TrainEpoch(ctx context.Context, split *dataset.Split) (LossValues, error) {
	var total LossValues
	params := t.model.Parameters()
	batches := split.Batches(t.cfg.BatchSize, t.rng)

	var bar *uiprogress.Bar
	if t.cfg.Progress {
		var p *uiprogress.Progress
		p, bar = newProgressBar(len(batches))
		defer p.Stop()
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		autodiff.ZeroGradients(params)

		outs, err := t.forwardBatch(batch, true)
		if err != nil {
			return total, fmt.Errorf("train forward: %w", err)
		}
		losses, err := t.model.Loss(outs, batch)
		if err != nil {
			return total, fmt.Errorf("train loss: %w", err)
		}
		if err := losses.Total.Backward(); err != nil {
			return total, fmt.Errorf("backward: %w", err)
		}
		norm := autodiff.ClipGradients(params, t.cfg.ClipNorm)
		t.opt.Step(params)
		t.log.Trace("step %d: loss %.6f, grad norm %.4f", t.opt.T, losses.Total.Item(), norm)

		total.add(losses, float64(len(batch)))
		if bar != nil {
			bar.Incr()
		}
	}
	return total, nil
}

// EvaluateSplit scores a split without dropout, in batches of
// eval_batch_size, accumulating losses weighted by batch size
func (t *Trainer) EvaluateSplit(ctx context.Context, split *dataset.Split) (*Evaluation, error) {
	ev := &Evaluation{Split: split.Name}
	in := &ev.Input
	for _, batch := range split.Batches(t.cfg.EvalBatchSize, nil) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outs, err := t.forwardBatch(batch, false)
		if err != nil {
			return nil, fmt.Errorf("%s forward: %w", split.Name, err)
		}
		losses, err := t.model.Loss(outs, batch)
		if err != nil {
			return nil, fmt.Errorf("%s loss: %w", split.Name, err)
		}
		ev.Loss.add(losses, float64(len(batch)))

		for i, ex := range batch {
			pred := outs[i].Predict(ex)
			in.TrueAspect = append(in.TrueAspect, ex.Aspect.RowSlices())
			in.PredAspect = append(in.PredAspect, pred.Aspect)
			in.TrueOpinion = append(in.TrueOpinion, ex.Opinion.RowSlices())
			in.PredOpinion = append(in.PredOpinion, pred.Opinion)
			in.TrueSentiment = append(in.TrueSentiment, ex.Sentiment.RowSlices())
			in.PredSentiment = append(in.PredSentiment, pred.Sentiment)
			in.Mask = append(in.Mask, ex.WordMask)
		}
	}
	ev.Metrics = evaluation.GetMetric(ev.Input, true)
	return ev, nil
}

// banner centres s in a line of dashes like the training log separators
func banner(s string) string {
	const width = 80
	if len(s) >= width {
		return s
	}
	pad := width - len(s)
	return strings.Repeat("-", pad/2) + s + strings.Repeat("-", pad-pad/2)
}

func metricsLine(prefix string, m evaluation.Metrics) string {
	return fmt.Sprintf("%saspect f1=%.4f, opinion f1=%.4f, sentiment acc==%.4f, sentiment f1==%.4f, ABSA f1==%.4f,",
		prefix, m.AspectF1, m.OpinionF1, m.SentimentAcc, m.SentimentF1, m.ABSAF1)
}

func epochTime(d time.Duration) string {
	s := d.Seconds()
	minutes := float64(int64(s) / 60)
	return fmt.Sprintf("Epoch Time: %.0fm %.0fs", minutes, s-60*minutes)
}

// argBest returns the first index holding the best value
func argBest(values []float64, better func(a, b float64) bool) int {
	best := 0
	for i, v := range values {
		if better(v, values[best]) {
			best = i
		}
	}
	return best
}

// logParameters dumps the configuration and the parameter count
func (t *Trainer) logParameters() error {
	data, err := yaml.Marshal(t.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if len(doc.Content) == 1 && doc.Content[0].Kind == yaml.MappingNode {
		pairs := doc.Content[0].Content
		for i := 0; i+1 < len(pairs); i += 2 {
			t.log.Info(">>> %s: %s", pairs[i].Value, pairs[i+1].Value)
		}
	}
	t.log.Info(">>> total parameter: %s", humanize.Comma(int64(t.model.ParameterCount())))
	return nil
}

func (t *Trainer) restore() error {
	if t.saver == nil {
		return checkpoint.ErrNoCheckpoint
	}
	path, err := checkpoint.Latest(t.saver.Dir)
	if err != nil {
		return err
	}
	st := &checkpoint.State{Params: t.model.Parameters(), Optimizer: t.opt}
	if err := checkpoint.Restore(path, st); err != nil {
		return err
	}
	t.log.Info("Restored %s (step=%d, dev=%.4f)", path, st.Step, st.Metric)
	return nil
}

// Run trains for n_iter iterations, or restores the newest checkpoint and
// evaluates once when cfg.Load is set, then writes dev and test predictions.
func (t *Trainer) Run(ctx context.Context, splits *dataset.Splits) (*Result, error) {
	if err := t.logParameters(); err != nil {
		return nil, err
	}
	iterations := t.cfg.NIter
	if t.cfg.Load {
		if err := t.restore(); err != nil {
			return nil, fmt.Errorf("restore checkpoint: %w", err)
		}
		iterations = 1
	}

	res := &Result{BestDev: warmupMetric}
	var devMetrics, devLosses []float64
	for i := 0; i < iterations; i++ {
		var trainLoss LossValues
		timing := ""
		if !t.cfg.Load {
			start := time.Now()
			var err error
			if trainLoss, err = t.TrainEpoch(ctx, splits.Train); err != nil {
				return nil, fmt.Errorf("iteration %d: %w", i, err)
			}
			timing = epochTime(time.Since(start))
		}

		test, err := t.EvaluateSplit(ctx, splits.Test)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		dev, err := t.EvaluateSplit(ctx, splits.Dev)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		res.Dev, res.Test, res.Iterations = dev, test, i+1

		if i < t.cfg.WarmupIter {
			devMetrics = append(devMetrics, warmupMetric)
			devLosses = append(devLosses, warmupLoss)
		} else {
			devMetrics = append(devMetrics, dev.Metrics.ABSAF1)
			devLosses = append(devLosses, dev.Loss.Total)
			if dev.Metrics.ABSAF1 > res.BestDev {
				res.BestDev = dev.Metrics.ABSAF1
				t.log.Info("New Best Dev: %.3f", dev.Metrics.ABSAF1)
				if !t.cfg.Load && t.saver != nil {
					t.log.Info("Saving model...")
					path, err := t.saver.Save(&checkpoint.State{
						Params:    t.model.Parameters(),
						Optimizer: t.opt,
						Step:      i,
						Metric:    dev.Metrics.ABSAF1,
					})
					if err != nil {
						return nil, fmt.Errorf("save checkpoint: %w", err)
					}
					res.Checkpoint = path
				}
			}
		}
		res.BestIter = argBest(devMetrics, func(a, b float64) bool { return a > b })

		if !t.cfg.Load {
			t.log.Info("%s", banner(fmt.Sprintf("Iter%d", i)))
			t.log.Info("Train: %s, step=%d", trainLoss, t.opt.T)
			t.log.Info("Dev:   %s, step=%d", dev.Loss, t.opt.T)
			t.log.Info("%s", metricsLine("Dev:   ", dev.Metrics))
			t.log.Info("%s", metricsLine("Test:  ", test.Metrics))
			t.log.Info("Current Max Metrics Index : %d Current Min Loss Index : %d %s",
				res.BestIter, argBest(devLosses, func(a, b float64) bool { return a < b }), timing)
		} else {
			t.log.Info("%s", metricsLine("Dev:   ", dev.Metrics))
			t.log.Info("%s", metricsLine("Test:  ", test.Metrics))
		}
	}
	t.log.Info("%s", banner("Mission Complete"))

	if res.Dev == nil {
		return res, nil
	}
	if err := t.writePredictions(res.Dev, t.cfg.TaskPredictionDir("dev")); err != nil {
		return nil, err
	}
	if err := t.writePredictions(res.Test, t.cfg.TaskPredictionDir("test")); err != nil {
		return nil, err
	}
	return res, nil
}

func (t *Trainer) writePredictions(ev *Evaluation, dir string) error {
	t.log.Info("%s", banner(fmt.Sprintf("Writing %s predictions to %s", ev.Split, dir)))
	err := evaluation.WritePredictions(dir, ev.Input.PredAspect, ev.Input.PredOpinion, ev.Input.PredSentiment, ev.Input.Mask)
	if err != nil {
		return fmt.Errorf("write %s predictions: %w", ev.Split, err)
	}
	return nil
}

// IsCanceled reports whether err comes from an interrupted context
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

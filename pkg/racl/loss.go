package racl

import (
	"fmt"

	"github.com/racl_absa/pkg/autodiff"
	"github.com/racl_absa/pkg/dataset"
)

// Losses are the batch objective and its components, all 1x1
type Losses struct {
	Total     *autodiff.Tensor
	Aspect    *autodiff.Tensor
	Opinion   *autodiff.Tensor
	Sentiment *autodiff.Tensor
	Reg       *autodiff.Tensor
}

// rowMask expands a per-token mask to a rows x cols constant
func rowMask(mask []float64, cols int) *autodiff.Tensor {
	m := autodiff.MustNewMatrix(len(mask), cols)
	for i, v := range mask {
		if v == 0 {
			continue
		}
		row := m.Row(i)
		for j := range row {
			row[j] = v
		}
	}
	return autodiff.Constant(m)
}

func maskedCrossEntropy(logits *autodiff.Tensor, mask []float64, labels *autodiff.Matrix) (*autodiff.Tensor, error) {
	masked, err := autodiff.Multiply(logits, rowMask(mask, logits.Data.Cols))
	if err != nil {
		return nil, err
	}
	return autodiff.SoftmaxCrossEntropy(masked, labels)
}

// tagMass is the probability a token is tagged anything but outside, L x 1
func tagMass(logits *autodiff.Tensor) (*autodiff.Tensor, error) {
	probs, err := autodiff.Softmax(logits)
	if err != nil {
		return nil, err
	}
	tagged, err := autodiff.SliceCols(probs, 1, probs.Data.Cols)
	if err != nil {
		return nil, err
	}
	return autodiff.RowSum(tagged)
}

// overlapPenalty sums max(0, P(aspect) + P(opinion) - 1) over positions
func overlapPenalty(out *Output) (*autodiff.Tensor, error) {
	aspect, err := tagMass(out.Aspect)
	if err != nil {
		return nil, err
	}
	opinion, err := tagMass(out.Opinion)
	if err != nil {
		return nil, err
	}
	both, err := autodiff.Add(aspect, opinion)
	if err != nil {
		return nil, err
	}
	if both, err = autodiff.AddScalar(both, -1); err != nil {
		return nil, err
	}
	if both, err = autodiff.ReLU(both); err != nil {
		return nil, err
	}
	return autodiff.Sum(both)
}

func addTo(acc, t *autodiff.Tensor) (*autodiff.Tensor, error) {
	if acc == nil {
		return t, nil
	}
	return autodiff.Add(acc, t)
}

// Loss builds the joint objective of a batch. Each cross entropy is summed
// over the batch and divided by batch size times max length. The overlap
// penalty is divided by the number of real tokens.
func (m *Model) Loss(outs []*Output, batch []*dataset.Example) (*Losses, error) {
	if len(outs) != len(batch) {
		return nil, fmt.Errorf("%d outputs for %d examples", len(outs), len(batch))
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	var aspect, opinion, senti, reg *autodiff.Tensor
	tokens := 0.0
	for i, ex := range batch {
		out := outs[i]
		ce, err := maskedCrossEntropy(out.Aspect, ex.WordMask, ex.Aspect)
		if err != nil {
			return nil, fmt.Errorf("aspect loss: %w", err)
		}
		if aspect, err = addTo(aspect, ce); err != nil {
			return nil, err
		}
		if ce, err = maskedCrossEntropy(out.Opinion, ex.WordMask, ex.Opinion); err != nil {
			return nil, fmt.Errorf("opinion loss: %w", err)
		}
		if opinion, err = addTo(opinion, ce); err != nil {
			return nil, err
		}
		if ce, err = maskedCrossEntropy(out.Sentiment, ex.SentiMask, ex.Sentiment); err != nil {
			return nil, fmt.Errorf("sentiment loss: %w", err)
		}
		if senti, err = addTo(senti, ce); err != nil {
			return nil, err
		}
		penalty, err := overlapPenalty(out)
		if err != nil {
			return nil, fmt.Errorf("regularisation: %w", err)
		}
		if reg, err = addTo(reg, penalty); err != nil {
			return nil, err
		}
		for _, v := range ex.WordMask {
			tokens += v
		}
	}

	norm := 1.0 / float64(len(batch)*batch[0].MaxLen())
	l := &Losses{}
	var err error
	if l.Aspect, err = autodiff.ScalarMultiply(aspect, norm); err != nil {
		return nil, err
	}
	if l.Opinion, err = autodiff.ScalarMultiply(opinion, norm); err != nil {
		return nil, err
	}
	if l.Sentiment, err = autodiff.ScalarMultiply(senti, norm); err != nil {
		return nil, err
	}
	if tokens == 0 {
		tokens = 1
	}
	if l.Reg, err = autodiff.ScalarMultiply(reg, 1/tokens); err != nil {
		return nil, err
	}

	scaledReg, err := autodiff.ScalarMultiply(l.Reg, m.Config.RegScale)
	if err != nil {
		return nil, err
	}
	total := l.Aspect
	for _, t := range []*autodiff.Tensor{l.Opinion, l.Sentiment, scaledReg} {
		if total, err = autodiff.Add(total, t); err != nil {
			return nil, err
		}
	}
	l.Total = total
	return l, nil
}

// Prediction holds masked logits ready for span scoring
type Prediction struct {
	Aspect    [][]float64
	Opinion   [][]float64
	Sentiment [][]float64
}

func maskedRows(t *autodiff.Tensor, mask []float64) [][]float64 {
	rows := t.Data.RowSlices()
	for i, row := range rows {
		for j := range row {
			row[j] *= mask[i]
		}
	}
	return rows
}

// Predict zeroes the logits of padded positions. Sentiment uses the
// sentiment mask.
func (o *Output) Predict(ex *dataset.Example) *Prediction {
	return &Prediction{
		Aspect:    maskedRows(o.Aspect, ex.WordMask),
		Opinion:   maskedRows(o.Opinion, ex.WordMask),
		Sentiment: maskedRows(o.Sentiment, ex.SentiMask),
	}
}

package racl

import (
	"fmt"
	"math/rand"

	"github.com/racl_absa/internal/utils"
	"github.com/racl_absa/pkg/autodiff"
	"github.com/racl_absa/pkg/dataset"
)

// Output holds the hop-averaged logits of one sentence, each max_len x classes
type Output struct {
	Aspect    *autodiff.Tensor
	Opinion   *autodiff.Tensor
	Sentiment *autodiff.Tensor
}

// hopState is threaded from one hop to the next. Query accumulates the
// retrieved context and is never reset.
type hopState struct {
	Aspect  *autodiff.Tensor
	Opinion *autodiff.Tensor
	Context *autodiff.Tensor
	Query   *autodiff.Tensor
}

// sentenceInputs are the per-sentence constants every hop reads
type sentenceInputs struct {
	mask []float64
	// position bias
	position *autodiff.Tensor
	// position bias with padded columns zeroed
	maskedPosition *autodiff.Tensor
}

// prepare embeds a sentence and builds the state fed to the first hop
func (m *Model) prepare(ex *dataset.Example, training bool, rng *rand.Rand) (hopState, sentenceInputs, error) {
	if ex.MaxLen() == 0 {
		return hopState{}, sentenceInputs{}, fmt.Errorf("example has no positions")
	}
	emb, err := m.embed(ex.Tokens)
	if err != nil {
		return hopState{}, sentenceInputs{}, err
	}
	pos, err := ex.Position()
	if err != nil {
		return hopState{}, sentenceInputs{}, err
	}
	in := sentenceInputs{
		mask:           ex.WordMask,
		position:       autodiff.Constant(pos),
		maskedPosition: autodiff.Constant(utils.MaskColumns(pos, ex.WordMask)),
	}

	// Shared feature
	x, err := m.inputDropout.Forward(autodiff.Constant(emb), training, rng)
	if err != nil {
		return hopState{}, in, err
	}
	shared, err := m.Inputs.forward(x)
	if err != nil {
		return hopState{}, in, fmt.Errorf("shared feature: %w", err)
	}
	if shared, err = m.inputDropout.Forward(shared, training, rng); err != nil {
		return hopState{}, in, err
	}
	return hopState{Aspect: shared, Opinion: shared, Context: shared, Query: shared}, in, nil
}

// Forward runs the network on one sentence. Dropout and DropBlock are only
// active when training; rng drives them and may be nil otherwise.
func (m *Model) Forward(ex *dataset.Example, training bool, rng *rand.Rand) (*Output, error) {
	state, in, err := m.prepare(ex, training, rng)
	if err != nil {
		return nil, err
	}

	var aspectLogits, opinionLogits, sentiLogits []*autodiff.Tensor
	for i, h := range m.Hops {
		var out *Output
		state, out, err = m.hop(h, state, in, training, rng)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		aspectLogits = append(aspectLogits, out.Aspect)
		opinionLogits = append(opinionLogits, out.Opinion)
		sentiLogits = append(sentiLogits, out.Sentiment)
	}

	// Multi-layer shortcut
	var res Output
	if res.Aspect, err = autodiff.Mean(aspectLogits...); err != nil {
		return nil, err
	}
	if res.Opinion, err = autodiff.Mean(opinionLogits...); err != nil {
		return nil, err
	}
	if res.Sentiment, err = autodiff.Mean(sentiLogits...); err != nil {
		return nil, err
	}
	return &res, nil
}

// crossAttend returns [self ; softmax(cos(self, other)) · other] and the
// attention weights
func crossAttend(self, other, selfNorm, otherNorm *autodiff.Tensor, mask []float64) (inter, att *autodiff.Tensor, err error) {
	scores, err := autodiff.MatMulTransB(selfNorm, otherNorm)
	if err != nil {
		return nil, nil, err
	}
	if att, err = autodiff.MaskedSoftmax(scores, mask, false); err != nil {
		return nil, nil, err
	}
	ctx, err := autodiff.MatMul(att, other)
	if err != nil {
		return nil, nil, err
	}
	inter, err = autodiff.ConcatCols(self, ctx)
	return inter, att, err
}

// opinionConfidence is max(0, 1 - 2·P(outside)) per token, as a 1 x L row
func opinionConfidence(opinionLogits *autodiff.Tensor) (*autodiff.Tensor, error) {
	probs, err := autodiff.Softmax(opinionLogits)
	if err != nil {
		return nil, err
	}
	outside, err := autodiff.SliceCols(probs, 0, 1)
	if err != nil {
		return nil, err
	}
	scaled, err := autodiff.ScalarMultiply(outside, -2)
	if err != nil {
		return nil, err
	}
	shifted, err := autodiff.AddScalar(scaled, 1)
	if err != nil {
		return nil, err
	}
	conf, err := autodiff.ReLU(shifted)
	if err != nil {
		return nil, err
	}
	return autodiff.Transpose(conf)
}

func (m *Model) hop(h *hop, s hopState, in sentenceInputs, training bool, rng *rand.Rand) (hopState, *Output, error) {
	var out Output

	// Aspect and opinion convolutions
	aspectConv, err := h.AspectConv.forward(s.Aspect)
	if err != nil {
		return s, nil, fmt.Errorf("aspect conv: %w", err)
	}
	opinionConv, err := h.OpinionConv.forward(s.Opinion)
	if err != nil {
		return s, nil, fmt.Errorf("opinion conv: %w", err)
	}

	// Relation R1
	aspectNorm, err := autodiff.L2NormalizeRows(aspectConv)
	if err != nil {
		return s, nil, err
	}
	opinionNorm, err := autodiff.L2NormalizeRows(opinionConv)
	if err != nil {
		return s, nil, err
	}
	aspectInter, aspectAtt, err := crossAttend(aspectConv, opinionConv, aspectNorm, opinionNorm, in.mask)
	if err != nil {
		return s, nil, fmt.Errorf("aspect attention: %w", err)
	}
	opinionInter, _, err := crossAttend(opinionConv, aspectConv, opinionNorm, aspectNorm, in.mask)
	if err != nil {
		return s, nil, fmt.Errorf("opinion attention: %w", err)
	}

	if out.Aspect, err = h.AspectP.forward(aspectInter); err != nil {
		return s, nil, err
	}
	if out.Opinion, err = h.OpinionP.forward(opinionInter); err != nil {
		return s, nil, err
	}

	// Opinion propagation gated by confidence
	conf, err := opinionConfidence(out.Opinion)
	if err != nil {
		return s, nil, err
	}
	propagate, err := autodiff.MulRowVector(in.maskedPosition, conf)
	if err != nil {
		return s, nil, err
	}

	// Aspect-context attention
	contextConv, err := h.ContextConv.forward(s.Context)
	if err != nil {
		return s, nil, fmt.Errorf("context conv: %w", err)
	}
	contextNorm, err := autodiff.L2NormalizeRows(contextConv)
	if err != nil {
		return s, nil, err
	}
	see, err := autodiff.MatMulTransB(s.Query, contextNorm)
	if err != nil {
		return s, nil, err
	}
	if see, err = autodiff.Multiply(see, in.position); err != nil {
		return s, nil, err
	}
	att, err := autodiff.MaskedSoftmax(see, in.mask, true)
	if err != nil {
		return s, nil, err
	}

	// Relations R2 and R3
	if att, err = autodiff.Add(att, aspectAtt); err != nil {
		return s, nil, err
	}
	if att, err = autodiff.Add(att, propagate); err != nil {
		return s, nil, err
	}
	retrieved, err := autodiff.MatMul(att, contextConv)
	if err != nil {
		return s, nil, err
	}
	contextInter, err := autodiff.Add(s.Query, retrieved)
	if err != nil {
		return s, nil, err
	}
	if out.Sentiment, err = h.SentiP.forward(contextInter); err != nil {
		return s, nil, err
	}

	// DropBlock on the private features fed to the next hop
	if aspectInter, err = m.dropBlock.Forward(aspectInter, training, rng); err != nil {
		return s, nil, err
	}
	if opinionInter, err = m.dropBlock.Forward(opinionInter, training, rng); err != nil {
		return s, nil, err
	}
	if contextConv, err = m.dropBlock.Forward(contextConv, training, rng); err != nil {
		return s, nil, err
	}

	next := hopState{
		Aspect:  aspectInter,
		Opinion: opinionInter,
		Context: contextConv,
		Query:   contextInter,
	}
	return next, &out, nil
}

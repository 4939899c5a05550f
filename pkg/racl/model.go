// Package racl implements the relation-aware collaborative learning network
// that jointly tags aspect terms, opinion terms and aspect sentiment.
package racl

import (
	"fmt"
	"math/rand"

	"github.com/racl_absa/internal/utils"
	"github.com/racl_absa/pkg/autodiff"
	"github.com/racl_absa/pkg/core"
)

// linearInitRange bounds the uniform initialisation of prediction layers
const linearInitRange = 0.01

// dropBlockSize is the block edge used on hop outputs
const dropBlockSize = 3

// conv is a 1-D convolution layer
type conv struct {
	Kernel *autodiff.Tensor
	Bias   *autodiff.Tensor
	Size   int
}

func newConv(name string, size, in, out int, rng *rand.Rand) *conv {
	w, _ := autodiff.NewGlorotMatrix(size*in, out, size*in, size*out, rng)
	return &conv{
		Kernel: autodiff.NewParameter(name+"/kernel", w),
		Bias:   autodiff.NewParameter(name+"/bias", autodiff.MustNewMatrix(1, out)),
		Size:   size,
	}
}

// forward applies the convolution followed by ReLU
func (c *conv) forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	out, err := autodiff.Conv1D(x, c.Kernel, c.Bias, c.Size)
	if err != nil {
		return nil, err
	}
	return autodiff.ReLU(out)
}

func (c *conv) params() []*autodiff.Tensor {
	return []*autodiff.Tensor{c.Kernel, c.Bias}
}

// linear is a fully connected layer without activation
type linear struct {
	Weights *autodiff.Tensor
	Biases  *autodiff.Tensor
}

func newLinear(name string, in, out int, rng *rand.Rand) *linear {
	w, _ := autodiff.NewUniformMatrix(in, out, -linearInitRange, linearInitRange, rng)
	b, _ := autodiff.NewUniformMatrix(1, out, -linearInitRange, linearInitRange, rng)
	return &linear{
		Weights: autodiff.NewParameter(name+"/weights", w),
		Biases:  autodiff.NewParameter(name+"/biases", b),
	}
}

func (l *linear) forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	out, err := autodiff.MatMul(x, l.Weights)
	if err != nil {
		return nil, err
	}
	return autodiff.AddRowVector(out, l.Biases)
}

func (l *linear) params() []*autodiff.Tensor {
	return []*autodiff.Tensor{l.Weights, l.Biases}
}

// hop holds the parameters of one refinement round
type hop struct {
	AspectConv  *conv
	OpinionConv *conv
	ContextConv *conv
	AspectP     *linear
	OpinionP    *linear
	SentiP      *linear
}

// Model is the RACL network
type Model struct {
	Config *core.Config

	// Frozen pretrained tables indexed by token id
	WordEmbedding   *autodiff.Matrix
	DomainEmbedding *autodiff.Matrix

	Inputs *conv
	Hops   []*hop

	inputDropout *utils.Dropout
	dropBlock    *utils.DropBlock2D
}

// NewModel initialises a model over the given embedding tables
func NewModel(cfg *core.Config, wordEmbedding, domainEmbedding *autodiff.Matrix, rng *rand.Rand) (*Model, error) {
	if wordEmbedding.Rows != domainEmbedding.Rows {
		return nil, fmt.Errorf("embedding tables cover different vocabularies: %d vs %d rows",
			wordEmbedding.Rows, domainEmbedding.Rows)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	inDim := wordEmbedding.Cols + domainEmbedding.Cols
	f, e, c, k := cfg.FilterNum, cfg.EmbDim, cfg.ClassNum, cfg.KernelSize
	m := &Model{
		Config:          cfg,
		WordEmbedding:   wordEmbedding,
		DomainEmbedding: domainEmbedding,
		Inputs:          newConv("inputs", 1, inDim, e, rng),
		inputDropout:    utils.NewDropout(cfg.KP1),
		dropBlock:       utils.NewDropBlock2D(cfg.KP2, dropBlockSize),
	}
	for i := 0; i < cfg.HopNum; i++ {
		scope := fmt.Sprintf("layers_%d/", i)
		aspectIn := 2 * f
		if i == 0 {
			aspectIn = e
		}
		m.Hops = append(m.Hops, &hop{
			AspectConv:  newConv(scope+"aspect_conv", k, aspectIn, f, rng),
			OpinionConv: newConv(scope+"opinion_conv", k, aspectIn, f, rng),
			ContextConv: newConv(scope+"context_conv", k, e, e, rng),
			AspectP:     newLinear(scope+"aspect_p", 2*f, c, rng),
			OpinionP:    newLinear(scope+"opinion_p", 2*f, c, rng),
			SentiP:      newLinear(scope+"senti_p", e, c, rng),
		})
	}
	return m, nil
}

// Parameters returns every trainable tensor keyed by name
func (m *Model) Parameters() map[string]*autodiff.Tensor {
	params := map[string]*autodiff.Tensor{}
	add := func(ts ...*autodiff.Tensor) {
		for _, t := range ts {
			params[t.Name] = t
		}
	}
	add(m.Inputs.params()...)
	for _, h := range m.Hops {
		add(h.AspectConv.params()...)
		add(h.OpinionConv.params()...)
		add(h.ContextConv.params()...)
		add(h.AspectP.params()...)
		add(h.OpinionP.params()...)
		add(h.SentiP.params()...)
	}
	return params
}

// ParameterCount returns the number of trainable scalars
func (m *Model) ParameterCount() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Data.Rows * p.Data.Cols
	}
	return n
}

// embed looks up and concatenates word and domain vectors
func (m *Model) embed(tokens []int) (*autodiff.Matrix, error) {
	wd, dd := m.WordEmbedding.Cols, m.DomainEmbedding.Cols
	out, err := autodiff.NewMatrix(len(tokens), wd+dd)
	if err != nil {
		return nil, err
	}
	for i, id := range tokens {
		if id < 0 || id >= m.WordEmbedding.Rows {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, m.WordEmbedding.Rows)
		}
		row := out.Row(i)
		copy(row[:wd], m.WordEmbedding.Row(id))
		copy(row[wd:], m.DomainEmbedding.Row(id))
	}
	return out, nil
}

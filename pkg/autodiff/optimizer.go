package autodiff

import (
	"math"
	"sort"
)

// AdamOptimizer implements the Adam optimization algorithm
type AdamOptimizer struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	M            map[string]*Matrix
	V            map[string]*Matrix
	T            int
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(lr float64, weightDecay float64) *AdamOptimizer {
	return &AdamOptimizer{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  weightDecay,
		M:            make(map[string]*Matrix),
		V:            make(map[string]*Matrix),
	}
}

// Step performs one optimization step over every named parameter
func (opt *AdamOptimizer) Step(params map[string]*Tensor) {
	opt.T++
	bc1 := 1.0 - math.Pow(opt.Beta1, float64(opt.T))
	bc2 := 1.0 - math.Pow(opt.Beta2, float64(opt.T))

	for _, name := range SortedNames(params) {
		param := params[name]
		if param.Grad == nil || !param.Requires {
			continue
		}
		m, ok := opt.M[name]
		if !ok {
			m = MustNewMatrix(param.Data.Rows, param.Data.Cols)
			opt.M[name] = m
			opt.V[name] = MustNewMatrix(param.Data.Rows, param.Data.Cols)
		}
		v := opt.V[name]

		for i, g := range param.Grad.Data {
			if opt.WeightDecay > 0 {
				g += opt.WeightDecay * param.Data.Data[i]
			}
			m.Data[i] = opt.Beta1*m.Data[i] + (1.0-opt.Beta1)*g
			v.Data[i] = opt.Beta2*v.Data[i] + (1.0-opt.Beta2)*g*g
			mCorrected := m.Data[i] / bc1
			vCorrected := v.Data[i] / bc2
			param.Data.Data[i] -= opt.LearningRate * mCorrected / (math.Sqrt(vCorrected) + opt.Epsilon)
		}
	}
}

// ClipGradients rescales all gradients so their global norm is at most
// maxNorm and returns the norm before clipping. A non-positive maxNorm
// disables clipping.
func ClipGradients(params map[string]*Tensor, maxNorm float64) float64 {
	totalNormSq := 0.0
	for _, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		for _, g := range param.Grad.Data {
			totalNormSq += g * g
		}
	}
	totalNorm := math.Sqrt(totalNormSq)
	if maxNorm > 0 && totalNorm > maxNorm {
		clipFactor := maxNorm / (totalNorm + 1e-6)
		for _, param := range params {
			if param.Grad == nil || !param.Requires {
				continue
			}
			for i := range param.Grad.Data {
				param.Grad.Data[i] *= clipFactor
			}
		}
	}
	return totalNorm
}

// ZeroGradients clears the gradient of every parameter
func ZeroGradients(params map[string]*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SortedNames returns the parameter names in lexical order
func SortedNames(params map[string]*Tensor) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package autodiff

import (
	"fmt"
	"math"
)

const (
	// l2NormEpsilon bounds the squared norm from below in L2NormalizeRows
	l2NormEpsilon = 1e-12
	// maskedSoftmaxEpsilon keeps fully masked rows finite
	maskedSoftmaxEpsilon = 1e-10
)

// L2NormalizeRows scales each row to unit Euclidean norm
func L2NormalizeRows(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := newResult("l2_normalize_result", a.Data.Rows, a.Data.Cols, a)
	if err != nil {
		return nil, err
	}

	norms := make([]float64, a.Data.Rows)
	clamped := make([]bool, a.Data.Rows)
	for i := 0; i < a.Data.Rows; i++ {
		sq := 0.0
		for _, v := range a.Data.Row(i) {
			sq += v * v
		}
		if sq < l2NormEpsilon {
			sq = l2NormEpsilon
			clamped[i] = true
		}
		norms[i] = math.Sqrt(sq)
		out := result.Data.Row(i)
		for j, v := range a.Data.Row(i) {
			out[j] = v / norms[i]
		}
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < a.Data.Rows; i++ {
				g := result.Grad.Row(i)
				ag := a.Grad.Row(i)
				if clamped[i] {
					for j := range ag {
						ag[j] += g[j] / norms[i]
					}
					continue
				}
				y := result.Data.Row(i)
				dot := 0.0
				for j := range y {
					dot += g[j] * y[j]
				}
				for j := range ag {
					ag[j] += (g[j] - y[j]*dot) / norms[i]
				}
			}
		}
	}

	return result, nil
}

// MaskedSoftmax normalises each row of a square score matrix over the
// unmasked columns and zeroes the masked rows:
//
//	out[i][j] = mask[i] * exp(x[i][j]) * mask[j] / (sum_k exp(x[i][k]) * mask[k] + 1e-10)
//
// When shift is set the row maximum is subtracted first.
func MaskedSoftmax(a *Tensor, mask []float64, shift bool) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if a.Data.Rows != len(mask) || a.Data.Cols != len(mask) {
		return nil, fmt.Errorf("mask length %d doesn't match scores a(%dx%d)", len(mask), a.Data.Rows, a.Data.Cols)
	}
	result, err := newResult("masked_softmax_result", a.Data.Rows, a.Data.Cols, a)
	if err != nil {
		return nil, err
	}

	// probs keeps the normalised weights before the row mask is applied
	probs := MustNewMatrix(a.Data.Rows, a.Data.Cols)
	for i := 0; i < a.Data.Rows; i++ {
		x := a.Data.Row(i)
		offset := 0.0
		if shift {
			offset = math.Inf(-1)
			for _, v := range x {
				if v > offset {
					offset = v
				}
			}
		}
		p := probs.Row(i)
		sum := 0.0
		for j, v := range x {
			p[j] = math.Exp(v-offset) * mask[j]
			sum += p[j]
		}
		out := result.Data.Row(i)
		for j := range p {
			p[j] /= sum + maskedSoftmaxEpsilon
			out[j] = p[j] * mask[i]
		}
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < a.Data.Rows; i++ {
				if mask[i] == 0 {
					continue
				}
				p := probs.Row(i)
				g := result.Grad.Row(i)
				dot := 0.0
				for j := range p {
					dot += g[j] * p[j]
				}
				ag := a.Grad.Row(i)
				for j := range p {
					ag[j] += mask[i] * p[j] * (g[j] - dot)
				}
			}
		}
	}

	return result, nil
}

// Unfold gathers a kernel-wide window around every row of a, producing an
// L x (kernel*D) matrix. Windows use SAME padding: the kernel is centred with
// (kernel-1)/2 zero rows before the sequence and the remainder after.
func Unfold(a *Tensor, kernel int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if kernel <= 0 {
		return nil, fmt.Errorf("kernel size must be positive, got %d", kernel)
	}
	rows, cols := a.Data.Rows, a.Data.Cols
	result, err := newResult("unfold_result", rows, kernel*cols, a)
	if err != nil {
		return nil, err
	}

	padLeft := (kernel - 1) / 2
	for i := 0; i < rows; i++ {
		out := result.Data.Row(i)
		for k := 0; k < kernel; k++ {
			src := i + k - padLeft
			if src < 0 || src >= rows {
				continue
			}
			copy(out[k*cols:(k+1)*cols], a.Data.Row(src))
		}
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < rows; i++ {
				g := result.Grad.Row(i)
				for k := 0; k < kernel; k++ {
					src := i + k - padLeft
					if src < 0 || src >= rows {
						continue
					}
					ag := a.Grad.Row(src)
					for j := range ag {
						ag[j] += g[k*cols+j]
					}
				}
			}
		}
	}

	return result, nil
}

// Conv1D applies a 1-D convolution with SAME padding. The kernel is laid out
// as (kernel*inDim) x outDim and the bias as 1 x outDim.
func Conv1D(a, weights, bias *Tensor, kernel int) (*Tensor, error) {
	if weights.Data.Rows != kernel*a.Data.Cols {
		return nil, fmt.Errorf("conv kernel a(%dx%d) doesn't match input width %d with kernel size %d",
			weights.Data.Rows, weights.Data.Cols, a.Data.Cols, kernel)
	}
	windows := a
	if kernel > 1 {
		var err error
		if windows, err = Unfold(a, kernel); err != nil {
			return nil, err
		}
	}
	out, err := MatMul(windows, weights)
	if err != nil {
		return nil, err
	}
	return AddRowVector(out, bias)
}

// SoftmaxCrossEntropy sums, over rows, the cross-entropy between the softmax
// of logits and the label distribution in the same row. Label rows may be
// all zero, in which case the row contributes nothing.
func SoftmaxCrossEntropy(logits *Tensor, labels *Matrix) (*Tensor, error) {
	if logits == nil || labels == nil {
		return nil, fmt.Errorf("inputs cannot be nil")
	}
	if !logits.Data.SameShape(labels) {
		return nil, fmt.Errorf("label dimensions don't match: logits(%dx%d), labels(%dx%d)",
			logits.Data.Rows, logits.Data.Cols, labels.Rows, labels.Cols)
	}
	result, err := newResult("cross_entropy_result", 1, 1, logits)
	if err != nil {
		return nil, err
	}

	probs := MustNewMatrix(logits.Data.Rows, logits.Data.Cols)
	loss := 0.0
	for i := 0; i < logits.Data.Rows; i++ {
		x := logits.Data.Row(i)
		maxVal := math.Inf(-1)
		for _, v := range x {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for _, v := range x {
			sum += math.Exp(v - maxVal)
		}
		logSum := maxVal + math.Log(sum)
		p := probs.Row(i)
		for j, v := range x {
			p[j] = math.Exp(v - logSum)
			loss -= labels.At(i, j) * (v - logSum)
		}
	}
	result.Data.Data[0] = loss

	if result.Requires {
		result.BackwardFn = func() {
			g := result.Grad.Data[0]
			for i := 0; i < logits.Data.Rows; i++ {
				y := labels.Row(i)
				mass := 0.0
				for _, v := range y {
					mass += v
				}
				if mass == 0 {
					continue
				}
				p := probs.Row(i)
				lg := logits.Grad.Row(i)
				for j := range lg {
					lg[j] += g * (mass*p[j] - y[j])
				}
			}
		}
	}

	return result, nil
}

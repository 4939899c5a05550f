package autodiff

import (
	"fmt"
	"math"
)

// MatMul performs matrix multiplication with gradient tracking
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}

	data, err := MatMulMatrix(a.Data, b.Data)
	if err != nil {
		return nil, err
	}
	result, err := newResult("matmul_result", data.Rows, data.Cols, a, b)
	if err != nil {
		return nil, err
	}
	result.Data = data

	if result.Requires {
		result.BackwardFn = func() {
			if a.Requires {
				// dL/dA = dL/dC * B^T
				dA, _ := MatMulTransBMatrix(result.Grad, b.Data)
				accumulate(a, dA.Data)
			}
			if b.Requires {
				// dL/dB = A^T * dL/dC
				dB, _ := MatMulTransAMatrix(a.Data, result.Grad)
				accumulate(b, dB.Data)
			}
		}
	}

	return result, nil
}

// MatMulTransB computes a·bᵀ with gradient tracking
func MatMulTransB(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}

	data, err := MatMulTransBMatrix(a.Data, b.Data)
	if err != nil {
		return nil, err
	}
	result, err := newResult("matmul_transb_result", data.Rows, data.Cols, a, b)
	if err != nil {
		return nil, err
	}
	result.Data = data

	if result.Requires {
		result.BackwardFn = func() {
			if a.Requires {
				// dL/dA = dL/dC * B
				dA, _ := MatMulMatrix(result.Grad, b.Data)
				accumulate(a, dA.Data)
			}
			if b.Requires {
				// dL/dB = dL/dC^T * A
				dB, _ := MatMulTransAMatrix(result.Grad, a.Data)
				accumulate(b, dB.Data)
			}
		}
	}

	return result, nil
}

func checkSameShape(op string, a, b *Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("input tensors cannot be nil")
	}
	if !a.Data.SameShape(b.Data) {
		return fmt.Errorf("matrix dimensions don't match for %s: a(%dx%d), b(%dx%d)",
			op, a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}
	return nil
}

// Add performs element-wise addition with gradient tracking
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("addition", a, b); err != nil {
		return nil, err
	}
	result, err := newResult("add_result", a.Data.Rows, a.Data.Cols, a, b)
	if err != nil {
		return nil, err
	}

	for i := range result.Data.Data {
		result.Data.Data[i] = a.Data.Data[i] + b.Data.Data[i]
	}

	if result.Requires {
		result.BackwardFn = func() {
			accumulate(a, result.Grad.Data)
			accumulate(b, result.Grad.Data)
		}
	}

	return result, nil
}

// Multiply performs element-wise multiplication (Hadamard product) with gradient tracking
func Multiply(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("element-wise multiplication", a, b); err != nil {
		return nil, err
	}
	result, err := newResult("multiply_result", a.Data.Rows, a.Data.Cols, a, b)
	if err != nil {
		return nil, err
	}

	for i := range result.Data.Data {
		result.Data.Data[i] = a.Data.Data[i] * b.Data.Data[i]
	}

	if result.Requires {
		result.BackwardFn = func() {
			g := result.Grad.Data
			if a.Requires {
				for i, v := range g {
					a.Grad.Data[i] += v * b.Data.Data[i]
				}
			}
			if b.Requires {
				for i, v := range g {
					b.Grad.Data[i] += v * a.Data.Data[i]
				}
			}
		}
	}

	return result, nil
}

// ScalarMultiply multiplies every element by a constant
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := newResult("scalar_multiply_result", a.Data.Rows, a.Data.Cols, a)
	if err != nil {
		return nil, err
	}

	for i, v := range a.Data.Data {
		result.Data.Data[i] = v * scalar
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i, v := range result.Grad.Data {
				a.Grad.Data[i] += v * scalar
			}
		}
	}

	return result, nil
}

// AddScalar adds a constant to every element
func AddScalar(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := newResult("add_scalar_result", a.Data.Rows, a.Data.Cols, a)
	if err != nil {
		return nil, err
	}

	for i, v := range a.Data.Data {
		result.Data.Data[i] = v + scalar
	}

	if result.Requires {
		result.BackwardFn = func() {
			accumulate(a, result.Grad.Data)
		}
	}

	return result, nil
}

// ReLU applies the rectified linear unit max(0, x)
func ReLU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := newResult("relu_result", a.Data.Rows, a.Data.Cols, a)
	if err != nil {
		return nil, err
	}

	for i, v := range a.Data.Data {
		if v > 0 {
			result.Data.Data[i] = v
		}
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i, v := range result.Grad.Data {
				if a.Data.Data[i] > 0 {
					a.Grad.Data[i] += v
				}
			}
		}
	}

	return result, nil
}

// AddRowVector adds a 1xC bias row to every row of a
func AddRowVector(a, bias *Tensor) (*Tensor, error) {
	if a == nil || bias == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if bias.Data.Rows != 1 || bias.Data.Cols != a.Data.Cols {
		return nil, fmt.Errorf("bias dimensions don't match: a(%dx%d), bias(%dx%d)",
			a.Data.Rows, a.Data.Cols, bias.Data.Rows, bias.Data.Cols)
	}
	result, err := newResult("add_bias_result", a.Data.Rows, a.Data.Cols, a, bias)
	if err != nil {
		return nil, err
	}

	cols := a.Data.Cols
	for i, v := range a.Data.Data {
		result.Data.Data[i] = v + bias.Data.Data[i%cols]
	}

	if result.Requires {
		result.BackwardFn = func() {
			accumulate(a, result.Grad.Data)
			if bias.Requires {
				for i, v := range result.Grad.Data {
					bias.Grad.Data[i%cols] += v
				}
			}
		}
	}

	return result, nil
}

// MulRowVector scales column j of a by v[0][j]
func MulRowVector(a, v *Tensor) (*Tensor, error) {
	if a == nil || v == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if v.Data.Rows != 1 || v.Data.Cols != a.Data.Cols {
		return nil, fmt.Errorf("row vector dimensions don't match: a(%dx%d), v(%dx%d)",
			a.Data.Rows, a.Data.Cols, v.Data.Rows, v.Data.Cols)
	}
	result, err := newResult("mul_row_vector_result", a.Data.Rows, a.Data.Cols, a, v)
	if err != nil {
		return nil, err
	}

	cols := a.Data.Cols
	for i, x := range a.Data.Data {
		result.Data.Data[i] = x * v.Data.Data[i%cols]
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i, g := range result.Grad.Data {
				if a.Requires {
					a.Grad.Data[i] += g * v.Data.Data[i%cols]
				}
				if v.Requires {
					v.Grad.Data[i%cols] += g * a.Data.Data[i]
				}
			}
		}
	}

	return result, nil
}

// Transpose swaps rows and columns
func Transpose(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	rows, cols := a.Data.Rows, a.Data.Cols
	result, err := newResult("transpose_result", cols, rows, a)
	if err != nil {
		return nil, err
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data.Set(j, i, a.Data.At(i, j))
		}
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					a.Grad.Data[i*cols+j] += result.Grad.At(j, i)
				}
			}
		}
	}

	return result, nil
}

// ConcatCols joins a and b side by side
func ConcatCols(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if a.Data.Rows != b.Data.Rows {
		return nil, fmt.Errorf("row counts don't match for concatenation: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}
	ac, bc := a.Data.Cols, b.Data.Cols
	result, err := newResult("concat_result", a.Data.Rows, ac+bc, a, b)
	if err != nil {
		return nil, err
	}

	for i := 0; i < a.Data.Rows; i++ {
		row := result.Data.Row(i)
		copy(row[:ac], a.Data.Row(i))
		copy(row[ac:], b.Data.Row(i))
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < a.Data.Rows; i++ {
				g := result.Grad.Row(i)
				if a.Requires {
					ag := a.Grad.Row(i)
					for j := range ag {
						ag[j] += g[j]
					}
				}
				if b.Requires {
					bg := b.Grad.Row(i)
					for j := range bg {
						bg[j] += g[ac+j]
					}
				}
			}
		}
	}

	return result, nil
}

// SliceCols returns columns [from, to) of a
func SliceCols(a *Tensor, from, to int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if from < 0 || to > a.Data.Cols || from >= to {
		return nil, fmt.Errorf("invalid column slice [%d:%d] of a(%dx%d)", from, to, a.Data.Rows, a.Data.Cols)
	}
	width := to - from
	result, err := newResult("slice_result", a.Data.Rows, width, a)
	if err != nil {
		return nil, err
	}

	for i := 0; i < a.Data.Rows; i++ {
		copy(result.Data.Row(i), a.Data.Row(i)[from:to])
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < a.Data.Rows; i++ {
				ag := a.Grad.Row(i)[from:to]
				for j, v := range result.Grad.Row(i) {
					ag[j] += v
				}
			}
		}
	}

	return result, nil
}

// RowSum reduces every row to its sum, producing an Rx1 tensor
func RowSum(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := newResult("row_sum_result", a.Data.Rows, 1, a)
	if err != nil {
		return nil, err
	}

	for i := 0; i < a.Data.Rows; i++ {
		sum := 0.0
		for _, v := range a.Data.Row(i) {
			sum += v
		}
		result.Data.Data[i] = sum
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < a.Data.Rows; i++ {
				g := result.Grad.Data[i]
				ag := a.Grad.Row(i)
				for j := range ag {
					ag[j] += g
				}
			}
		}
	}

	return result, nil
}

// Sum reduces all elements to a 1x1 tensor
func Sum(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := newResult("sum_result", 1, 1, a)
	if err != nil {
		return nil, err
	}

	sum := 0.0
	for _, v := range a.Data.Data {
		sum += v
	}
	result.Data.Data[0] = sum

	if result.Requires {
		result.BackwardFn = func() {
			g := result.Grad.Data[0]
			for i := range a.Grad.Data {
				a.Grad.Data[i] += g
			}
		}
	}

	return result, nil
}

// Mean averages a list of equally shaped tensors
func Mean(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("mean of zero tensors")
	}
	acc := tensors[0]
	for _, t := range tensors[1:] {
		var err error
		if acc, err = Add(acc, t); err != nil {
			return nil, err
		}
	}
	return ScalarMultiply(acc, 1.0/float64(len(tensors)))
}

// Softmax applies a row-wise softmax
func Softmax(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := newResult("softmax_result", a.Data.Rows, a.Data.Cols, a)
	if err != nil {
		return nil, err
	}

	for i := 0; i < a.Data.Rows; i++ {
		softmaxRow(result.Data.Row(i), a.Data.Row(i))
	}

	if result.Requires {
		result.BackwardFn = func() {
			for i := 0; i < a.Data.Rows; i++ {
				p := result.Data.Row(i)
				g := result.Grad.Row(i)
				dot := 0.0
				for j := range p {
					dot += g[j] * p[j]
				}
				ag := a.Grad.Row(i)
				for j := range p {
					ag[j] += p[j] * (g[j] - dot)
				}
			}
		}
	}

	return result, nil
}

func softmaxRow(dst, src []float64) {
	maxVal := math.Inf(-1)
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for j, v := range src {
		dst[j] = math.Exp(v - maxVal)
		sum += dst[j]
	}
	for j := range dst {
		dst[j] /= sum
	}
}

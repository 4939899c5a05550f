package autodiff

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomParam(t *testing.T, rng *rand.Rand, name string, rows, cols int) *Tensor {
	t.Helper()
	m, err := NewUniformMatrix(rows, cols, -1, 1, rng)
	require.NoError(t, err)
	return NewParameter(name, m)
}

// projectToScalar turns an arbitrary output into a scalar with a fixed random
// projection so every output element reaches the gradient.
func projectToScalar(t *testing.T, out *Tensor, proj *Matrix) *Tensor {
	t.Helper()
	weighted, err := Multiply(out, Constant(proj))
	require.NoError(t, err)
	s, err := Sum(weighted)
	require.NoError(t, err)
	return s
}

// checkGradients compares analytic gradients of build() against central
// finite differences for every parameter.
func checkGradients(t *testing.T, params []*Tensor, build func() *Tensor) {
	t.Helper()
	for _, p := range params {
		p.ZeroGrad()
	}
	loss := build()
	require.NoError(t, loss.Backward())

	const h = 1e-6
	for _, p := range params {
		for i := range p.Data.Data {
			orig := p.Data.Data[i]
			p.Data.Data[i] = orig + h
			plus := build().Item()
			p.Data.Data[i] = orig - h
			minus := build().Item()
			p.Data.Data[i] = orig

			numeric := (plus - minus) / (2 * h)
			analytic := p.Grad.Data[i]
			tol := 1e-5 * math.Max(1, math.Abs(numeric))
			assert.InDelta(t, numeric, analytic, tol, "param %s element %d", p.Name, i)
		}
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomParam(t, rng, "x", 2, 3)
	err := x.Backward()
	require.Error(t, err)
}

func TestBackwardAccumulatesOnce(t *testing.T) {
	x := NewParameter("x", MustNewMatrix(1, 1))
	x.Data.Data[0] = 3

	// y = x + x, dy/dx = 2
	y, err := Add(x, x)
	require.NoError(t, err)
	require.NoError(t, y.Backward())
	assert.Equal(t, 2.0, x.Grad.Data[0])
}

func TestMatMulMatrix(t *testing.T) {
	a, err := NewMatrixFromRows([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	b, err := NewMatrixFromRows([][]float64{{5, 6}, {7, 8}})
	require.NoError(t, err)

	c, err := MatMulMatrix(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{19, 22, 43, 50}, c.Data)

	ct, err := MatMulTransBMatrix(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{17, 23, 39, 53}, ct.Data)

	_, err = MatMulMatrix(a, MustNewMatrix(3, 2))
	require.Error(t, err)
}

func TestOpGradients(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor)
	}{
		{
			name: "matmul",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				a := randomParam(t, rng, "a", 3, 4)
				b := randomParam(t, rng, "b", 4, 2)
				proj := MustNewMatrix(3, 2)
				fillUniform(rng, proj)
				return []*Tensor{a, b}, func() *Tensor {
					out, err := MatMul(a, b)
					require.NoError(t, err)
					return projectToScalar(t, out, proj)
				}
			},
		},
		{
			name: "matmul transposed",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				a := randomParam(t, rng, "a", 3, 4)
				b := randomParam(t, rng, "b", 5, 4)
				proj := MustNewMatrix(3, 5)
				fillUniform(rng, proj)
				return []*Tensor{a, b}, func() *Tensor {
					out, err := MatMulTransB(a, b)
					require.NoError(t, err)
					return projectToScalar(t, out, proj)
				}
			},
		},
		{
			name: "relu bias and concat",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				a := randomParam(t, rng, "a", 3, 2)
				b := randomParam(t, rng, "b", 3, 3)
				bias := randomParam(t, rng, "bias", 1, 5)
				proj := MustNewMatrix(3, 5)
				fillUniform(rng, proj)
				return []*Tensor{a, b, bias}, func() *Tensor {
					cat, err := ConcatCols(a, b)
					require.NoError(t, err)
					biased, err := AddRowVector(cat, bias)
					require.NoError(t, err)
					out, err := ReLU(biased)
					require.NoError(t, err)
					return projectToScalar(t, out, proj)
				}
			},
		},
		{
			name: "softmax slice and row sum",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				a := randomParam(t, rng, "a", 4, 3)
				proj := MustNewMatrix(4, 1)
				fillUniform(rng, proj)
				return []*Tensor{a}, func() *Tensor {
					p, err := Softmax(a)
					require.NoError(t, err)
					tail, err := SliceCols(p, 1, 3)
					require.NoError(t, err)
					s, err := RowSum(tail)
					require.NoError(t, err)
					shifted, err := AddScalar(s, -0.5)
					require.NoError(t, err)
					return projectToScalar(t, shifted, proj)
				}
			},
		},
		{
			name: "transpose and row vector scaling",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				a := randomParam(t, rng, "a", 3, 3)
				v := randomParam(t, rng, "v", 3, 1)
				proj := MustNewMatrix(3, 3)
				fillUniform(rng, proj)
				return []*Tensor{a, v}, func() *Tensor {
					row, err := Transpose(v)
					require.NoError(t, err)
					out, err := MulRowVector(a, row)
					require.NoError(t, err)
					scaled, err := ScalarMultiply(out, 1.5)
					require.NoError(t, err)
					return projectToScalar(t, scaled, proj)
				}
			},
		},
		{
			name: "l2 normalize",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				a := randomParam(t, rng, "a", 3, 4)
				proj := MustNewMatrix(3, 4)
				fillUniform(rng, proj)
				return []*Tensor{a}, func() *Tensor {
					out, err := L2NormalizeRows(a)
					require.NoError(t, err)
					return projectToScalar(t, out, proj)
				}
			},
		},
		{
			name: "masked softmax",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				a := randomParam(t, rng, "a", 4, 4)
				mask := []float64{1, 1, 1, 0}
				proj := MustNewMatrix(4, 4)
				fillUniform(rng, proj)
				return []*Tensor{a}, func() *Tensor {
					plain, err := MaskedSoftmax(a, mask, false)
					require.NoError(t, err)
					shifted, err := MaskedSoftmax(a, mask, true)
					require.NoError(t, err)
					out, err := Add(plain, shifted)
					require.NoError(t, err)
					return projectToScalar(t, out, proj)
				}
			},
		},
		{
			name: "conv1d",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				x := randomParam(t, rng, "x", 5, 2)
				w := randomParam(t, rng, "w", 3*2, 4)
				b := randomParam(t, rng, "b", 1, 4)
				proj := MustNewMatrix(5, 4)
				fillUniform(rng, proj)
				return []*Tensor{x, w, b}, func() *Tensor {
					out, err := Conv1D(x, w, b, 3)
					require.NoError(t, err)
					return projectToScalar(t, out, proj)
				}
			},
		},
		{
			name: "softmax cross entropy with soft labels",
			build: func(t *testing.T, rng *rand.Rand) ([]*Tensor, func() *Tensor) {
				logits := randomParam(t, rng, "logits", 3, 3)
				labels, err := NewMatrixFromRows([][]float64{{0, 1, 0}, {0, 0, 0}, {0.2, 0.3, 0.5}})
				require.NoError(t, err)
				return []*Tensor{logits}, func() *Tensor {
					loss, err := SoftmaxCrossEntropy(logits, labels)
					require.NoError(t, err)
					return loss
				}
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			params, build := test.build(t, rng)
			checkGradients(t, params, build)
		})
	}
}

func fillUniform(rng *rand.Rand, m *Matrix) {
	for i := range m.Data {
		m.Data[i] = rng.Float64()*2 - 1
	}
}

func TestMaskedSoftmaxZeroesMaskedRowsAndColumns(t *testing.T) {
	scores := Constant(MustNewMatrix(3, 3))
	out, err := MaskedSoftmax(scores, []float64{1, 1, 0}, false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.InDelta(t, 0.5, out.Data.At(i, 0), 1e-9)
		assert.InDelta(t, 0.5, out.Data.At(i, 1), 1e-9)
		assert.Equal(t, 0.0, out.Data.At(i, 2))
	}
	for j := 0; j < 3; j++ {
		assert.Equal(t, 0.0, out.Data.At(2, j))
	}
}

func TestUnfoldSamePadding(t *testing.T) {
	x, err := NewMatrixFromRows([][]float64{{1}, {2}, {3}})
	require.NoError(t, err)

	out, err := Unfold(Constant(x), 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 1, 2, 3, 2, 3, 0}, out.Data.Data)
}

func TestAdamStepMovesAgainstGradient(t *testing.T) {
	p := NewParameter("w", MustNewMatrix(1, 2))
	p.Grad.Data[0] = 1
	p.Grad.Data[1] = -1

	opt := NewAdamOptimizer(0.1, 0)
	opt.Step(map[string]*Tensor{"w": p})

	assert.InDelta(t, -0.1, p.Data.Data[0], 1e-6)
	assert.InDelta(t, 0.1, p.Data.Data[1], 1e-6)
	assert.Equal(t, 1, opt.T)
	require.Contains(t, opt.M, "w")
}

func TestClipGradients(t *testing.T) {
	p := NewParameter("w", MustNewMatrix(1, 2))
	p.Grad.Data[0] = 3
	p.Grad.Data[1] = 4
	params := map[string]*Tensor{"w": p}

	norm := ClipGradients(params, 1)
	assert.InDelta(t, 5.0, norm, 1e-12)
	assert.InDelta(t, 0.6, p.Grad.Data[0], 1e-6)
	assert.InDelta(t, 0.8, p.Grad.Data[1], 1e-6)

	ZeroGradients(params)
	assert.Equal(t, []float64{0, 0}, p.Grad.Data)
}

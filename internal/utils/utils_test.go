package utils

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racl_absa/pkg/autodiff"
)

func TestNewPaddingMask(t *testing.T) {
	assert.Equal(t, []float64{1, 1, 1, 0, 0}, NewPaddingMask(5, 3))
	assert.Equal(t, []float64{1, 1}, NewPaddingMask(2, 4))
}

func TestNewPositionMatrix(t *testing.T) {
	m, err := NewPositionMatrix(4, 2)
	require.NoError(t, err)

	assert.Equal(t, 1.0, m.At(0, 0))
	assert.Equal(t, 0.5, m.At(0, 1))
	assert.Equal(t, 0.5, m.At(1, 0))
	assert.Equal(t, 1.0, m.At(1, 1))
	for i := 0; i < 4; i++ {
		assert.Equal(t, 0.0, m.At(i, 3))
		assert.Equal(t, 0.0, m.At(3, i))
	}

	_, err = NewPositionMatrix(2, 3)
	require.Error(t, err)
}

func TestMaskColumns(t *testing.T) {
	m, err := autodiff.NewMatrixFromRows([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)

	out := MaskColumns(m, []float64{1, 0})
	assert.Equal(t, []float64{1, 0, 3, 0}, out.Data)
	assert.Equal(t, []float64{1, 2, 3, 4}, m.Data)
}

func TestBatchIndices(t *testing.T) {
	batches := BatchIndices(7, 3, nil)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, batches)

	shuffled := BatchIndices(7, 3, rand.New(rand.NewSource(3)))
	require.Len(t, shuffled, 3)
	seen := map[int]bool{}
	for _, b := range shuffled {
		for _, i := range b {
			seen[i] = true
		}
	}
	assert.Len(t, seen, 7)
}

func TestDropoutInference(t *testing.T) {
	x := autodiff.Constant(autodiff.MustNewMatrix(2, 2))
	out, err := NewDropout(0.5).Forward(x, false, nil)
	require.NoError(t, err)
	assert.Same(t, x, out)
}

func TestDropoutMaskValues(t *testing.T) {
	mask, err := NewDropout(0.5).Mask(10, 10, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	for _, v := range mask.Data {
		assert.Contains(t, []float64{0, 2}, v)
	}
}

func TestDropBlockMask(t *testing.T) {
	d := NewDropBlock2D(0.5, 3)
	mask, err := d.Mask(12, 16, rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	zeros := 0
	var scale float64
	for _, v := range mask.Data {
		if v == 0 {
			zeros++
		} else {
			scale = v
		}
	}
	require.Greater(t, zeros, 0)
	// Survivors are rescaled so the mask keeps the map's total mass
	assert.InDelta(t, float64(len(mask.Data)), scale*float64(len(mask.Data)-zeros), 1e-9)
}

func TestDropBlockSmallMapUntouched(t *testing.T) {
	mask, err := NewDropBlock2D(0.1, 3).Mask(2, 8, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	for _, v := range mask.Data {
		assert.Equal(t, 1.0, v)
	}
}

func TestDropBlockInference(t *testing.T) {
	x := autodiff.Constant(autodiff.MustNewMatrix(4, 4))
	out, err := NewDropBlock2D(0.5, 3).Forward(x, false, nil)
	require.NoError(t, err)
	assert.Same(t, x, out)
}

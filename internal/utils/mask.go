package utils

import (
	"fmt"
	"math"

	"github.com/racl_absa/pkg/autodiff"
)

// NewPaddingMask returns a seqLen mask with ones for the first validLen
// positions and zeros for padding
func NewPaddingMask(seqLen, validLen int) []float64 {
	mask := make([]float64, seqLen)
	for j := 0; j < validLen && j < seqLen; j++ {
		mask[j] = 1.0
	}
	return mask
}

// NewPositionMatrix builds the relative-distance attention bias of a
// sentence with validLen real tokens padded to seqLen:
//
//	position[i][j] = 1 - |i-j|/validLen   for i, j < validLen
//
// and 0 elsewhere.
func NewPositionMatrix(seqLen, validLen int) (*autodiff.Matrix, error) {
	if validLen > seqLen {
		return nil, fmt.Errorf("valid length %d exceeds sequence length %d", validLen, seqLen)
	}
	m, err := autodiff.NewMatrix(seqLen, seqLen)
	if err != nil {
		return nil, fmt.Errorf("failed to create position matrix: %w", err)
	}

	n := float64(validLen)
	for i := 0; i < validLen; i++ {
		row := m.Row(i)
		for j := 0; j < validLen; j++ {
			row[j] = 1.0 - math.Abs(float64(i-j))/n
		}
	}
	return m, nil
}

// MaskColumns zeroes every column j of m whose mask value is 0
func MaskColumns(m *autodiff.Matrix, mask []float64) *autodiff.Matrix {
	out := m.Clone()
	for i := 0; i < out.Rows; i++ {
		row := out.Row(i)
		for j := range row {
			row[j] *= mask[j]
		}
	}
	return out
}

package utils

import (
	"fmt"
	"math/rand"

	"github.com/racl_absa/pkg/autodiff"
)

// DropBlock2D drops contiguous BlockSize x BlockSize regions of a feature
// map (rows are tokens, columns are channels) and rescales the survivors.
type DropBlock2D struct {
	KeepProb  float64
	BlockSize int
}

// NewDropBlock2D creates a DropBlock layer
func NewDropBlock2D(keepProb float64, blockSize int) *DropBlock2D {
	return &DropBlock2D{KeepProb: keepProb, BlockSize: blockSize}
}

// gamma is the seed rate that drops roughly 1-KeepProb of the map
func (d *DropBlock2D) gamma(rows, cols int) float64 {
	b := float64(d.BlockSize)
	h, w := float64(rows), float64(cols)
	return (1.0 - d.KeepProb) * (w * h) / (b * b) / ((w - b + 1) * (h - b + 1))
}

// Mask draws a rescaled keep-mask for a rows x cols feature map. Maps
// smaller than a block are returned untouched (all ones).
func (d *DropBlock2D) Mask(rows, cols int, rng *rand.Rand) (*autodiff.Matrix, error) {
	mask, err := autodiff.NewMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask matrix in dropblock: %w", err)
	}
	for i := range mask.Data {
		mask.Data[i] = 1
	}

	b := d.BlockSize
	if rows < b || cols < b {
		return mask, nil
	}

	// A seed at (i, j) clears the block [i, i+b) x [j, j+b)
	gamma := d.gamma(rows, cols)
	for i := 0; i <= rows-b; i++ {
		for j := 0; j <= cols-b; j++ {
			if rng.Float64() >= gamma {
				continue
			}
			for y := i; y < i+b; y++ {
				row := mask.Row(y)
				for x := j; x < j+b; x++ {
					row[x] = 0
				}
			}
		}
	}

	kept := 0.0
	for _, v := range mask.Data {
		kept += v
	}
	if kept == 0 {
		return mask, nil
	}
	scale := float64(len(mask.Data)) / kept
	for i := range mask.Data {
		mask.Data[i] *= scale
	}
	return mask, nil
}

// Forward applies DropBlock during training
func (d *DropBlock2D) Forward(input *autodiff.Tensor, isTraining bool, rng *rand.Rand) (*autodiff.Tensor, error) {
	if !isTraining || d.KeepProb >= 1.0 {
		return input, nil
	}

	mask, err := d.Mask(input.Data.Rows, input.Data.Cols, rng)
	if err != nil {
		return nil, err
	}
	return autodiff.Multiply(input, autodiff.Constant(mask))
}

package utils

import (
	"fmt"
	"math/rand"

	"github.com/racl_absa/pkg/autodiff"
)

// Dropout represents an inverted dropout layer for regularization
type Dropout struct {
	KeepProb float64
}

// NewDropout creates a new dropout layer that keeps each unit with keepProb
func NewDropout(keepProb float64) *Dropout {
	return &Dropout{
		KeepProb: keepProb,
	}
}

// Mask draws a dropout mask scaled by 1/keepProb
func (d *Dropout) Mask(rows, cols int, rng *rand.Rand) (*autodiff.Matrix, error) {
	mask, err := autodiff.NewMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask matrix in dropout: %w", err)
	}

	// Scale factor to maintain expected value
	scale := 1.0 / d.KeepProb
	for i := range mask.Data {
		if rng.Float64() < d.KeepProb {
			mask.Data[i] = scale
		}
	}
	return mask, nil
}

// Forward applies dropout to the input during training
func (d *Dropout) Forward(input *autodiff.Tensor, isTraining bool, rng *rand.Rand) (*autodiff.Tensor, error) {
	if !isTraining || d.KeepProb >= 1.0 {
		return input, nil
	}

	mask, err := d.Mask(input.Data.Rows, input.Data.Cols, rng)
	if err != nil {
		return nil, err
	}
	return autodiff.Multiply(input, autodiff.Constant(mask))
}

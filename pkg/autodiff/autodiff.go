package autodiff

import (
	"fmt"
)

// Tensor represents a matrix value with gradient tracking capabilities
type Tensor struct {
	Data     *Matrix
	Grad     *Matrix
	Requires bool
	// BackwardFn propagates Grad into the gradients of Children
	BackwardFn func()
	Children   []*Tensor
	Name       string // Optional name for debugging
}

// TensorConfig holds configuration options for creating a tensor
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// DefaultTensorConfig returns the default configuration for tensors
func DefaultTensorConfig() *TensorConfig {
	return &TensorConfig{
		RequiresGrad: false,
		Name:         "",
	}
}

// NewTensor creates a new tensor from a matrix with the specified configuration
func NewTensor(data *Matrix, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}

	if config == nil {
		config = DefaultTensorConfig()
	}

	var grad *Matrix
	if config.RequiresGrad {
		var err error
		grad, err = NewMatrix(data.Rows, data.Cols)
		if err != nil {
			return nil, fmt.Errorf("failed to create gradient matrix: %w", err)
		}
	}

	return &Tensor{
		Data:     data,
		Grad:     grad,
		Requires: config.RequiresGrad,
		Name:     config.Name,
	}, nil
}

// NewParameter wraps a matrix as a named trainable leaf tensor
func NewParameter(name string, data *Matrix) *Tensor {
	return &Tensor{
		Data:     data,
		Grad:     MustNewMatrix(data.Rows, data.Cols),
		Requires: true,
		Name:     name,
	}
}

// Constant wraps a matrix as a leaf tensor that never receives gradients
func Constant(data *Matrix) *Tensor {
	return &Tensor{Data: data}
}

// Shape returns the tensor dimensions
func (t *Tensor) Shape() (int, int) {
	return t.Data.Rows, t.Data.Cols
}

// Item returns the single value of a 1x1 tensor
func (t *Tensor) Item() float64 {
	return t.Data.Data[0]
}

// ZeroGrad zeros out the gradient
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

// newResult allocates the output tensor of an op over the given inputs
func newResult(name string, rows, cols int, inputs ...*Tensor) (*Tensor, error) {
	requires := false
	for _, in := range inputs {
		requires = requires || in.Requires
	}
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s result: %w", name, err)
	}
	t := &Tensor{Data: data, Requires: requires, Name: name}
	if requires {
		t.Grad = MustNewMatrix(rows, cols)
		t.Children = inputs
	}
	return t, nil
}

// Backward computes gradients of a scalar tensor with respect to every
// tensor in its graph that requires them.
func (t *Tensor) Backward() error {
	if t.Data.Rows != 1 || t.Data.Cols != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got %dx%d", t.Data.Rows, t.Data.Cols)
	}
	if !t.Requires {
		return fmt.Errorf("tensor %q does not require gradients", t.Name)
	}
	t.Grad.Data[0] = 1.0

	// Topological sort for backward pass
	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var buildTopo func(node *Tensor) error
	buildTopo = func(node *Tensor) error {
		if node == nil {
			return fmt.Errorf("cannot build topology for nil tensor")
		}
		if visited[node] {
			return nil
		}
		visited[node] = true

		for _, child := range node.Children {
			if child == nil {
				return fmt.Errorf("nil child in tensor %s", node.Name)
			}
			if err := buildTopo(child); err != nil {
				return err
			}
		}

		topo = append(topo, node)
		return nil
	}

	if err := buildTopo(t); err != nil {
		return fmt.Errorf("failed to build topology: %w", err)
	}

	// Each node pushes its own gradient into its children exactly once
	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		if node.BackwardFn != nil && node.Requires {
			node.BackwardFn()
		}
	}

	return nil
}

// accumulate adds g into the gradient of t when t tracks gradients
func accumulate(t *Tensor, g []float64) {
	if !t.Requires {
		return
	}
	for i, v := range g {
		t.Grad.Data[i] += v
	}
}

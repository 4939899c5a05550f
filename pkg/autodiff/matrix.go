package autodiff

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Matrix represents a dense row-major 2D matrix of float64 values
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// NewMatrix creates a zero matrix with the specified dimensions
func NewMatrix(rows, cols int) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be positive)", rows, cols)
	}

	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}, nil
}

// MustNewMatrix creates a new matrix with the specified dimensions
// Panics if dimensions are invalid (use in tests and fixed-shape helpers only)
func MustNewMatrix(rows, cols int) *Matrix {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatrixFromRows builds a matrix from a slice of equal-length rows
func NewMatrixFromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot build matrix from zero rows")
	}
	m, err := NewMatrix(len(rows), len(rows[0]))
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if len(row) != m.Cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), m.Cols)
		}
		copy(m.Row(i), row)
	}
	return m, nil
}

// NewUniformMatrix creates a matrix with values drawn uniformly from [low, high)
func NewUniformMatrix(rows, cols int, low, high float64, rng *rand.Rand) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	for i := range m.Data {
		m.Data[i] = low + rng.Float64()*(high-low)
	}
	return m, nil
}

// NewGlorotMatrix creates a matrix initialised with the Glorot uniform scheme
func NewGlorotMatrix(rows, cols, fanIn, fanOut int, rng *rand.Rand) (*Matrix, error) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return NewUniformMatrix(rows, cols, -limit, limit, rng)
}

// At returns the element at row i, column j
func (m *Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set assigns the element at row i, column j
func (m *Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// Row returns a view of row i sharing the matrix storage
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// RowSlices returns copies of every row
func (m *Matrix) RowSlices() [][]float64 {
	rows := make([][]float64, m.Rows)
	for i := range rows {
		rows[i] = append([]float64(nil), m.Row(i)...)
	}
	return rows
}

// Clone creates a deep copy of the matrix
func (m *Matrix) Clone() *Matrix {
	return &Matrix{
		Rows: m.Rows,
		Cols: m.Cols,
		Data: append([]float64(nil), m.Data...),
	}
}

// Zero resets every element to 0
func (m *Matrix) Zero() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// SameShape reports whether both matrices have equal dimensions
func (m *Matrix) SameShape(o *Matrix) bool {
	return m.Rows == o.Rows && m.Cols == o.Cols
}

// AddInPlace accumulates o into m
func (m *Matrix) AddInPlace(o *Matrix) error {
	if !m.SameShape(o) {
		return fmt.Errorf("matrix dimensions don't match for accumulation: a(%dx%d), b(%dx%d)",
			m.Rows, m.Cols, o.Rows, o.Cols)
	}
	for i, v := range o.Data {
		m.Data[i] += v
	}
	return nil
}

// dense wraps the matrix storage as a gonum matrix without copying
func (m *Matrix) dense() *mat.Dense {
	return mat.NewDense(m.Rows, m.Cols, m.Data)
}

// MatMulMatrix computes a·b
func MatMulMatrix(a, b *Matrix) (*Matrix, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a(%dx%d), b(%dx%d)",
			a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := MustNewMatrix(a.Rows, b.Cols)
	out.dense().Mul(a.dense(), b.dense())
	return out, nil
}

// MatMulTransAMatrix computes aᵀ·b
func MatMulTransAMatrix(a, b *Matrix) (*Matrix, error) {
	if a.Rows != b.Rows {
		return nil, fmt.Errorf("matrix dimensions don't match for transposed multiplication: a(%dx%d)ᵀ, b(%dx%d)",
			a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := MustNewMatrix(a.Cols, b.Cols)
	out.dense().Mul(a.dense().T(), b.dense())
	return out, nil
}

// MatMulTransBMatrix computes a·bᵀ
func MatMulTransBMatrix(a, b *Matrix) (*Matrix, error) {
	if a.Cols != b.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for transposed multiplication: a(%dx%d), b(%dx%d)ᵀ",
			a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := MustNewMatrix(a.Rows, b.Rows)
	out.dense().Mul(a.dense(), b.dense().T())
	return out, nil
}

// Equal reports whether two matrices match element-wise within epsilon
func Equal(a, b *Matrix, epsilon float64) bool {
	if !a.SameShape(b) {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > epsilon {
			return false
		}
	}
	return true
}

// String returns a string representation of the matrix
func (m *Matrix) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Matrix(%dx%d)\n", m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		sb.WriteString("[")
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%.4f", m.At(i, j))
		}
		sb.WriteString("]\n")
	}
	return sb.String()
}

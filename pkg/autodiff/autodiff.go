package autodiff

import (
	"fmt"
	"math/rand"
	"slices"
)

// Tensor represents a row-major N-dimensional tensor with gradient tracking capabilities.
// A tensor with an empty Shape is a scalar.
type Tensor struct {
	Shape        []int
	Data         []float64
	Grad         []float64
	RequiresGrad bool
	Name         string // Optional name for debugging

	parents  []*Tensor
	backward func()
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

// numel returns the element count of shape, or an error when a dimension is not positive.
func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("dimensions must be positive: shape=%v", shape)
		}
		n *= d
	}
	return n, nil
}

// NewTensor creates a new tensor over data with the specified configuration.
// The tensor takes ownership of data.
func NewTensor(shape []int, data []float64, config *TensorConfig) (*Tensor, error) {
	if config == nil {
		config = DefaultTensorConfig()
	}

	n, err := numel(shape)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = make([]float64, n)
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}

	t := &Tensor{
		Shape:        slices.Clone(shape),
		Data:         data,
		RequiresGrad: config.RequiresGrad,
		Name:         config.Name,
	}
	if config.RequiresGrad {
		t.Grad = make([]float64, n)
	}
	return t, nil
}

// MustNewTensor creates a new tensor and panics on error (use in non-production code only)
func MustNewTensor(shape []int, data []float64, config *TensorConfig) *Tensor {
	t, err := NewTensor(shape, data, config)
	if err != nil {
		panic(err)
	}
	return t
}

// NewZerosTensor creates a new tensor filled with zeros
func NewZerosTensor(shape []int, config *TensorConfig) (*Tensor, error) {
	return NewTensor(shape, nil, config)
}

// NewRandomTensor creates a new tensor with normally distributed values scaled by std.
func NewRandomTensor(rng *rand.Rand, shape []int, std float64, config *TensorConfig) (*Tensor, error) {
	t, err := NewTensor(shape, nil, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create random tensor: %w", err)
	}
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t, nil
}

// NewScalar creates a scalar tensor holding v.
func NewScalar(v float64, config *TensorConfig) *Tensor {
	t, _ := NewTensor(nil, []float64{v}, config)
	return t
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("Item called on tensor %q with shape %v", t.Name, t.Shape))
	}
	return t.Data[0]
}

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Detach returns a view of t sharing its data but cut from the gradient graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  t.Data,
		Name:  t.Name,
	}
}

// ZeroGrad zeros out the gradient
func (t *Tensor) ZeroGrad() {
	clear(t.Grad)
}

// newResult allocates an op output whose gradient requirement is inherited from parents.
func newResult(shape []int, name string, parents ...*Tensor) *Tensor {
	requires := false
	for _, p := range parents {
		if p.RequiresGrad {
			requires = true
			break
		}
	}
	t, err := NewTensor(shape, nil, &TensorConfig{RequiresGrad: requires, Name: name})
	if err != nil {
		// shapes here are always derived from validated inputs
		panic(err)
	}
	if requires {
		t.parents = parents
	}
	return t
}

// Backward computes gradients of the scalar t with respect to every tensor in its graph.
// A graph should be walked once; call ZeroGrad on leaves between steps.
func (t *Tensor) Backward() error {
	if !t.RequiresGrad {
		return fmt.Errorf("tensor %q does not require gradients", t.Name)
	}
	if len(t.Data) != 1 {
		return fmt.Errorf("backward requires a scalar, got shape %v", t.Shape)
	}
	t.Grad[0] = 1.0

	// Topological sort for backward pass
	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var buildTopo func(node *Tensor)
	buildTopo = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, p := range node.parents {
			if p.RequiresGrad {
				buildTopo(p)
			}
		}
		topo = append(topo, node)
	}
	buildTopo(t)

	for i := len(topo) - 1; i >= 0; i-- {
		if node := topo[i]; node.backward != nil {
			node.backward()
		}
	}
	return nil
}

// Scope selects whether a forward pass records a gradient graph.
// It is passed by value into the call it governs, so it ends with that call.
type Scope struct {
	noGrad bool
}

// Grad returns a scope that records gradients.
func Grad() Scope { return Scope{} }

// NoGrad returns a scope under which parameters are read as detached views.
func NoGrad() Scope { return Scope{noGrad: true} }

// Enabled reports whether gradients are recorded.
func (s Scope) Enabled() bool { return !s.noGrad }

// Param returns p as seen from inside the scope.
func (s Scope) Param(p *Tensor) *Tensor {
	if s.noGrad {
		return p.Detach()
	}
	return p
}

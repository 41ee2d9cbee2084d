package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Add performs element-wise addition with gradient tracking
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("add", a, b); err != nil {
		return nil, err
	}

	result := newResult(a.Shape, "add_result", a, b)
	floats.AddTo(result.Data, a.Data, b.Data)

	if result.RequiresGrad {
		result.backward = func() {
			if a.RequiresGrad {
				floats.Add(a.Grad, result.Grad)
			}
			if b.RequiresGrad {
				floats.Add(b.Grad, result.Grad)
			}
		}
	}
	return result, nil
}

// AddRow adds row, a vector the size of a's last dimension, to every row of a.
func AddRow(a, row *Tensor) (*Tensor, error) {
	if a == nil || row == nil {
		return nil, fmt.Errorf("add row: input tensors cannot be nil")
	}
	rows, cols := splitLast(a.Shape)
	if row.Len() != cols {
		return nil, fmt.Errorf("add row: row of %d elements cannot broadcast over shape %v", row.Len(), a.Shape)
	}

	result := newResult(a.Shape, "add_row_result", a, row)
	for i := 0; i < rows; i++ {
		floats.AddTo(result.Data[i*cols:(i+1)*cols], a.Data[i*cols:(i+1)*cols], row.Data)
	}

	if result.RequiresGrad {
		result.backward = func() {
			if a.RequiresGrad {
				floats.Add(a.Grad, result.Grad)
			}
			if row.RequiresGrad {
				for i := 0; i < rows; i++ {
					floats.Add(row.Grad, result.Grad[i*cols:(i+1)*cols])
				}
			}
		}
	}
	return result, nil
}

// AddN sums tensors of identical shape.
func AddN(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("add n: no tensors given")
	}
	for _, t := range ts[1:] {
		if err := checkSameShape("add n", ts[0], t); err != nil {
			return nil, err
		}
	}

	result := newResult(ts[0].Shape, "add_n_result", ts...)
	for _, t := range ts {
		floats.Add(result.Data, t.Data)
	}

	if result.RequiresGrad {
		result.backward = func() {
			for _, t := range ts {
				if t.RequiresGrad {
					floats.Add(t.Grad, result.Grad)
				}
			}
		}
	}
	return result, nil
}

// Multiply performs element-wise multiplication (Hadamard product) with gradient tracking
func Multiply(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("multiply", a, b); err != nil {
		return nil, err
	}

	result := newResult(a.Shape, "multiply_result", a, b)
	floats.MulTo(result.Data, a.Data, b.Data)

	if result.RequiresGrad {
		result.backward = func() {
			for i, g := range result.Grad {
				if a.RequiresGrad {
					a.Grad[i] += g * b.Data[i]
				}
				if b.RequiresGrad {
					b.Grad[i] += g * a.Data[i]
				}
			}
		}
	}
	return result, nil
}

// ScalarMultiply multiplies a tensor by a scalar value with gradient tracking
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("scalar multiply: input tensor cannot be nil")
	}

	result := newResult(a.Shape, "scalar_multiply_result", a)
	floats.ScaleTo(result.Data, scalar, a.Data)

	if result.RequiresGrad {
		result.backward = func() {
			floats.AddScaled(a.Grad, scalar, result.Grad)
		}
	}
	return result, nil
}

// Sum returns the sum of all elements in a tensor with gradient tracking
func Sum(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("sum: input tensor cannot be nil")
	}

	result := newResult(nil, "sum_result", a)
	result.Data[0] = floats.Sum(a.Data)

	if result.RequiresGrad {
		result.backward = func() {
			floats.AddConst(result.Grad[0], a.Grad)
		}
	}
	return result, nil
}

// Mean returns the mean of all elements in a tensor with gradient tracking
func Mean(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("mean: input tensor cannot be nil")
	}

	n := float64(a.Len())
	result := newResult(nil, "mean_result", a)
	result.Data[0] = floats.Sum(a.Data) / n

	if result.RequiresGrad {
		result.backward = func() {
			floats.AddConst(result.Grad[0]/n, a.Grad)
		}
	}
	return result, nil
}

// Reshape returns a tensor with the same elements in a new shape.
func Reshape(a *Tensor, shape []int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("reshape: input tensor cannot be nil")
	}
	n, err := numel(shape)
	if err != nil {
		return nil, fmt.Errorf("reshape: %w", err)
	}
	if n != a.Len() {
		return nil, fmt.Errorf("reshape: cannot view %v as %v", a.Shape, shape)
	}

	result := newResult(shape, a.Name, a)
	copy(result.Data, a.Data)

	if result.RequiresGrad {
		result.backward = func() {
			floats.Add(a.Grad, result.Grad)
		}
	}
	return result, nil
}

// gather builds a tensor of the given shape where out[i] = a[index[i]].
// Gradients scatter back additively, so repeated indices are allowed.
func gather(a *Tensor, shape []int, index []int, name string) *Tensor {
	result := newResult(shape, name, a)
	for i, src := range index {
		result.Data[i] = a.Data[src]
	}

	if result.RequiresGrad {
		result.backward = func() {
			for i, src := range index {
				a.Grad[src] += result.Grad[i]
			}
		}
	}
	return result
}

// SplitHeads rearranges x [batch, seq, dim] into [batch, heads, seq, dim/heads].
func SplitHeads(x *Tensor, heads int) (*Tensor, error) {
	if x == nil || len(x.Shape) != 3 {
		return nil, fmt.Errorf("split heads: expected rank-3 tensor")
	}
	b, s, d := x.Shape[0], x.Shape[1], x.Shape[2]
	if heads <= 0 || d%heads != 0 {
		return nil, fmt.Errorf("split heads: dimension %d not divisible by %d heads", d, heads)
	}
	hd := d / heads

	index := make([]int, x.Len())
	i := 0
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			for si := 0; si < s; si++ {
				for k := 0; k < hd; k++ {
					index[i] = (bi*s+si)*d + h*hd + k
					i++
				}
			}
		}
	}
	return gather(x, []int{b, heads, s, hd}, index, "split_heads_result"), nil
}

// MergeHeads is the inverse of SplitHeads.
func MergeHeads(x *Tensor) (*Tensor, error) {
	if x == nil || len(x.Shape) != 4 {
		return nil, fmt.Errorf("merge heads: expected rank-4 tensor")
	}
	b, heads, s, hd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	d := heads * hd

	index := make([]int, x.Len())
	i := 0
	for bi := 0; bi < b; bi++ {
		for si := 0; si < s; si++ {
			for h := 0; h < heads; h++ {
				for k := 0; k < hd; k++ {
					index[i] = ((bi*heads+h)*s+si)*hd + k
					i++
				}
			}
		}
	}
	return gather(x, []int{b, s, d}, index, "merge_heads_result"), nil
}

// Embedding looks up rows of weights [vocab, dim] for a rectangular batch of ids.
func Embedding(weights *Tensor, ids [][]int) (*Tensor, error) {
	if weights == nil || len(weights.Shape) != 2 {
		return nil, fmt.Errorf("embedding: weights must be a matrix")
	}
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, fmt.Errorf("embedding: empty id batch")
	}
	vocab, dim := weights.Shape[0], weights.Shape[1]
	b, s := len(ids), len(ids[0])

	index := make([]int, 0, b*s*dim)
	for bi, row := range ids {
		if len(row) != s {
			return nil, fmt.Errorf("embedding: row %d has length %d, want %d", bi, len(row), s)
		}
		for _, id := range row {
			if id < 0 || id >= vocab {
				return nil, fmt.Errorf("embedding: token id %d out of range [0, %d)", id, vocab)
			}
			for k := 0; k < dim; k++ {
				index = append(index, id*dim+k)
			}
		}
	}
	return gather(weights, []int{b, s, dim}, index, "embedding_result"), nil
}

// GELU applies the GELU activation function with gradient tracking
func GELU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("gelu: input tensor cannot be nil")
	}

	// Constants for GELU approximation
	sqrt2OverPi := math.Sqrt(2.0 / math.Pi)
	coeff := 0.044715

	result := newResult(a.Shape, "gelu_result", a)
	for i, x := range a.Data {
		result.Data[i] = 0.5 * x * (1.0 + math.Tanh(sqrt2OverPi*(x+coeff*x*x*x)))
	}

	if result.RequiresGrad {
		result.backward = func() {
			for i, x := range a.Data {
				tanhVal := math.Tanh(sqrt2OverPi * (x + coeff*x*x*x))
				inner := sqrt2OverPi * (1.0 + 3.0*coeff*x*x)
				grad := 0.5*(1.0+tanhVal) + 0.5*x*(1.0-tanhVal*tanhVal)*inner
				a.Grad[i] += result.Grad[i] * grad
			}
		}
	}
	return result, nil
}

// Softmax applies softmax over the last dimension with gradient tracking
func Softmax(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("softmax: input tensor cannot be nil")
	}
	rows, cols := splitLast(a.Shape)

	result := newResult(a.Shape, "softmax_result", a)
	for r := 0; r < rows; r++ {
		in, out := a.Data[r*cols:(r+1)*cols], result.Data[r*cols:(r+1)*cols]
		lse := floats.LogSumExp(in)
		for j, x := range in {
			out[j] = math.Exp(x - lse)
		}
	}

	if result.RequiresGrad {
		result.backward = func() {
			for r := 0; r < rows; r++ {
				y, g := result.Data[r*cols:(r+1)*cols], result.Grad[r*cols:(r+1)*cols]
				dot := floats.Dot(y, g)
				ag := a.Grad[r*cols : (r+1)*cols]
				for j := range ag {
					ag[j] += y[j] * (g[j] - dot)
				}
			}
		}
	}
	return result, nil
}

// LogSoftmax applies log-softmax over the last dimension with gradient tracking
func LogSoftmax(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("log softmax: input tensor cannot be nil")
	}
	rows, cols := splitLast(a.Shape)

	result := newResult(a.Shape, "log_softmax_result", a)
	for r := 0; r < rows; r++ {
		in, out := a.Data[r*cols:(r+1)*cols], result.Data[r*cols:(r+1)*cols]
		lse := floats.LogSumExp(in)
		for j, x := range in {
			out[j] = x - lse
		}
	}

	if result.RequiresGrad {
		result.backward = func() {
			for r := 0; r < rows; r++ {
				y, g := result.Data[r*cols:(r+1)*cols], result.Grad[r*cols:(r+1)*cols]
				total := floats.Sum(g)
				ag := a.Grad[r*cols : (r+1)*cols]
				for j := range ag {
					ag[j] += g[j] - math.Exp(y[j])*total
				}
			}
		}
	}
	return result, nil
}

// LayerNorm normalizes the last dimension of x and applies gamma and beta.
func LayerNorm(x, gamma, beta *Tensor, eps float64) (*Tensor, error) {
	if x == nil || gamma == nil || beta == nil {
		return nil, fmt.Errorf("layer norm: input tensors cannot be nil")
	}
	rows, cols := splitLast(x.Shape)
	if gamma.Len() != cols || beta.Len() != cols {
		return nil, fmt.Errorf("layer norm: gamma/beta size %d/%d, want %d", gamma.Len(), beta.Len(), cols)
	}

	result := newResult(x.Shape, "layer_norm_result", x, gamma, beta)
	xhat := make([]float64, len(x.Data))
	invStd := make([]float64, rows)
	n := float64(cols)

	for r := 0; r < rows; r++ {
		in := x.Data[r*cols : (r+1)*cols]
		mean := floats.Sum(in) / n
		variance := 0.0
		for _, v := range in {
			variance += (v - mean) * (v - mean)
		}
		variance /= n
		invStd[r] = 1.0 / math.Sqrt(variance+eps)
		for j, v := range in {
			h := (v - mean) * invStd[r]
			xhat[r*cols+j] = h
			result.Data[r*cols+j] = h*gamma.Data[j] + beta.Data[j]
		}
	}

	if result.RequiresGrad {
		result.backward = func() {
			dxhat := make([]float64, cols)
			for r := 0; r < rows; r++ {
				g := result.Grad[r*cols : (r+1)*cols]
				h := xhat[r*cols : (r+1)*cols]
				if gamma.RequiresGrad {
					for j := range g {
						gamma.Grad[j] += g[j] * h[j]
					}
				}
				if beta.RequiresGrad {
					floats.Add(beta.Grad, g)
				}
				if x.RequiresGrad {
					floats.MulTo(dxhat, g, gamma.Data)
					meanD := floats.Sum(dxhat) / n
					meanDH := floats.Dot(dxhat, h) / n
					xg := x.Grad[r*cols : (r+1)*cols]
					for j := range xg {
						xg[j] += invStd[r] * (dxhat[j] - meanD - h[j]*meanDH)
					}
				}
			}
		}
	}
	return result, nil
}

package autodiff

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func param(rng *rand.Rand, shape ...int) *Tensor {
	t, err := NewRandomTensor(rng, shape, 1.0, &TensorConfig{RequiresGrad: true})
	if err != nil {
		panic(err)
	}
	return t
}

// squaredSum reduces out to sum(out*out) so every element gets a distinct upstream gradient.
func squaredSum(out *Tensor, err error) (*Tensor, error) {
	if err != nil {
		return nil, err
	}
	sq, err := Multiply(out, out)
	if err != nil {
		return nil, err
	}
	return Sum(sq)
}

// checkGradients compares analytic gradients of f with central finite differences.
func checkGradients(t *testing.T, inputs []*Tensor, f func() (*Tensor, error)) {
	t.Helper()

	for _, in := range inputs {
		in.ZeroGrad()
	}
	out, err := f()
	require.NoError(t, err)
	require.NoError(t, out.Backward())

	const eps = 1e-6
	for k, in := range inputs {
		for i := range in.Data {
			orig := in.Data[i]

			in.Data[i] = orig + eps
			plus, err := f()
			require.NoError(t, err)

			in.Data[i] = orig - eps
			minus, err := f()
			require.NoError(t, err)

			in.Data[i] = orig
			numeric := (plus.Item() - minus.Item()) / (2 * eps)
			assert.InDelta(t, numeric, in.Grad[i], 1e-5*(1+math.Abs(numeric)), "input %d element %d", k, i)
		}
	}
}

func TestNewTensorValidation(t *testing.T) {
	_, err := NewTensor([]int{2, 0}, nil, nil)
	assert.Error(t, err)

	_, err = NewTensor([]int{2, 3}, make([]float64, 5), nil)
	assert.Error(t, err)

	tensor, err := NewTensor([]int{2, 3}, nil, &TensorConfig{RequiresGrad: true, Name: "w"})
	require.NoError(t, err)
	assert.Len(t, tensor.Grad, 6)
	assert.Equal(t, "w", tensor.Name)

	scalar := NewScalar(3, nil)
	assert.Equal(t, 3.0, scalar.Item())
	assert.Empty(t, scalar.Shape)
}

func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	cases := []struct {
		name   string
		inputs []*Tensor
		build  func(in []*Tensor) (*Tensor, error)
	}{
		{
			name:   "add",
			inputs: []*Tensor{param(rng, 2, 3), param(rng, 2, 3)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(Add(in[0], in[1])) },
		},
		{
			name:   "add row",
			inputs: []*Tensor{param(rng, 2, 2, 3), param(rng, 3)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(AddRow(in[0], in[1])) },
		},
		{
			name:   "add n",
			inputs: []*Tensor{param(rng, 4), param(rng, 4), param(rng, 4)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(AddN(in...)) },
		},
		{
			name:   "scalar multiply",
			inputs: []*Tensor{param(rng, 5)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(ScalarMultiply(in[0], -0.25)) },
		},
		{
			name:   "mean",
			inputs: []*Tensor{param(rng, 2, 3)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(Mean(in[0])) },
		},
		{
			name:   "matmul",
			inputs: []*Tensor{param(rng, 3, 4), param(rng, 4, 2)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(MatMul(in[0], in[1])) },
		},
		{
			name:   "batch matmul",
			inputs: []*Tensor{param(rng, 2, 2, 3, 4), param(rng, 2, 2, 4, 2)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(BatchMatMul(in[0], in[1], false)) },
		},
		{
			name:   "batch matmul transposed",
			inputs: []*Tensor{param(rng, 2, 3, 4), param(rng, 2, 5, 4)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(BatchMatMul(in[0], in[1], true)) },
		},
		{
			name:   "linear",
			inputs: []*Tensor{param(rng, 2, 3, 4), param(rng, 4, 5), param(rng, 5)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(Linear(in[0], in[1], in[2])) },
		},
		{
			name:   "split heads",
			inputs: []*Tensor{param(rng, 2, 3, 4)},
			build: func(in []*Tensor) (*Tensor, error) {
				split, err := SplitHeads(in[0], 2)
				if err != nil {
					return nil, err
				}
				w := MustNewTensor(split.Shape, rampData(split.Len()), nil)
				return squaredSum(Multiply(split, w))
			},
		},
		{
			name:   "gelu",
			inputs: []*Tensor{param(rng, 3, 3)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(GELU(in[0])) },
		},
		{
			name:   "softmax",
			inputs: []*Tensor{param(rng, 2, 5)},
			build: func(in []*Tensor) (*Tensor, error) {
				y, err := Softmax(in[0])
				if err != nil {
					return nil, err
				}
				w := MustNewTensor(y.Shape, rampData(y.Len()), nil)
				return Sum(mustMultiply(y, w))
			},
		},
		{
			name:   "log softmax",
			inputs: []*Tensor{param(rng, 2, 5)},
			build:  func(in []*Tensor) (*Tensor, error) { return squaredSum(LogSoftmax(in[0])) },
		},
		{
			name:   "layer norm",
			inputs: []*Tensor{param(rng, 2, 2, 4), param(rng, 4), param(rng, 4)},
			build: func(in []*Tensor) (*Tensor, error) {
				y, err := LayerNorm(in[0], in[1], in[2], 1e-5)
				if err != nil {
					return nil, err
				}
				w := MustNewTensor(y.Shape, rampData(y.Len()), nil)
				return Sum(mustMultiply(y, w))
			},
		},
		{
			name:   "mse",
			inputs: []*Tensor{param(rng, 2, 3), param(rng, 2, 3)},
			build:  func(in []*Tensor) (*Tensor, error) { return MSELoss(in[0], in[1]) },
		},
		{
			name:   "cross entropy",
			inputs: []*Tensor{param(rng, 2, 2, 4)},
			build: func(in []*Tensor) (*Tensor, error) {
				return CrossEntropyLoss(in[0], []int{1, -100, 3, 0}, -100)
			},
		},
		{
			name:   "kl div",
			inputs: []*Tensor{param(rng, 2, 3, 4), param(rng, 2, 3, 4)},
			build: func(in []*Tensor) (*Tensor, error) {
				logQ, err := LogSoftmax(in[0])
				if err != nil {
					return nil, err
				}
				logP, err := LogSoftmax(in[1])
				if err != nil {
					return nil, err
				}
				return KLDivBatchMean(logQ, logP)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkGradients(t, tc.inputs, func() (*Tensor, error) { return tc.build(tc.inputs) })
		})
	}
}

func rampData(n int) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i%7) - 3
	}
	return data
}

func mustMultiply(a, b *Tensor) *Tensor {
	out, err := Multiply(a, b)
	if err != nil {
		panic(err)
	}
	return out
}

func TestEmbeddingGradientsScatter(t *testing.T) {
	weights := MustNewTensor([]int{3, 2}, []float64{1, 2, 3, 4, 5, 6}, &TensorConfig{RequiresGrad: true})

	out, err := Embedding(weights, [][]int{{2, 0}, {2, 2}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, out.Shape)
	assert.Equal(t, []float64{5, 6, 1, 2, 5, 6, 5, 6}, out.Data)

	total, err := Sum(out)
	require.NoError(t, err)
	require.NoError(t, total.Backward())

	// row 2 was looked up three times, row 1 never
	assert.Equal(t, []float64{1, 1, 0, 0, 3, 3}, weights.Grad)

	_, err = Embedding(weights, [][]int{{3}})
	assert.Error(t, err)
	_, err = Embedding(weights, [][]int{{0, 1}, {1}})
	assert.Error(t, err)
}

func TestSplitMergeHeadsRoundTrip(t *testing.T) {
	x := MustNewTensor([]int{2, 3, 4}, rampData(24), nil)

	split, err := SplitHeads(x, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3, 2}, split.Shape)
	// head 1 of the first token holds the last two features
	assert.Equal(t, x.Data[2:4], split.Data[6:8])

	merged, err := MergeHeads(split)
	require.NoError(t, err)
	if diff := cmp.Diff(x.Data, merged.Data); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = SplitHeads(x, 3)
	assert.Error(t, err)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := MustNewTensor([]int{2, 2, 3}, []float64{1, 2, 3, -1e9, 0, 0, 5, 5, 5, 100, 0, -100}, nil)
	y, err := Softmax(x)
	require.NoError(t, err)

	sums := make([]float64, 4)
	for r := range sums {
		for j := 0; j < 3; j++ {
			sums[r] += y.Data[r*3+j]
		}
	}
	if diff := cmp.Diff([]float64{1, 1, 1, 1}, sums, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("row sums (-want +got):\n%s", diff)
	}
	// masked entry carries no probability
	assert.Equal(t, 0.0, y.Data[3])
}

func TestKLDivIdenticalDistributionsIsZero(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	logits := param(rng, 2, 3, 5)

	a, err := LogSoftmax(logits)
	require.NoError(t, err)
	b, err := LogSoftmax(logits.Detach())
	require.NoError(t, err)

	kl, err := KLDivBatchMean(a, b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, kl.Item())
}

func TestCrossEntropyErrors(t *testing.T) {
	logits := MustNewTensor([]int{2, 3}, nil, nil)

	_, err := CrossEntropyLoss(logits, []int{-100, -100}, -100)
	assert.Error(t, err)

	_, err = CrossEntropyLoss(logits, []int{0}, -100)
	assert.Error(t, err)

	_, err = CrossEntropyLoss(logits, []int{0, 3}, -100)
	assert.Error(t, err)

	loss, err := CrossEntropyLoss(logits, []int{0, 2}, -100)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), loss.Item(), 1e-12)
}

func TestBackwardPreconditions(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	assert.Error(t, MustNewTensor([]int{1}, nil, nil).Backward())
	assert.Error(t, param(rng, 2).Backward())
}

func TestShapeMismatchIsAnError(t *testing.T) {
	a := MustNewTensor([]int{2, 3}, nil, nil)
	b := MustNewTensor([]int{3, 2}, nil, nil)

	_, err := Add(a, b)
	assert.Error(t, err)
	_, err = MSELoss(a, b)
	assert.Error(t, err)
	_, err = MatMul(a, a)
	assert.Error(t, err)
	_, err = BatchMatMul(a, b, true)
	assert.Error(t, err)
}

func TestNoGradScope(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	w := param(rng, 3, 2)
	x := MustNewTensor([]int{1, 3}, []float64{1, 2, 3}, nil)

	scope := NoGrad()
	assert.False(t, scope.Enabled())

	out, err := MatMul(x, scope.Param(w))
	require.NoError(t, err)
	assert.False(t, out.RequiresGrad)
	assert.Nil(t, out.Grad)

	// detached views share values but not gradient buffers
	assert.Equal(t, w.Data, scope.Param(w).Data)
	assert.Nil(t, scope.Param(w).Grad)

	grad := Grad()
	assert.True(t, grad.Enabled())
	assert.Same(t, w, grad.Param(w))

	out, err = MatMul(x, grad.Param(w))
	require.NoError(t, err)
	total, err := Sum(out)
	require.NoError(t, err)
	require.NoError(t, total.Backward())
	assert.Equal(t, []float64{1, 1, 2, 2, 3, 3}, w.Grad)
}

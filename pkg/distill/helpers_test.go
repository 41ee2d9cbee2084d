package distill

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transformer_distill/pkg/autodiff"
)

type dims struct {
	enc, dec      int
	hidden, heads int
	batch, seq    int
	vocab         int
}

func randTensor(t *testing.T, rng *rand.Rand, requiresGrad bool, shape ...int) *autodiff.Tensor {
	t.Helper()
	x, err := autodiff.NewRandomTensor(rng, shape, 1.0, &autodiff.TensorConfig{RequiresGrad: requiresGrad})
	require.NoError(t, err)
	return x
}

func attentionWeights(t *testing.T, rng *rand.Rand, requiresGrad bool, d dims) *autodiff.Tensor {
	t.Helper()
	scores := randTensor(t, rng, requiresGrad, d.batch, d.heads, d.seq, d.seq)
	w, err := autodiff.Softmax(scores)
	require.NoError(t, err)
	return w
}

// makeOutput builds a bundle with random contents laid out like a real model's.
func makeOutput(t *testing.T, rng *rand.Rand, d dims, requiresGrad bool) *Output {
	t.Helper()
	o := &Output{
		Loss:              autodiff.NewScalar(1.25+rng.Float64(), &autodiff.TensorConfig{RequiresGrad: requiresGrad}),
		Logits:            randTensor(t, rng, requiresGrad, d.batch, d.seq, d.vocab),
		EncoderAttentions: []*autodiff.Tensor{},
		DecoderAttentions: []*autodiff.Tensor{},
	}
	for range d.enc + 1 {
		o.EncoderHiddenStates = append(o.EncoderHiddenStates, randTensor(t, rng, requiresGrad, d.batch, d.seq, d.hidden))
	}
	for range d.dec + 1 {
		o.DecoderHiddenStates = append(o.DecoderHiddenStates, randTensor(t, rng, requiresGrad, d.batch, d.seq, d.hidden))
	}
	for range d.enc {
		o.EncoderAttentions = append(o.EncoderAttentions, attentionWeights(t, rng, requiresGrad, d))
	}
	for range d.dec {
		o.DecoderAttentions = append(o.DecoderAttentions, attentionWeights(t, rng, requiresGrad, d))
	}
	return o
}

func mse(a, b *autodiff.Tensor) float64 {
	total := 0.0
	for i := range a.Data {
		d := a.Data[i] - b.Data[i]
		total += d * d
	}
	return total / float64(len(a.Data))
}

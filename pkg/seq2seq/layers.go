package seq2seq

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/transformer_distill/pkg/autodiff"
)

const layerNormEps = 1e-5

// param allocates a trainable tensor drawn from N(0, std²), or zeros when std is 0.
func param(rng *rand.Rand, name string, std float64, shape ...int) *autodiff.Tensor {
	cfg := &autodiff.TensorConfig{RequiresGrad: true, Name: name}
	if std == 0 {
		t, err := autodiff.NewZerosTensor(shape, cfg)
		if err != nil {
			panic(err)
		}
		return t
	}
	t, err := autodiff.NewRandomTensor(rng, shape, std, cfg)
	if err != nil {
		panic(err)
	}
	return t
}

// Linear is an affine projection over the last dimension.
type Linear struct {
	Weight *autodiff.Tensor // [in, out]
	Bias   *autodiff.Tensor // [out]
}

func NewLinear(rng *rand.Rand, name string, in, out int) *Linear {
	return &Linear{
		Weight: param(rng, name+".weight", 1/math.Sqrt(float64(in)), in, out),
		Bias:   param(rng, name+".bias", 0, out),
	}
}

func (l *Linear) Forward(scope autodiff.Scope, x *autodiff.Tensor) (*autodiff.Tensor, error) {
	return autodiff.Linear(x, scope.Param(l.Weight), scope.Param(l.Bias))
}

func (l *Linear) Parameters() []*autodiff.Tensor { return []*autodiff.Tensor{l.Weight, l.Bias} }

// LayerNorm normalizes the last dimension with a learned gain and shift.
type LayerNorm struct {
	Gamma *autodiff.Tensor
	Beta  *autodiff.Tensor
}

func NewLayerNorm(name string, dim int) *LayerNorm {
	gamma := param(nil, name+".gamma", 0, dim)
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	return &LayerNorm{Gamma: gamma, Beta: param(nil, name+".beta", 0, dim)}
}

func (ln *LayerNorm) Forward(scope autodiff.Scope, x *autodiff.Tensor) (*autodiff.Tensor, error) {
	return autodiff.LayerNorm(x, scope.Param(ln.Gamma), scope.Param(ln.Beta), layerNormEps)
}

func (ln *LayerNorm) Parameters() []*autodiff.Tensor { return []*autodiff.Tensor{ln.Gamma, ln.Beta} }

// FeedForward is the position-wise two-layer GELU network.
type FeedForward struct {
	In  *Linear
	Out *Linear
}

func NewFeedForward(rng *rand.Rand, name string, dim, hidden int) *FeedForward {
	return &FeedForward{
		In:  NewLinear(rng, name+".in", dim, hidden),
		Out: NewLinear(rng, name+".out", hidden, dim),
	}
}

func (ff *FeedForward) Forward(scope autodiff.Scope, x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h, err := ff.In.Forward(scope, x)
	if err != nil {
		return nil, fmt.Errorf("ffn in: %w", err)
	}
	if h, err = autodiff.GELU(h); err != nil {
		return nil, fmt.Errorf("ffn activation: %w", err)
	}
	out, err := ff.Out.Forward(scope, h)
	if err != nil {
		return nil, fmt.Errorf("ffn out: %w", err)
	}
	return out, nil
}

func (ff *FeedForward) Parameters() []*autodiff.Tensor {
	return append(ff.In.Parameters(), ff.Out.Parameters()...)
}

// MultiHeadAttention is scaled dot-product attention over NumHeads heads.
type MultiHeadAttention struct {
	NumHeads int
	HeadDim  int
	Query    *Linear
	Key      *Linear
	Value    *Linear
	Output   *Linear
}

func NewMultiHeadAttention(rng *rand.Rand, name string, dim, heads int) *MultiHeadAttention {
	return &MultiHeadAttention{
		NumHeads: heads,
		HeadDim:  dim / heads,
		Query:    NewLinear(rng, name+".query", dim, dim),
		Key:      NewLinear(rng, name+".key", dim, dim),
		Value:    NewLinear(rng, name+".value", dim, dim),
		Output:   NewLinear(rng, name+".output", dim, dim),
	}
}

// Forward attends from query [batch, q, dim] over memory [batch, k, dim]. bias, when
// not nil, is added to the [batch, heads, q, k] scores before the softmax. It returns
// the projected context and the post-softmax attention weights.
func (mha *MultiHeadAttention) Forward(scope autodiff.Scope, query, memory, bias *autodiff.Tensor) (out, weights *autodiff.Tensor, err error) {
	q, err := mha.Query.Forward(scope, query)
	if err != nil {
		return nil, nil, fmt.Errorf("mha query proj: %w", err)
	}
	k, err := mha.Key.Forward(scope, memory)
	if err != nil {
		return nil, nil, fmt.Errorf("mha key proj: %w", err)
	}
	v, err := mha.Value.Forward(scope, memory)
	if err != nil {
		return nil, nil, fmt.Errorf("mha value proj: %w", err)
	}

	qh, err := autodiff.SplitHeads(q, mha.NumHeads)
	if err != nil {
		return nil, nil, err
	}
	kh, err := autodiff.SplitHeads(k, mha.NumHeads)
	if err != nil {
		return nil, nil, err
	}
	vh, err := autodiff.SplitHeads(v, mha.NumHeads)
	if err != nil {
		return nil, nil, err
	}

	scores, err := autodiff.BatchMatMul(qh, kh, true)
	if err != nil {
		return nil, nil, fmt.Errorf("mha scores: %w", err)
	}
	if scores, err = autodiff.ScalarMultiply(scores, 1/math.Sqrt(float64(mha.HeadDim))); err != nil {
		return nil, nil, err
	}
	if bias != nil {
		if scores, err = autodiff.Add(scores, bias); err != nil {
			return nil, nil, fmt.Errorf("mha mask: %w", err)
		}
	}
	if weights, err = autodiff.Softmax(scores); err != nil {
		return nil, nil, err
	}

	ctx, err := autodiff.BatchMatMul(weights, vh, false)
	if err != nil {
		return nil, nil, fmt.Errorf("mha context: %w", err)
	}
	merged, err := autodiff.MergeHeads(ctx)
	if err != nil {
		return nil, nil, err
	}
	if out, err = mha.Output.Forward(scope, merged); err != nil {
		return nil, nil, fmt.Errorf("mha output proj: %w", err)
	}
	return out, weights, nil
}

func (mha *MultiHeadAttention) Parameters() []*autodiff.Tensor {
	var ps []*autodiff.Tensor
	for _, l := range []*Linear{mha.Query, mha.Key, mha.Value, mha.Output} {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

// EncoderLayer is a pre-norm self-attention block followed by a feed-forward block.
type EncoderLayer struct {
	SelfAttention *MultiHeadAttention
	FeedForward   *FeedForward
	Norm1         *LayerNorm
	Norm2         *LayerNorm
}

func NewEncoderLayer(rng *rand.Rand, name string, dim, heads, ffnHidden int) *EncoderLayer {
	return &EncoderLayer{
		SelfAttention: NewMultiHeadAttention(rng, name+".self_attn", dim, heads),
		FeedForward:   NewFeedForward(rng, name+".ffn", dim, ffnHidden),
		Norm1:         NewLayerNorm(name+".norm1", dim),
		Norm2:         NewLayerNorm(name+".norm2", dim),
	}
}

// Forward returns the layer output and its self-attention weights.
func (el *EncoderLayer) Forward(scope autodiff.Scope, input, bias *autodiff.Tensor) (out, attn *autodiff.Tensor, err error) {
	norm1Out, err := el.Norm1.Forward(scope, input)
	if err != nil {
		return nil, nil, fmt.Errorf("enc norm1: %w", err)
	}
	attnOut, attn, err := el.SelfAttention.Forward(scope, norm1Out, norm1Out, bias)
	if err != nil {
		return nil, nil, fmt.Errorf("enc self attn: %w", err)
	}
	residual, err := autodiff.Add(input, attnOut)
	if err != nil {
		return nil, nil, fmt.Errorf("enc res1: %w", err)
	}
	norm2Out, err := el.Norm2.Forward(scope, residual)
	if err != nil {
		return nil, nil, fmt.Errorf("enc norm2: %w", err)
	}
	ffnOut, err := el.FeedForward.Forward(scope, norm2Out)
	if err != nil {
		return nil, nil, fmt.Errorf("enc ffn: %w", err)
	}
	if out, err = autodiff.Add(residual, ffnOut); err != nil {
		return nil, nil, fmt.Errorf("enc res2: %w", err)
	}
	return out, attn, nil
}

func (el *EncoderLayer) Parameters() []*autodiff.Tensor {
	ps := el.SelfAttention.Parameters()
	ps = append(ps, el.FeedForward.Parameters()...)
	ps = append(ps, el.Norm1.Parameters()...)
	return append(ps, el.Norm2.Parameters()...)
}

// DecoderLayer adds a cross-attention block over the encoder memory.
type DecoderLayer struct {
	SelfAttention  *MultiHeadAttention
	CrossAttention *MultiHeadAttention
	FeedForward    *FeedForward
	Norm1          *LayerNorm
	Norm2          *LayerNorm
	Norm3          *LayerNorm
}

func NewDecoderLayer(rng *rand.Rand, name string, dim, heads, ffnHidden int) *DecoderLayer {
	return &DecoderLayer{
		SelfAttention:  NewMultiHeadAttention(rng, name+".self_attn", dim, heads),
		CrossAttention: NewMultiHeadAttention(rng, name+".cross_attn", dim, heads),
		FeedForward:    NewFeedForward(rng, name+".ffn", dim, ffnHidden),
		Norm1:          NewLayerNorm(name+".norm1", dim),
		Norm2:          NewLayerNorm(name+".norm2", dim),
		Norm3:          NewLayerNorm(name+".norm3", dim),
	}
}

// Forward returns the layer output, its causal self-attention weights and its
// cross-attention weights.
func (dl *DecoderLayer) Forward(scope autodiff.Scope, input, memory, selfBias, crossBias *autodiff.Tensor) (out, selfAttn, crossAttn *autodiff.Tensor, err error) {
	norm1Out, err := dl.Norm1.Forward(scope, input)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec norm1: %w", err)
	}
	selfOut, selfAttn, err := dl.SelfAttention.Forward(scope, norm1Out, norm1Out, selfBias)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec self attn: %w", err)
	}
	residual1, err := autodiff.Add(input, selfOut)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec res1: %w", err)
	}
	norm2Out, err := dl.Norm2.Forward(scope, residual1)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec norm2: %w", err)
	}
	crossOut, crossAttn, err := dl.CrossAttention.Forward(scope, norm2Out, memory, crossBias)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec cross attn: %w", err)
	}
	residual2, err := autodiff.Add(residual1, crossOut)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec res2: %w", err)
	}
	norm3Out, err := dl.Norm3.Forward(scope, residual2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec norm3: %w", err)
	}
	ffnOut, err := dl.FeedForward.Forward(scope, norm3Out)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dec ffn: %w", err)
	}
	if out, err = autodiff.Add(residual2, ffnOut); err != nil {
		return nil, nil, nil, fmt.Errorf("dec res3: %w", err)
	}
	return out, selfAttn, crossAttn, nil
}

func (dl *DecoderLayer) Parameters() []*autodiff.Tensor {
	ps := dl.SelfAttention.Parameters()
	ps = append(ps, dl.CrossAttention.Parameters()...)
	ps = append(ps, dl.FeedForward.Parameters()...)
	ps = append(ps, dl.Norm1.Parameters()...)
	ps = append(ps, dl.Norm2.Parameters()...)
	return append(ps, dl.Norm3.Parameters()...)
}

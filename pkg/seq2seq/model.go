// Package seq2seq is a small pre-norm encoder-decoder transformer built on the autodiff
// package. It returns the full output bundle distillation needs: per-layer hidden states,
// post-softmax attention weights, logits and the task loss.
package seq2seq

import (
	"fmt"
	"math/rand"

	"github.com/transformer_distill/pkg/autodiff"
	"github.com/transformer_distill/pkg/core"
	"github.com/transformer_distill/pkg/distill"
)

// Model is an encoder-decoder transformer with a separate language-model head.
type Model struct {
	Config      *core.Config
	Embedding   *autodiff.Tensor // [vocab, dim], shared by both stacks
	Positional  *core.PositionalEncoding
	Encoder     []*EncoderLayer
	Decoder     []*DecoderLayer
	EncoderNorm *LayerNorm
	DecoderNorm *LayerNorm
	Head        *Linear

	supports distill.OutputKinds
}

// Option customizes a Model.
type Option func(*Model)

// WithOutputs restricts the optional outputs the model is able to return.
func WithOutputs(kinds distill.OutputKinds) Option {
	return func(m *Model) { m.supports = kinds }
}

// New builds a model with weights drawn from cfg.Seed.
func New(cfg *core.Config, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	dim := cfg.HiddenDim

	m := &Model{
		Config:      cfg,
		Embedding:   param(rng, "embedding", 1, cfg.VocabSize, dim),
		Positional:  core.NewPositionalEncoding(dim, cfg.MaxLen),
		EncoderNorm: NewLayerNorm("encoder.norm", dim),
		DecoderNorm: NewLayerNorm("decoder.norm", dim),
		supports:    distill.OutputHiddenStates | distill.OutputAttentions,
	}
	for i := range cfg.EncoderLayers {
		m.Encoder = append(m.Encoder, NewEncoderLayer(rng, fmt.Sprintf("encoder.%d", i), dim, cfg.NumHeads, cfg.FFNHiddenDim))
	}
	for i := range cfg.DecoderLayers {
		m.Decoder = append(m.Decoder, NewDecoderLayer(rng, fmt.Sprintf("decoder.%d", i), dim, cfg.NumHeads, cfg.FFNHiddenDim))
	}
	m.Head = NewLinear(rng, "head", dim, cfg.VocabSize)

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Supports reports the optional outputs Forward can return.
func (m *Model) Supports() distill.OutputKinds { return m.supports }

// Parameters returns every trainable tensor in a fixed order.
func (m *Model) Parameters() []*autodiff.Tensor {
	ps := []*autodiff.Tensor{m.Embedding}
	for _, l := range m.Encoder {
		ps = append(ps, l.Parameters()...)
	}
	for _, l := range m.Decoder {
		ps = append(ps, l.Parameters()...)
	}
	ps = append(ps, m.EncoderNorm.Parameters()...)
	ps = append(ps, m.DecoderNorm.Parameters()...)
	return append(ps, m.Head.Parameters()...)
}

// ZeroGrad clears every parameter gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// Freeze stops every parameter from collecting gradients.
func (m *Model) Freeze() {
	for _, p := range m.Parameters() {
		p.RequiresGrad = false
		p.Grad = nil
	}
}

// embed returns token embeddings plus sinusoidal positions for ids [batch, seq].
func (m *Model) embed(scope autodiff.Scope, ids [][]int) (*autodiff.Tensor, error) {
	tok, err := autodiff.Embedding(scope.Param(m.Embedding), ids)
	if err != nil {
		return nil, err
	}
	rows, err := m.Positional.Rows(len(ids), len(ids[0]))
	if err != nil {
		return nil, err
	}
	pos, err := autodiff.NewTensor(tok.Shape, rows, nil)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(tok, pos)
}

// Forward runs both stacks over batch. Hidden states and attentions are attached only
// when kinds asks for them; the task loss is computed whenever batch carries labels.
func (m *Model) Forward(scope autodiff.Scope, batch *distill.Batch, kinds distill.OutputKinds) (*distill.Output, error) {
	if !m.supports.Has(kinds) {
		return nil, fmt.Errorf("model cannot return %s", kinds)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	var (
		b      = batch.Size()
		heads  = m.Config.NumHeads
		srcLen = len(batch.InputIDs[0])
		tgtLen = len(batch.DecoderInputIDs[0])
	)

	var encHidden, encAttn, decHidden, decAttn, crossAttn []*autodiff.Tensor

	hidden, err := m.embed(scope, batch.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("encoder embedding: %w", err)
	}
	encHidden = append(encHidden, hidden)
	encBias := attentionBias(batch.AttentionMask, b, heads, srcLen, srcLen, false)
	for i, layer := range m.Encoder {
		var attn *autodiff.Tensor
		if hidden, attn, err = layer.Forward(scope, hidden, encBias); err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
		encHidden = append(encHidden, hidden)
		encAttn = append(encAttn, attn)
	}
	memory, err := m.EncoderNorm.Forward(scope, hidden)
	if err != nil {
		return nil, fmt.Errorf("encoder norm: %w", err)
	}

	if hidden, err = m.embed(scope, batch.DecoderInputIDs); err != nil {
		return nil, fmt.Errorf("decoder embedding: %w", err)
	}
	decHidden = append(decHidden, hidden)
	selfBias := attentionBias(batch.DecoderAttentionMask, b, heads, tgtLen, tgtLen, true)
	crossBias := attentionBias(batch.AttentionMask, b, heads, tgtLen, srcLen, false)
	for i, layer := range m.Decoder {
		var self, cross *autodiff.Tensor
		if hidden, self, cross, err = layer.Forward(scope, hidden, memory, selfBias, crossBias); err != nil {
			return nil, fmt.Errorf("decoder layer %d: %w", i, err)
		}
		decHidden = append(decHidden, hidden)
		decAttn = append(decAttn, self)
		crossAttn = append(crossAttn, cross)
	}
	final, err := m.DecoderNorm.Forward(scope, hidden)
	if err != nil {
		return nil, fmt.Errorf("decoder norm: %w", err)
	}
	logits, err := m.Head.Forward(scope, final)
	if err != nil {
		return nil, fmt.Errorf("lm head: %w", err)
	}

	out := &distill.Output{Logits: logits}
	if kinds.Has(distill.OutputHiddenStates) {
		out.EncoderHiddenStates, out.DecoderHiddenStates = encHidden, decHidden
	}
	if kinds.Has(distill.OutputAttentions) {
		out.EncoderAttentions = nonNil(encAttn)
		out.DecoderAttentions = nonNil(decAttn)
		out.CrossAttentions = nonNil(crossAttn)
	}
	if batch.Labels != nil {
		labels := make([]int, 0, b*tgtLen)
		for _, row := range batch.Labels {
			labels = append(labels, row...)
		}
		if out.Loss, err = autodiff.CrossEntropyLoss(logits, labels, distill.IgnoreIndex); err != nil {
			return nil, fmt.Errorf("task loss: %w", err)
		}
	}
	return out, nil
}

// nonNil keeps an empty stack distinguishable from attentions that were never produced.
func nonNil(ts []*autodiff.Tensor) []*autodiff.Tensor {
	if ts == nil {
		return []*autodiff.Tensor{}
	}
	return ts
}

var (
	_ distill.Model   = (*Model)(nil)
	_ distill.Capable = (*Model)(nil)
)

// Package distill computes knowledge-distillation training objectives from paired
// teacher and student encoder-decoder outputs.
//
// Two strategies are provided. SoftLabel mixes the student's task loss with a
// temperature-scaled KL divergence between teacher and student output distributions.
// Feature aligns every student hidden state and attention layer to a teacher layer
// chosen by an integer depth ratio and sums seven unweighted terms. Engine wires either
// strategy behind the LossFunc callback a training loop calls once per step.
package distill

import (
	"fmt"
	"strings"

	"github.com/transformer_distill/pkg/autodiff"
)

// IgnoreIndex marks label positions excluded from the task loss.
const IgnoreIndex = -100

// Batch is one step of tokenized seq2seq input. The engine never writes to it.
type Batch struct {
	InputIDs             [][]int
	AttentionMask        [][]int
	DecoderInputIDs      [][]int
	DecoderAttentionMask [][]int
	Labels               [][]int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.InputIDs) }

// Validate checks that every field is rectangular and consistent with its partner.
func (b *Batch) Validate() error {
	if b == nil {
		return fmt.Errorf("no batch")
	}
	if err := rectangular("input ids", b.InputIDs, len(b.InputIDs)); err != nil {
		return err
	}
	if err := rectangular("decoder input ids", b.DecoderInputIDs, len(b.InputIDs)); err != nil {
		return err
	}
	if b.AttentionMask != nil {
		if err := sameLayout("attention mask", b.AttentionMask, b.InputIDs); err != nil {
			return err
		}
	}
	if b.DecoderAttentionMask != nil {
		if err := sameLayout("decoder attention mask", b.DecoderAttentionMask, b.DecoderInputIDs); err != nil {
			return err
		}
	}
	if b.Labels != nil {
		if err := sameLayout("labels", b.Labels, b.DecoderInputIDs); err != nil {
			return err
		}
	}
	return nil
}

func rectangular(name string, rows [][]int, want int) error {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return fmt.Errorf("%s: empty", name)
	}
	if len(rows) != want {
		return fmt.Errorf("%s: %d rows, want %d", name, len(rows), want)
	}
	for i, row := range rows {
		if len(row) != len(rows[0]) {
			return fmt.Errorf("%s: row %d has length %d, want %d", name, i, len(row), len(rows[0]))
		}
	}
	return nil
}

func sameLayout(name string, rows, like [][]int) error {
	if len(rows) != len(like) {
		return fmt.Errorf("%s: %d rows, want %d", name, len(rows), len(like))
	}
	for i := range rows {
		if len(rows[i]) != len(like[i]) {
			return fmt.Errorf("%s: row %d has length %d, want %d", name, i, len(rows[i]), len(like[i]))
		}
	}
	return nil
}

// OutputKinds selects the optional tensors a forward pass must return.
type OutputKinds uint8

const (
	OutputHiddenStates OutputKinds = 1 << iota
	OutputAttentions
)

// Has reports whether every kind in o is selected.
func (k OutputKinds) Has(o OutputKinds) bool { return k&o == o }

func (k OutputKinds) String() string {
	var parts []string
	if k.Has(OutputHiddenStates) {
		parts = append(parts, "hidden_states")
	}
	if k.Has(OutputAttentions) {
		parts = append(parts, "attentions")
	}
	if len(parts) == 0 {
		return "logits"
	}
	return strings.Join(parts, "+")
}

// Output is the bundle any encoder-decoder model hands to the engine.
//
// Hidden-state slices hold layers+1 tensors [batch, seq, hidden], index 0 being the
// embedding output. Attention slices hold one [batch, heads, q_len, k_len] tensor per
// layer. Loss is the task cross-entropy and is only required from the student.
type Output struct {
	Loss   *autodiff.Tensor
	Logits *autodiff.Tensor

	EncoderHiddenStates []*autodiff.Tensor
	DecoderHiddenStates []*autodiff.Tensor
	EncoderAttentions   []*autodiff.Tensor
	DecoderAttentions   []*autodiff.Tensor
	CrossAttentions     []*autodiff.Tensor
}

// Model is a forward pass producing an Output. Implementations read their parameters
// through scope so that a NoGrad scope records no graph.
type Model interface {
	Forward(scope autodiff.Scope, batch *Batch, kinds OutputKinds) (*Output, error)
}

// Capable is implemented by models that can report up front which outputs they support.
type Capable interface {
	Supports() OutputKinds
}

// Validate checks the bundle carries the requested kinds and respects the
// layers+1 relation between hidden states and attentions.
func (o *Output) Validate(kinds OutputKinds) error {
	if o == nil || o.Logits == nil {
		return fmt.Errorf("no logits returned")
	}
	if kinds.Has(OutputHiddenStates) {
		if len(o.EncoderHiddenStates) == 0 || len(o.DecoderHiddenStates) == 0 {
			return fmt.Errorf("hidden states requested but not returned")
		}
		if err := noNil("encoder hidden states", o.EncoderHiddenStates); err != nil {
			return err
		}
		if err := noNil("decoder hidden states", o.DecoderHiddenStates); err != nil {
			return err
		}
	}
	if kinds.Has(OutputAttentions) {
		if o.EncoderAttentions == nil || o.DecoderAttentions == nil {
			return fmt.Errorf("attentions requested but not returned")
		}
		if err := noNil("encoder attentions", o.EncoderAttentions); err != nil {
			return err
		}
		if err := noNil("decoder attentions", o.DecoderAttentions); err != nil {
			return err
		}
	}
	if kinds.Has(OutputHiddenStates | OutputAttentions) {
		if len(o.EncoderHiddenStates) != len(o.EncoderAttentions)+1 {
			return fmt.Errorf("encoder returned %d hidden states for %d attention layers",
				len(o.EncoderHiddenStates), len(o.EncoderAttentions))
		}
		if len(o.DecoderHiddenStates) != len(o.DecoderAttentions)+1 {
			return fmt.Errorf("decoder returned %d hidden states for %d attention layers",
				len(o.DecoderHiddenStates), len(o.DecoderAttentions))
		}
	}
	return nil
}

func noNil(name string, ts []*autodiff.Tensor) error {
	for i, t := range ts {
		if t == nil {
			return fmt.Errorf("%s[%d] is nil", name, i)
		}
	}
	return nil
}

// Detach returns a copy of the bundle with every tensor cut from the gradient graph.
func (o *Output) Detach() *Output {
	detach := func(t *autodiff.Tensor) *autodiff.Tensor {
		if t == nil {
			return nil
		}
		return t.Detach()
	}
	detachAll := func(ts []*autodiff.Tensor) []*autodiff.Tensor {
		if ts == nil {
			return nil
		}
		out := make([]*autodiff.Tensor, len(ts))
		for i, t := range ts {
			out[i] = detach(t)
		}
		return out
	}
	return &Output{
		Loss:                detach(o.Loss),
		Logits:              detach(o.Logits),
		EncoderHiddenStates: detachAll(o.EncoderHiddenStates),
		DecoderHiddenStates: detachAll(o.DecoderHiddenStates),
		EncoderAttentions:   detachAll(o.EncoderAttentions),
		DecoderAttentions:   detachAll(o.DecoderAttentions),
		CrossAttentions:     detachAll(o.CrossAttentions),
	}
}

// Tensors returns every non-nil tensor in the bundle.
func (o *Output) Tensors() []*autodiff.Tensor {
	var out []*autodiff.Tensor
	for _, t := range []*autodiff.Tensor{o.Loss, o.Logits} {
		if t != nil {
			out = append(out, t)
		}
	}
	for _, ts := range [][]*autodiff.Tensor{
		o.EncoderHiddenStates, o.DecoderHiddenStates,
		o.EncoderAttentions, o.DecoderAttentions, o.CrossAttentions,
	} {
		for _, t := range ts {
			if t != nil {
				out = append(out, t)
			}
		}
	}
	return out
}

package distill

import (
	"fmt"

	"github.com/transformer_distill/pkg/autodiff"
)

// Names of the feature distillation terms, in the order they are summed.
const (
	TermEncoderAttention = "encoder_attention_loss"
	TermDecoderAttention = "decoder_attention_loss"
	TermEncoderEmbedding = "encoder_embedding_loss"
	TermDecoderEmbedding = "decoder_embedding_loss"
	TermEncoderLayer     = "encoder_layer_loss"
	TermDecoderLayer     = "decoder_layer_loss"
	TermPrediction       = "prediction_layer_loss"
)

// Feature distils hidden states, attention weights and predictions layer by layer.
// Its seven terms are summed with unit weights.
type Feature struct{}

// NewFeature returns a feature aggregator. It has no configuration.
func NewFeature() *Feature { return &Feature{} }

func (f *Feature) Name() string { return "feature" }

// Kinds reports that hidden states and attentions are needed from both models.
func (f *Feature) Kinds() OutputKinds { return OutputHiddenStates | OutputAttentions }

// Align computes the encoder and decoder alignments from the attention counts.
func (f *Feature) Align(teacher, student *Output) (enc, dec StackAlignment, err error) {
	enc, err = AlignStack(Encoder, len(teacher.EncoderAttentions), len(student.EncoderAttentions))
	if err != nil {
		return enc, dec, err
	}
	dec, err = AlignStack(Decoder, len(teacher.DecoderAttentions), len(student.DecoderAttentions))
	return enc, dec, err
}

// stackView is one stack of a bundle.
type stackView struct {
	hidden     []*autodiff.Tensor
	attentions []*autodiff.Tensor
}

func views(o *Output) (enc, dec stackView) {
	return stackView{o.EncoderHiddenStates, o.EncoderAttentions},
		stackView{o.DecoderHiddenStates, o.DecoderAttentions}
}

// check validates every tensor pair a stack's terms will compare.
func (a StackAlignment) check(teacher, student stackView) error {
	if err := compareShapes(fmt.Sprintf("%s hidden states[0]", a.Stack), teacher.hidden[0], student.hidden[0]); err != nil {
		return err
	}
	for _, p := range a.AttentionPairs() {
		what := fmt.Sprintf("%s attentions[%d] vs teacher[%d]", a.Stack, p.Student, p.Teacher)
		if err := compareShapes(what, teacher.attentions[p.Teacher], student.attentions[p.Student]); err != nil {
			return err
		}
	}
	for _, p := range a.HiddenPairs() {
		what := fmt.Sprintf("%s hidden states[%d] vs teacher[%d]", a.Stack, p.Student, p.Teacher)
		if err := compareShapes(what, teacher.hidden[p.Teacher], student.hidden[p.Student]); err != nil {
			return err
		}
	}
	return nil
}

// Aggregate returns the sum of the seven feature terms. Every shape is checked before
// any term is computed.
func (f *Feature) Aggregate(teacher, student *Output) (*autodiff.Tensor, Diagnostic, error) {
	if err := teacher.Validate(f.Kinds()); err != nil {
		return nil, Diagnostic{}, &ConfigurationError{Role: "teacher", Reason: err.Error()}
	}
	if err := student.Validate(f.Kinds()); err != nil {
		return nil, Diagnostic{}, &ConfigurationError{Role: "student", Reason: err.Error()}
	}

	encAlign, decAlign, err := f.Align(teacher, student)
	if err != nil {
		return nil, Diagnostic{}, err
	}
	tEnc, tDec := views(teacher)
	sEnc, sDec := views(student)
	if err := encAlign.check(tEnc, sEnc); err != nil {
		return nil, Diagnostic{}, err
	}
	if err := decAlign.check(tDec, sDec); err != nil {
		return nil, Diagnostic{}, err
	}
	if err := compareShapes("logits", teacher.Logits, student.Logits); err != nil {
		return nil, Diagnostic{}, err
	}

	terms := make([]Term, 0, 7)
	add := func(name string, v *autodiff.Tensor, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		terms = append(terms, Term{Name: name, Value: v, Weight: 1})
		return nil
	}

	steps := []func() error{
		func() error {
			v, err := pairLoss(encAlign.AttentionPairs(), tEnc.attentions, sEnc.attentions)
			return add(TermEncoderAttention, v, err)
		},
		func() error {
			v, err := pairLoss(decAlign.AttentionPairs(), tDec.attentions, sDec.attentions)
			return add(TermDecoderAttention, v, err)
		},
		func() error {
			v, err := autodiff.MSELoss(sEnc.hidden[0], tEnc.hidden[0])
			return add(TermEncoderEmbedding, v, err)
		},
		func() error {
			v, err := autodiff.MSELoss(sDec.hidden[0], tDec.hidden[0])
			return add(TermDecoderEmbedding, v, err)
		},
		func() error {
			v, err := pairLoss(encAlign.HiddenPairs(), tEnc.hidden, sEnc.hidden)
			return add(TermEncoderLayer, v, err)
		},
		func() error {
			v, err := pairLoss(decAlign.HiddenPairs(), tDec.hidden, sDec.hidden)
			return add(TermDecoderLayer, v, err)
		},
		func() error {
			v, err := PredictionLoss(student.Logits, teacher.Logits)
			return add(TermPrediction, v, err)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, Diagnostic{}, err
		}
	}

	loss, err := Composite(terms...)
	if err != nil {
		return nil, Diagnostic{}, err
	}
	return loss, newDiagnostic(f.Name(), loss, terms), nil
}

// pairLoss sums MSE(student[p.Student], teacher[p.Teacher]) over pairs. No pairs sum to zero.
func pairLoss(pairs []LayerPair, teacher, student []*autodiff.Tensor) (*autodiff.Tensor, error) {
	if len(pairs) == 0 {
		return autodiff.NewScalar(0, nil), nil
	}
	losses := make([]*autodiff.Tensor, 0, len(pairs))
	for _, p := range pairs {
		l, err := autodiff.MSELoss(student[p.Student], teacher[p.Teacher])
		if err != nil {
			return nil, err
		}
		losses = append(losses, l)
	}
	return autodiff.AddN(losses...)
}

// PredictionLoss returns mean(-softmax(teacher) * log_softmax(student)) over every element.
// No temperature is applied.
func PredictionLoss(studentLogits, teacherLogits *autodiff.Tensor) (*autodiff.Tensor, error) {
	if err := compareShapes("logits", teacherLogits, studentLogits); err != nil {
		return nil, err
	}
	p, err := autodiff.Softmax(teacherLogits)
	if err != nil {
		return nil, err
	}
	logQ, err := autodiff.LogSoftmax(studentLogits)
	if err != nil {
		return nil, err
	}
	prod, err := autodiff.Multiply(p, logQ)
	if err != nil {
		return nil, err
	}
	mean, err := autodiff.Mean(prod)
	if err != nil {
		return nil, err
	}
	return autodiff.ScalarMultiply(mean, -1)
}

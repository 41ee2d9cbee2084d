package distill

import (
	"fmt"
	"math"

	"github.com/transformer_distill/pkg/autodiff"
)

// SoftLabelConfig is the immutable configuration of soft-label distillation.
type SoftLabelConfig struct {
	// Alpha weights the task loss; 1-Alpha weights the distillation term.
	Alpha float64
	// Temperature divides both logit tensors before the softmax.
	Temperature float64
}

// DefaultSoftLabelConfig returns alpha 0.5 and temperature 2.0.
func DefaultSoftLabelConfig() SoftLabelConfig {
	return SoftLabelConfig{Alpha: 0.5, Temperature: 2.0}
}

// Validate checks alpha lies in [0, 1] and temperature is a positive finite number.
func (c SoftLabelConfig) Validate() error {
	if !(c.Alpha >= 0 && c.Alpha <= 1) {
		return &ConfigurationError{Role: "soft-label", Reason: fmt.Sprintf("alpha must be in [0, 1], got %v", c.Alpha)}
	}
	if !(c.Temperature > 0) || math.IsInf(c.Temperature, 1) {
		return &ConfigurationError{Role: "soft-label", Reason: fmt.Sprintf("temperature must be positive, got %v", c.Temperature)}
	}
	return nil
}

// SoftLabel mixes the student's task loss with the temperature-scaled KL divergence
// between teacher and student output distributions.
type SoftLabel struct {
	cfg SoftLabelConfig
}

// NewSoftLabel returns a soft-label aggregator for cfg.
func NewSoftLabel(cfg SoftLabelConfig) (*SoftLabel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SoftLabel{cfg: cfg}, nil
}

func (s *SoftLabel) Name() string { return "soft" }

// Config returns the configuration the aggregator was built with.
func (s *SoftLabel) Config() SoftLabelConfig { return s.cfg }

// Kinds reports that only logits are needed.
func (s *SoftLabel) Kinds() OutputKinds { return 0 }

// KD returns T² · KL(softmax(teacher/T) || softmax(student/T)), summed over every
// element and divided by the batch size.
func (s *SoftLabel) KD(studentLogits, teacherLogits *autodiff.Tensor) (*autodiff.Tensor, error) {
	if err := compareShapes("logits", teacherLogits, studentLogits); err != nil {
		return nil, err
	}
	t := s.cfg.Temperature

	scaledStudent, err := autodiff.ScalarMultiply(studentLogits, 1/t)
	if err != nil {
		return nil, err
	}
	scaledTeacher, err := autodiff.ScalarMultiply(teacherLogits, 1/t)
	if err != nil {
		return nil, err
	}
	logQ, err := autodiff.LogSoftmax(scaledStudent)
	if err != nil {
		return nil, err
	}
	logP, err := autodiff.LogSoftmax(scaledTeacher)
	if err != nil {
		return nil, err
	}
	kl, err := autodiff.KLDivBatchMean(logQ, logP)
	if err != nil {
		return nil, err
	}
	return autodiff.ScalarMultiply(kl, t*t)
}

// Aggregate returns alpha·task + (1-alpha)·kd. Non-finite values are passed through.
func (s *SoftLabel) Aggregate(teacher, student *Output) (*autodiff.Tensor, Diagnostic, error) {
	if student == nil || student.Loss == nil {
		return nil, Diagnostic{}, &ConfigurationError{Role: "student", Reason: "soft-label distillation needs a task loss"}
	}
	if teacher == nil || teacher.Logits == nil || student.Logits == nil {
		return nil, Diagnostic{}, &ConfigurationError{Role: "soft-label", Reason: "logits missing from bundle"}
	}

	kd, err := s.KD(student.Logits, teacher.Logits)
	if err != nil {
		return nil, Diagnostic{}, err
	}
	terms := []Term{
		{Name: "loss_ce", Value: student.Loss, Weight: s.cfg.Alpha},
		{Name: "loss_kd", Value: kd, Weight: 1 - s.cfg.Alpha},
	}
	loss, err := Composite(terms...)
	if err != nil {
		return nil, Diagnostic{}, err
	}
	return loss, newDiagnostic(s.Name(), loss, terms), nil
}

// compareShapes returns a DimensionMismatchError when teacher and student differ in shape.
func compareShapes(what string, teacher, student *autodiff.Tensor) error {
	if teacher == nil || student == nil {
		return &ConfigurationError{Role: "bundle", Reason: what + " missing"}
	}
	if len(teacher.Shape) != len(student.Shape) {
		return &DimensionMismatchError{What: what, Teacher: teacher.Shape, Student: student.Shape}
	}
	for i := range teacher.Shape {
		if teacher.Shape[i] != student.Shape[i] {
			return &DimensionMismatchError{What: what, Teacher: teacher.Shape, Student: student.Shape}
		}
	}
	return nil
}

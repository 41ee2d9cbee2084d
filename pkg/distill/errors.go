package distill

import (
	"errors"
	"fmt"
)

// Sentinel errors for structurally incompatible teacher/student pairings. They are fatal:
// retrying with the same models cannot succeed.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrAlignment         = errors.New("alignment error")
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// ConfigurationError reports a model that cannot supply the outputs a loss needs,
// or a loss configured with values outside their domain.
type ConfigurationError struct {
	Role   string // "teacher", "student" or the aggregator name
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Role, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// AlignmentError reports a teacher stack shallower than the student stack.
type AlignmentError struct {
	Stack         Stack
	TeacherLayers int
	StudentLayers int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%s: %s stack: teacher has %d layers, student has %d",
		ErrAlignment, e.Stack, e.TeacherLayers, e.StudentLayers)
}

func (e *AlignmentError) Unwrap() error { return ErrAlignment }

// DimensionMismatchError reports teacher and student tensors that cannot be compared elementwise.
type DimensionMismatchError struct {
	What    string
	Teacher []int
	Student []int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: %s: teacher shape %v, student shape %v", ErrDimensionMismatch, e.What, e.Teacher, e.Student)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

package distill

import (
	"context"
	"fmt"

	"github.com/transformer_distill/pkg/autodiff"
)

// TeacherAdapter runs the frozen reference model without recording gradients.
type TeacherAdapter struct {
	Model Model
}

// Infer runs the teacher forward pass under a no-grad scope and returns a detached bundle.
// The scope lives only for the Forward call, so it ends on every return path.
func (a *TeacherAdapter) Infer(ctx context.Context, batch *Batch, kinds OutputKinds) (*Output, error) {
	out, err := forward(ctx, "teacher", a.Model, autodiff.NoGrad(), batch, kinds)
	if err != nil {
		return nil, err
	}
	return out.Detach(), nil
}

// StudentAdapter runs the trainable model with gradient tracking.
type StudentAdapter struct {
	Model Model
}

// Forward runs the student forward pass and requires a task loss in the bundle.
func (a *StudentAdapter) Forward(ctx context.Context, batch *Batch, kinds OutputKinds) (*Output, error) {
	out, err := forward(ctx, "student", a.Model, autodiff.Grad(), batch, kinds)
	if err != nil {
		return nil, err
	}
	if out.Loss == nil {
		return nil, &ConfigurationError{Role: "student", Reason: "no task loss returned; labels are required"}
	}
	return out, nil
}

func forward(ctx context.Context, role string, m Model, scope autodiff.Scope, batch *Batch, kinds OutputKinds) (*Output, error) {
	if m == nil {
		return nil, &ConfigurationError{Role: role, Reason: "no model"}
	}
	if c, ok := m.(Capable); ok && !c.Supports().Has(kinds) {
		return nil, &ConfigurationError{
			Role:   role,
			Reason: fmt.Sprintf("model cannot return %s (supports %s)", kinds, c.Supports()),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := m.Forward(scope, batch, kinds)
	if err != nil {
		return nil, fmt.Errorf("%s forward: %w", role, err)
	}
	if err := out.Validate(kinds); err != nil {
		return nil, &ConfigurationError{Role: role, Reason: err.Error()}
	}
	return out, nil
}

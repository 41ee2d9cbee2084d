package distill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/transformer_distill/pkg/autodiff"
)

// LossFunc is the strategy a training loop calls once per step to obtain its objective.
type LossFunc interface {
	ComputeLoss(ctx context.Context, model Model, batch *Batch, returnOutputs bool) (*Result, error)
}

// Result is the outcome of one loss computation.
type Result struct {
	Loss       *autodiff.Tensor
	Diagnostic Diagnostic
	// Outputs holds the student bundle when it was requested.
	Outputs *Output
}

// Aggregator combines a teacher and a student bundle into one scalar.
type Aggregator interface {
	Name() string
	Kinds() OutputKinds
	Aggregate(teacher, student *Output) (*autodiff.Tensor, Diagnostic, error)
}

// Reporter receives the diagnostic of every computed step.
type Reporter func(ctx context.Context, d Diagnostic)

// Engine distils a fixed teacher into whichever student ComputeLoss is given.
type Engine struct {
	teacher    *TeacherAdapter
	aggregator Aggregator
	logger     *slog.Logger
	report     Reporter
	runID      string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for the per-step diagnostic line.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithReporter replaces the default diagnostic log line.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.report = r }
}

// NewEngine returns an engine that compares students against teacher using aggregator.
func NewEngine(teacher Model, aggregator Aggregator, opts ...Option) (*Engine, error) {
	if teacher == nil {
		return nil, &ConfigurationError{Role: "teacher", Reason: "no model"}
	}
	if aggregator == nil {
		return nil, &ConfigurationError{Role: "engine", Reason: "no aggregator"}
	}
	e := &Engine{
		teacher:    &TeacherAdapter{Model: teacher},
		aggregator: aggregator,
		logger:     slog.Default(),
		runID:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("run", e.runID, "mode", aggregator.Name())
	if e.report == nil {
		e.report = func(ctx context.Context, d Diagnostic) {
			e.logger.InfoContext(ctx, "distillation step", "losses", d)
		}
	}
	return e, nil
}

// RunID identifies the engine in log lines.
func (e *Engine) RunID() string { return e.runID }

// ComputeLoss runs the student with gradients and the teacher without, concurrently,
// and aggregates both bundles. The teacher runs fresh on every call. batch is only read.
func (e *Engine) ComputeLoss(ctx context.Context, model Model, batch *Batch, returnOutputs bool) (*Result, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	kinds := e.aggregator.Kinds()
	student := &StudentAdapter{Model: model}

	var teacherOut, studentOut *Output
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		studentOut, err = student.Forward(gctx, batch, kinds)
		return err
	})
	g.Go(func() error {
		var err error
		teacherOut, err = e.teacher.Infer(gctx, batch, kinds)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	loss, diag, err := e.aggregator.Aggregate(teacherOut, studentOut)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("aggregated", "kinds", kinds.String(), "batch", batch.Size())
	e.report(ctx, diag)

	res := &Result{Loss: loss, Diagnostic: diag}
	if returnOutputs {
		res.Outputs = studentOut
	}
	return res, nil
}

// TaskOnly is the LossFunc of plain fine-tuning: the student's own task loss.
type TaskOnly struct{}

func (TaskOnly) ComputeLoss(ctx context.Context, model Model, batch *Batch, returnOutputs bool) (*Result, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	out, err := (&StudentAdapter{Model: model}).Forward(ctx, batch, 0)
	if err != nil {
		return nil, err
	}
	d := Diagnostic{Mode: "none"}
	d.add("loss", out.Loss.Item())
	res := &Result{Loss: out.Loss, Diagnostic: d}
	if returnOutputs {
		res.Outputs = out
	}
	return res, nil
}

var (
	_ LossFunc   = (*Engine)(nil)
	_ LossFunc   = TaskOnly{}
	_ Aggregator = (*SoftLabel)(nil)
	_ Aggregator = (*Feature)(nil)
)

// Package trainer runs optimization steps of a student model against a distillation loss.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/transformer_distill/internal/data"
	"github.com/transformer_distill/internal/logutil"
	"github.com/transformer_distill/pkg/autodiff"
	"github.com/transformer_distill/pkg/distill"
)

// Student is a model whose parameters the trainer can update.
type Student interface {
	distill.Model
	Parameters() []*autodiff.Tensor
	ZeroGrad()
}

// Config controls a training run.
type Config struct {
	Steps        int
	LearningRate float64
	WarmupSteps  int
	ClipGradNorm float64
	Optimizer    string
	WeightDecay  float64
}

func DefaultConfig() Config {
	return Config{
		Steps:        20,
		LearningRate: 1e-2,
		WarmupSteps:  0,
		ClipGradNorm: 1.0,
		Optimizer:    "adam",
	}
}

// StepResult summarizes one optimization step.
type StepResult struct {
	Step         int
	LearningRate float64
	GradNorm     float64
	Diagnostic   distill.Diagnostic
}

// Loss returns the combined loss recorded for the step.
func (r StepResult) Loss() float64 {
	v, _ := r.Diagnostic.Value("loss")
	return v
}

type Trainer struct {
	student Student
	loss    distill.LossFunc
	source  data.Source
	opt     Optimizer
	cfg     Config
	logger  *slog.Logger

	step int
}

func New(student Student, loss distill.LossFunc, source data.Source, cfg Config, logger *slog.Logger) (*Trainer, error) {
	if student == nil || loss == nil || source == nil {
		return nil, errors.New("trainer needs a student, a loss and a data source")
	}
	if cfg.Steps < 0 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("invalid training config: steps=%d learning_rate=%g", cfg.Steps, cfg.LearningRate)
	}
	opt, err := NewOptimizer(cfg.Optimizer, cfg.WeightDecay)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{student: student, loss: loss, source: source, opt: opt, cfg: cfg, logger: logger}, nil
}

// LearningRate returns the rate for the current step under linear warmup.
func (t *Trainer) LearningRate() float64 {
	if t.cfg.WarmupSteps > 0 && t.step < t.cfg.WarmupSteps {
		return t.cfg.LearningRate * float64(t.step+1) / float64(t.cfg.WarmupSteps)
	}
	return t.cfg.LearningRate
}

// Step runs one forward, backward and update over batch.
func (t *Trainer) Step(ctx context.Context, batch *distill.Batch) (StepResult, error) {
	params := t.student.Parameters()
	t.student.ZeroGrad()

	res, err := t.loss.ComputeLoss(ctx, t.student, batch, false)
	if err != nil {
		return StepResult{}, err
	}
	if err := res.Loss.Backward(); err != nil {
		return StepResult{}, fmt.Errorf("backward: %w", err)
	}

	lr := t.LearningRate()
	norm := ClipGradients(params, t.cfg.ClipGradNorm)
	t.opt.Step(params, lr)
	t.step++

	r := StepResult{Step: t.step, LearningRate: lr, GradNorm: norm, Diagnostic: res.Diagnostic}
	t.logger.Log(ctx, logutil.LevelTrace, "optimizer step", "step", r.Step, "lr", lr, "grad_norm", norm)
	return r, nil
}

// Run trains until Config.Steps steps have run, the source is exhausted or ctx is done.
// Results of completed steps are returned alongside any error.
func (t *Trainer) Run(ctx context.Context) ([]StepResult, error) {
	var results []StepResult
	for t.cfg.Steps == 0 || len(results) < t.cfg.Steps {
		batch, err := t.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return results, err
		}
		r, err := t.Step(ctx, batch)
		if err != nil {
			return results, fmt.Errorf("step %d: %w", t.step+1, err)
		}
		results = append(results, r)
	}
	if len(results) > 0 {
		t.logger.Info("training finished", "steps", len(results), "losses", results[len(results)-1].Diagnostic)
	}
	return results, nil
}

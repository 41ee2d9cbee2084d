package distill_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transformer_distill/pkg/autodiff"
	"github.com/transformer_distill/pkg/core"
	"github.com/transformer_distill/pkg/distill"
	"github.com/transformer_distill/pkg/seq2seq"
)

func model(t *testing.T, hidden, enc, dec int, seed int64, opts ...seq2seq.Option) *seq2seq.Model {
	t.Helper()
	cfg := core.NewConfig(13, hidden, enc, dec, 2, 2*hidden, 16)
	cfg.Seed = seed
	m, err := seq2seq.New(cfg, opts...)
	require.NoError(t, err)
	return m
}

func batch() *distill.Batch {
	return &distill.Batch{
		InputIDs:             [][]int{{4, 5, 6, 7, 2}, {8, 9, 2, 0, 0}},
		AttentionMask:        [][]int{{1, 1, 1, 1, 1}, {1, 1, 1, 0, 0}},
		DecoderInputIDs:      [][]int{{1, 4, 5, 6}, {1, 8, 9, 0}},
		DecoderAttentionMask: [][]int{{1, 1, 1, 1}, {1, 1, 1, 0}},
		Labels:               [][]int{{4, 5, 6, 7}, {8, 9, 2, distill.IgnoreIndex}},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func softEngine(t *testing.T, teacher distill.Model, cfg distill.SoftLabelConfig, opts ...distill.Option) *distill.Engine {
	t.Helper()
	agg, err := distill.NewSoftLabel(cfg)
	require.NoError(t, err)
	e, err := distill.NewEngine(teacher, agg, append([]distill.Option{distill.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return e
}

func featureEngine(t *testing.T, teacher distill.Model, opts ...distill.Option) *distill.Engine {
	t.Helper()
	e, err := distill.NewEngine(teacher, distill.NewFeature(), append([]distill.Option{distill.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return e
}

func sumAbs(ts []*autodiff.Tensor) float64 {
	total := 0.0
	for _, p := range ts {
		for _, g := range p.Grad {
			if g < 0 {
				g = -g
			}
			total += g
		}
	}
	return total
}

func TestSoftLabelEngineMatchesComponents(t *testing.T) {
	teacher := model(t, 8, 6, 6, 1)
	student := model(t, 8, 2, 2, 2)
	cfg := distill.SoftLabelConfig{Alpha: 0.3, Temperature: 2.5}
	e := softEngine(t, teacher, cfg)

	res, err := e.ComputeLoss(context.Background(), student, batch(), false)
	require.NoError(t, err)

	sOut, err := student.Forward(autodiff.Grad(), batch(), 0)
	require.NoError(t, err)
	tOut, err := teacher.Forward(autodiff.NoGrad(), batch(), 0)
	require.NoError(t, err)
	agg, err := distill.NewSoftLabel(cfg)
	require.NoError(t, err)
	kd, err := agg.KD(sOut.Logits, tOut.Logits)
	require.NoError(t, err)

	want := 0.3*sOut.Loss.Item() + 0.7*kd.Item()
	assert.InDelta(t, want, res.Loss.Item(), 1e-12)
	assert.Equal(t, []string{"loss", "loss_ce", "loss_kd"}, res.Diagnostic.Names)
	assert.Equal(t, "soft", res.Diagnostic.Mode)
}

func TestSoftLabelEngineSelfDistillation(t *testing.T) {
	m := model(t, 8, 2, 2, 3)
	e := softEngine(t, m, distill.DefaultSoftLabelConfig())

	res, err := e.ComputeLoss(context.Background(), m, batch(), false)
	require.NoError(t, err)
	ce, _ := res.Diagnostic.Value("loss_ce")
	kd, _ := res.Diagnostic.Value("loss_kd")
	assert.Equal(t, 0.0, kd)
	assert.Equal(t, 0.5*ce, res.Loss.Item())
}

func TestEngineTeacherReceivesNoGradient(t *testing.T) {
	for _, mode := range []string{"soft", "feature"} {
		t.Run(mode, func(t *testing.T) {
			teacher := model(t, 8, 4, 2, 4)
			student := model(t, 8, 2, 1, 5)
			var e *distill.Engine
			if mode == "soft" {
				e = softEngine(t, teacher, distill.DefaultSoftLabelConfig())
			} else {
				e = featureEngine(t, teacher)
			}

			res, err := e.ComputeLoss(context.Background(), student, batch(), false)
			require.NoError(t, err)
			require.NoError(t, res.Loss.Backward())

			assert.Zero(t, sumAbs(teacher.Parameters()))
			assert.Positive(t, sumAbs(student.Parameters()))
		})
	}
}

func TestEngineLeavesBatchUntouched(t *testing.T) {
	e := featureEngine(t, model(t, 8, 4, 4, 6))
	b := batch()

	_, err := e.ComputeLoss(context.Background(), model(t, 8, 2, 2, 7), b, true)
	require.NoError(t, err)
	if diff := cmp.Diff(batch(), b); diff != "" {
		t.Errorf("batch changed (-want +got):\n%s", diff)
	}
}

func TestEngineReturnOutputs(t *testing.T) {
	e := softEngine(t, model(t, 8, 2, 2, 8), distill.DefaultSoftLabelConfig())
	student := model(t, 8, 2, 2, 9)

	res, err := e.ComputeLoss(context.Background(), student, batch(), true)
	require.NoError(t, err)
	require.NotNil(t, res.Outputs)
	ce, _ := res.Diagnostic.Value("loss_ce")
	assert.Equal(t, ce, res.Outputs.Loss.Item())
	assert.True(t, res.Outputs.Logits.RequiresGrad)

	res, err = e.ComputeLoss(context.Background(), student, batch(), false)
	require.NoError(t, err)
	assert.Nil(t, res.Outputs)
}

func TestFeatureEngineSixToTwo(t *testing.T) {
	e := featureEngine(t, model(t, 8, 6, 6, 10))

	res, err := e.ComputeLoss(context.Background(), model(t, 8, 2, 2, 11), batch(), false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Loss.Item(), 0.0)
	assert.Equal(t, []string{
		"loss",
		distill.TermEncoderAttention, distill.TermDecoderAttention,
		distill.TermEncoderEmbedding, distill.TermDecoderEmbedding,
		distill.TermEncoderLayer, distill.TermDecoderLayer,
		distill.TermPrediction,
	}, res.Diagnostic.Names)
}

func TestFeatureEngineErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("hidden width", func(t *testing.T) {
		e := featureEngine(t, model(t, 12, 2, 2, 12))
		_, err := e.ComputeLoss(ctx, model(t, 8, 2, 2, 13), batch(), false)
		require.ErrorIs(t, err, distill.ErrDimensionMismatch)
	})
	t.Run("shallow teacher", func(t *testing.T) {
		e := featureEngine(t, model(t, 8, 1, 2, 14))
		_, err := e.ComputeLoss(ctx, model(t, 8, 2, 2, 15), batch(), false)
		require.ErrorIs(t, err, distill.ErrAlignment)
	})
	t.Run("teacher without attentions", func(t *testing.T) {
		e := featureEngine(t, model(t, 8, 2, 2, 16, seq2seq.WithOutputs(distill.OutputHiddenStates)))
		_, err := e.ComputeLoss(ctx, model(t, 8, 2, 2, 17), batch(), false)
		var ce *distill.ConfigurationError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "teacher", ce.Role)
	})
	t.Run("student without labels", func(t *testing.T) {
		e := softEngine(t, model(t, 8, 2, 2, 18), distill.DefaultSoftLabelConfig())
		b := batch()
		b.Labels = nil
		_, err := e.ComputeLoss(ctx, model(t, 8, 2, 2, 19), b, false)
		require.ErrorIs(t, err, distill.ErrConfiguration)
	})
	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		e := featureEngine(t, model(t, 8, 2, 2, 20))
		_, err := e.ComputeLoss(cctx, model(t, 8, 2, 2, 21), batch(), false)
		require.ErrorIs(t, err, context.Canceled)
	})
	t.Run("ragged batch", func(t *testing.T) {
		e := featureEngine(t, model(t, 8, 2, 2, 22))
		b := batch()
		b.InputIDs[1] = b.InputIDs[1][:2]
		_, err := e.ComputeLoss(ctx, model(t, 8, 2, 2, 23), b, false)
		require.ErrorContains(t, err, "invalid batch")
	})
}

func TestEngineReporting(t *testing.T) {
	var buf bytes.Buffer
	agg, err := distill.NewSoftLabel(distill.DefaultSoftLabelConfig())
	require.NoError(t, err)
	e, err := distill.NewEngine(model(t, 8, 2, 2, 24), agg, distill.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, err)

	res, err := e.ComputeLoss(context.Background(), model(t, 8, 2, 2, 25), batch(), false)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "distillation step")
	assert.Contains(t, buf.String(), "run="+e.RunID())
	assert.Contains(t, buf.String(), "mode=soft")
	assert.Contains(t, buf.String(), "losses.loss_kd=")

	var got []distill.Diagnostic
	e = softEngine(t, model(t, 8, 2, 2, 24), distill.DefaultSoftLabelConfig(),
		distill.WithReporter(func(_ context.Context, d distill.Diagnostic) { got = append(got, d) }))
	_, err = e.ComputeLoss(context.Background(), model(t, 8, 2, 2, 25), batch(), false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.Diagnostic.String(), got[0].String())
}

func TestEngineConcurrentSteps(t *testing.T) {
	e := featureEngine(t, model(t, 8, 4, 4, 26))
	students := make([]*seq2seq.Model, 4)
	for i := range students {
		students[i] = model(t, 8, 2, 2, 27)
	}
	var wg sync.WaitGroup
	losses := make([]float64, len(students))
	for i, student := range students {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ComputeLoss(context.Background(), student, batch(), false)
			if assert.NoError(t, err) {
				losses[i] = res.Loss.Item()
			}
		}()
	}
	wg.Wait()
	for _, l := range losses[1:] {
		assert.Equal(t, losses[0], l)
	}
}

func TestTaskOnly(t *testing.T) {
	student := model(t, 8, 2, 2, 28)
	res, err := distill.TaskOnly{}.ComputeLoss(context.Background(), student, batch(), true)
	require.NoError(t, err)

	out, err := student.Forward(autodiff.Grad(), batch(), 0)
	require.NoError(t, err)
	assert.Equal(t, out.Loss.Item(), res.Loss.Item())
	assert.Same(t, res.Loss, res.Outputs.Loss)
	assert.Equal(t, []string{"loss"}, res.Diagnostic.Names)
}

func TestNewEngineValidates(t *testing.T) {
	_, err := distill.NewEngine(nil, distill.NewFeature())
	require.ErrorIs(t, err, distill.ErrConfiguration)
	_, err = distill.NewEngine(model(t, 8, 1, 1, 29), nil)
	require.ErrorIs(t, err, distill.ErrConfiguration)
}

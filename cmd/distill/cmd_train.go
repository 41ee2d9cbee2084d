package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/transformer_distill/internal/data"
	"github.com/transformer_distill/internal/envconfig"
	"github.com/transformer_distill/internal/logutil"
	"github.com/transformer_distill/internal/trainer"
	"github.com/transformer_distill/pkg/core"
	"github.com/transformer_distill/pkg/distill"
	"github.com/transformer_distill/pkg/seq2seq"
)

type trainOptions struct {
	mode        string
	alpha       float64
	temperature float64
	seed        int64

	teacherEnc, teacherDec int
	studentEnc, studentDec int
	teacherDim, studentDim int

	train     trainer.Config
	batchSize int
	dataPath  string
	epochs    int
}

func newTrainCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := trainOptions{train: trainer.DefaultConfig()}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a student on a synthetic copy task, distilling from a teacher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, opts, stdout, stderr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.mode, "mode", envconfig.Mode(), "Distillation mode: none, soft or feature")
	f.Float64Var(&opts.alpha, "alpha", envconfig.Alpha(), "Weight of the task loss in soft mode")
	f.Float64Var(&opts.temperature, "temperature", envconfig.Temperature(), "Softmax temperature in soft mode")
	f.Int64Var(&opts.seed, "seed", envconfig.Seed(), "Seed for weights and data")
	f.IntVar(&opts.teacherEnc, "teacher-encoder", 6, "Teacher encoder layers")
	f.IntVar(&opts.teacherDec, "teacher-decoder", 6, "Teacher decoder layers")
	f.IntVar(&opts.studentEnc, "student-encoder", 2, "Student encoder layers")
	f.IntVar(&opts.studentDec, "student-decoder", 2, "Student decoder layers")
	f.IntVar(&opts.teacherDim, "teacher-dim", 16, "Teacher hidden size")
	f.IntVar(&opts.studentDim, "student-dim", 16, "Student hidden size")
	f.IntVar(&opts.batchSize, "batch-size", 4, "Examples per batch")
	f.StringVar(&opts.dataPath, "data", "", "Tab-separated source/target pairs (default: synthetic copy task)")
	f.IntVar(&opts.epochs, "epochs", 1, "Passes over --data")
	f.IntVar(&opts.train.Steps, "steps", opts.train.Steps, "Optimization steps")
	f.Float64Var(&opts.train.LearningRate, "lr", opts.train.LearningRate, "Peak learning rate")
	f.IntVar(&opts.train.WarmupSteps, "warmup", opts.train.WarmupSteps, "Linear warmup steps")
	f.Float64Var(&opts.train.ClipGradNorm, "clip", opts.train.ClipGradNorm, "Global gradient norm limit (0 disables)")
	f.StringVar(&opts.train.Optimizer, "optimizer", opts.train.Optimizer, "Optimizer: adam or sgd")
	return cmd
}

func runTrain(cmd *cobra.Command, opts trainOptions, stdout, stderr io.Writer) error {
	logger := logutil.NewLogger(stderr, envconfig.LogLevel())

	base := core.NewDefaultConfig()
	base.Seed = opts.seed
	source, err := newSource(opts, base)
	if err != nil {
		return err
	}
	studentCfg := *base.WithLayers(opts.studentEnc, opts.studentDec)
	studentCfg.HiddenDim, studentCfg.FFNHiddenDim = opts.studentDim, 2*opts.studentDim
	studentCfg.Seed = opts.seed + 1
	student, err := seq2seq.New(&studentCfg)
	if err != nil {
		return fmt.Errorf("student: %w", err)
	}

	var loss distill.LossFunc
	if opts.mode == envconfig.ModeNone {
		loss = distill.TaskOnly{}
	} else {
		teacherCfg := *base.WithLayers(opts.teacherEnc, opts.teacherDec)
		teacherCfg.HiddenDim, teacherCfg.FFNHiddenDim = opts.teacherDim, 2*opts.teacherDim
		teacher, err := seq2seq.New(&teacherCfg)
		if err != nil {
			return fmt.Errorf("teacher: %w", err)
		}
		teacher.Freeze()

		var agg distill.Aggregator
		switch opts.mode {
		case envconfig.ModeSoft:
			if agg, err = distill.NewSoftLabel(distill.SoftLabelConfig{Alpha: opts.alpha, Temperature: opts.temperature}); err != nil {
				return err
			}
		case envconfig.ModeFeature:
			agg = distill.NewFeature()
		default:
			return fmt.Errorf("unknown mode %q: must be none, soft or feature", opts.mode)
		}
		if loss, err = distill.NewEngine(teacher, agg, distill.WithLogger(logger)); err != nil {
			return err
		}
	}

	tr, err := trainer.New(student, loss, source, opts.train, logger)
	if err != nil {
		return err
	}

	results, err := tr.Run(cmd.Context())
	for _, r := range results {
		fmt.Fprintf(stdout, "step %d: %s\n", r.Step, r.Diagnostic)
	}
	return err
}

// newSource returns the training data, resizing base's vocabulary to fit it.
func newSource(opts trainOptions, base *core.Config) (data.Source, error) {
	if opts.dataPath == "" {
		return data.NewCopyTask(data.CopyTaskConfig{
			VocabSize: base.VocabSize,
			BatchSize: opts.batchSize,
			MinLen:    3,
			MaxLen:    8,
			Seed:      opts.seed,
		})
	}
	f, err := os.Open(opts.dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pairs, err := data.ReadPairs(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.dataPath, err)
	}
	src, err := data.NewPairSource(pairs, opts.batchSize, 16, opts.epochs)
	if err != nil {
		return nil, err
	}
	base.VocabSize = src.Vocab.Size()
	return src, nil
}

// Package data provides tokenized seq2seq batches for training runs.
package data

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/transformer_distill/pkg/distill"
)

// Reserved token ids.
const (
	PadID = 0
	BOSID = 1
	EOSID = 2
	UnkID = 3

	firstWordID = 4
)

// Source yields batches until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (*distill.Batch, error)
}

// Pad right-pads sequences to the longest one, truncating at maxLen, and returns the
// padded ids with a mask holding 1 for real tokens and 0 for padding.
func Pad(seqs [][]int, maxLen int, pad int) (ids, mask [][]int, err error) {
	if len(seqs) == 0 {
		return nil, nil, fmt.Errorf("no sequences to pad")
	}
	width := 0
	for _, s := range seqs {
		width = max(width, min(len(s), maxLen))
	}
	if width == 0 {
		return nil, nil, fmt.Errorf("every sequence is empty")
	}

	ids = make([][]int, len(seqs))
	mask = make([][]int, len(seqs))
	for i, s := range seqs {
		ids[i] = make([]int, width)
		mask[i] = make([]int, width)
		for j := range width {
			if j < len(s) {
				ids[i][j] = s[j]
				mask[i][j] = 1
			} else {
				ids[i][j] = pad
			}
		}
	}
	return ids, mask, nil
}

// CopyTaskConfig describes a synthetic copy task.
type CopyTaskConfig struct {
	VocabSize int
	BatchSize int
	MinLen    int
	MaxLen    int
	// Batches caps how many batches are produced; 0 means no cap.
	Batches int
	Seed    int64
}

// CopyTask generates batches whose target is the source sequence itself.
type CopyTask struct {
	cfg      CopyTaskConfig
	rng      *rand.Rand
	produced int
}

func NewCopyTask(cfg CopyTaskConfig) (*CopyTask, error) {
	switch {
	case cfg.VocabSize <= firstWordID:
		return nil, fmt.Errorf("vocab size %d leaves no room for words after reserved ids", cfg.VocabSize)
	case cfg.BatchSize <= 0:
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	case cfg.MinLen <= 0 || cfg.MaxLen < cfg.MinLen:
		return nil, fmt.Errorf("invalid length range [%d, %d]", cfg.MinLen, cfg.MaxLen)
	}
	return &CopyTask{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Next returns the next batch. Source rows end in EOS, decoder inputs start with BOS and
// padded label positions hold distill.IgnoreIndex.
func (c *CopyTask) Next(ctx context.Context) (*distill.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.cfg.Batches > 0 && c.produced >= c.cfg.Batches {
		return nil, io.EOF
	}
	c.produced++

	src := make([][]int, c.cfg.BatchSize)
	dec := make([][]int, c.cfg.BatchSize)
	lbl := make([][]int, c.cfg.BatchSize)
	for i := range src {
		n := c.cfg.MinLen + c.rng.Intn(c.cfg.MaxLen-c.cfg.MinLen+1)
		words := make([]int, n)
		for j := range words {
			words[j] = firstWordID + c.rng.Intn(c.cfg.VocabSize-firstWordID)
		}
		src[i] = append(append([]int{}, words...), EOSID)
		dec[i] = append([]int{BOSID}, words...)
		lbl[i] = append(append([]int{}, words...), EOSID)
	}

	limit := c.cfg.MaxLen + 1
	b := &distill.Batch{}
	var err error
	if b.InputIDs, b.AttentionMask, err = Pad(src, limit, PadID); err != nil {
		return nil, err
	}
	if b.DecoderInputIDs, b.DecoderAttentionMask, err = Pad(dec, limit, PadID); err != nil {
		return nil, err
	}
	if b.Labels, _, err = Pad(lbl, limit, distill.IgnoreIndex); err != nil {
		return nil, err
	}
	return b, nil
}

// Batches replays a fixed list of batches.
type Batches []*distill.Batch

// Next returns the batches in order, then io.EOF.
func (s *Batches) Next(ctx context.Context) (*distill.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(*s) == 0 {
		return nil, io.EOF
	}
	b := (*s)[0]
	*s = (*s)[1:]
	return b, nil
}

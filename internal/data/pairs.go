package data

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/transformer_distill/pkg/distill"
)

// Pair is one source/target example.
type Pair struct {
	Source string
	Target string
}

// ReadPairs parses tab-separated "source<TAB>target" lines. Blank lines and lines
// starting with # are skipped.
func ReadPairs(r io.Reader) ([]Pair, error) {
	var pairs []Pair
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		src, tgt, ok := strings.Cut(text, "\t")
		if !ok || strings.TrimSpace(src) == "" || strings.TrimSpace(tgt) == "" {
			return nil, fmt.Errorf("line %d: want source and target separated by a tab", line)
		}
		pairs = append(pairs, Pair{Source: src, Target: tgt})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no examples found")
	}
	return pairs, nil
}

// PairSource batches encoded pairs in order, cycling through them Epochs times.
type PairSource struct {
	Vocab     *Vocab
	Pairs     []Pair
	BatchSize int
	MaxLen    int
	Epochs    int

	next  int
	epoch int
}

// NewPairSource builds a source over pairs with a vocabulary drawn from them.
func NewPairSource(pairs []Pair, batchSize, maxLen, epochs int) (*PairSource, error) {
	if batchSize <= 0 || maxLen <= 1 || epochs <= 0 {
		return nil, fmt.Errorf("invalid pair source: batch=%d max_len=%d epochs=%d", batchSize, maxLen, epochs)
	}
	texts := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		texts = append(texts, p.Source, p.Target)
	}
	return &PairSource{
		Vocab:     BuildVocab(texts, true),
		Pairs:     pairs,
		BatchSize: batchSize,
		MaxLen:    maxLen,
		Epochs:    epochs,
	}, nil
}

// Next returns the next batch; the last batch of an epoch may be smaller.
func (s *PairSource) Next(ctx context.Context) (*distill.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.Pairs) {
		s.epoch++
		s.next = 0
	}
	if s.epoch >= s.Epochs {
		return nil, io.EOF
	}
	end := min(s.next+s.BatchSize, len(s.Pairs))
	chunk := s.Pairs[s.next:end]
	s.next = end

	// room for the EOS or BOS marker
	words := s.MaxLen - 1
	src := make([][]int, len(chunk))
	dec := make([][]int, len(chunk))
	lbl := make([][]int, len(chunk))
	for i, p := range chunk {
		in := s.Vocab.Encode(p.Source)
		out := s.Vocab.Encode(p.Target)
		in, out = in[:min(len(in), words)], out[:min(len(out), words)]
		src[i] = append(in, EOSID)
		dec[i] = append([]int{BOSID}, out...)
		lbl[i] = append(append([]int{}, out...), EOSID)
	}

	b := &distill.Batch{}
	var err error
	if b.InputIDs, b.AttentionMask, err = Pad(src, s.MaxLen, PadID); err != nil {
		return nil, err
	}
	if b.DecoderInputIDs, b.DecoderAttentionMask, err = Pad(dec, s.MaxLen, PadID); err != nil {
		return nil, err
	}
	if b.Labels, _, err = Pad(lbl, s.MaxLen, distill.IgnoreIndex); err != nil {
		return nil, err
	}
	return b, nil
}

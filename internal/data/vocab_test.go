package data

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transformer_distill/pkg/distill"
)

func TestVocab(t *testing.T) {
	v := BuildVocab([]string{"Hello  world", "hello there"}, true)
	assert.Equal(t, 7, v.Size())

	ids := v.Encode("hello WORLD stranger")
	assert.Equal(t, []int{4, 5, UnkID}, ids)

	text, err := v.Decode([]int{BOSID, 4, 6, EOSID, PadID, distill.IgnoreIndex})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	_, err = v.Decode([]int{42})
	require.ErrorContains(t, err, "out of range")
}

func TestVocabNormalize(t *testing.T) {
	v := BuildVocab(nil, false)
	assert.Equal(t, "Cafe au lait", v.Normalize("  Cafe\u0301 \t au   lait "))
	assert.Equal(t, len(reservedTokens), v.Size())
}

func TestReadPairs(t *testing.T) {
	pairs, err := ReadPairs(strings.NewReader("# header\nthe cat\tle chat\n\na dog\tun chien\n"))
	require.NoError(t, err)
	assert.Equal(t, []Pair{{"the cat", "le chat"}, {"a dog", "un chien"}}, pairs)

	_, err = ReadPairs(strings.NewReader("no tab here\n"))
	require.ErrorContains(t, err, "line 1")
	_, err = ReadPairs(strings.NewReader("\n# only comments\n"))
	require.ErrorContains(t, err, "no examples")
}

func TestPairSource(t *testing.T) {
	pairs := []Pair{
		{"one two three", "un deux trois"},
		{"four", "quatre"},
		{"five six seven eight nine", "cinq"},
	}
	s, err := NewPairSource(pairs, 2, 4, 2)
	require.NoError(t, err)
	ctx := context.Background()

	b, err := s.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Validate())
	assert.Equal(t, 2, b.Size())
	// "one two three" + EOS fills the row exactly
	assert.Equal(t, []int{1, 1, 1, 1}, b.AttentionMask[0])
	assert.Equal(t, EOSID, b.InputIDs[0][3])
	assert.Equal(t, BOSID, b.DecoderInputIDs[1][0])
	assert.Equal(t, []int{s.Vocab.Encode("quatre")[0], EOSID, distill.IgnoreIndex}, b.Labels[1][:3])

	b, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Size())
	// truncated to three words plus EOS
	assert.Equal(t, s.Vocab.Encode("five six seven"), b.InputIDs[0][:3])

	// second epoch
	for range 2 {
		_, err = s.Next(ctx)
		require.NoError(t, err)
	}
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	_, err = NewPairSource(pairs, 0, 4, 1)
	require.Error(t, err)
}

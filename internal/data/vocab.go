package data

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/transformer_distill/pkg/distill"
)

var reservedTokens = []string{"<pad>", "<s>", "</s>", "<unk>"}

// Vocab is a word-level vocabulary. Ids below firstWordID are reserved.
type Vocab struct {
	LowerCase bool

	ids    map[string]int
	tokens []string
}

// BuildVocab collects every word of texts, ordered by first appearance.
func BuildVocab(texts []string, lowerCase bool) *Vocab {
	v := &Vocab{LowerCase: lowerCase, ids: make(map[string]int)}
	for _, tok := range reservedTokens {
		v.add(tok)
	}
	for _, text := range texts {
		for _, w := range v.Tokenize(text) {
			v.add(w)
		}
	}
	return v
}

func (v *Vocab) add(tok string) {
	if _, ok := v.ids[tok]; ok {
		return
	}
	v.ids[tok] = len(v.tokens)
	v.tokens = append(v.tokens, tok)
}

// Size is the number of ids, reserved ones included.
func (v *Vocab) Size() int { return len(v.tokens) }

// Normalize collapses whitespace and drops combining marks, lowering case when configured.
func (v *Vocab) Normalize(text string) string {
	if v.LowerCase {
		text = strings.ToLower(text)
	}
	text = strings.Join(strings.Fields(text), " ")
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, text)
}

// Tokenize splits normalized text on whitespace.
func (v *Vocab) Tokenize(text string) []string {
	return strings.Fields(v.Normalize(text))
}

// Encode maps text to ids; unknown words become UnkID.
func (v *Vocab) Encode(text string) []int {
	words := v.Tokenize(text)
	ids := make([]int, len(words))
	for i, w := range words {
		id, ok := v.ids[w]
		if !ok {
			id = UnkID
		}
		ids[i] = id
	}
	return ids
}

// Decode maps ids back to words, skipping padding and sequence markers.
func (v *Vocab) Decode(ids []int) (string, error) {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == distill.IgnoreIndex {
			continue
		}
		if id < 0 || id >= len(v.tokens) {
			return "", fmt.Errorf("token id %d out of range [0, %d)", id, len(v.tokens))
		}
		if slices.Contains([]int{PadID, BOSID, EOSID}, id) {
			continue
		}
		words = append(words, v.tokens[id])
	}
	return strings.Join(words, " "), nil
}

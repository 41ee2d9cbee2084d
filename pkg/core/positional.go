package core

import (
	"fmt"
	"math"
)

// PositionalEncoding holds the fixed sinusoidal position table for a model
type PositionalEncoding struct {
	Dim    int
	MaxLen int
	Table  []float64 // row-major [MaxLen, Dim]
}

// NewPositionalEncoding creates a new positional encoding component
func NewPositionalEncoding(dim, maxLen int) *PositionalEncoding {
	table := make([]float64, maxLen*dim)

	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i += 2 {
			denominator := math.Pow(10000, float64(i)/float64(dim))

			// Sine for even indices, cosine for odd
			table[pos*dim+i] = math.Sin(float64(pos) / denominator)
			if i+1 < dim {
				table[pos*dim+i+1] = math.Cos(float64(pos) / denominator)
			}
		}
	}

	return &PositionalEncoding{
		Dim:    dim,
		MaxLen: maxLen,
		Table:  table,
	}
}

// Rows returns the encoding for the first seqLen positions, repeated batch times.
func (pe *PositionalEncoding) Rows(batch, seqLen int) ([]float64, error) {
	if seqLen > pe.MaxLen {
		return nil, fmt.Errorf("sequence length %d exceeds maximum length %d for positional encoding", seqLen, pe.MaxLen)
	}
	out := make([]float64, 0, batch*seqLen*pe.Dim)
	for b := 0; b < batch; b++ {
		out = append(out, pe.Table[:seqLen*pe.Dim]...)
	}
	return out, nil
}

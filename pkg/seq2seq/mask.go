package seq2seq

import "github.com/transformer_distill/pkg/autodiff"

// maskedScore is added to scores of hidden positions; its softmax weight underflows to zero.
const maskedScore = -1e9

// attentionBias builds the additive [batch, heads, q, k] score bias hiding padded keys
// (keyMask[b][j] == 0) and, when causal, keys after the query position. It returns nil
// when nothing is hidden.
func attentionBias(keyMask [][]int, batch, heads, q, k int, causal bool) *autodiff.Tensor {
	if keyMask == nil && !causal {
		return nil
	}
	data := make([]float64, batch*heads*q*k)
	i := 0
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for qi := 0; qi < q; qi++ {
				for kj := 0; kj < k; kj++ {
					if (causal && kj > qi) || (keyMask != nil && keyMask[b][kj] == 0) {
						data[i] = maskedScore
					}
					i++
				}
			}
		}
	}
	return autodiff.MustNewTensor([]int{batch, heads, q, k}, data, nil)
}

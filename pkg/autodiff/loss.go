package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// MSELoss computes the mean squared error between predictions and targets with gradient tracking.
// Both sides receive gradients when they require them.
func MSELoss(predictions, targets *Tensor) (*Tensor, error) {
	if err := checkSameShape("mse loss", predictions, targets); err != nil {
		return nil, err
	}

	n := float64(predictions.Len())
	diff := make([]float64, predictions.Len())
	floats.SubTo(diff, predictions.Data, targets.Data)

	result := newResult(nil, "mse_loss_result", predictions, targets)
	result.Data[0] = floats.Dot(diff, diff) / n

	if result.RequiresGrad {
		result.backward = func() {
			scale := 2.0 * result.Grad[0] / n
			if predictions.RequiresGrad {
				floats.AddScaled(predictions.Grad, scale, diff)
			}
			if targets.RequiresGrad {
				floats.AddScaled(targets.Grad, -scale, diff)
			}
		}
	}
	return result, nil
}

// CrossEntropyLoss computes the mean cross-entropy of logits [..., vocab] against one
// label per row. Rows labelled ignoreIndex are excluded from the mean.
func CrossEntropyLoss(logits *Tensor, labels []int, ignoreIndex int) (*Tensor, error) {
	if logits == nil {
		return nil, fmt.Errorf("logits tensor cannot be nil")
	}
	rows, vocab := splitLast(logits.Shape)
	if len(labels) != rows {
		return nil, fmt.Errorf("number of labels (%d) doesn't match rows (%d)", len(labels), rows)
	}

	count := 0
	loss := 0.0
	lse := make([]float64, rows)
	for r, label := range labels {
		if label == ignoreIndex {
			continue
		}
		if label < 0 || label >= vocab {
			return nil, fmt.Errorf("label index out of bounds: %d (must be in [0, %d))", label, vocab)
		}
		row := logits.Data[r*vocab : (r+1)*vocab]
		// -log(softmax) = -x_i + log(sum(exp(x_j)))
		lse[r] = floats.LogSumExp(row)
		loss += lse[r] - row[label]
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("cross entropy: every label is ignored")
	}

	result := newResult(nil, "cross_entropy_loss_result", logits)
	result.Data[0] = loss / float64(count)

	if result.RequiresGrad {
		result.backward = func() {
			scale := result.Grad[0] / float64(count)
			for r, label := range labels {
				if label == ignoreIndex {
					continue
				}
				row := logits.Data[r*vocab : (r+1)*vocab]
				grad := logits.Grad[r*vocab : (r+1)*vocab]
				// gradient of cross-entropy w.r.t. logits is (softmax - one_hot_target)
				for j, x := range row {
					grad[j] += math.Exp(x-lse[r]) * scale
				}
				grad[label] -= scale
			}
		}
	}
	return result, nil
}

// KLDivBatchMean computes KL(P || Q) from log-probabilities logP (target) and logQ (input),
// summed over every element and divided by the size of the first dimension.
func KLDivBatchMean(logQ, logP *Tensor) (*Tensor, error) {
	if err := checkSameShape("kl div", logQ, logP); err != nil {
		return nil, err
	}
	if len(logQ.Shape) == 0 {
		return nil, fmt.Errorf("kl div: batch dimension required")
	}

	batch := float64(logQ.Shape[0])
	p := make([]float64, logP.Len())
	total := 0.0
	for i, lp := range logP.Data {
		p[i] = math.Exp(lp)
		if p[i] == 0 {
			continue
		}
		total += p[i] * (lp - logQ.Data[i])
	}

	result := newResult(nil, "kl_div_result", logQ, logP)
	result.Data[0] = total / batch

	if result.RequiresGrad {
		result.backward = func() {
			scale := result.Grad[0] / batch
			if logQ.RequiresGrad {
				floats.AddScaled(logQ.Grad, -scale, p)
			}
			if logP.RequiresGrad {
				for i, pi := range p {
					logP.Grad[i] += scale * pi * (logP.Data[i] - logQ.Data[i] + 1)
				}
			}
		}
	}
	return result, nil
}

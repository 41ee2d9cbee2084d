package trainer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/transformer_distill/pkg/autodiff"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	Step(params []*autodiff.Tensor, lr float64)
}

// SGD is stochastic gradient descent with momentum.
type SGD struct {
	Momentum    float64
	WeightDecay float64

	velocity map[*autodiff.Tensor][]float64
}

func NewSGD(momentum, weightDecay float64) *SGD {
	return &SGD{Momentum: momentum, WeightDecay: weightDecay, velocity: make(map[*autodiff.Tensor][]float64)}
}

func (o *SGD) Step(params []*autodiff.Tensor, lr float64) {
	for _, p := range params {
		if p.Grad == nil || !p.RequiresGrad {
			continue
		}
		v, ok := o.velocity[p]
		if !ok {
			v = make([]float64, len(p.Data))
			o.velocity[p] = v
		}
		for i, g := range p.Grad {
			if o.WeightDecay > 0 {
				g += o.WeightDecay * p.Data[i]
			}
			v[i] = o.Momentum*v[i] - lr*g
			p.Data[i] += v[i]
		}
	}
}

// Adam implements Adam with L2 weight decay folded into the gradient.
type Adam struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	m, v map[*autodiff.Tensor][]float64
	t    int
}

func NewAdam(weightDecay float64) *Adam {
	return &Adam{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: weightDecay,
		m:           make(map[*autodiff.Tensor][]float64),
		v:           make(map[*autodiff.Tensor][]float64),
	}
}

func (o *Adam) Step(params []*autodiff.Tensor, lr float64) {
	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for _, p := range params {
		if p.Grad == nil || !p.RequiresGrad {
			continue
		}
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.Data))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.Data))
		}
		v := o.v[p]
		for i, g := range p.Grad {
			if o.WeightDecay > 0 {
				g += o.WeightDecay * p.Data[i]
			}
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			p.Data[i] -= lr * (m[i] / bc1) / (math.Sqrt(v[i]/bc2) + o.Epsilon)
		}
	}
}

// NewOptimizer returns the optimizer registered under name.
func NewOptimizer(name string, weightDecay float64) (Optimizer, error) {
	switch name {
	case "adam", "adamw", "":
		return NewAdam(weightDecay), nil
	case "sgd":
		return NewSGD(0.9, weightDecay), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", name)
}

// ClipGradients rescales every gradient so the global L2 norm is at most maxNorm and
// returns the norm measured before clipping. maxNorm <= 0 disables clipping.
func ClipGradients(params []*autodiff.Tensor, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		if p.Grad == nil || !p.RequiresGrad {
			continue
		}
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range params {
			if p.Grad == nil || !p.RequiresGrad {
				continue
			}
			floats.Scale(scale, p.Grad)
		}
	}
	return norm
}

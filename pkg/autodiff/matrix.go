package autodiff

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// dense wraps a row-major slice as a gonum matrix without copying.
func dense(rows, cols int, data []float64) *mat.Dense {
	return mat.NewDense(rows, cols, data)
}

// mulInto computes a·b (with optional transposes) and adds the product into dst.
// a is rows×inner after transposition, b is inner×cols after transposition.
func mulInto(dst []float64, a, b mat.Matrix, rows, cols int) {
	var out mat.Dense
	out.Mul(a, b)
	raw := out.RawMatrix()
	if raw.Stride == cols {
		floats.Add(dst, raw.Data[:rows*cols])
		return
	}
	for i := 0; i < rows; i++ {
		floats.Add(dst[i*cols:(i+1)*cols], raw.Data[i*raw.Stride:i*raw.Stride+cols])
	}
}

// splitLast splits shape into the product of its leading dimensions and its last dimension.
func splitLast(shape []int) (rows, cols int) {
	if len(shape) == 0 {
		return 1, 1
	}
	rows = 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}
	return rows, shape[len(shape)-1]
}

// sameShape reports whether a and b have identical shapes.
func sameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func checkSameShape(op string, a, b *Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("%s: input tensors cannot be nil", op)
	}
	if !sameShape(a, b) {
		return fmt.Errorf("%s: tensor shapes don't match: a%v, b%v", op, a.Shape, b.Shape)
	}
	return nil
}

// MatMul performs 2-D matrix multiplication with gradient tracking
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("matmul: input tensors cannot be nil")
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a%v, b%v", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]

	result := newResult([]int{m, n}, "matmul_result", a, b)
	am, bm := dense(m, k, a.Data), dense(k, n, b.Data)
	mulInto(result.Data, am, bm, m, n)

	if result.RequiresGrad {
		result.backward = func() {
			g := dense(m, n, result.Grad)
			if a.RequiresGrad {
				// dL/dA = dL/dC * B^T
				mulInto(a.Grad, g, bm.T(), m, k)
			}
			if b.RequiresGrad {
				// dL/dB = A^T * dL/dC
				mulInto(b.Grad, am.T(), g, k, n)
			}
		}
	}
	return result, nil
}

// BatchMatMul multiplies the trailing two dimensions of a and b over identical leading
// dimensions. With transposeB, b is read as [..., N, K] and multiplied as its transpose.
func BatchMatMul(a, b *Tensor, transposeB bool) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("batch matmul: input tensors cannot be nil")
	}
	if len(a.Shape) < 2 || len(a.Shape) != len(b.Shape) {
		return nil, fmt.Errorf("batch matmul: incompatible ranks a%v, b%v", a.Shape, b.Shape)
	}
	lead := len(a.Shape) - 2
	batches := 1
	for i := 0; i < lead; i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("batch matmul: leading dimensions differ a%v, b%v", a.Shape, b.Shape)
		}
		batches *= a.Shape[i]
	}

	m, k := a.Shape[lead], a.Shape[lead+1]
	br, bc := b.Shape[lead], b.Shape[lead+1]
	n := bc
	if transposeB {
		n = br
		if bc != k {
			return nil, fmt.Errorf("batch matmul: a%v and transposed b%v don't match", a.Shape, b.Shape)
		}
	} else if br != k {
		return nil, fmt.Errorf("batch matmul: a%v and b%v don't match", a.Shape, b.Shape)
	}

	shape := append(append([]int{}, a.Shape[:lead]...), m, n)
	result := newResult(shape, "batch_matmul_result", a, b)

	aStride, bStride, cStride := m*k, br*bc, m*n
	operands := func(i int) (am, bm mat.Matrix) {
		am = dense(m, k, a.Data[i*aStride:(i+1)*aStride])
		bd := dense(br, bc, b.Data[i*bStride:(i+1)*bStride])
		if transposeB {
			return am, bd.T()
		}
		return am, bd
	}

	for i := 0; i < batches; i++ {
		am, bm := operands(i)
		mulInto(result.Data[i*cStride:(i+1)*cStride], am, bm, m, n)
	}

	if result.RequiresGrad {
		result.backward = func() {
			for i := 0; i < batches; i++ {
				am, bm := operands(i)
				g := dense(m, n, result.Grad[i*cStride:(i+1)*cStride])
				if a.RequiresGrad {
					mulInto(a.Grad[i*aStride:(i+1)*aStride], g, bm.T(), m, k)
				}
				if b.RequiresGrad {
					bg := b.Grad[i*bStride : (i+1)*bStride]
					if transposeB {
						// C = A B^T  =>  dB = dC^T A
						mulInto(bg, g.T(), am, n, k)
					} else {
						mulInto(bg, am.T(), g, k, n)
					}
				}
			}
		}
	}
	return result, nil
}

// Linear applies x·w + bias over the last dimension of x. bias may be nil.
func Linear(x, w, bias *Tensor) (*Tensor, error) {
	if x == nil || w == nil {
		return nil, fmt.Errorf("linear: input tensors cannot be nil")
	}
	rows, cols := splitLast(x.Shape)
	flat, err := Reshape(x, []int{rows, cols})
	if err != nil {
		return nil, fmt.Errorf("linear flatten: %w", err)
	}
	out, err := MatMul(flat, w)
	if err != nil {
		return nil, fmt.Errorf("linear matmul: %w", err)
	}
	if bias != nil {
		if out, err = AddRow(out, bias); err != nil {
			return nil, fmt.Errorf("linear bias: %w", err)
		}
	}
	shape := append(append([]int{}, x.Shape[:len(x.Shape)-1]...), w.Shape[1])
	return Reshape(out, shape)
}

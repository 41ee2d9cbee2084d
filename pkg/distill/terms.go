package distill

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/transformer_distill/pkg/autodiff"
)

// Term is a named scalar contributing Weight*Value to a composite loss.
type Term struct {
	Name   string
	Value  *autodiff.Tensor
	Weight float64
}

// Composite returns the weighted sum of terms. Unit weights are added without a
// multiplication so that a term with weight one passes through bit for bit.
func Composite(terms ...Term) (*autodiff.Tensor, error) {
	if len(terms) == 0 {
		return autodiff.NewScalar(0, nil), nil
	}
	parts := make([]*autodiff.Tensor, 0, len(terms))
	for _, t := range terms {
		if t.Value == nil {
			return nil, fmt.Errorf("loss term %q has no value", t.Name)
		}
		if t.Value.Len() != 1 {
			return nil, fmt.Errorf("loss term %q is not a scalar: shape %v", t.Name, t.Value.Shape)
		}
		v := t.Value
		if t.Weight != 1 {
			var err error
			if v, err = autodiff.ScalarMultiply(v, t.Weight); err != nil {
				return nil, fmt.Errorf("weight %q: %w", t.Name, err)
			}
		}
		parts = append(parts, v)
	}
	return autodiff.AddN(parts...)
}

// Diagnostic is the per-step record of a composite loss and its constituents.
type Diagnostic struct {
	Mode   string
	Names  []string
	Values []float64
}

func newDiagnostic(mode string, loss *autodiff.Tensor, terms []Term) Diagnostic {
	d := Diagnostic{Mode: mode}
	d.add("loss", loss.Item())
	for _, t := range terms {
		d.add(t.Name, t.Value.Item())
	}
	return d
}

func (d *Diagnostic) add(name string, v float64) {
	d.Names = append(d.Names, name)
	d.Values = append(d.Values, v)
}

// Value returns the recorded value of name.
func (d Diagnostic) Value(name string) (float64, bool) {
	for i, n := range d.Names {
		if n == name {
			return d.Values[i], true
		}
	}
	return 0, false
}

// String renders one line with every value rounded to four decimals.
func (d Diagnostic) String() string {
	var sb strings.Builder
	for i, name := range d.Names {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(round4(d.Values[i]))
	}
	return sb.String()
}

// LogValue lets a Diagnostic be logged as a group of rounded attributes.
func (d Diagnostic) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(d.Names))
	for i, name := range d.Names {
		attrs = append(attrs, slog.String(name, round4(d.Values[i])))
	}
	return slog.GroupValue(attrs...)
}

func round4(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
}

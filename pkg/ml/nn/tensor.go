package nn

import (
	"fmt"
	"strings"
)

// Shape is the per-sample shape: (height, width, channels) or (units).
type Shape []int

func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (s Shape) clone() Shape {
	return append(Shape(nil), s...)
}

// Tensor holds one sample in row-major HWC order.
type Tensor struct {
	Shape Shape
	Data  []float32
}

func NewTensor(shape Shape) *Tensor {
	return &Tensor{Shape: shape.clone(), Data: make([]float32, shape.Size())}
}

func FromSlice(shape Shape, data []float32) (*Tensor, error) {
	if shape.Size() != len(data) {
		return nil, fmt.Errorf("%w: shape %s needs %d values, got %d", ErrShapeMismatch, shape, shape.Size(), len(data))
	}
	return &Tensor{Shape: shape.clone(), Data: data}, nil
}

// Argmax returns the index of the largest value, first one on ties.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

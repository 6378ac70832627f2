package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Reshape returns a view of t with a new shape. One dimension may be -1 and
// is inferred from the element count.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)
	known, infer := 1, -1
	for i, dim := range shape {
		switch {
		case dim == -1 && infer < 0:
			infer = i
		case dim == -1:
			return nil, fmt.Errorf("only one dimension can be -1")
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}
	if infer >= 0 {
		if t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension: %d elements not divisible by %d", t.NumElems, known)
		}
		shape[infer] = t.NumElems / known
		known = t.NumElems
	}
	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %d elements into %v", t.NumElems, shape)
	}

	return &Tensor{Shape: shape, Strides: calculateStrides(shape), DType: t.DType, Data: t.Data, NumElems: t.NumElems}, nil
}

// Clone deep-copies t
func (t *Tensor) Clone() (*Tensor, error) {
	if t.Data == nil {
		return nil, fmt.Errorf("tensor has nil data")
	}
	clone, err := ZerosLike(t)
	if err != nil {
		return nil, err
	}
	return clone, clone.CopyFrom(t)
}

func (t *Tensor) Float32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

// Item returns the value of a single element tensor as float64
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single element tensor, got %d elements", t.NumElems)
	}
	return t.at(0)
}

func (t *Tensor) at(i int) (float64, error) {
	switch d := t.Data.(type) {
	case []float32:
		return float64(d[i]), nil
	case []float16.Float16:
		return float64(d[i].Float32()), nil
	case []int32:
		return float64(d[i]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

// Equal reports bitwise equality of dtype, shape and contents
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}
	switch a := t.Data.(type) {
	case []float32:
		b := other.Data.([]float32)
		for i := range a {
			if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
				return false, nil
			}
		}
	case []float16.Float16:
		b := other.Data.([]float16.Float16)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case []int32:
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}
	return true, nil
}

package tensor

import (
	"fmt"
	"math/rand"

	"github.com/x448/float16"
)

func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	s := make([]int, len(shape))
	copy(s, shape)

	tensor := &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		DType:    dtype,
		NumElems: calculateNumElements(s),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	var err error
	switch t.DType {
	case Float32:
		t.Data, err = fill[float32](data, t.NumElems, func(v float32) float32 { return v })
	case Float16:
		t.Data, err = fill[float16.Float16](data, t.NumElems, float16.Fromfloat32)
	case Int32:
		if v, ok := data.(int32); ok {
			out := make([]int32, t.NumElems)
			for i := range out {
				out[i] = v
			}
			t.Data = out
			return nil
		}
		t.Data, err = fill[int32](data, t.NumElems, func(v float32) int32 { return int32(v) })
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	if err != nil {
		return fmt.Errorf("%s tensor: %w", t.DType, err)
	}
	return nil
}

// fill accepts either a backing slice of exactly n elements or a float32
// scalar broadcast to n elements
func fill[E any](data interface{}, n int, conv func(float32) E) ([]E, error) {
	switch d := data.(type) {
	case []E:
		if len(d) != n {
			return nil, fmt.Errorf("data length %d does not match tensor size %d", len(d), n)
		}
		return d, nil
	case float32:
		out := make([]E, n)
		v := conv(d)
		for i := range out {
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported data type %T", data)
	}
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Float16:
		data = make([]float16.Float16, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, data)
}

// ZerosLike allocates a zero tensor with the shape and dtype of t
func ZerosLike(t *Tensor) (*Tensor, error) {
	return Zeros(t.Shape, t.DType)
}

func Full(shape []int, value interface{}, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, value)
}

// RandomNormal draws Float32 values from N(mean, std) using rng so callers control seeding
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = float32(rng.NormFloat64())*std + mean
	}

	return NewTensor(shape, Float32, slice)
}

// FromScalar creates a single element Float32 tensor
func FromScalar(value float32) *Tensor {
	t, _ := NewTensor([]int{}, Float32, []float32{value})
	return t
}

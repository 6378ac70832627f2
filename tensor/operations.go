package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// AddInPlace accumulates src into dst
func AddInPlace(dst, src *Tensor) error {
	if err := checkCompatibility(dst, src); err != nil {
		return err
	}

	switch dst.DType {
	case Float32:
		d := dst.Data.([]float32)
		s := src.Data.([]float32)
		for i := range d {
			d[i] += s[i]
		}
	case Int32:
		d := dst.Data.([]int32)
		s := src.Data.([]int32)
		for i := range d {
			d[i] += s[i]
		}
	default:
		return fmt.Errorf("unsupported dtype for AddInPlace: %s", dst.DType)
	}
	return nil
}

// ScaleInPlace multiplies every element of a Float32 tensor by s
func ScaleInPlace(t *Tensor, s float32) error {
	if t.DType != Float32 {
		return fmt.Errorf("unsupported dtype for ScaleInPlace: %s", t.DType)
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] *= s
	}
	return nil
}

// MulAddInPlace computes dst = a*dst + b*src elementwise. Float16 values
// are blended in float32 and rounded back to half.
func MulAddInPlace(dst *Tensor, a float32, src *Tensor, b float32) error {
	if err := checkCompatibility(dst, src); err != nil {
		return err
	}

	switch dst.DType {
	case Float32:
		d := dst.Data.([]float32)
		s := src.Data.([]float32)
		for i := range d {
			d[i] = a*d[i] + b*s[i]
		}
	case Float16:
		d := dst.Data.([]float16.Float16)
		s := src.Data.([]float16.Float16)
		for i := range d {
			d[i] = float16.Fromfloat32(a*d[i].Float32() + b*s[i].Float32())
		}
	default:
		return fmt.Errorf("unsupported dtype for MulAddInPlace: %s", dst.DType)
	}
	return nil
}

// CopyFrom overwrites the contents of t with src, which must match in shape and dtype
func (t *Tensor) CopyFrom(src *Tensor) error {
	if err := checkCompatibility(t, src); err != nil {
		return err
	}

	switch t.DType {
	case Float32:
		copy(t.Data.([]float32), src.Data.([]float32))
	case Int32:
		copy(t.Data.([]int32), src.Data.([]int32))
	default:
		return copyHalf(t, src)
	}
	return nil
}

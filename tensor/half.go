package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

func copyHalf(dst, src *Tensor) error {
	if dst.DType != Float16 {
		return fmt.Errorf("unsupported dtype for CopyFrom: %s", dst.DType)
	}
	copy(dst.Data.([]float16.Float16), src.Data.([]float16.Float16))
	return nil
}

// Cast converts between Float32 and Float16. Values outside the half range become ±Inf.
func Cast(t *Tensor, dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t.Clone()
	}

	switch {
	case t.DType == Float32 && dtype == Float16:
		src := t.Data.([]float32)
		dst := make([]float16.Float16, len(src))
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v)
		}
		return NewTensor(t.Shape, Float16, dst)
	case t.DType == Float16 && dtype == Float32:
		src := t.Data.([]float16.Float16)
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = v.Float32()
		}
		return NewTensor(t.Shape, Float32, dst)
	case t.DType == Int32 && dtype == Float32:
		src := t.Data.([]int32)
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = float32(v)
		}
		return NewTensor(t.Shape, Float32, dst)
	default:
		return nil, fmt.Errorf("unsupported cast %s -> %s", t.DType, dtype)
	}
}

// RoundHalfInPlace rounds Float32 values through half precision, keeping Float32 storage
func RoundHalfInPlace(t *Tensor) error {
	if t.DType != Float32 {
		return fmt.Errorf("unsupported dtype for RoundHalfInPlace: %s", t.DType)
	}
	data := t.Data.([]float32)
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
	return nil
}

// IsFinite reports whether t contains no NaN or Inf. Integer tensors are always finite.
func IsFinite(t *Tensor) bool {
	switch t.DType {
	case Float32:
		for _, v := range t.Data.([]float32) {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	case Float16:
		for _, v := range t.Data.([]float16.Float16) {
			if !v.IsFinite() {
				return false
			}
		}
	}
	return true
}

// AllFinite is the reduction over a gradient set: one bad element poisons the whole set
func AllFinite(tensors []*Tensor) bool {
	for _, t := range tensors {
		if t != nil && !IsFinite(t) {
			return false
		}
	}
	return true
}

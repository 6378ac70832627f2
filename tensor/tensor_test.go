package tensor

import (
	"math"
	"testing"
)

func TestNewTensorScalarAndShape(t *testing.T) {
	s := FromScalar(3.5)
	if s.NumElems != 1 {
		t.Fatalf("scalar should hold one element, got %d", s.NumElems)
	}
	v, err := s.Item()
	if err != nil || v != 3.5 {
		t.Errorf("expected 3.5, got %v (%v)", v, err)
	}

	if _, err := NewTensor([]int{2, 0}, Float32, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for data length mismatch")
	}
}

func TestInPlaceOps(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, []float32{1, 2, 3})
	b, _ := NewTensor([]int{3}, Float32, []float32{4, 5, 6})

	if err := AddInPlace(a, b); err != nil {
		t.Fatal(err)
	}
	if err := ScaleInPlace(a, 0.5); err != nil {
		t.Fatal(err)
	}
	want := []float32{2.5, 3.5, 4.5}
	for i, v := range a.Data.([]float32) {
		if math.Abs(float64(v-want[i])) > 1e-6 {
			t.Errorf("index %d: expected %f, got %f", i, want[i], v)
		}
	}

	c, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	if err := AddInPlace(a, c); err == nil {
		t.Error("expected shape mismatch error")
	}
	h, _ := Cast(b, Float16)
	if err := ScaleInPlace(h, 2); err == nil {
		t.Error("expected dtype error for Float16 scale")
	}
}

func TestMulAddInPlace(t *testing.T) {
	dst, _ := NewTensor([]int{2}, Float32, []float32{10, 20})
	src, _ := NewTensor([]int{2}, Float32, []float32{0, 100})

	if err := MulAddInPlace(dst, 0.9, src, 0.1); err != nil {
		t.Fatal(err)
	}
	want := []float32{9, 28}
	for i, v := range dst.Data.([]float32) {
		if math.Abs(float64(v-want[i])) > 1e-5 {
			t.Errorf("index %d: expected %f, got %f", i, want[i], v)
		}
	}
}

func TestMulAddInPlaceHalf(t *testing.T) {
	d32, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	s32, _ := NewTensor([]int{2}, Float32, []float32{3, 4})
	dst, _ := Cast(d32, Float16)
	src, _ := Cast(s32, Float16)

	if err := MulAddInPlace(dst, 0.5, src, 0.5); err != nil {
		t.Fatal(err)
	}
	back, err := Cast(dst, Float32)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{2, 3}
	for i, v := range back.Data.([]float32) {
		if v != want[i] {
			t.Errorf("index %d: expected %f, got %f", i, want[i], v)
		}
	}
}

func TestAllFinite(t *testing.T) {
	ok, _ := NewTensor([]int{2}, Float32, []float32{1, -1})
	nan, _ := NewTensor([]int{2}, Float32, []float32{1, float32(math.NaN())})
	inf, _ := NewTensor([]int{1}, Float32, []float32{float32(math.Inf(1))})
	ints, _ := NewTensor([]int{1}, Int32, []int32{7})

	if !AllFinite([]*Tensor{ok, ints}) {
		t.Error("finite set reported non-finite")
	}
	if AllFinite([]*Tensor{ok, nan}) {
		t.Error("NaN not detected")
	}
	if AllFinite([]*Tensor{inf, ok}) {
		t.Error("Inf not detected")
	}
}

func TestHalfOverflowBecomesInf(t *testing.T) {
	x, _ := NewTensor([]int{3}, Float32, []float32{1.5, 70000, -1e6})
	if err := RoundHalfInPlace(x); err != nil {
		t.Fatal(err)
	}
	data := x.Data.([]float32)
	if data[0] != 1.5 {
		t.Errorf("representable value changed: %f", data[0])
	}
	if !math.IsInf(float64(data[1]), 1) || !math.IsInf(float64(data[2]), -1) {
		t.Errorf("expected ±Inf after half rounding, got %v", data)
	}
	if IsFinite(x) {
		t.Error("overflowed tensor reported finite")
	}

	h, err := Cast(x, Float16)
	if err != nil {
		t.Fatal(err)
	}
	if IsFinite(h) {
		t.Error("Float16 tensor with Inf reported finite")
	}
}

func TestWireRoundTrip(t *testing.T) {
	w, _ := NewTensor([]int{2, 3}, Float32, []float32{1, -2, 3.25, float32(math.SmallestNonzeroFloat32), 0, 1e30})
	counter, _ := NewTensor([]int{1}, Int32, []int32{42})
	half, _ := Cast(w, Float16)

	in := []Named{
		{Name: "model.0.m.weight", Tensor: w},
		{Name: "model.0.bn.num_batches_tracked", Tensor: counter},
		{Name: "half", Tensor: half},
		{Name: "updates", Tensor: FromScalar(17)},
	}

	b, err := MarshalNamed(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := UnmarshalNamed(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(out) != len(in) {
		t.Fatalf("expected %d entries, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i].Name != in[i].Name {
			t.Errorf("entry %d: expected name %s, got %s", i, in[i].Name, out[i].Name)
		}
		eq, err := out[i].Tensor.Equal(in[i].Tensor)
		if err != nil || !eq {
			t.Errorf("entry %s not bit-identical after round trip", in[i].Name)
		}
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalNamed([]byte{0x0a, 0xff}); err == nil {
		t.Error("expected parse error for truncated message")
	}
}

func TestResizeBilinear(t *testing.T) {
	x, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{0, 1, 2, 3})

	same, err := ResizeBilinear(x, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if eq, _ := same.Equal(x); !eq {
		t.Error("identity resize changed values")
	}

	up, err := ResizeBilinear(x, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if up.Shape[2] != 4 || up.Shape[3] != 4 {
		t.Fatalf("unexpected shape %v", up.Shape)
	}
	data := up.Data.([]float32)
	// asymmetric transform: dst (0,1) samples src x=0.5
	if math.Abs(float64(data[1]-0.5)) > 1e-6 {
		t.Errorf("expected 0.5 at (0,1), got %f", data[1])
	}
	// edge clamps to the last source column
	if data[3] != 1 {
		t.Errorf("expected 1 at (0,3), got %f", data[3])
	}
}

func TestReshapeSharesData(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	y, err := x.Reshape([]int{-1})
	if err != nil {
		t.Fatal(err)
	}
	if y.Shape[0] != 6 {
		t.Errorf("expected inferred dim 6, got %v", y.Shape)
	}
	y.Data.([]float32)[0] = 9
	if x.Data.([]float32)[0] != 9 {
		t.Error("reshape should share the underlying data")
	}
}

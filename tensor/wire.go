package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// Named pairs a tensor with the parameter name it is stored under
type Named struct {
	Name   string
	Tensor *Tensor
}

// Field numbers of the checkpoint wire schema:
//
//	message Checkpoint  { repeated Value value = 1; }
//	message Value       { string tag = 1; TensorProto tensor = 2; }
//	message TensorProto { repeated int64 dims = 1; string tensor_type = 2; bytes tensor_content = 3; }
const (
	fieldValue = protowire.Number(1)

	fieldTag    = protowire.Number(1)
	fieldTensor = protowire.Number(2)

	fieldDims    = protowire.Number(1)
	fieldType    = protowire.Number(2)
	fieldContent = protowire.Number(3)
)

// MarshalNamed encodes an ordered list of named tensors as a Checkpoint message
func MarshalNamed(items []Named) ([]byte, error) {
	var b []byte
	for _, item := range items {
		value, err := appendValue(nil, item)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, value)
	}
	return b, nil
}

func appendValue(b []byte, item Named) ([]byte, error) {
	content, err := item.Tensor.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %v", item.Name, err)
	}

	var tp []byte
	for _, d := range item.Tensor.Shape {
		tp = protowire.AppendTag(tp, fieldDims, protowire.VarintType)
		tp = protowire.AppendVarint(tp, uint64(int64(d)))
	}
	tp = protowire.AppendTag(tp, fieldType, protowire.BytesType)
	tp = protowire.AppendString(tp, item.Tensor.DType.String())
	tp = protowire.AppendTag(tp, fieldContent, protowire.BytesType)
	tp = protowire.AppendBytes(tp, content)

	b = protowire.AppendTag(b, fieldTag, protowire.BytesType)
	b = protowire.AppendString(b, item.Name)
	b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
	b = protowire.AppendBytes(b, tp)
	return b, nil
}

// UnmarshalNamed decodes a Checkpoint message, preserving entry order
func UnmarshalNamed(b []byte) ([]Named, error) {
	var items []Named
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num == fieldValue && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			item, err := consumeValue(v)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return items, nil
}

func consumeValue(b []byte) (Named, error) {
	var item Named
	var tensorBytes []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return item, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldTag && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return item, protowire.ParseError(n)
			}
			item.Name = s
			b = b[n:]
		case num == fieldTensor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return item, protowire.ParseError(n)
			}
			tensorBytes = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return item, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	t, err := consumeTensor(tensorBytes)
	if err != nil {
		return item, fmt.Errorf("decode %s: %v", item.Name, err)
	}
	item.Tensor = t
	return item, nil
}

func consumeTensor(b []byte) (*Tensor, error) {
	var dims []int
	var dtypeName string
	var content []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dims = append(dims, int(int64(v)))
			b = b[n:]
		case num == fieldDims && typ == protowire.BytesType:
			// packed encoding
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				dims = append(dims, int(int64(v)))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldType && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dtypeName = s
			b = b[n:]
		case num == fieldContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			content = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	dtype, err := ParseDType(dtypeName)
	if err != nil {
		return nil, err
	}
	return FromBytes(dims, dtype, content)
}

// Bytes returns the little-endian element content of t
func (t *Tensor) Bytes() ([]byte, error) {
	out := make([]byte, t.NumElems*getSizeForDType(t.DType))
	switch t.DType {
	case Float32:
		for i, v := range t.Data.([]float32) {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case Float16:
		for i, v := range t.Data.([]float16.Float16) {
			binary.LittleEndian.PutUint16(out[i*2:], v.Bits())
		}
	case Int32:
		for i, v := range t.Data.([]int32) {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Bytes: %s", t.DType)
	}
	return out, nil
}

// FromBytes rebuilds a tensor from little-endian element content
func FromBytes(shape []int, dtype DType, content []byte) (*Tensor, error) {
	numElems := calculateNumElements(shape)
	if want := numElems * getSizeForDType(dtype); len(content) != want {
		return nil, fmt.Errorf("content length %d does not match %d elements of %s", len(content), numElems, dtype)
	}

	var data interface{}
	switch dtype {
	case Float32:
		d := make([]float32, numElems)
		for i := range d {
			d[i] = math.Float32frombits(binary.LittleEndian.Uint32(content[i*4:]))
		}
		data = d
	case Float16:
		d := make([]float16.Float16, numElems)
		for i := range d {
			d[i] = float16.Frombits(binary.LittleEndian.Uint16(content[i*2:]))
		}
		data = d
	case Int32:
		d := make([]int32, numElems)
		for i := range d {
			d[i] = int32(binary.LittleEndian.Uint32(content[i*4:]))
		}
		data = d
	default:
		return nil, fmt.Errorf("unsupported dtype for FromBytes: %s", dtype)
	}
	return NewTensor(shape, dtype, data)
}

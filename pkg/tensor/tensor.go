package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

type DataType int32

const (
	DTFloat32 DataType = 0
	DTFloat16 DataType = 1
	DTInt8    DataType = 2
	DTInt32   DataType = 3
	DTUint8   DataType = 4
	DTInt64   DataType = 9
	DTBool    DataType = 12
	DTDouble  DataType = 11
)

// Size returns the element size in bytes, or -1 for unknown types.
func (t DataType) Size() int {
	switch t {
	case DTFloat32, DTInt32:
		return 4
	case DTFloat16:
		return 2
	case DTInt8, DTUint8, DTBool:
		return 1
	case DTInt64, DTDouble:
		return 8
	default:
		return -1
	}
}

func (t DataType) String() string {
	switch t {
	case DTFloat32:
		return "float32"
	case DTFloat16:
		return "float16"
	case DTInt8:
		return "int8"
	case DTInt32:
		return "int32"
	case DTUint8:
		return "uint8"
	case DTInt64:
		return "int64"
	case DTBool:
		return "bool"
	case DTDouble:
		return "double"
	default:
		return fmt.Sprintf("dtype(%d)", int32(t))
	}
}

type Format int32

const (
	FormatND   Format = 2
	FormatNCHW Format = 0
	FormatNHWC Format = 1
)

// Shape holds dimension sizes. A negative dimension marks an unknown (dynamic) size.
type Shape []int64

func (s Shape) NumElements() (int64, error) {
	n := int64(1)
	for i, d := range s {
		if d < 0 {
			return 0, fmt.Errorf("dimension %d of shape %v is unknown", i, s)
		}
		if d != 0 && n > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", s)
		}
		n *= d
	}
	return n, nil
}

func (s Shape) IsDynamic() bool {
	for _, d := range s {
		if d < 0 {
			return true
		}
	}
	return false
}

type Desc struct {
	DataType DataType
	Format   Format
	Shape    Shape
}

// Tensor is a descriptor plus its backing storage.
type Tensor struct {
	Desc Desc
	Data []byte
}

// MemSize computes the payload byte size of a tensor with the given layout.
func MemSize(shape Shape, format Format, dataType DataType) (int64, error) {
	switch format {
	case FormatND, FormatNCHW, FormatNHWC:
	default:
		return 0, fmt.Errorf("unsupported format %d", format)
	}
	elementSize := dataType.Size()
	if elementSize < 0 {
		return 0, fmt.Errorf("unsupported data type %v", dataType)
	}
	n, err := shape.NumElements()
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64/int64(elementSize) {
		return 0, fmt.Errorf("shape %v of %v overflows byte size", shape, dataType)
	}
	return n * int64(elementSize), nil
}

func FromFloat32(shape Shape, values []float32) (*Tensor, error) {
	n, err := shape.NumElements()
	if err != nil {
		return nil, err
	}
	if n != int64(len(values)) {
		return nil, fmt.Errorf("shape %v has %d elements, but %d values were provided", shape, n, len(values))
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Tensor{
		Desc: Desc{DataType: DTFloat32, Format: FormatND, Shape: append(Shape(nil), shape...)},
		Data: data,
	}, nil
}

func (t *Tensor) Float32Values() ([]float32, error) {
	if t.Desc.DataType != DTFloat32 {
		return nil, fmt.Errorf("tensor has data type %v, expected float32", t.Desc.DataType)
	}
	if len(t.Data)%4 != 0 {
		return nil, fmt.Errorf("tensor data length %d is not a multiple of 4", len(t.Data))
	}
	values := make([]float32, len(t.Data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return values, nil
}

package tensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Float64s decodes every element into a new []float64, whatever the dtype.
// Booleans decode to 0 or 1.
func (r *RawTensor) Float64s() []float64 {
	n := r.NumElements()
	out := make([]float64, n)
	size := r.dtype.Size()
	for i := 0; i < n; i++ {
		out[i] = decode(r.data[i*size:(i+1)*size], r.dtype)
	}
	return out
}

// FromFloat64s encodes values into a new tensor of the requested dtype.
// Integral types truncate toward zero; any non-zero value encodes to true.
func FromFloat64s(values []float64, shape Shape, dtype DataType) (*RawTensor, error) {
	raw, err := NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(values) != raw.NumElements() {
		return nil, errors.Errorf("got %d values for shape %v", len(values), []int(shape))
	}
	size := dtype.Size()
	for i, v := range values {
		encode(raw.data[i*size:(i+1)*size], dtype, v)
	}
	return raw, nil
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float64, dtype DataType) *RawTensor {
	raw, _ := FromFloat64s([]float64{v}, Shape{}, dtype)
	return raw
}

// Item returns the value of a single-element tensor.
func (r *RawTensor) Item() float64 {
	return decode(r.data[:r.dtype.Size()], r.dtype)
}

// Cast converts the tensor to dtype. The receiver is returned unchanged when
// it already has that dtype, which is safe because tensors are not mutated.
func (r *RawTensor) Cast(dtype DataType) *RawTensor {
	if r.dtype == dtype {
		return r
	}
	out, _ := FromFloat64s(r.Float64s(), r.shape, dtype)
	return out
}

// RoundTrip rounds v to the nearest value representable in dtype.
func RoundTrip(v float64, dtype DataType) float64 {
	var buf [8]byte
	encode(buf[:dtype.Size()], dtype, v)
	return decode(buf[:dtype.Size()], dtype)
}

func decode(b []byte, dtype DataType) float64 {
	switch dtype {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case BFloat16:
		return float64(bfloat16ToFloat32(binary.LittleEndian.Uint16(b)))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Uint8:
		return float64(b[0])
	case Bool:
		if b[0] != 0 {
			return 1
		}
		return 0
	default:
		panic("unknown data type")
	}
}

func encode(b []byte, dtype DataType, v float64) {
	switch dtype {
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		binary.LittleEndian.PutUint16(b, float32ToBFloat16(float32(v)))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Uint8:
		b[0] = uint8(v)
	case Bool:
		b[0] = 0
		if v != 0 {
			b[0] = 1
		}
	default:
		panic("unknown data type")
	}
}

// float32ToBFloat16 keeps the upper half of the float32 bits, rounding to
// nearest even. NaNs stay quiet NaNs.
func float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		return uint16(bits>>16) | 0x0040
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}

func bfloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

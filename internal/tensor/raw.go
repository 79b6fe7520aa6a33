package tensor

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// RawTensor is the low-level tensor representation: a contiguous row-major
// byte buffer plus shape and data type.
//
// A RawTensor is treated as immutable once it is placed in a tree. Every
// transformation in this module allocates a new tensor; the typed views
// (AsFloat32, ...) exist for constructing tensors and for read access.
type RawTensor struct {
	data  []byte
	shape Shape
	dtype DataType
}

// NewRaw allocates a zeroed tensor.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}

	return &RawTensor{
		data:  make([]byte, shape.NumElements()*dtype.Size()),
		shape: shape.Clone(),
		dtype: dtype,
	}, nil
}

// FromBytes wraps a copy of data as a tensor of the given shape and type.
func FromBytes(data []byte, shape Shape, dtype DataType) (*RawTensor, error) {
	raw, err := NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(data) != len(raw.data) {
		return nil, errors.Errorf("data size %d does not match %s%v (%d bytes)",
			len(data), dtype, []int(shape), len(raw.data))
	}
	copy(raw.data, data)
	return raw, nil
}

// Shape returns the dimensions.
func (r *RawTensor) Shape() Shape { return r.shape }

// DType returns the element type.
func (r *RawTensor) DType() DataType { return r.dtype }

// NumElements returns the number of elements.
func (r *RawTensor) NumElements() int { return r.shape.NumElements() }

// Meta returns the shape and data type without the values.
func (r *RawTensor) Meta() ShapeDtype {
	return ShapeDtype{Shape: r.shape.Clone(), DType: r.dtype}
}

// ByteSize is the buffer length in bytes.
func (r *RawTensor) ByteSize() int {
	return len(r.data)
}

// Data returns the underlying little-endian buffer. Callers must not
// modify it once the tensor is shared.
func (r *RawTensor) Data() []byte {
	return r.data
}

// Element is a Go type with a matching DataType.
type Element interface {
	float32 | float64 | int32 | int64 | uint8 | bool
}

func dtypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	default:
		return Bool
	}
}

// View returns the tensor's buffer as a []T without copying. It panics if
// T does not match the tensor's dtype.
func View[T Element](r *RawTensor) []T {
	if want := dtypeOf[T](); r.dtype != want {
		panic(fmt.Sprintf("tensor dtype is %s, not %s", r.dtype, want))
	}
	if len(r.data) == 0 {
		return nil
	}
	//nolint:gosec // length is bounded by NumElements
	return unsafe.Slice((*T)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// Clone returns a deep copy of the tensor.
func (r *RawTensor) Clone() *RawTensor {
	return &RawTensor{
		data:  append([]byte(nil), r.data...),
		shape: r.shape.Clone(),
		dtype: r.dtype,
	}
}

// Equal reports bit-exact equality of shape, dtype and contents.
func (r *RawTensor) Equal(other *RawTensor) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.dtype == other.dtype && r.shape.Equal(other.shape) && bytes.Equal(r.data, other.data)
}

// String implements fmt.Stringer.
func (r *RawTensor) String() string {
	return fmt.Sprintf("Tensor(%s%v)", r.dtype, []int(r.shape))
}

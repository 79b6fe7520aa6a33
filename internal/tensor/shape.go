package tensor

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements is the product of the dimensions; a scalar has one element.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate rejects non-positive dimensions.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return errors.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool { return slices.Equal(s, other) }

// Clone returns a copy that never aliases s, even when s is empty.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// ShapeDtype describes a tensor without holding its values.
//
// Resume logic builds trees of ShapeDtype to match checkpoints against the
// model that would be initialized, without materializing that model.
type ShapeDtype struct {
	Shape Shape
	DType DataType
}

// ByteSize returns the number of bytes a tensor of this description occupies.
func (m ShapeDtype) ByteSize() int {
	return m.Shape.NumElements() * m.DType.Size()
}

// Equal reports whether both descriptions match exactly.
func (m ShapeDtype) Equal(other ShapeDtype) bool {
	return m.DType == other.DType && m.Shape.Equal(other.Shape)
}

// String formats the description as "dtype[dims]".
func (m ShapeDtype) String() string {
	return fmt.Sprintf("%s%v", m.DType, []int(m.Shape))
}

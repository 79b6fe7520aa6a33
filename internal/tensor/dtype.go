// Package tensor provides the array leaves that make up parameter trees.
//
// Tensors here are plain host buffers with a shape and a runtime data type.
// Numeric work on them is done by the execution substrate; this package only
// creates, casts, compares and serializes them.
package tensor

import (
	"strings"

	"github.com/pkg/errors"
)

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float64
	Int32
	Int64
	Uint8
	Bool
	Float16
	BFloat16
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Float16, BFloat16:
		return 2
	case Uint8, Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return "unknown"
	}
}

// IsFloating reports whether values of this type are inexact (differentiable).
func (dt DataType) IsFloating() bool {
	switch dt {
	case Float32, Float64, Float16, BFloat16:
		return true
	default:
		return false
	}
}

// Epsilon returns the gap between 1 and the next representable value of a
// floating type, and 0 for other types.
func (dt DataType) Epsilon() float64 {
	switch dt {
	case Float64:
		return 0x1p-52
	case Float32:
		return 0x1p-23
	case Float16:
		return 0x1p-10
	case BFloat16:
		return 0x1p-7
	default:
		return 0
	}
}

// ParseDataType accepts both the long names returned by String and the
// short forms used in precision policies (f32, bf16, half, ...).
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "single", "full":
		return Float32, nil
	case "float64", "f64", "double":
		return Float64, nil
	case "float16", "f16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	case "int32", "i32":
		return Int32, nil
	case "int64", "i64":
		return Int64, nil
	case "uint8", "u8":
		return Uint8, nil
	case "bool":
		return Bool, nil
	default:
		return 0, errors.Errorf("unknown data type %q", s)
	}
}

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"math/rand/v2"

	"github.com/born-ml/meshtrain/internal/tensor"
)

// DataType is the runtime element type of a tensor.
type DataType = tensor.DataType

// Supported data types.
const (
	Float32  = tensor.Float32
	Float64  = tensor.Float64
	Int32    = tensor.Int32
	Int64    = tensor.Int64
	Uint8    = tensor.Uint8
	Bool     = tensor.Bool
	Float16  = tensor.Float16
	BFloat16 = tensor.BFloat16
)

// Shape is the size of each dimension.
type Shape = tensor.Shape

// ShapeDtype describes an array without holding its data.
type ShapeDtype = tensor.ShapeDtype

// RawTensor is an array leaf.
type RawTensor = tensor.RawTensor

// ParseDataType reads names such as "f32", "bf16" or "float16".
func ParseDataType(s string) (DataType, error) {
	return tensor.ParseDataType(s)
}

// FromFloat64s builds a tensor of dtype from float64 values.
func FromFloat64s(values []float64, shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.FromFloat64s(values, shape, dtype)
}

// Scalar returns a rank-0 tensor.
func Scalar(v float64, dtype DataType) *RawTensor {
	return tensor.Scalar(v, dtype)
}

// Zeros returns a zero-filled tensor.
func Zeros(shape Shape, dtype DataType) *RawTensor {
	return tensor.Zeros(shape, dtype)
}

// Full returns a tensor filled with value.
func Full(shape Shape, dtype DataType, value float64) *RawTensor {
	return tensor.Full(shape, dtype, value)
}

// Normal returns a tensor of samples from N(0, std²) drawn from r.
func Normal(shape Shape, dtype DataType, std float64, r *rand.Rand) *RawTensor {
	return tensor.Normal(shape, dtype, std, r)
}

// Xavier returns a Xavier/Glorot uniform initialized tensor.
func Xavier(fanIn, fanOut int, shape Shape, dtype DataType, r *rand.Rand) *RawTensor {
	return tensor.Xavier(fanIn, fanOut, shape, dtype, r)
}

package tensor

import (
	"math"
	"math/rand/v2"
)

// Zeros creates a tensor filled with zeros.
//
// Panics on an invalid shape, like the other constructors in this file;
// shapes come from model definitions, not from user input.
func Zeros(shape Shape, dtype DataType) *RawTensor {
	raw, err := NewRaw(shape, dtype)
	if err != nil {
		panic(err)
	}
	return raw
}

// ZerosLike creates a zero tensor matching meta.
func ZerosLike(meta ShapeDtype) *RawTensor {
	return Zeros(meta.Shape, meta.DType)
}

// Full creates a tensor filled with a specific value.
func Full(shape Shape, dtype DataType, value float64) *RawTensor {
	values := make([]float64, shape.NumElements())
	for i := range values {
		values[i] = value
	}
	raw, err := FromFloat64s(values, shape, dtype)
	if err != nil {
		panic(err)
	}
	return raw
}

// Normal draws every element from N(0, std²) using r.
func Normal(shape Shape, dtype DataType, std float64, r *rand.Rand) *RawTensor {
	values := make([]float64, shape.NumElements())
	for i := range values {
		values[i] = r.NormFloat64() * std
	}
	raw, err := FromFloat64s(values, shape, dtype)
	if err != nil {
		panic(err)
	}
	return raw
}

// Xavier (Glorot) initialization for weights.
//
// Values are drawn from U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))).
func Xavier(fanIn, fanOut int, shape Shape, dtype DataType, r *rand.Rand) *RawTensor {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	values := make([]float64, shape.NumElements())
	for i := range values {
		values[i] = (r.Float64()*2.0 - 1.0) * bound
	}
	raw, err := FromFloat64s(values, shape, dtype)
	if err != nil {
		panic(err)
	}
	return raw
}

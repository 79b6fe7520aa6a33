package tensor

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawTensorView(t *testing.T) {
	raw, err := NewRaw(Shape{3, 2}, Int64)
	require.NoError(t, err)
	data := View[int64](raw)
	assert.Len(t, data, 6)

	// Typed views share memory with the buffer.
	data[0] = 42
	assert.Equal(t, int64(42), View[int64](raw)[0])

	assert.Panics(t, func() { View[float32](raw) })
}

func TestRawTensorInvalidShape(t *testing.T) {
	_, err := NewRaw(Shape{2, 0}, Float32)
	assert.Error(t, err)
}

func TestRawTensorClone(t *testing.T) {
	raw, err := FromFloat64s([]float64{1, 2, 3}, Shape{3}, Float32)
	require.NoError(t, err)

	clone := raw.Clone()
	require.True(t, raw.Equal(clone))

	View[float32](clone)[0] = 9
	assert.Equal(t, float32(1), View[float32](raw)[0], "clone must not share memory")
	assert.False(t, raw.Equal(clone))
}

func TestCastRoundTrip(t *testing.T) {
	values := []float64{0, 1, -2.5, 0.333333, 1024}

	tests := []struct {
		dtype DataType
		tol   float64
	}{
		{Float64, 0},
		{Float32, 1e-6},
		{Float16, 1e-3},
		{BFloat16, 1e-2},
	}

	for _, tt := range tests {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			raw, err := FromFloat64s(values, Shape{len(values)}, tt.dtype)
			require.NoError(t, err)
			assert.Equal(t, tt.dtype, raw.DType())
			assert.Equal(t, len(values)*tt.dtype.Size(), raw.ByteSize())

			got := raw.Float64s()
			for i, v := range values {
				assert.InDelta(t, v, got[i], math.Max(tt.tol*math.Abs(v), tt.tol))
			}
		})
	}
}

func TestCastSameDtypeIsIdentity(t *testing.T) {
	raw := Full(Shape{2}, Float32, 3)
	assert.Same(t, raw, raw.Cast(Float32))

	half := raw.Cast(BFloat16)
	assert.Equal(t, BFloat16, half.DType())
	assert.Equal(t, []float64{3, 3}, half.Float64s())
}

func TestBFloat16Rounding(t *testing.T) {
	// 1 + 2^-8 lies exactly between two bfloat16 values; ties go to even.
	assert.Equal(t, 1.0, RoundTrip(1+1.0/256, BFloat16))
	assert.True(t, math.IsNaN(RoundTrip(math.NaN(), BFloat16)))
	assert.True(t, math.IsInf(RoundTrip(math.Inf(1), BFloat16), 1))
}

func TestEpsilon(t *testing.T) {
	for _, dt := range []DataType{Float64, Float32, Float16, BFloat16} {
		eps := dt.Epsilon()
		assert.Equal(t, 1+eps, RoundTrip(1+eps, dt), dt.String())
		assert.Equal(t, 1.0, RoundTrip(1+eps/4, dt), dt.String())
	}
	assert.Zero(t, Int32.Epsilon())
}

func TestIntegralAndBoolEncoding(t *testing.T) {
	ints, err := FromFloat64s([]float64{1.9, -1.9}, Shape{2}, Int32)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, -1}, View[int32](ints))

	flags, err := FromFloat64s([]float64{0, 0.5}, Shape{2}, Bool)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, View[bool](flags))
}

func TestParseDataType(t *testing.T) {
	for in, want := range map[string]DataType{
		"f32": Float32, "float32": Float32, "BF16": BFloat16, "half": Float16, "f64": Float64, "int64": Int64,
	} {
		got, err := ParseDataType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDataType("f8")
	assert.Error(t, err)
}

func TestScalarAndItem(t *testing.T) {
	s := Scalar(7, Int64)
	assert.Equal(t, 1, s.NumElements())
	assert.Equal(t, 7.0, s.Item())
}

func TestInitializersAreDeterministic(t *testing.T) {
	a := Xavier(4, 3, Shape{4, 3}, Float32, rand.New(rand.NewPCG(1, 2)))
	b := Xavier(4, 3, Shape{4, 3}, Float32, rand.New(rand.NewPCG(1, 2)))
	assert.True(t, a.Equal(b))

	bound := math.Sqrt(6.0 / 7.0)
	for _, v := range a.Float64s() {
		assert.LessOrEqual(t, math.Abs(v), bound)
	}

	n := Normal(Shape{8}, Float64, 0.02, rand.New(rand.NewPCG(3, 4)))
	assert.Equal(t, Float64, n.DType())
}

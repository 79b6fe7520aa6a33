package precision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"", Full},
		{"f32", Full},
		{"bf16", Policy{tensor.BFloat16, tensor.BFloat16, tensor.BFloat16}},
		{"p=f32,c=bf16,o=f32", Policy{tensor.Float32, tensor.BFloat16, tensor.Float32}},
		{"params=float32,compute=float16", Policy{tensor.Float32, tensor.Float16, tensor.Float32}},
		{" c = half ", Policy{tensor.Float32, tensor.Float16, tensor.Float32}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"i32", "x=f32", "p=f32,c", "p=f8"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestStringRoundTrip(t *testing.T) {
	p := MustParse("p=f32,c=bf16,o=f16")
	assert.Equal(t, "p=f32,c=bf16,o=f16", p.String())

	var back Policy
	require.NoError(t, back.UnmarshalText([]byte(p.String())))
	assert.Equal(t, p, back)
}

func TestCastOnlyTouchesFloatingLeaves(t *testing.T) {
	weights, err := tensor.FromFloat64s([]float64{1.0 / 3}, tensor.Shape{1}, tensor.Float32)
	require.NoError(t, err)
	ids := tensor.Full(tensor.Shape{2}, tensor.Int32, 7)

	model := tree.MustNew(
		tree.Leaf{Path: "w", Value: weights},
		tree.Leaf{Path: "ids", Value: ids},
		tree.Leaf{Path: "name", Value: "tiny"},
		tree.Leaf{Path: "hole"},
	)

	p := MustParse("p=f32,c=bf16,o=f32")
	compute, err := p.CastToCompute(model)
	require.NoError(t, err)

	w, _ := compute.Tensor("w")
	assert.Equal(t, tensor.BFloat16, w.DType())
	gotIDs, _ := compute.Tensor("ids")
	assert.Same(t, ids, gotIDs)
	name, _ := compute.Get("name")
	assert.Equal(t, "tiny", name)

	param, err := p.CastToParam(compute)
	require.NoError(t, err)
	w, _ = param.Tensor("w")
	assert.Equal(t, tensor.Float32, w.DType())
}

func TestCastOutput(t *testing.T) {
	assert.Equal(t, 1.0, MustParse("bf16").CastOutput(1+1.0/256))
	assert.Equal(t, 0.1, MustParse("f64").CastOutput(0.1))
}

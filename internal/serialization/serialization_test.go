package serialization

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/meshtrain/internal/tensor"
)

func sampleTensors(t *testing.T) []NamedTensor {
	t.Helper()
	w, err := tensor.FromFloat64s([]float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, tensor.Float32)
	require.NoError(t, err)
	h, err := tensor.FromFloat64s([]float64{0.5, -0.5}, tensor.Shape{2}, tensor.BFloat16)
	require.NoError(t, err)
	return []NamedTensor{
		{Name: "model.w", Tensor: w},
		{Name: "model.h", Tensor: h},
		{Name: "opt.count", Tensor: tensor.Scalar(3, tensor.Int64)},
	}
}

func TestRoundTripPreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "step-3.born")
	in := sampleTensors(t)

	err := WriteFile(path, in, Header{
		Metadata:   map[string]string{"note": "test"},
		Checkpoint: &CheckpointMeta{Step: 3, RunID: "abc"},
	})
	require.NoError(t, err)

	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.w", "model.h", "opt.count"}, f.TensorNames())
	assert.Equal(t, int64(3), f.Header().Checkpoint.Step)
	assert.Equal(t, "abc", f.Header().Checkpoint.RunID)
	assert.Equal(t, Producer, f.Header().Producer)
	assert.Equal(t, FlagHasMetadata|FlagHasCheckpoint, f.Flags())

	out, err := f.Tensors()
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].Name, out[i].Name)
		assert.True(t, in[i].Tensor.Equal(out[i].Tensor), in[i].Name)
	}

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCorruptionDetected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTensors(t), Header{}))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF

	_, err := Decode(bytes.NewReader(raw), ReaderOptions{})
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	_, err = Decode(bytes.NewReader(raw), ReaderOptions{SkipChecksumValidation: true})
	assert.NoError(t, err)
}

func TestInvalidMagicAndVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTensors(t), Header{}))
	raw := buf.Bytes()

	bad := append([]byte(nil), raw...)
	copy(bad, "NOPE")
	_, err := Decode(bytes.NewReader(bad), ReaderOptions{})
	assert.True(t, errors.Is(err, ErrInvalidMagic))

	bad = append([]byte(nil), raw...)
	bad[4] = 9
	_, err = Decode(bytes.NewReader(bad), ReaderOptions{})
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))

	_, err = Decode(bytes.NewReader(raw[:10]), ReaderOptions{})
	assert.Error(t, err)
}

func TestDataIsAligned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTensors(t), Header{}))
	dataSize := 6*4 + 2*2 + 8
	assert.Zero(t, (buf.Len()-dataSize)%Alignment)
}

func TestTensorNotFound(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTensors(t), Header{}))
	f, err := Decode(&buf, ReaderOptions{})
	require.NoError(t, err)

	_, err = f.Tensor("model.missing")
	assert.True(t, errors.Is(err, ErrTensorNotFound))
}

func TestValidateTensorName(t *testing.T) {
	for _, name := range []string{"model.w", "opt.1.mu.blocks.0.attn", "rng.key"} {
		assert.NoError(t, ValidateTensorName(name), name)
	}
	for _, name := range []string{"", "../etc/passwd", "a/b", "a\\b", "a\x00b"} {
		var verr *ValidationError
		assert.True(t, errors.As(ValidateTensorName(name), &verr), name)
	}
}

func TestValidateTensorOffsets(t *testing.T) {
	ok := []TensorMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 8, Size: 8}}
	assert.NoError(t, ValidateTensorOffsets(ok, 16))

	var verr *ValidationError
	overlap := []TensorMeta{{Name: "a", Offset: 0, Size: 10}, {Name: "b", Offset: 8, Size: 8}}
	require.True(t, errors.As(ValidateTensorOffsets(overlap, 16), &verr))
	assert.Equal(t, "offset_overlap", verr.Type)
	assert.Contains(t, verr.Error(), `"a" and "b"`)

	require.True(t, errors.As(ValidateTensorOffsets(ok, 12), &verr))
	assert.Equal(t, "out_of_bounds", verr.Type)

	negative := []TensorMeta{{Name: "a", Offset: -1, Size: 1}}
	require.True(t, errors.As(ValidateTensorOffsets(negative, 16), &verr))
	assert.Equal(t, "negative_offset", verr.Type)
}

func TestValidateHeaderRejectsDuplicates(t *testing.T) {
	h := &Header{Tensors: []TensorMeta{
		{Name: "a", DType: "float32", Shape: []int{1}, Offset: 0, Size: 4},
		{Name: "a", DType: "float32", Shape: []int{1}, Offset: 4, Size: 4},
	}}
	var verr *ValidationError
	require.True(t, errors.As(ValidateHeader(h, 8), &verr))
	assert.Equal(t, "duplicate_name", verr.Type)

	h = &Header{Tensors: []TensorMeta{{Name: "a", DType: "float32", Shape: []int{2}, Offset: 0, Size: 4}}}
	require.True(t, errors.As(ValidateHeader(h, 8), &verr))
	assert.Equal(t, "size_mismatch", verr.Type)
}

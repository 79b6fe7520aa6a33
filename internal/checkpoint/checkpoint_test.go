package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

func vec(values ...float64) *tensor.RawTensor {
	raw, err := tensor.FromFloat64s(values, tensor.Shape{len(values)}, tensor.Float32)
	if err != nil {
		panic(err)
	}
	return raw
}

func snapshot(step int) *Snapshot {
	return &Snapshot{
		Step: step,
		Trainable: tree.MustNew(
			tree.Leaf{Path: "w", Value: vec(1, 2, 3)},
			tree.Leaf{Path: "frozen"},
		),
		OptState: tree.MustNew(
			tree.Leaf{Path: "0.mu.w", Value: vec(0.1, 0.2, 0.3)},
			tree.Leaf{Path: "0.mu.frozen"},
			tree.Leaf{Path: "0.count", Value: tensor.Scalar(float64(step+1), tensor.Int64)},
		),
		Key: rng.NewKey(int64(step)),
	}
}

func template(s *Snapshot) Template {
	return Template{Trainable: s.Trainable.Shape(), OptState: s.OptState.Shape()}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(7))
	want := snapshot(7)
	require.NoError(t, Write(path, want, "run", false))

	got, err := Read(path, template(want))
	require.NoError(t, err)
	assert.Equal(t, 7, got.Step)
	assert.Equal(t, want.Key, got.Key)
	assert.True(t, tree.Equal(want.Trainable, got.Trainable))
	assert.True(t, tree.Equal(want.OptState, got.OptState))
}

func TestReadLatestFromDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, step := range []int{2, 10, 9} {
		require.NoError(t, Write(filepath.Join(dir, FileName(step)), snapshot(step), "run", true))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	steps, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 9, 10}, steps)

	got, err := Read(dir, template(snapshot(0)))
	require.NoError(t, err)
	assert.Equal(t, 10, got.Step)
}

func TestReadNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(filepath.Join(dir, "missing"), template(snapshot(0)))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = Read(dir, template(snapshot(0)))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReadRejectsMismatchedTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	require.NoError(t, Write(path, snapshot(1), "run", false))

	// Different shape.
	tmpl := template(snapshot(1))
	tmpl.Trainable = tree.MustNew(
		tree.Leaf{Path: "w", Value: tensor.ShapeDtype{Shape: tensor.Shape{4}, DType: tensor.Float32}},
		tree.Leaf{Path: "frozen"},
	)
	_, err := Read(path, tmpl)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	// Leaf the model does not have any more.
	tmpl = template(snapshot(1))
	tmpl.Trainable = tree.MustNew(tree.Leaf{Path: "w"}, tree.Leaf{Path: "frozen"})
	_, err = Read(path, tmpl)
	assert.Error(t, err)
}

type fakeInfo struct {
	step   int
	forced bool
	calls  *int
}

func (f fakeInfo) Step() int    { return f.step }
func (f fakeInfo) Forced() bool { return f.forced }
func (f fakeInfo) Snapshot() (*Snapshot, error) {
	*f.calls++
	return snapshot(f.step), nil
}

func TestCheckpointerPolicy(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	c, err := New(Config{BasePath: t.TempDir(), SaveInterval: time.Minute, KeepEvery: 5}, "run", WithClock(clock))
	require.NoError(t, err)

	calls := 0
	step := func(s int, forced bool) {
		require.NoError(t, c.OnStep(fakeInfo{step: s, forced: forced, calls: &calls}))
	}

	step(1, false)
	step(2, false)
	assert.Equal(t, 0, calls, "nothing due yet")

	now = now.Add(time.Minute)
	step(3, false) // temporary
	steps, err := List(c.Dir())
	require.NoError(t, err)
	assert.Equal(t, []int{3}, steps)

	now = now.Add(30 * time.Second)
	step(4, false)
	step(5, false) // permanent, replaces temporary 3
	steps, _ = List(c.Dir())
	assert.Equal(t, []int{5}, steps)

	now = now.Add(2 * time.Minute)
	step(6, false) // temporary
	now = now.Add(2 * time.Minute)
	step(7, false) // temporary, replaces 6
	steps, _ = List(c.Dir())
	assert.Equal(t, []int{5, 7}, steps)

	step(8, true) // forced
	step(8, true) // same step is not written twice
	steps, _ = List(c.Dir())
	assert.Equal(t, []int{5, 8}, steps)
	assert.Equal(t, 5, calls)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BasePath: "x", KeepEvery: -1}.Validate())

	_, err := New(Config{}, "run")
	assert.Error(t, err)
}

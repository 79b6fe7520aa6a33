// Package checkpoint persists and restores training state.
//
// A checkpoint holds the trainable parameters, the optimizer state, the
// random key and the completed step number, written as one .born file
// named step-<N>.born under <base_path>/<run_id>. Non-trainable leaves are
// never persisted; they are recomputed by the model initializer on resume.
package checkpoint

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/serialization"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// ErrNotFound reports that no checkpoint exists at the requested location.
var ErrNotFound = errors.New("checkpoint not found")

// Stored name prefixes.
const (
	prefixModel = "model"
	prefixOpt   = "opt"
	keyName     = "rng.key"
)

// Snapshot is the persisted part of a training state.
type Snapshot struct {
	// Step is the number of the last completed step.
	Step int
	// Trainable holds the trainable leaves; placeholders are skipped.
	Trainable *tree.Tree
	// OptState is the optimizer state; placeholders are skipped.
	OptState *tree.Tree
	Key      rng.Key
}

// Template describes the structure a checkpoint must match. Leaves are
// tensor.ShapeDtype (or arrays, whose metadata is used); placeholders mark
// paths that are not persisted.
type Template struct {
	Trainable *tree.Tree
	OptState  *tree.Tree
}

var stepFile = regexp.MustCompile(`^step-(\d+)\.born$`)

// FileName returns the checkpoint file name for a completed step.
func FileName(step int) string {
	return "step-" + strconv.Itoa(step) + ".born"
}

func encode(s *Snapshot) ([]serialization.NamedTensor, error) {
	var out []serialization.NamedTensor
	for _, part := range []struct {
		prefix string
		t      *tree.Tree
	}{{prefixModel, s.Trainable}, {prefixOpt, s.OptState}} {
		if part.t == nil {
			return nil, errors.Errorf("snapshot has no %s tree", part.prefix)
		}
		for _, leaf := range part.t.Leaves() {
			switch v := leaf.Value.(type) {
			case nil:
			case *tensor.RawTensor:
				out = append(out, serialization.NamedTensor{Name: part.prefix + "." + leaf.Path, Tensor: v})
			default:
				return nil, errors.Errorf("%s leaf %q is not an array (%T)", part.prefix, leaf.Path, leaf.Value)
			}
		}
	}
	return append(out, serialization.NamedTensor{Name: keyName, Tensor: s.Key.Tensor()}), nil
}

// Write stores s at path.
func Write(path string, s *Snapshot, runID string, permanent bool) error {
	tensors, err := encode(s)
	if err != nil {
		return err
	}
	return serialization.WriteFile(path, tensors, serialization.Header{
		Checkpoint: &serialization.CheckpointMeta{Step: int64(s.Step), RunID: runID, Permanent: permanent},
	})
}

// Read loads the checkpoint at path, which is either a checkpoint file or
// a directory whose latest checkpoint is used. Every persisted leaf of tmpl
// must be present with the same shape and dtype. The returned trees are
// congruent with the template trees.
func Read(path string, tmpl Template) (*Snapshot, error) {
	file, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := serialization.ReadFile(file)
	if err != nil {
		return nil, err
	}
	header := f.Header()
	if header.Checkpoint == nil {
		return nil, errors.Errorf("%s is not a checkpoint", file)
	}

	used := 0
	restore := func(prefix string, like *tree.Tree) (*tree.Tree, error) {
		return like.Map(func(path string, v any) (any, error) {
			if tree.IsPlaceholder(v) {
				return nil, nil
			}
			want, ok := tree.MetaOf(v)
			if !ok {
				return nil, errors.Errorf("template leaf is not an array (%T)", v)
			}
			raw, err := f.Tensor(prefix + "." + path)
			if err != nil {
				return nil, err
			}
			if !raw.Meta().Equal(want) {
				return nil, errors.Errorf("checkpoint has %s, model expects %s", raw.Meta(), want)
			}
			used++
			return raw, nil
		})
	}

	trainable, err := restore(prefixModel, tmpl.Trainable)
	if err != nil {
		return nil, errors.Wrapf(err, "restore parameters from %s", file)
	}
	opt, err := restore(prefixOpt, tmpl.OptState)
	if err != nil {
		return nil, errors.Wrapf(err, "restore optimizer state from %s", file)
	}
	keyTensor, err := f.Tensor(keyName)
	if err != nil {
		return nil, errors.Wrapf(err, "restore rng key from %s", file)
	}
	key, err := rng.FromTensor(keyTensor)
	if err != nil {
		return nil, err
	}
	if extra := len(header.Tensors) - used - 1; extra != 0 {
		return nil, errors.Errorf("checkpoint %s has %d leaves the model does not have", file, extra)
	}

	return &Snapshot{Step: int(header.Checkpoint.Step), Trainable: trainable, OptState: opt, Key: key}, nil
}

// Resolve maps path to a checkpoint file. A directory resolves to its
// checkpoint with the highest step. ErrNotFound is returned when nothing
// exists.
func Resolve(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", errors.Wrapf(ErrNotFound, "%s", path)
	}
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", path)
	}
	if !info.IsDir() {
		return path, nil
	}
	steps, err := List(path)
	if err != nil {
		return "", err
	}
	if len(steps) == 0 {
		return "", errors.Wrapf(ErrNotFound, "no checkpoints in %s", path)
	}
	return filepath.Join(path, FileName(steps[len(steps)-1])), nil
}

// List returns the steps of the checkpoints in dir in increasing order.
func List(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var steps []int
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m := stepFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	slices.Sort(steps)
	return steps, nil
}

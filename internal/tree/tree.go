// Package tree represents nested model parameters as an arena of named leaves.
//
// A Tree is an ordered list of (path, value) pairs. Paths are dot-separated
// ("blocks.0.attn.q"), values are either *tensor.RawTensor array leaves,
// arbitrary static values (configuration, integer counters, ...), or nil
// placeholders left behind by Partition. Because every tree derived from the
// same model shares the same path order, partition and combine are
// index-aligned operations.
//
// Trees are immutable: every operation returns a new Tree. Leaf tensors are
// shared between trees, never mutated.
package tree

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
)

// Leaf is one named entry of a Tree.
type Leaf struct {
	Path  string
	Value any
}

// Tree is an ordered, immutable collection of leaves.
type Tree struct {
	leaves []Leaf
	index  map[string]int
}

// New builds a tree from leaves in the given order.
func New(leaves ...Leaf) (*Tree, error) {
	t := &Tree{
		leaves: make([]Leaf, len(leaves)),
		index:  make(map[string]int, len(leaves)),
	}
	for i, leaf := range leaves {
		if leaf.Path == "" {
			return nil, errors.Errorf("leaf %d has an empty path", i)
		}
		if _, dup := t.index[leaf.Path]; dup {
			return nil, errors.Errorf("duplicate leaf path %q", leaf.Path)
		}
		t.leaves[i] = leaf
		t.index[leaf.Path] = i
	}
	return t, nil
}

// MustNew is New for statically known trees. It panics on invalid input.
func MustNew(leaves ...Leaf) *Tree {
	t, err := New(leaves...)
	if err != nil {
		panic(err)
	}
	return t
}

// Empty returns a tree with no leaves.
func Empty() *Tree {
	return MustNew()
}

// Len returns the number of leaves, placeholders included.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Leaves returns a copy of the leaves in order.
func (t *Tree) Leaves() []Leaf {
	return append([]Leaf(nil), t.leaves...)
}

// Paths returns leaf paths in order.
func (t *Tree) Paths() []string {
	paths := make([]string, len(t.leaves))
	for i, leaf := range t.leaves {
		paths[i] = leaf.Path
	}
	return paths
}

// Get returns the value stored at path.
func (t *Tree) Get(path string) (any, bool) {
	i, ok := t.index[path]
	if !ok {
		return nil, false
	}
	return t.leaves[i].Value, true
}

// Tensor returns the array leaf stored at path.
func (t *Tree) Tensor(path string) (*tensor.RawTensor, bool) {
	v, ok := t.Get(path)
	if !ok {
		return nil, false
	}
	raw, ok := v.(*tensor.RawTensor)
	return raw, ok
}

// With returns a copy of t with the leaf at path replaced by value.
func (t *Tree) With(path string, value any) (*Tree, error) {
	i, ok := t.index[path]
	if !ok {
		return nil, errors.Errorf("no leaf at %q", path)
	}
	leaves := t.Leaves()
	leaves[i].Value = value
	return &Tree{leaves: leaves, index: t.index}, nil
}

// Map applies fn to every leaf and returns the resulting tree.
func (t *Tree) Map(fn func(path string, value any) (any, error)) (*Tree, error) {
	leaves := make([]Leaf, len(t.leaves))
	for i, leaf := range t.leaves {
		v, err := fn(leaf.Path, leaf.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "leaf %q", leaf.Path)
		}
		leaves[i] = Leaf{Path: leaf.Path, Value: v}
	}
	return &Tree{leaves: leaves, index: t.index}, nil
}

// MapTensors applies fn to array leaves only; other leaves are kept as is.
func (t *Tree) MapTensors(fn func(path string, raw *tensor.RawTensor) (*tensor.RawTensor, error)) (*Tree, error) {
	return t.Map(func(path string, value any) (any, error) {
		raw, ok := value.(*tensor.RawTensor)
		if !ok {
			return value, nil
		}
		return fn(path, raw)
	})
}

// Tensors returns the array leaves in order, skipping everything else.
func (t *Tree) Tensors() []Leaf {
	var out []Leaf
	for _, leaf := range t.leaves {
		if _, ok := leaf.Value.(*tensor.RawTensor); ok {
			out = append(out, leaf)
		}
	}
	return out
}

// Prefix returns a copy of t with prefix + "." prepended to every path.
func (t *Tree) Prefix(prefix string) *Tree {
	leaves := make([]Leaf, len(t.leaves))
	for i, leaf := range t.leaves {
		leaves[i] = Leaf{Path: prefix + "." + leaf.Path, Value: leaf.Value}
	}
	return MustNew(leaves...)
}

// Subtree returns the leaves under prefix with the prefix stripped.
func (t *Tree) Subtree(prefix string) *Tree {
	var leaves []Leaf
	for _, leaf := range t.leaves {
		if rest, ok := strings.CutPrefix(leaf.Path, prefix+"."); ok {
			leaves = append(leaves, Leaf{Path: rest, Value: leaf.Value})
		}
	}
	return MustNew(leaves...)
}

// Concat joins trees in order. Paths must not collide.
func Concat(trees ...*Tree) (*Tree, error) {
	var leaves []Leaf
	for _, t := range trees {
		leaves = append(leaves, t.leaves...)
	}
	return New(leaves...)
}

// Congruent reports whether a and b have the same paths in the same order.
func Congruent(a, b *Tree) bool {
	if len(a.leaves) != len(b.leaves) {
		return false
	}
	for i := range a.leaves {
		if a.leaves[i].Path != b.leaves[i].Path {
			return false
		}
	}
	return true
}

// Equal reports structural and value equality. Array leaves are compared
// bit for bit, static leaves with reflect.DeepEqual.
func Equal(a, b *Tree) bool {
	if !Congruent(a, b) {
		return false
	}
	for i := range a.leaves {
		if !leafEqual(a.leaves[i].Value, b.leaves[i].Value) {
			return false
		}
	}
	return true
}

func leafEqual(a, b any) bool {
	ra, aok := a.(*tensor.RawTensor)
	rb, bok := b.(*tensor.RawTensor)
	if aok || bok {
		return aok && bok && ra.Equal(rb)
	}
	return reflect.DeepEqual(a, b)
}

// IsPlaceholder reports whether v is the empty slot left by Partition.
func IsPlaceholder(v any) bool {
	return v == nil
}

// IsFloatingArray reports whether v is an array leaf of inexact dtype, the
// only kind of leaf that can receive gradients. The ShapeDtype of such a
// leaf counts too, so masks agree between a model and its shape.
func IsFloatingArray(v any) bool {
	switch leaf := v.(type) {
	case *tensor.RawTensor:
		return leaf.DType().IsFloating()
	case tensor.ShapeDtype:
		return leaf.DType.IsFloating()
	default:
		return false
	}
}

// Shape replaces every array leaf by its tensor.ShapeDtype.
// Static leaves and placeholders are kept.
func (t *Tree) Shape() *Tree {
	out, _ := t.Map(func(_ string, value any) (any, error) {
		if raw, ok := value.(*tensor.RawTensor); ok {
			return raw.Meta(), nil
		}
		return value, nil
	})
	return out
}

// MetaOf returns the shape of an array leaf or of a ShapeDtype leaf.
func MetaOf(v any) (tensor.ShapeDtype, bool) {
	switch leaf := v.(type) {
	case *tensor.RawTensor:
		return leaf.Meta(), true
	case tensor.ShapeDtype:
		return leaf, true
	default:
		return tensor.ShapeDtype{}, false
	}
}

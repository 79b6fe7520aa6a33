package tree

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
)

// Filter decides per leaf whether the leaf may be trained.
//
// The final decision also requires the leaf to be a floating-point array,
// see IsFloatingArray; a Filter cannot make an integer buffer trainable.
type Filter interface {
	Select(path string, value any) bool
}

// Const selects every leaf (true) or none (false).
type Const bool

// Select implements Filter.
func (c Const) Select(string, any) bool { return bool(c) }

// FilterFunc adapts a per-leaf predicate.
type FilterFunc func(path string, value any) bool

// Select implements Filter.
func (f FilterFunc) Select(path string, value any) bool { return f(path, value) }

// ByPrefix selects leaves by the most specific matching path prefix.
//
// A rule key matches a path when it equals the path or is a dot-delimited
// prefix of it ("blocks.0" matches "blocks.0.w" but not "blocks.01.w").
// Leaves matching no rule get Default.
type ByPrefix struct {
	Default bool
	Rules   map[string]bool
}

// Select implements Filter.
func (p ByPrefix) Select(path string, _ any) bool {
	best, found := -1, p.Default
	for prefix, v := range p.Rules {
		if path != prefix && !strings.HasPrefix(path, prefix+".") {
			continue
		}
		if len(prefix) > best {
			best, found = len(prefix), v
		}
	}
	return found
}

// Mask is the resolved per-leaf trainability of one model structure.
//
// It is index-aligned with the tree it was computed from and must be
// recomputed when the structure changes. A leaf's structure is its path
// together with its shape and dtype when it is an array.
type Mask struct {
	paths     []string
	kinds     []leafKind
	trainable []bool
}

// leafKind is the part of a leaf a mask depends on besides its path.
type leafKind struct {
	array bool
	meta  tensor.ShapeDtype
}

func kindOf(v any) leafKind {
	meta, ok := MetaOf(v)
	return leafKind{array: ok, meta: meta}
}

func (k leafKind) equal(o leafKind) bool {
	return k.array == o.array && k.meta.Equal(o.meta)
}

// NewMask evaluates filter against every leaf of model.
func NewMask(model *Tree, filter Filter) *Mask {
	if filter == nil {
		filter = Const(true)
	}
	m := &Mask{
		paths:     model.Paths(),
		kinds:     make([]leafKind, model.Len()),
		trainable: make([]bool, model.Len()),
	}
	for i, leaf := range model.leaves {
		m.kinds[i] = kindOf(leaf.Value)
		m.trainable[i] = IsFloatingArray(leaf.Value) && filter.Select(leaf.Path, leaf.Value)
	}
	return m
}

// Matches reports whether the mask was computed for a structure with the
// same paths, in the same order, as model, where every array leaf also has
// the same shape and dtype. A RawTensor and a ShapeDtype describing it
// match.
func (m *Mask) Matches(model *Tree) bool {
	if len(m.paths) != model.Len() {
		return false
	}
	for i, leaf := range model.leaves {
		if m.paths[i] != leaf.Path || !m.kinds[i].equal(kindOf(leaf.Value)) {
			return false
		}
	}
	return true
}

// Trainable reports whether the leaf at path is trainable.
func (m *Mask) Trainable(path string) bool {
	for i, p := range m.paths {
		if p == path {
			return m.trainable[i]
		}
	}
	return false
}

// TrainablePaths lists the trainable paths in tree order.
func (m *Mask) TrainablePaths() []string {
	var out []string
	for i, p := range m.paths {
		if m.trainable[i] {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of trainable leaves.
func (m *Mask) Count() int {
	n := 0
	for _, t := range m.trainable {
		if t {
			n++
		}
	}
	return n
}

// Partition splits model into trainable and non-trainable halves.
//
// Both halves keep every path of model; the slot a leaf does not occupy is
// a nil placeholder.
func (m *Mask) Partition(model *Tree) (trainable, rest *Tree, err error) {
	if !m.Matches(model) {
		return nil, nil, errors.New("mask does not match model structure")
	}
	a := make([]Leaf, model.Len())
	b := make([]Leaf, model.Len())
	for i, leaf := range model.leaves {
		a[i].Path, b[i].Path = leaf.Path, leaf.Path
		if m.trainable[i] {
			a[i].Value = leaf.Value
		} else {
			b[i].Value = leaf.Value
		}
	}
	return &Tree{leaves: a, index: model.index}, &Tree{leaves: b, index: model.index}, nil
}

// Partition computes the mask for model under filter and splits model with it.
func Partition(model *Tree, filter Filter) (trainable, rest *Tree, err error) {
	return NewMask(model, filter).Partition(model)
}

// Combine merges two congruent trees, taking each leaf from whichever side
// holds a value. When both sides hold one, a wins.
func Combine(a, b *Tree) (*Tree, error) {
	if !Congruent(a, b) {
		return nil, errors.Errorf("cannot combine trees with different structure (%d vs %d leaves)", a.Len(), b.Len())
	}
	leaves := make([]Leaf, a.Len())
	for i := range a.leaves {
		leaves[i] = a.leaves[i]
		if IsPlaceholder(leaves[i].Value) {
			leaves[i].Value = b.leaves[i].Value
		}
	}
	return &Tree{leaves: leaves, index: a.index}, nil
}

// Compact drops placeholders, returning only the populated leaves.
// It is used to persist and to initialize optimizer state for the trainable
// half only.
func (t *Tree) Compact() *Tree {
	var leaves []Leaf
	for _, leaf := range t.leaves {
		if !IsPlaceholder(leaf.Value) {
			leaves = append(leaves, leaf)
		}
	}
	return MustNew(leaves...)
}

// Expand lays the leaves of compact back onto the structure of like, filling
// every path compact does not have with a placeholder.
func Expand(compact, like *Tree) (*Tree, error) {
	leaves := make([]Leaf, like.Len())
	seen := 0
	for i, leaf := range like.leaves {
		leaves[i].Path = leaf.Path
		if v, ok := compact.Get(leaf.Path); ok {
			leaves[i].Value = v
			seen++
		}
	}
	if seen != compact.Len() {
		extra := make([]string, 0, compact.Len()-seen)
		for _, p := range compact.Paths() {
			if _, ok := like.index[p]; !ok {
				extra = append(extra, p)
			}
		}
		sort.Strings(extra)
		return nil, errors.Errorf("leaves not present in structure: %v", extra)
	}
	return &Tree{leaves: leaves, index: like.index}, nil
}

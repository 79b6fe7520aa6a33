// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tree provides parameter trees: ordered sets of named leaves.
//
// Leaves are tensors, static values or nil placeholders. Paths are dot
// separated ("decoder.layers.0.w"). Partition splits a tree into its
// trainable and non-trainable halves and Combine merges them back.
//
//	model := tree.MustNew(
//	    tree.Leaf{Path: "embed", Value: tensor.Zeros(tensor.Shape{10, 4}, tensor.Float32)},
//	    tree.Leaf{Path: "positions", Value: tensor.Zeros(tensor.Shape{8}, tensor.Int32)},
//	)
//	trainable, rest, _ := tree.Partition(model, tree.Const(true))
//	same, _ := tree.Combine(trainable, rest)
package tree

import (
	"github.com/born-ml/meshtrain/internal/tree"
)

// Tree is a parameter tree.
type Tree = tree.Tree

// Leaf is one named leaf.
type Leaf = tree.Leaf

// Filter selects leaves.
type Filter = tree.Filter

// Const selects every leaf or none.
type Const = tree.Const

// FilterFunc adapts a function to Filter.
type FilterFunc = tree.FilterFunc

// ByPrefix selects leaves by their most specific matching path prefix.
type ByPrefix = tree.ByPrefix

// Mask records which leaves of a structure are trainable.
type Mask = tree.Mask

// New builds a tree. Paths must be unique and non-empty.
func New(leaves ...Leaf) (*Tree, error) { return tree.New(leaves...) }

// MustNew is New for trees known to be valid.
func MustNew(leaves ...Leaf) *Tree { return tree.MustNew(leaves...) }

// NewMask evaluates filter on model. Only floating-point arrays can be
// trainable.
func NewMask(model *Tree, filter Filter) *Mask { return tree.NewMask(model, filter) }

// Partition splits model into trainable and non-trainable halves.
func Partition(model *Tree, filter Filter) (trainable, rest *Tree, err error) {
	return tree.Partition(model, filter)
}

// Combine merges two halves produced by Partition.
func Combine(a, b *Tree) (*Tree, error) { return tree.Combine(a, b) }

// Equal reports structural and bitwise value equality.
func Equal(a, b *Tree) bool { return tree.Equal(a, b) }

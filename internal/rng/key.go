// Package rng provides counter-free, splittable random keys.
//
// A Key is a pure value: splitting it always yields the same children, so a
// training run that starts from the same seed draws the same randomness at
// every step. Keys are never advanced in place; a consumer splits its key
// and hands one half on.
package rng

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
)

// Key is an opaque deterministic random state.
type Key [2]uint64

// golden is the 64-bit golden ratio used to spread small seeds.
const golden = 0x9e3779b97f4a7c15

// NewKey derives a key from an integer seed.
func NewKey(seed int64) Key {
	return Key{uint64(seed), uint64(seed) ^ golden}.mix()
}

func (k Key) mix() Key {
	r := rand.New(rand.NewPCG(k[0], k[1]))
	return Key{r.Uint64(), r.Uint64()}
}

// Split returns two independent child keys.
func (k Key) Split() (Key, Key) {
	r := rand.New(rand.NewPCG(k[0], k[1]))
	return Key{r.Uint64(), r.Uint64()}, Key{r.Uint64(), r.Uint64()}
}

// SplitN returns n independent child keys.
func (k Key) SplitN(n int) []Key {
	r := rand.New(rand.NewPCG(k[0], k[1]))
	out := make([]Key, n)
	for i := range out {
		out[i] = Key{r.Uint64(), r.Uint64()}
	}
	return out
}

// Fold derives a key from k and an integer, e.g. a microbatch index.
func (k Key) Fold(i int) Key {
	return Key{k[0] ^ uint64(i)*golden, k[1] + uint64(i)}.mix()
}

// Rand returns a generator seeded by k. Two generators from the same key
// produce the same stream.
func (k Key) Rand() *rand.Rand {
	return rand.New(rand.NewPCG(k[0], k[1]))
}

// Tensor encodes the key as an int64[2] array leaf for checkpointing.
func (k Key) Tensor() *tensor.RawTensor {
	raw := tensor.Zeros(tensor.Shape{2}, tensor.Int64)
	data := tensor.View[int64](raw)
	data[0], data[1] = int64(k[0]), int64(k[1])
	return raw
}

// FromTensor decodes a key written by Key.Tensor.
func FromTensor(raw *tensor.RawTensor) (Key, error) {
	if raw == nil || raw.DType() != tensor.Int64 || !raw.Shape().Equal(tensor.Shape{2}) {
		return Key{}, errors.Errorf("rng key must be int64[2], got %v", raw)
	}
	data := tensor.View[int64](raw)
	return Key{uint64(data[0]), uint64(data[1])}, nil
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("Key(%016x%016x)", k[0], k[1])
}

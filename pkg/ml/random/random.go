// Package random implements splittable deterministic random keys, the unit of
// randomness threaded through distributed training.
//
// A Key never mutates: consuming randomness means splitting a key into fresh
// child keys and handing those out. Replaying a run from the same seed replays
// the exact same key sequence, which is what makes dropout and shuffling
// reproducible across replicas. The Deployer owns the root key; no other
// component may advance it.
package random

import (
	"fmt"
	"math/rand"
)

// Key is an immutable random key. The zero Key is a valid (if boring) key;
// prefer NewKey with an explicit seed.
type Key struct {
	hi, lo uint64
}

// NewKey creates a root key from a seed.
func NewKey(seed int64) Key {
	s := uint64(seed)
	return Key{hi: mix64(s), lo: mix64(s ^ 0xdeadbeefcafef00d)}
}

// Split derives n independent child keys. The children are a pure function of
// the parent and the child index: the same parent always yields the same
// children, and distinct indices yield distinct children.
func (k Key) Split(n int) []Key {
	children := make([]Key, n)
	for i := range children {
		children[i] = k.child(uint64(i))
	}
	return children
}

// Split2 derives two child keys, the common case of "advance the state, hand
// out a fresh key": keep the first, give away the second.
func (k Key) Split2() (Key, Key) {
	return k.child(0), k.child(1)
}

// FoldIn derives a child key from k and the given data, e.g. an epoch number.
func (k Key) FoldIn(data uint64) Key {
	return k.child(0x9e3779b97f4a7c15 ^ data)
}

// Perm returns a deterministic pseudo-random permutation of [0, n).
func (k Key) Perm(n int) []int {
	return k.rand().Perm(n)
}

// Float64 returns a deterministic pseudo-random value in [0, 1).
func (k Key) Float64() float64 {
	return k.rand().Float64()
}

// Normal returns a deterministic pseudo-random value from the standard normal
// distribution. Handy for test fixtures and toy parameter initialization.
func (k Key) Normal() float64 {
	return k.rand().NormFloat64()
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("Key(%016x%016x)", k.hi, k.lo)
}

func (k Key) child(index uint64) Key {
	return Key{
		hi: mix64(k.hi ^ mix64(k.lo+index)),
		lo: mix64(k.lo ^ mix64(index*0x2545f4914f6cdd1d+1)),
	}
}

func (k Key) rand() *rand.Rand {
	return rand.New(rand.NewSource(int64(k.hi ^ mix64(k.lo))))
}

// mix64 is the SplitMix64 finalizer, a cheap bijective mixer with good
// avalanche behavior.
func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

package random_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texora/redco/pkg/ml/random"
)

func TestDeterminism(t *testing.T) {
	a := random.NewKey(42)
	b := random.NewKey(42)
	assert.Equal(t, a, b)
	assert.Equal(t, a.Perm(10), b.Perm(10))
	assert.Equal(t, a.Float64(), b.Float64())

	c := random.NewKey(43)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a.Perm(100), c.Perm(100))
}

func TestSplit(t *testing.T) {
	root := random.NewKey(7)

	children := root.Split(4)
	require.Len(t, children, 4)
	seen := map[random.Key]bool{root: true}
	for _, child := range children {
		assert.False(t, seen[child], "keys must be pairwise distinct")
		seen[child] = true
	}

	// Splitting is pure: same parent, same children.
	again := root.Split(4)
	assert.Equal(t, children, again)

	first, second := root.Split2()
	assert.Equal(t, children[0], first)
	assert.Equal(t, children[1], second)
}

func TestFoldIn(t *testing.T) {
	root := random.NewKey(7)
	assert.Equal(t, root.FoldIn(3), root.FoldIn(3))
	assert.NotEqual(t, root.FoldIn(3), root.FoldIn(4))
	assert.NotEqual(t, root.FoldIn(0), root)
}

func TestPermIsAPermutation(t *testing.T) {
	perm := random.NewKey(1).Perm(100)
	require.Len(t, perm, 100)
	seen := make([]bool, 100)
	for _, p := range perm {
		require.False(t, seen[p])
		seen[p] = true
	}
}

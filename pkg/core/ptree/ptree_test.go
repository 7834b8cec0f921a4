package ptree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texora/redco/pkg/core/ptree"
)

func newParams() *ptree.Tree[float64] {
	t := ptree.Branch[float64]()
	t.Set("dense/kernel", 1.0)
	t.Set("dense/bias", 2.0)
	t.Set("head/kernel", 3.0)
	return t
}

func TestSetGet(t *testing.T) {
	tree := newParams()
	assert.Equal(t, 3, tree.NumLeaves())

	v, found := tree.Get("dense/bias")
	require.True(t, found)
	assert.Equal(t, 2.0, v)

	_, found = tree.Get("dense/missing")
	assert.False(t, found)
	_, found = tree.Get("dense")
	assert.False(t, found, "a branch is not a leaf")

	tree.Set("dense/bias", 20.0)
	v, _ = tree.Get("dense/bias")
	assert.Equal(t, 20.0, v)
}

func TestEnumerateIsSorted(t *testing.T) {
	tree := newParams()
	var paths []string
	tree.Enumerate(func(path string, _ float64) {
		paths = append(paths, path)
	})
	assert.Equal(t, []string{"dense/bias", "dense/kernel", "head/kernel"}, paths)

	// Flatten follows the same deterministic order.
	flatPaths, values := tree.Flatten()
	assert.Equal(t, paths, flatPaths)
	assert.Equal(t, []float64{2, 1, 3}, values)
}

func TestMap(t *testing.T) {
	tree := newParams()
	doubled := ptree.Map(tree, func(path string, v float64) float64 { return 2 * v })

	v, _ := doubled.Get("head/kernel")
	assert.Equal(t, 6.0, v)
	v, _ = tree.Get("head/kernel")
	assert.Equal(t, 3.0, v, "Map must not mutate the input")
	assert.True(t, ptree.SameTopology(tree, doubled))
}

func TestCombine(t *testing.T) {
	a := newParams()
	b := ptree.Map(a, func(path string, v float64) float64 { return 10 * v })

	sum, err := ptree.Combine(a, b, func(path string, x, y float64) (float64, error) {
		return x + y, nil
	})
	require.NoError(t, err)
	v, _ := sum.Get("dense/kernel")
	assert.Equal(t, 11.0, v)

	// Topology mismatch is an error, not a panic.
	c := ptree.Branch[float64]()
	c.Set("dense/kernel", 1.0)
	_, err = ptree.Combine(a, c, func(path string, x, y float64) (float64, error) {
		return x + y, nil
	})
	assert.Error(t, err)
	assert.False(t, ptree.SameTopology(a, c))
}

func TestLeafTree(t *testing.T) {
	leaf := ptree.Leaf(7.0)
	assert.True(t, leaf.IsLeaf())
	assert.Equal(t, 7.0, leaf.Value())
	assert.Equal(t, 1, leaf.NumLeaves())

	var paths []string
	leaf.Enumerate(func(path string, _ float64) { paths = append(paths, path) })
	assert.Equal(t, []string{""}, paths)
}

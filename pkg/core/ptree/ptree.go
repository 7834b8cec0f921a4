// Package ptree implements generic trees of named leaves, used to hold model
// parameters, gradients, optimizer slots and partition specs with one shared
// topology.
//
// Paths are "/"-separated hierarchical names, e.g. "encoder/attention/query/kernel".
// All enumeration is in sorted path order, so any two trees with the same
// topology are walked in the same deterministic order.
package ptree

import (
	"fmt"
	"sort"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// PathSeparator separates the levels of a tree path.
const PathSeparator = "/"

// Tree is either a leaf holding a value of type T, or a branch with named
// children. The zero value is an empty branch.
type Tree[T any] struct {
	value    T
	isLeaf   bool
	children map[string]*Tree[T]
}

// Leaf creates a leaf node holding value.
func Leaf[T any](value T) *Tree[T] {
	return &Tree[T]{value: value, isLeaf: true}
}

// Branch creates an empty branch node.
func Branch[T any]() *Tree[T] {
	return &Tree[T]{children: make(map[string]*Tree[T])}
}

// IsLeaf reports whether the node is a leaf.
func (t *Tree[T]) IsLeaf() bool { return t.isLeaf }

// Value returns the leaf value. It panics on branches: that is a programming error.
func (t *Tree[T]) Value() T {
	if !t.isLeaf {
		Panicf("ptree: Value() called on a branch node")
	}
	return t.value
}

// Set inserts (or replaces) the leaf at the given path, creating intermediate
// branches as needed. It panics if the path crosses an existing leaf.
func (t *Tree[T]) Set(path string, value T) *Tree[T] {
	if t.isLeaf {
		Panicf("ptree: Set(%q) called on a leaf node", path)
	}
	parts := strings.Split(path, PathSeparator)
	node := t
	for _, part := range parts[:len(parts)-1] {
		child, found := node.children[part]
		if !found {
			child = Branch[T]()
			node.children[part] = child
		} else if child.isLeaf {
			Panicf("ptree: Set(%q) crosses existing leaf %q", path, part)
		}
		node = child
	}
	node.children[parts[len(parts)-1]] = Leaf(value)
	return t
}

// Get returns the leaf value at the given path.
func (t *Tree[T]) Get(path string) (value T, found bool) {
	node := t
	for _, part := range strings.Split(path, PathSeparator) {
		if node.isLeaf {
			return value, false
		}
		child, ok := node.children[part]
		if !ok {
			return value, false
		}
		node = child
	}
	if !node.isLeaf {
		return value, false
	}
	return node.value, true
}

// NumLeaves returns the number of leaves in the tree.
func (t *Tree[T]) NumLeaves() int {
	if t.isLeaf {
		return 1
	}
	count := 0
	for _, child := range t.children {
		count += child.NumLeaves()
	}
	return count
}

// sortedChildNames returns the children names in sorted order.
func (t *Tree[T]) sortedChildNames() []string {
	names := make([]string, 0, len(t.children))
	for name := range t.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enumerate calls fn for every leaf, in sorted path order.
func (t *Tree[T]) Enumerate(fn func(path string, value T)) {
	t.enumerate("", fn)
}

func (t *Tree[T]) enumerate(prefix string, fn func(path string, value T)) {
	if t.isLeaf {
		fn(prefix, t.value)
		return
	}
	for _, name := range t.sortedChildNames() {
		childPath := name
		if prefix != "" {
			childPath = prefix + PathSeparator + name
		}
		t.children[name].enumerate(childPath, fn)
	}
}

// Flatten returns the leaves as (path, value) pairs in sorted path order.
func (t *Tree[T]) Flatten() (paths []string, values []T) {
	n := t.NumLeaves()
	paths = make([]string, 0, n)
	values = make([]T, 0, n)
	t.Enumerate(func(path string, value T) {
		paths = append(paths, path)
		values = append(values, value)
	})
	return
}

// Map returns a new tree with the same topology, with every leaf transformed
// by fn. The path of each leaf is passed along.
func Map[A, B any](t *Tree[A], fn func(path string, value A) B) *Tree[B] {
	return mapTree(t, "", fn)
}

func mapTree[A, B any](t *Tree[A], prefix string, fn func(path string, value A) B) *Tree[B] {
	if t.isLeaf {
		return Leaf(fn(prefix, t.value))
	}
	out := Branch[B]()
	for name, child := range t.children {
		childPath := name
		if prefix != "" {
			childPath = prefix + PathSeparator + name
		}
		out.children[name] = mapTree(child, childPath, fn)
	}
	return out
}

// Combine zips two trees with identical topology into a new one, leaf by leaf.
// It returns an error if the topologies differ.
func Combine[A, B, C any](a *Tree[A], b *Tree[B], fn func(path string, a A, b B) (C, error)) (*Tree[C], error) {
	return combine(a, b, "", fn)
}

func combine[A, B, C any](a *Tree[A], b *Tree[B], prefix string, fn func(path string, a A, b B) (C, error)) (*Tree[C], error) {
	if a.isLeaf != b.isLeaf {
		return nil, errors.Errorf("ptree.Combine: trees differ at %q: leaf vs branch", displayPath(prefix))
	}
	if a.isLeaf {
		value, err := fn(prefix, a.value, b.value)
		if err != nil {
			return nil, errors.WithMessagef(err, "ptree.Combine at %q", displayPath(prefix))
		}
		return Leaf(value), nil
	}
	if len(a.children) != len(b.children) {
		return nil, errors.Errorf("ptree.Combine: trees differ at %q: %d vs %d children",
			displayPath(prefix), len(a.children), len(b.children))
	}
	out := Branch[C]()
	for name, childA := range a.children {
		childB, found := b.children[name]
		if !found {
			return nil, errors.Errorf("ptree.Combine: child %q missing at %q", name, displayPath(prefix))
		}
		childPath := name
		if prefix != "" {
			childPath = prefix + PathSeparator + name
		}
		combined, err := combine(childA, childB, childPath, fn)
		if err != nil {
			return nil, err
		}
		out.children[name] = combined
	}
	return out, nil
}

// SameTopology reports whether two trees have identical structure and leaf paths.
func SameTopology[A, B any](a *Tree[A], b *Tree[B]) bool {
	if a.isLeaf != b.isLeaf {
		return false
	}
	if a.isLeaf {
		return true
	}
	if len(a.children) != len(b.children) {
		return false
	}
	for name, childA := range a.children {
		childB, found := b.children[name]
		if !found || !SameTopology(childA, childB) {
			return false
		}
	}
	return true
}

// String renders the tree as a compact single-line representation, leaves in
// sorted path order.
func (t *Tree[T]) String() string {
	var sb strings.Builder
	sb.WriteString("Tree{")
	first := true
	t.Enumerate(func(path string, value T) {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		_, _ = fmt.Fprintf(&sb, "%s: %v", path, value)
	})
	sb.WriteString("}")
	return sb.String()
}

func displayPath(prefix string) string {
	if prefix == "" {
		return PathSeparator
	}
	return prefix
}

// Package tensor implements the dense float64 tensors exchanged between the
// orchestration layer and the numerical-computing substrate.
//
// It is intentionally minimal: shapes, views and the handful of elementwise
// operations that optimizers and cross-replica reductions need. It is not a
// compute framework -- model forward/backward passes belong to the substrate.
package tensor

import (
	"fmt"
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense float64 value with a shape.
//
// Tensors are treated as immutable by the training stack: operations return new
// tensors. The only exceptions are the *InPlace methods, used by owners of
// freshly created (not yet shared) tensors.
type Tensor struct {
	shape []int
	data  []float64
}

// New creates a zero-initialized tensor with the given dimensions.
// A call without dimensions creates a scalar.
//
// It panics on non-positive dimensions: those are programming errors.
func New(dims ...int) *Tensor {
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			Panicf("tensor.New: dimensions must be positive, got %v", dims)
		}
		size *= dim
	}
	return &Tensor{shape: slices.Clone(dims), data: make([]float64, size)}
}

// FromFlat creates a tensor that takes ownership of the given flat data,
// interpreted with the given dimensions.
func FromFlat(data []float64, dims ...int) *Tensor {
	t := &Tensor{shape: slices.Clone(dims), data: data}
	if len(data) != t.Size() {
		Panicf("tensor.FromFlat: data has %d elements, shape %v requires %d",
			len(data), dims, t.Size())
	}
	return t
}

// FromScalar creates a rank-0 tensor holding the given value.
func FromScalar(value float64) *Tensor {
	return &Tensor{data: []float64{value}}
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of the given axis.
func (t *Tensor) Dim(axis int) int { return t.shape[axis] }

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.shape {
		size *= dim
	}
	return size
}

// Data returns the underlying flat data, in row-major order.
// Mutating it mutates the tensor -- callers of the training API must not.
func (t *Tensor) Data() []float64 { return t.data }

// Scalar returns the value of a rank-0 (or single-element) tensor.
func (t *Tensor) Scalar() float64 {
	if len(t.data) != 1 {
		Panicf("tensor.Scalar: tensor has shape %v, not a scalar", t.shape)
	}
	return t.data[0]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// ZerosLike returns a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: make([]float64, len(t.data))}
}

// EqualShape reports whether two tensors have identical shapes.
func (t *Tensor) EqualShape(other *Tensor) bool {
	return slices.Equal(t.shape, other.shape)
}

// Reshape returns a view of t with the new dimensions. The total size must be
// preserved. The returned tensor shares data with t.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	reshaped := &Tensor{shape: slices.Clone(dims), data: t.data}
	if reshaped.Size() != t.Size() {
		Panicf("tensor.Reshape: cannot reshape %v (%d elements) to %v (%d elements)",
			t.shape, t.Size(), dims, reshaped.Size())
	}
	return reshaped
}

// Split partitions t into n equal contiguous parts along axis 0 and returns
// them as views sharing data with t. The leading dimension must be divisible
// by n.
func (t *Tensor) Split(n int) ([]*Tensor, error) {
	if t.Rank() == 0 {
		return nil, fmt.Errorf("tensor.Split: cannot split a scalar into %d parts", n)
	}
	if n <= 0 || t.shape[0]%n != 0 {
		return nil, fmt.Errorf("tensor.Split: leading dimension %d not divisible into %d parts", t.shape[0], n)
	}
	partShape := slices.Clone(t.shape)
	partShape[0] = t.shape[0] / n
	partSize := t.Size() / n
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = &Tensor{shape: slices.Clone(partShape), data: t.data[i*partSize : (i+1)*partSize]}
	}
	return parts, nil
}

// Concat concatenates tensors along axis 0. All parts must share the same
// trailing dimensions.
func Concat(parts []*Tensor) *Tensor {
	if len(parts) == 0 {
		Panicf("tensor.Concat: no parts given")
	}
	leading := 0
	for _, part := range parts {
		if part.Rank() == 0 || !slices.Equal(part.shape[1:], parts[0].shape[1:]) {
			Panicf("tensor.Concat: parts have incompatible shapes %v and %v",
				parts[0].shape, part.shape)
		}
		leading += part.shape[0]
	}
	shape := slices.Clone(parts[0].shape)
	shape[0] = leading
	data := make([]float64, 0, leading*parts[0].Size()/parts[0].shape[0])
	for _, part := range parts {
		data = append(data, part.data...)
	}
	return &Tensor{shape: shape, data: data}
}

// Add returns a + b.
func Add(a, b *Tensor) *Tensor {
	c := mustSameShape("Add", a, b)
	floats.AddTo(c.data, a.data, b.data)
	return c
}

// Sub returns a - b.
func Sub(a, b *Tensor) *Tensor {
	c := mustSameShape("Sub", a, b)
	floats.SubTo(c.data, a.data, b.data)
	return c
}

// Mul returns the elementwise (Hadamard) product a * b.
func Mul(a, b *Tensor) *Tensor {
	c := mustSameShape("Mul", a, b)
	floats.MulTo(c.data, a.data, b.data)
	return c
}

// Scale returns alpha * t.
func Scale(alpha float64, t *Tensor) *Tensor {
	c := t.Clone()
	floats.Scale(alpha, c.data)
	return c
}

// AddScaledInPlace computes t += alpha*other in place. See the immutability
// note on Tensor: only owners of unshared tensors may use it.
func (t *Tensor) AddScaledInPlace(alpha float64, other *Tensor) {
	if !t.EqualShape(other) {
		Panicf("tensor.AddScaledInPlace: shapes %v and %v differ", t.shape, other.shape)
	}
	floats.AddScaled(t.data, alpha, other.data)
}

// ScaleInPlace computes t *= alpha in place.
func (t *Tensor) ScaleInPlace(alpha float64) {
	floats.Scale(alpha, t.data)
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.data)
}

// Mean returns the mean of all elements.
func (t *Tensor) Mean() float64 {
	return floats.Sum(t.data) / float64(len(t.data))
}

// String implements fmt.Stringer with a shape-and-preview representation.
func (t *Tensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%v", t.shape)
	const maxPreview = 8
	if len(t.data) <= maxPreview {
		_, _ = fmt.Fprintf(&sb, "%v", t.data)
	} else {
		_, _ = fmt.Fprintf(&sb, "%v...", t.data[:maxPreview])
	}
	return sb.String()
}

func mustSameShape(op string, a, b *Tensor) *Tensor {
	if !a.EqualShape(b) {
		Panicf("tensor.%s: shapes %v and %v differ", op, a.shape, b.shape)
	}
	return &Tensor{shape: slices.Clone(a.shape), data: make([]float64, len(a.data))}
}

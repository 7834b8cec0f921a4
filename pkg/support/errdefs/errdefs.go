// Package errdefs defines the error categories shared across the redco packages.
//
// They are sentinel errors meant to be wrapped (github.com/pkg/errors) with
// context on the way up, and checked with errors.Is at the boundary that cares
// about the category.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration indicates an invalid user-provided configuration: a device
	// count not divisible by the requested shard count, a non-positive batch
	// size, an invalid gradient accumulation factor, etc.
	// It is fatal and surfaced immediately.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch indicates tensors whose shapes are incompatible with what
	// the execution plan expects: a collated batch field whose leading dimension
	// doesn't match the local batch size, or a batch that doesn't match the
	// signature a step program was compiled for.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Configurationf returns a new ErrConfiguration annotated with the given message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// ShapeMismatchf returns a new ErrShapeMismatch annotated with the given message.
func ShapeMismatchf(format string, args ...any) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

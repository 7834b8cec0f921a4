// Package optimizers implements the pure-functional optimizers used by the
// training stack.
//
// An optimizer never mutates parameters: Update takes gradients, the previous
// optimizer state and the previous parameters, and returns new parameters and
// a new state. Internal state (e.g. Adam moments) is kept in parameter trees
// with the same topology as the model parameters, so it shards by the same
// partition specs.
package optimizers

import (
	"github.com/pkg/errors"

	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
)

// Params is a tree of named parameter (or gradient) tensors.
type Params = ptree.Tree[*tensor.Tensor]

// Interface implemented by optimizer implementations.
type Interface interface {
	// Init creates the initial optimizer state for the given parameters.
	Init(params *Params) State

	// Update computes the updated parameters from the gradients of one step.
	// It must not mutate any of its inputs.
	Update(grads *Params, state State, params *Params) (newParams *Params, newState State, err error)
}

// State is the opaque internal state of an optimizer. Immutable: Update
// returns a new one.
type State interface {
	// NumUpdates returns how many parameter updates have been applied. Under
	// gradient accumulation this counts inner updates, not micro steps, and is
	// the step index learning-rate schedules are evaluated at.
	NumUpdates() int64

	// EnumerateSlots calls fn for every internal per-parameter tree (e.g. the
	// Adam moments), so placement transforms can replicate or shard them along
	// with the parameters.
	EnumerateSlots(fn func(name string, slots *Params))
}

// zipApply combines params-like trees leaf by leaf, wrapping topology errors.
func zipApply(what string, a, b *Params, fn func(a, b *tensor.Tensor) (*tensor.Tensor, error)) (*Params, error) {
	out, err := ptree.Combine(a, b, func(path string, ta, tb *tensor.Tensor) (*tensor.Tensor, error) {
		if !ta.EqualShape(tb) {
			return nil, errors.Errorf("shapes %v and %v differ", ta.Shape(), tb.Shape())
		}
		return fn(ta, tb)
	})
	if err != nil {
		return nil, errors.WithMessage(err, what)
	}
	return out, nil
}

// zerosLike returns a tree of zero tensors with the topology and shapes of params.
func zerosLike(params *Params) *Params {
	return ptree.Map(params, func(path string, t *tensor.Tensor) *tensor.Tensor {
		return tensor.ZerosLike(t)
	})
}

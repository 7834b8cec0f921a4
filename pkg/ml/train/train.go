// Package train implements the training-state container and the step
// functions of the training stack.
//
// The package performs no automatic differentiation: the substrate (or the
// caller, for analytic models) supplies gradients through a LossAndGradFn.
// Everything here is pure data plumbing: a State is immutable, and every
// transform returns a new one.
package train

import (
	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/ml/data"
	"github.com/texora/redco/pkg/ml/random"
)

// Params is a tree of named parameter tensors.
type Params = ptree.Tree[*tensor.Tensor]

// ApplyFn runs the model forward, producing predictions for a batch. The
// training loop itself never calls it; it is carried in the State for loss
// and predict functions that close over it.
type ApplyFn func(params *Params, batch data.Batch, rng random.Key) (data.Batch, error)

// LossFn computes the scalar loss of a batch. The contract is mean over
// unmasked elements, so losses are comparable across batch sizes.
type LossFn func(rng random.Key, params *Params, batch data.Batch, isTraining bool) (float64, error)

// LossAndGradFn computes the loss and its gradients with respect to params.
// The returned gradient tree must have the same topology and shapes as params.
type LossAndGradFn func(rng random.Key, params *Params, batch data.Batch) (loss float64, grads *Params, err error)

// Metrics are the per-step scalar metrics, e.g. loss, step and learning rate.
type Metrics map[string]float64

// MeanMetrics averages metrics across replicas, key by key. All replicas
// report the same keys; a per-replica map missing a key contributes 0.
func MeanMetrics(perReplica []Metrics) Metrics {
	if len(perReplica) == 0 {
		return Metrics{}
	}
	out := Metrics{}
	for _, m := range perReplica {
		for k, v := range m {
			out[k] += v
		}
	}
	inv := 1 / float64(len(perReplica))
	for k := range out {
		out[k] *= inv
	}
	return out
}

// MeanGrads averages gradient trees across replicas, leaf by leaf.
func MeanGrads(perReplica []*Params) (*Params, error) {
	sum := perReplica[0]
	for _, g := range perReplica[1:] {
		var err error
		sum, err = ptree.Combine(sum, g, func(path string, a, b *tensor.Tensor) (*tensor.Tensor, error) {
			return tensor.Add(a, b), nil
		})
		if err != nil {
			return nil, err
		}
	}
	inv := 1 / float64(len(perReplica))
	return ptree.Map(sum, func(path string, t *tensor.Tensor) *tensor.Tensor {
		return tensor.Scale(inv, t)
	}), nil
}

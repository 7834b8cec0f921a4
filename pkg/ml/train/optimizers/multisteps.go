package optimizers

import (
	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/support/errdefs"
)

// MultiSteps wraps an optimizer with gradient accumulation: gradients are
// averaged over every micro steps, and the inner optimizer is applied only on
// the every-th micro step. In between, parameters are returned unchanged.
//
// Training with MultiSteps(opt, k) and micro-batch size b is equivalent (up to
// floating point) to training with opt and batch size k*b on the same data
// order.
func MultiSteps(inner Interface, every int) (Interface, error) {
	if every < 1 {
		return nil, errdefs.Configurationf("gradient accumulation factor must be >= 1, got %d", every)
	}
	if every == 1 {
		return inner, nil
	}
	return &multiSteps{inner: inner, every: every}, nil
}

type multiSteps struct {
	inner Interface
	every int
}

// multiStepsState carries the inner state plus the gradient accumulator.
type multiStepsState struct {
	innerState State
	accum      *Params
	microStep  int
}

func (s *multiStepsState) NumUpdates() int64 { return s.innerState.NumUpdates() }

func (s *multiStepsState) EnumerateSlots(fn func(name string, slots *Params)) {
	s.innerState.EnumerateSlots(fn)
	fn("accumulated_gradients", s.accum)
}

// Init implements Interface.
func (o *multiSteps) Init(params *Params) State {
	return &multiStepsState{
		innerState: o.inner.Init(params),
		accum:      zerosLike(params),
	}
}

// Update implements Interface.
func (o *multiSteps) Update(grads *Params, state State, params *Params) (*Params, State, error) {
	prev, ok := state.(*multiStepsState)
	if !ok {
		return nil, nil, errdefs.Configurationf("MultiSteps.Update got a state of type %T, created by a different optimizer", state)
	}

	accum, err := zipApply("accumulating gradients", prev.accum, grads,
		func(acc, g *tensor.Tensor) (*tensor.Tensor, error) {
			return tensor.Add(acc, g), nil
		})
	if err != nil {
		return nil, nil, err
	}

	microStep := prev.microStep + 1
	if microStep < o.every {
		// Defer the update: parameters pass through untouched.
		return params, &multiStepsState{innerState: prev.innerState, accum: accum, microStep: microStep}, nil
	}

	meanGrads := ptree.Map(accum, func(path string, acc *tensor.Tensor) *tensor.Tensor {
		return tensor.Scale(1/float64(o.every), acc)
	})
	newParams, innerState, err := o.inner.Update(meanGrads, prev.innerState, params)
	if err != nil {
		return nil, nil, err
	}
	return newParams, &multiStepsState{innerState: innerState, accum: zerosLike(params)}, nil
}

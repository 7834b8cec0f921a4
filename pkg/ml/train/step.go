package train

import (
	"github.com/texora/redco/pkg/ml/data"
)

// Metric keys reported by TrainStep.
const (
	MetricLoss = "loss"
	MetricStep = "step"
	MetricLR   = "lr"
)

// TrainStep runs one training step on a single logical device: compute loss
// and gradients, apply the optimizer update, return the next state and the
// step metrics. Replicated execution does not use this entry point; the
// replicated runner averages gradients across replicas before the one
// ApplyGradients call.
func TrainStep(state *State, batch data.Batch, lossAndGrad LossAndGradFn) (*State, Metrics, error) {
	loss, grads, err := lossAndGrad(state.DropoutRNG(), state.Params(), batch)
	if err != nil {
		return nil, nil, err
	}
	next, err := state.ApplyGradients(grads)
	if err != nil {
		return nil, nil, err
	}
	return next, stepMetrics(state, loss), nil
}

// EvalStep computes the loss of one batch without touching the state.
func EvalStep(state *State, batch data.Batch, lossFn LossFn) (Metrics, error) {
	loss, err := lossFn(state.DropoutRNG(), state.Params(), batch, false)
	if err != nil {
		return nil, err
	}
	return Metrics{MetricLoss: loss}, nil
}

// stepMetrics builds the metrics of the step that was just applied on state.
func stepMetrics(state *State, loss float64) Metrics {
	m := Metrics{
		MetricLoss: loss,
		MetricStep: float64(state.Step()),
	}
	if lr, ok := state.LearningRate(); ok {
		m[MetricLR] = lr
	}
	return m
}

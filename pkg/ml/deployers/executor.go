package deployers

import (
	"sync"

	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/ml/data"
	"github.com/texora/redco/pkg/ml/train"
	"github.com/texora/redco/pkg/support/errdefs"
)

// StepRunner executes train and eval steps for the execution mode the
// deployer planned. Callers hold one entry point per step kind and never
// branch on the mode themselves.
type StepRunner interface {
	// RunTrainStep executes one training step on a batch produced by the
	// deployer's batch iterator and returns the next state plus the step
	// metrics (cross-replica means where applicable).
	RunTrainStep(state *train.State, batch data.Batch) (*train.State, train.Metrics, error)

	// RunEvalStep computes the loss metrics of one batch without updating the
	// state.
	RunEvalStep(state *train.State, batch data.Batch) (train.Metrics, error)
}

// NewStepRunner builds the runner matching the deployer's mode. lossFn is
// used for evaluation, lossAndGrad for training.
func (d *Deployer) NewStepRunner(lossFn train.LossFn, lossAndGrad train.LossAndGradFn) (StepRunner, error) {
	if d.mesh == nil {
		return &replicatedRunner{
			numReplicas: d.backend.NumDevices(),
			lossFn:      lossFn,
			lossAndGrad: lossAndGrad,
		}, nil
	}
	dpGroups, err := d.mesh.ComputeReplicaGroups([]string{distributed.DataParallelAxis})
	if err != nil {
		return nil, err
	}
	return &meshRunner{
		mesh:         d.mesh,
		dpGroups:     dpGroups,
		numProcesses: d.backend.NumProcesses(),
		lossFn:       lossFn,
		lossAndGrad:  lossAndGrad,
	}, nil
}

// replicatedRunner executes steps in pure data-parallel mode: the batch
// arrives device-sharded as (devices, perDevice, ...), each replica computes
// loss and gradients over its slice concurrently, and gradients and metrics
// are averaged across replicas before the single optimizer update. The
// averaging is what keeps all replicas' (logically separate) parameter copies
// identical, so the state carries the parameters once.
type replicatedRunner struct {
	numReplicas int
	lossFn      train.LossFn
	lossAndGrad train.LossAndGradFn
}

func (r *replicatedRunner) RunTrainStep(state *train.State, batch data.Batch) (*train.State, train.Metrics, error) {
	if state.Placement().Kind() == train.Sharded {
		return nil, nil, errdefs.Configurationf("replicated execution got a sharded state")
	}
	perReplica, grads, err := r.mapReplicas(state, batch, true)
	if err != nil {
		return nil, nil, err
	}
	meanGrads, err := train.MeanGrads(grads)
	if err != nil {
		return nil, nil, err
	}
	next, err := state.ApplyGradients(meanGrads)
	if err != nil {
		return nil, nil, err
	}
	metrics := train.MeanMetrics(perReplica)
	metrics[train.MetricStep] = float64(state.Step())
	if lr, ok := state.LearningRate(); ok {
		metrics[train.MetricLR] = lr
	}
	return next, metrics, nil
}

func (r *replicatedRunner) RunEvalStep(state *train.State, batch data.Batch) (train.Metrics, error) {
	if state.Placement().Kind() == train.Sharded {
		return nil, errdefs.Configurationf("replicated execution got a sharded state")
	}
	perReplica, _, err := r.mapReplicas(state, batch, false)
	if err != nil {
		return nil, err
	}
	return train.MeanMetrics(perReplica), nil
}

// mapReplicas splits the device-sharded batch and runs one goroutine per
// replica, returning the per-replica step metrics. Each replica gets the step
// RNG folded with its index, matching how per-device dropout keys are derived
// everywhere else.
func (r *replicatedRunner) mapReplicas(state *train.State, batch data.Batch, withGrads bool) ([]train.Metrics, []*train.Params, error) {
	replicas, err := splitBatch(batch, r.numReplicas)
	if err != nil {
		return nil, nil, err
	}
	perReplica := make([]train.Metrics, r.numReplicas)
	grads := make([]*train.Params, r.numReplicas)
	errs := make([]error, r.numReplicas)
	var wg sync.WaitGroup
	for i := range replicas {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rng := state.DropoutRNG().FoldIn(uint64(i))
			var loss float64
			if withGrads {
				loss, grads[i], errs[i] = r.lossAndGrad(rng, state.Params(), replicas[i])
			} else {
				loss, errs[i] = r.lossFn(rng, state.Params(), replicas[i], false)
			}
			perReplica[i] = train.Metrics{train.MetricLoss: loss}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	return perReplica, grads, nil
}

// meshRunner executes steps in model-sharded mode: the state is physically
// sharded over the mesh and the step is one logical call over the whole local
// batch. Intra-step collectives are the substrate's business, behind the loss
// functions; the runner derives the data-parallel groups the gradient-mean
// collective runs in and validates states and batches against them.
type meshRunner struct {
	mesh         *distributed.DeviceMesh
	dpGroups     [][]int
	numProcesses int
	lossFn       train.LossFn
	lossAndGrad  train.LossAndGradFn
}

func (r *meshRunner) RunTrainStep(state *train.State, batch data.Batch) (*train.State, train.Metrics, error) {
	if err := r.checkPlacement(state); err != nil {
		return nil, nil, err
	}
	if err := r.checkBatch(batch); err != nil {
		return nil, nil, err
	}
	return train.TrainStep(state, batch, r.lossAndGrad)
}

func (r *meshRunner) RunEvalStep(state *train.State, batch data.Batch) (train.Metrics, error) {
	if err := r.checkPlacement(state); err != nil {
		return nil, err
	}
	if err := r.checkBatch(batch); err != nil {
		return nil, err
	}
	return train.EvalStep(state, batch, r.lossFn)
}

func (r *meshRunner) checkPlacement(state *train.State) error {
	placement := state.Placement()
	if placement.Kind() != train.Sharded {
		return errdefs.Configurationf("mesh execution needs a sharded state, got %s", placement.Kind())
	}
	if placement.Mesh() != r.mesh {
		return errdefs.Configurationf("state is sharded over a different mesh (%s) than the runner's (%s)",
			placement.Mesh(), r.mesh)
	}
	return nil
}

// checkBatch validates the local batch against the mesh: all fields carry the
// same leading batch dimension, and the global batch must tile the
// data-parallel groups whole.
func (r *meshRunner) checkBatch(batch data.Batch) error {
	leading := -1
	for name, t := range batch {
		if t.Rank() < 1 {
			return errdefs.ShapeMismatchf("field %q is a scalar, want a leading batch dimension", name)
		}
		if leading >= 0 && t.Dim(0) != leading {
			return errdefs.ShapeMismatchf(
				"field %q has leading dimension %d, another field has %d", name, t.Dim(0), leading)
		}
		leading = t.Dim(0)
	}
	dpWidth := len(r.dpGroups[0])
	if leading > 0 && (leading*r.numProcesses)%dpWidth != 0 {
		return errdefs.ShapeMismatchf(
			"global batch size %d does not divide over the %d data-parallel groups of width %d",
			leading*r.numProcesses, len(r.dpGroups), dpWidth)
	}
	return nil
}

// splitBatch turns a device-sharded batch of shape (devices, perDevice, ...)
// into per-replica batches of shape (perDevice, ...). The returned batches
// are views into the input.
func splitBatch(batch data.Batch, numReplicas int) ([]data.Batch, error) {
	replicas := make([]data.Batch, numReplicas)
	for i := range replicas {
		replicas[i] = make(data.Batch, len(batch))
	}
	for name, t := range batch {
		if t.Rank() < 2 || t.Dim(0) != numReplicas {
			return nil, errdefs.ShapeMismatchf(
				"field %q has shape %v, want a leading device dimension of %d", name, t.Shape(), numReplicas)
		}
		parts, err := t.Split(numReplicas)
		if err != nil {
			return nil, err
		}
		for i, part := range parts {
			replicas[i][name] = part.Reshape(part.Shape()[1:]...)
		}
	}
	return replicas, nil
}

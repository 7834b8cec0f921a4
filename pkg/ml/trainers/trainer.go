// Package trainers implements the epoch-level training loop on top of the
// deployers package.
//
// A Trainer owns a training State and drives it through passes over the data:
// Train runs one pass of train steps, EvalLoss one pass of eval steps, Predict
// one pass of forward calls, and Fit composes them into the usual
// train/evaluate-per-epoch loop with per-epoch result files.
package trainers

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/ml/data"
	"github.com/texora/redco/pkg/ml/deployers"
	"github.com/texora/redco/pkg/ml/random"
	"github.com/texora/redco/pkg/ml/train"
	"github.com/texora/redco/pkg/ml/train/optimizers"
	"github.com/texora/redco/pkg/support/errdefs"
)

// Options configures a Trainer. Apply, Params, Optimizer, LossFn,
// LossAndGradFn and CollateFn are required.
type Options[T any] struct {
	// Apply is the model forward function, carried in the training state.
	Apply train.ApplyFn

	// Params is the initial parameter tree.
	Params *train.Params

	// Optimizer updates the parameters; see the optimizers package builders.
	Optimizer optimizers.Interface

	// LossFn evaluates the loss of a batch (used by eval steps).
	LossFn train.LossFn

	// LossAndGradFn evaluates loss and gradients (used by train steps).
	LossAndGradFn train.LossAndGradFn

	// CollateFn turns a chunk of examples into a batch of named tensors.
	CollateFn data.CollateFn[T]

	// LRSchedule, when set, is reported as the "lr" metric of each train step.
	// It must be the schedule the optimizer was built with.
	LRSchedule optimizers.Schedule

	// ShardRules override the partition-spec rules under model sharding. Nil
	// means distributed.DefaultShardRules.
	ShardRules []distributed.ShardRule
}

// Trainer drives a training state through epochs of train and eval passes.
// It is generic over the raw example type; batching and collation happen
// lazily inside each pass.
//
// Step programs compile lazily: the first batch of a pass fixes the batch
// signature, and every later batch must match it or the pass fails with
// ErrShapeMismatch.
type Trainer[T any] struct {
	deployer *deployers.Deployer
	opts     Options[T]
	runner   deployers.StepRunner
	state    *train.State

	trainSig data.Signature
	evalSig  data.Signature
}

// New creates a Trainer. The training state is placed immediately per the
// deployer's plan (replicated or sharded).
func New[T any](deployer *deployers.Deployer, opts Options[T]) (*Trainer[T], error) {
	switch {
	case opts.Params == nil:
		return nil, errdefs.Configurationf("trainer needs initial parameters")
	case opts.Optimizer == nil:
		return nil, errdefs.Configurationf("trainer needs an optimizer")
	case opts.LossFn == nil || opts.LossAndGradFn == nil:
		return nil, errdefs.Configurationf("trainer needs both a loss and a loss-and-gradients function")
	case opts.CollateFn == nil:
		return nil, errdefs.Configurationf("trainer needs a collate function")
	}
	state, err := train.NewState(opts.Apply, opts.Params, opts.Optimizer, deployer.GenRNG(), opts.LRSchedule)
	if err != nil {
		return nil, err
	}
	state, err = deployer.ShardParamsAndOptState(state, opts.ShardRules)
	if err != nil {
		return nil, err
	}
	runner, err := deployer.NewStepRunner(opts.LossFn, opts.LossAndGradFn)
	if err != nil {
		return nil, err
	}
	registerExampleType[T]()
	return &Trainer[T]{
		deployer: deployer,
		opts:     opts,
		runner:   runner,
		state:    state,
	}, nil
}

// State returns the current training state.
func (t *Trainer[T]) State() *train.State { return t.state }

// Params returns the current parameters.
func (t *Trainer[T]) Params() *train.Params { return t.state.Params() }

// Step returns the number of train steps applied so far.
func (t *Trainer[T]) Step() int64 { return t.state.Step() }

// Train runs one shuffled pass of train steps over the examples and returns
// the mean train loss of the pass.
func (t *Trainer[T]) Train(examples []T, perDeviceBatchSize int, desc string) (float64, error) {
	local, global, err := t.deployer.ProcessBatchSize(perDeviceBatchSize)
	if err != nil {
		return 0, err
	}
	hostExamples, err := deployers.HostExamples(t.deployer, examples, global, true, t.deployer.GenRNG())
	if err != nil {
		return 0, err
	}
	batches := deployers.NewBatches(t.deployer, hostExamples, local, t.opts.CollateFn, desc)
	defer batches.Close()

	var losses []float64
	for batches.Next() {
		batch := batches.Batch()
		if err := t.checkSignature(&t.trainSig, "train", batch); err != nil {
			return 0, err
		}
		state, metrics, err := t.runner.RunTrainStep(t.state, batch)
		if err != nil {
			return 0, err
		}
		t.state = state
		losses = append(losses, metrics[train.MetricLoss])
		batches.SetPostfix(metrics)
	}
	if err := batches.Err(); err != nil {
		return 0, err
	}
	if len(losses) == 0 {
		return 0, nil
	}
	return stat.Mean(losses, nil), nil
}

// EvalLoss runs one unshuffled pass of eval steps and returns the mean loss.
func (t *Trainer[T]) EvalLoss(examples []T, perDeviceBatchSize int, desc string) (float64, error) {
	local, global, err := t.deployer.ProcessBatchSize(perDeviceBatchSize)
	if err != nil {
		return 0, err
	}
	hostExamples, err := deployers.HostExamples(t.deployer, examples, global, false, random.Key{})
	if err != nil {
		return 0, err
	}
	batches := deployers.NewBatches(t.deployer, hostExamples, local, t.opts.CollateFn, desc)
	defer batches.Close()

	var losses []float64
	for batches.Next() {
		batch := batches.Batch()
		if err := t.checkSignature(&t.evalSig, "eval", batch); err != nil {
			return 0, err
		}
		metrics, err := t.runner.RunEvalStep(t.state, batch)
		if err != nil {
			return 0, err
		}
		losses = append(losses, metrics[train.MetricLoss])
		batches.SetPostfix(metrics)
	}
	if err := batches.Err(); err != nil {
		return 0, err
	}
	if len(losses) == 0 {
		return 0, nil
	}
	return stat.Mean(losses, nil), nil
}

// Predictor produces raw model predictions for one collated batch. The fields
// of the returned batch keep the layout of the input batch (device-sharded
// under replication).
type Predictor[T any] interface {
	PredictBatch(rng random.Key, params *train.Params, batch data.Batch) (data.Batch, error)
}

// Predict runs one unshuffled forward pass over the examples and returns the
// predictions as a batch whose leading dimension is len(examples); wrap-around
// padding added for whole batches is cut off.
func (t *Trainer[T]) Predict(predictor Predictor[T], examples []T, perDeviceBatchSize int, desc string) (data.Batch, error) {
	local, global, err := t.deployer.ProcessBatchSize(perDeviceBatchSize)
	if err != nil {
		return nil, err
	}
	hostExamples, err := deployers.HostExamples(t.deployer, examples, global, false, random.Key{})
	if err != nil {
		return nil, err
	}
	batches := deployers.NewBatches(t.deployer, hostExamples, local, t.opts.CollateFn, desc)
	defer batches.Close()

	perField := map[string][]*tensor.Tensor{}
	for batches.Next() {
		preds, err := predictor.PredictBatch(t.deployer.GenRNG(), t.state.Params(), batches.Batch())
		if err != nil {
			return nil, err
		}
		preds, err = t.deployer.ProcessBatchPreds(preds)
		if err != nil {
			return nil, err
		}
		for name, p := range preds {
			perField[name] = append(perField[name], p)
		}
	}
	if err := batches.Err(); err != nil {
		return nil, err
	}

	out := make(data.Batch, len(perField))
	for name, parts := range perField {
		merged := tensor.Concat(parts)
		if merged.Dim(0) < len(examples) {
			return nil, errdefs.ShapeMismatchf(
				"prediction field %q covers %d examples, want %d", name, merged.Dim(0), len(examples))
		}
		rowSize := merged.Size() / merged.Dim(0)
		dims := append([]int{len(examples)}, merged.Shape()[1:]...)
		out[name] = tensor.FromFlat(merged.Data()[:len(examples)*rowSize], dims...)
	}
	return out, nil
}

func (t *Trainer[T]) checkSignature(compiled *data.Signature, kind string, batch data.Batch) error {
	sig := data.SignatureOf(batch)
	if *compiled == nil {
		*compiled = sig
		klog.V(1).Infof("compiled %s step for batch signature %v", kind, sig)
		return nil
	}
	return (*compiled).Matches(sig)
}

// FitOptions configures a Fit run.
type FitOptions[T any] struct {
	TrainExamples      []T
	PerDeviceBatchSize int
	NEpochs            int

	// EvalExamples enables per-epoch evaluation when non-empty.
	EvalExamples []T
	// EvalPerDeviceBatchSize defaults to PerDeviceBatchSize.
	EvalPerDeviceBatchSize int
	// EvalLoss reports the eval loss each epoch.
	EvalLoss bool
	// EvalPredictor, when set, runs predictions on EvalExamples each epoch.
	EvalPredictor Predictor[T]
	// EvalMetricFn turns examples and their predictions into named metrics.
	// Requires EvalPredictor.
	EvalMetricFn func(examples []T, preds data.Batch) (map[string]float64, error)
}

// Fit runs the train/eval loop for NEpochs epochs. Per-epoch eval metrics are
// logged and, when the deployer has a work dir, persisted as
// outputs_epoch<i>.json.
func (t *Trainer[T]) Fit(opts FitOptions[T]) error {
	if opts.NEpochs < 1 {
		return errdefs.Configurationf("number of epochs must be >= 1, got %d", opts.NEpochs)
	}
	if opts.EvalMetricFn != nil && opts.EvalPredictor == nil {
		return errdefs.Configurationf("an eval metric function requires an eval predictor")
	}
	evalBatchSize := opts.EvalPerDeviceBatchSize
	if evalBatchSize == 0 {
		evalBatchSize = opts.PerDeviceBatchSize
	}

	for epoch := 0; epoch < opts.NEpochs; epoch++ {
		trainLoss, err := t.Train(opts.TrainExamples, opts.PerDeviceBatchSize,
			fmt.Sprintf("Training epoch %d", epoch))
		if err != nil {
			return err
		}
		klog.Infof("epoch %d: train loss %.6f", epoch, trainLoss)

		metrics, preds, err := t.evalEpoch(opts, evalBatchSize, epoch)
		if err != nil {
			return err
		}
		if metrics == nil {
			klog.Infof("epoch %d: no evaluation configured", epoch)
			continue
		}
		logEvalMetrics(epoch, metrics)
		if dir := t.deployer.WorkDir(); dir != "" {
			if err := writeEpochResults(dir, epoch, metrics, opts.EvalExamples, preds); err != nil {
				return err
			}
		}
	}
	return nil
}

// evalEpoch runs the configured evaluations for one epoch. A nil metrics map
// means nothing was configured.
func (t *Trainer[T]) evalEpoch(opts FitOptions[T], evalBatchSize, epoch int) (map[string]float64, data.Batch, error) {
	if len(opts.EvalExamples) == 0 || (!opts.EvalLoss && opts.EvalPredictor == nil) {
		return nil, nil, nil
	}
	metrics := map[string]float64{}
	if opts.EvalLoss {
		loss, err := t.EvalLoss(opts.EvalExamples, evalBatchSize, fmt.Sprintf("Evaluating epoch %d", epoch))
		if err != nil {
			return nil, nil, err
		}
		metrics["loss"] = loss
	}
	var preds data.Batch
	if opts.EvalPredictor != nil {
		var err error
		preds, err = t.Predict(opts.EvalPredictor, opts.EvalExamples, evalBatchSize,
			fmt.Sprintf("Predicting epoch %d", epoch))
		if err != nil {
			return nil, nil, err
		}
		if opts.EvalMetricFn != nil {
			extra, err := opts.EvalMetricFn(opts.EvalExamples, preds)
			if err != nil {
				return nil, nil, err
			}
			for name, value := range extra {
				metrics[name] = value
			}
		}
	}
	return metrics, preds, nil
}

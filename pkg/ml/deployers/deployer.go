// Package deployers implements the Deployer, the façade that hides the
// distributed topology from the training loop.
//
// The Deployer owns the three process-wide decisions of a run: the device
// mesh (or the absence of one), the root RNG key, and the run identity. The
// Trainer asks it for batch sizes, host-local example slices, placement of
// the training state and a StepRunner, and never branches on whether the run
// is replicated or model-sharded.
package deployers

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/texora/redco/backends"
	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/ml/data"
	"github.com/texora/redco/pkg/ml/random"
	"github.com/texora/redco/pkg/ml/train"
	"github.com/texora/redco/pkg/support/errdefs"
)

// Deployer plans and owns the distributed execution of a training run.
type Deployer struct {
	backend backends.Backend
	config  Config
	mesh    *distributed.DeviceMesh
	runID   string

	mu  sync.Mutex
	rng random.Key
}

// New creates a Deployer for the given backend. A nil mesh (NModelShards <= 1)
// means pure data-parallel replication.
func New(backend backends.Backend, config Config) (*Deployer, error) {
	if config.NModelShards == 0 {
		config.NModelShards = 1
	}
	mesh, err := distributed.MeshForShards(backend, config.NModelShards)
	if err != nil {
		return nil, err
	}
	d := &Deployer{
		backend: backend,
		config:  config,
		mesh:    mesh,
		runID:   uuid.NewString(),
		rng:     random.NewKey(config.Seed),
	}
	mode := "replicated"
	if mesh != nil {
		mode = mesh.String()
	}
	klog.Infof("Deployer run %s: backend %q, %s device(s) over %d process(es), %s",
		d.runID, backend.Name(), humanize.Comma(int64(backends.GlobalDeviceCount(backend))),
		backend.NumProcesses(), mode)
	return d, nil
}

// Backend returns the backend the deployer plans for.
func (d *Deployer) Backend() backends.Backend { return d.backend }

// Mesh returns the planned device mesh, nil when the run is replicated.
func (d *Deployer) Mesh() *distributed.DeviceMesh { return d.mesh }

// RunID returns the unique identity of this run.
func (d *Deployer) RunID() string { return d.runID }

// WorkDir returns the configured results directory, possibly empty.
func (d *Deployer) WorkDir() string { return d.config.WorkDir }

// GenRNG splits a fresh key off the process-wide RNG. The internal key is
// advanced and never handed out, so two calls never return the same key while
// the whole sequence stays a pure function of the seed.
func (d *Deployer) GenRNG() random.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, out := d.rng.Split2()
	d.rng = next
	return out
}

// ProcessBatchSize expands a per-device batch size into the batch size this
// process materializes (local) and the effective optimization batch size
// across all processes (global).
func (d *Deployer) ProcessBatchSize(perDevice int) (local, global int, err error) {
	if perDevice <= 0 {
		return 0, 0, errdefs.Configurationf("per-device batch size must be positive, got %d", perDevice)
	}
	if d.mesh == nil {
		local = perDevice * d.backend.NumDevices()
		global = local * d.backend.NumProcesses()
		return local, global, nil
	}
	dp, err := d.mesh.AxisSize(distributed.DataParallelAxis)
	if err != nil {
		return 0, 0, err
	}
	global = perDevice * dp
	if global%d.backend.NumProcesses() != 0 {
		return 0, 0, errdefs.Configurationf(
			"global batch size %d is not divisible across %d host processes", global, d.backend.NumProcesses())
	}
	return global / d.backend.NumProcesses(), global, nil
}

// ShardParamsAndOptState places the training state per the deployer's plan:
// replicated over the local devices when there is no mesh, otherwise sharded
// by partition specs derived from the rules (DefaultShardRules when rules is
// nil). The optimizer state shares the parameter topology and placement.
func (d *Deployer) ShardParamsAndOptState(state *train.State, rules []distributed.ShardRule) (*train.State, error) {
	if d.mesh == nil {
		return state.Replicate(d.backend.NumDevices())
	}
	if rules == nil {
		rules = distributed.DefaultShardRules()
	}
	specs, err := distributed.DerivePartitionSpecs(state.Params(), rules, d.mesh)
	if err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		specs.Enumerate(func(path string, spec distributed.ShardSpec) {
			klog.Infof("partition spec %s: %s", path, spec)
		})
	}
	return state.ShardBySpecs(specs, d.mesh)
}

// ProcessBatchPreds undoes the device sharding of per-batch predictions: under
// replication the leading (devices, perDevice) dimensions are merged back into
// one batch dimension. With a mesh, predictions already have a plain batch
// dimension and pass through unchanged.
func (d *Deployer) ProcessBatchPreds(preds data.Batch) (data.Batch, error) {
	if d.mesh != nil {
		return preds, nil
	}
	out := make(data.Batch, len(preds))
	for name, t := range preds {
		if t.Rank() < 2 {
			return nil, errdefs.ShapeMismatchf(
				"prediction field %q has rank %d, want a (devices, batch, ...) layout", name, t.Rank())
		}
		dims := t.Shape()
		merged := append([]int{dims[0] * dims[1]}, dims[2:]...)
		out[name] = t.Reshape(merged...)
	}
	return out, nil
}

// HostExamples returns the slice of examples this host materializes for one
// pass over the data, shuffled from shuffleRNG when shuffle is set.
func HostExamples[T any](d *Deployer, examples []T, globalBatchSize int, shuffle bool, shuffleRNG random.Key) ([]T, error) {
	return data.HostExamples(examples, globalBatchSize, shuffle, shuffleRNG,
		d.mesh, d.backend.NumProcesses(), d.backend.ProcessIndex())
}

// NewBatches builds the lazy batch iterator for this deployer's mode: under
// replication batches are device-sharded to (devices, perDevice, ...), under a
// mesh they keep a plain batch dimension.
func NewBatches[T any](d *Deployer, examples []T, batchSize int, collateFn data.CollateFn[T], desc string) *data.Batches[T] {
	return data.NewBatches(examples, batchSize, collateFn, d.mesh == nil, d.backend.NumDevices(), desc)
}
